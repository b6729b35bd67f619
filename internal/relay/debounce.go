// ABOUTME: Debounce timer: coalesces a burst of messages into one AI dispatch
// ABOUTME: The deadline is fixed at the first message; later messages only append

package relay

import (
	"github.com/2389/coven-relay/internal/session"
)

// armDebounce arms the debounce timer. Must be called inside sess.Update.
func (c *Controller) armDebounce(sess *session.Session, st *session.State) {
	if !c.reserveTimer() {
		return
	}
	st.Debounce = session.AfterFunc(c.opts.Debounce, func(h *session.Timer) {
		c.onDebounce(sess, h)
	})
}

// onDebounce drains the buffer and runs the turn. The handle stays in the
// session until the turn finishes, so messages arriving meanwhile only append.
func (c *Controller) onDebounce(sess *session.Session, h *session.Timer) {
	defer c.wg.Done()

	var (
		owner bool
		req   turnRequest
	)
	sess.Update(func(st *session.State) {
		if st.Debounce != h {
			return
		}
		owner = true
		req = turnRequest{
			text:           st.Drain(),
			conversationID: st.ConversationID,
			token:          st.ContinuationToken,
		}
		if req.text == "" {
			st.Debounce = nil
		}
	})
	if !owner {
		return
	}
	if req.text == "" {
		c.persistIfQuiet(sess)
		return
	}

	res := c.runTurn(sess, req)
	c.finishDispatch(sess, h, res)
}

// finishDispatch releases the debounce handle and decides what runs next:
// a new debounce for text that arrived mid-dispatch, otherwise a nudge when
// the reply asked a question.
func (c *Controller) finishDispatch(sess *session.Session, h *session.Timer, res turnResult) {
	var armedNudge, quiet bool
	sess.Update(func(st *session.State) {
		if st.Debounce == h {
			st.Debounce = nil
		}
		if res.replied {
			c.cancelNudge(st)
		}
		switch {
		case st.PendingText != "":
			c.armDebounce(sess, st)
		case res.replied && res.asksQuestion:
			armedNudge = c.armNudge(sess, st)
		}
		quiet = st.Quiet()
	})

	if armedNudge {
		c.logger.Debug("nudge armed", "identity", sess.Identity(), "after", c.opts.Inactivity)
	}
	if quiet {
		if err := c.store.Save(); err != nil {
			c.logger.Error("saving sessions", "error", err)
		}
	}
}
