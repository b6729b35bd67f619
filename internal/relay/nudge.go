// ABOUTME: Inactivity nudge: a one-shot reminder after a reply that asked a question
// ABOUTME: Any incoming message or a newer reply cancels a pending nudge

package relay

import (
	"math/rand/v2"
	"sync"

	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transport"
)

type phrasePicker struct {
	mu      sync.Mutex
	rng     *rand.Rand
	phrases []string
}

func newPhrasePicker(phrases []string, seed uint64) *phrasePicker {
	var src *rand.PCG
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		src = rand.NewPCG(seed, seed)
	}
	return &phrasePicker{rng: rand.New(src), phrases: phrases}
}

func (p *phrasePicker) pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phrases[p.rng.IntN(len(p.phrases))]
}

// cancelNudge stops a pending nudge. Must be called inside sess.Update.
func (c *Controller) cancelNudge(st *session.State) bool {
	if st.Nudge == nil {
		return false
	}
	stopped := c.stopTimer(st.Nudge)
	st.Nudge = nil
	return stopped
}

// armNudge arms the inactivity timer. Must be called inside sess.Update.
func (c *Controller) armNudge(sess *session.Session, st *session.State) bool {
	if !c.reserveTimer() {
		return false
	}
	st.Nudge = session.AfterFunc(c.opts.Inactivity, func(h *session.Timer) {
		c.onNudge(sess, h)
	})
	return true
}

func (c *Controller) onNudge(sess *session.Session, h *session.Timer) {
	defer c.wg.Done()

	var owner bool
	sess.Update(func(st *session.State) {
		if st.Nudge != h {
			return
		}
		owner = true
		st.Nudge = nil
	})
	if !owner {
		return
	}

	identity := sess.Identity()
	phrase := c.phrases.pick()
	logger := c.logger.With("identity", identity)
	if c.send(c.baseCtx, c.target(identity), phrase, transport.FormatPlain, logger) {
		logger.Info("nudge sent", "phrase", phrase)
	}
	c.persistIfQuiet(sess)
}
