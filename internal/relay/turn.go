// ABOUTME: One AI turn for a drained buffer: thread creation, the AI call, CRM update and reply
// ABOUTME: CRM updates and sends are best-effort and logged independently

package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/crm"
	"github.com/2389/coven-relay/internal/format"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transport"
)

type turnRequest struct {
	text           string
	conversationID string
	token          string
}

type turnResult struct {
	replied      bool
	asksQuestion bool
}

// runTurn sends the drained text to the AI and relays the reply. Session
// state is only touched inside short Update calls, never across I/O.
func (c *Controller) runTurn(sess *session.Session, req turnRequest) turnResult {
	ctx := c.baseCtx
	identity := sess.Identity()
	target := c.target(identity)
	logger := c.logger.With("identity", identity, "turn_id", uuid.NewString())

	logger.Info("dispatching turn", "length", len(req.text), "new_conversation", req.conversationID == "")

	if c.typer != nil {
		c.setTyping(ctx, target, true, logger)
		defer c.setTyping(ctx, target, false, logger)
	}

	convID, token := req.conversationID, req.token
	if convID == "" {
		var err error
		convID, token, err = c.ai.CreateThread(ctx)
		if err != nil {
			c.turnFailed(ctx, identity, target, err, logger)
			return turnResult{}
		}
		sess.Update(func(st *session.State) {
			st.ConversationID = convID
			st.ContinuationToken = token
		})
		logger.Info("conversation created", "conversation_id", convID)

		if err := c.crm.CreateTrackedInteraction(ctx, int64(identity)); err != nil {
			logger.Warn("crm tracked interaction failed", "error", err)
		}
	}

	turn, err := c.ai.SendTurn(ctx, req.text, convID, token)
	if err != nil {
		c.turnFailed(ctx, identity, target, err, logger)
		return turnResult{}
	}

	// An absent next token clears the stored one; the conversation id stays.
	sess.Update(func(st *session.State) {
		st.ContinuationToken = turn.NextToken
	})

	reply := format.Reply(turn.Reply)
	replied := c.send(ctx, target, reply, transport.FormatHTML, logger)

	if err := c.crm.UpdateStatus(ctx, int64(identity), crm.StatusMidle); err != nil {
		logger.Warn("crm status update failed", "status", crm.StatusMidle, "error", err)
	}

	logger.Info("turn complete", "reply_length", len(reply), "sent", replied)
	return turnResult{
		replied:      replied,
		asksQuestion: strings.Contains(reply, c.opts.QuestionMarker),
	}
}

// turnFailed reports a failed turn to the CRM and, unless the failure was
// authentication, tells the user. Shutdown cancellation does neither.
func (c *Controller) turnFailed(ctx context.Context, identity session.Identity, target transport.Target, err error, logger *slog.Logger) {
	if ctx.Err() != nil {
		logger.Info("turn canceled by shutdown")
		return
	}

	switch {
	case ai.IsAuthentication(err):
		logger.Error("ai authentication failed, no reply sent", "error", err)
	case errors.Is(err, ai.ErrRetriesExhausted):
		logger.Error("ai unavailable after retries", "error", err)
	default:
		logger.Warn("ai turn failed", "kind", ai.KindOf(err), "error", err)
	}

	if crmErr := c.crm.UpdateStatus(ctx, int64(identity), crm.StatusError); crmErr != nil {
		logger.Warn("crm status update failed", "status", crm.StatusError, "error", crmErr)
	}

	if ai.IsAuthentication(err) || c.opts.FailureNotice == "" {
		return
	}
	c.send(ctx, target, c.opts.FailureNotice, transport.FormatPlain, logger)
}

// send delivers text with a context detached from shutdown so a finished
// reply still goes out. Returns whether it was delivered.
func (c *Controller) send(ctx context.Context, target transport.Target, text string, f transport.Format, logger *slog.Logger) bool {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if err := c.sender.Send(sendCtx, target, text, f); err != nil {
		logger.Error("sending message failed", "error", err)
		return false
	}
	return true
}

func (c *Controller) setTyping(ctx context.Context, target transport.Target, typing bool, logger *slog.Logger) {
	typingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if err := c.typer.SetTyping(typingCtx, target, typing); err != nil {
		logger.Debug("failed to set typing indicator", "error", err)
	}
}
