// ABOUTME: Bounded exponential-backoff retry around an AI Client
// ABOUTME: Only rate-limit and network failures are retried; auth and backend failures return at once

package ai

import (
	"context"
	"log/slog"
	"time"
)

// Default retry policy values.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// RetryPolicy bounds the retry loop. The delay after attempt n is
// BaseDelay * 2^(n-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay returns the wait after the given failed attempt (starting at 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// RetryingClient wraps a Client with the retry policy.
type RetryingClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient wraps next. Zero policy fields fall back to the defaults.
func NewRetryingClient(next Client, policy RetryPolicy, logger *slog.Logger) *RetryingClient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{
		next:   next,
		policy: policy,
		logger: logger.With("component", "ai"),
		sleep:  sleepContext,
	}
}

// CreateThread opens a conversation, retrying transient failures.
func (r *RetryingClient) CreateThread(ctx context.Context) (string, string, error) {
	var convID, token string
	err := r.do(ctx, "create_thread", func(ctx context.Context) error {
		var err error
		convID, token, err = r.next.CreateThread(ctx)
		if err != nil {
			return err
		}
		if convID == "" {
			return &Error{Kind: KindBackend, Op: "create_thread", Message: "empty conversation id"}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return convID, token, nil
}

// SendTurn sends one turn, retrying transient failures. An empty reply is a
// backend failure.
func (r *RetryingClient) SendTurn(ctx context.Context, text, conversationID, token string) (*Turn, error) {
	var turn *Turn
	err := r.do(ctx, "send_turn", func(ctx context.Context) error {
		var err error
		turn, err = r.next.SendTurn(ctx, text, conversationID, token)
		if err != nil {
			return err
		}
		if turn == nil || turn.Reply == "" {
			return &Error{Kind: KindBackend, Op: "send_turn", Message: "empty reply"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (r *RetryingClient) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := call(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("ai call succeeded after retry", "op", op, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			switch KindOf(err) {
			case KindAuth:
				r.logger.Error("ai authentication failed", "op", op, "error", err)
			case KindBackend:
				r.logger.Warn("ai backend returned an unusable response", "op", op, "error", err)
			default:
				r.logger.Error("ai call failed", "op", op, "error", err)
			}
			return err
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		r.logger.Warn("ai call failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.logger.Error("ai call retries exhausted", "op", op, "attempts", r.policy.MaxAttempts, "error", lastErr)
	return &ExhaustedError{Op: op, Attempts: r.policy.MaxAttempts, Last: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
