// ABOUTME: Error taxonomy for AI backend calls
// ABOUTME: Distinguishes auth, rate-limit, network and backend failures plus exhausted retries

package ai

import (
	"errors"
	"fmt"
)

// Kind classifies an AI backend failure.
type Kind int

const (
	// KindAuth means the credentials were rejected. Never retried.
	KindAuth Kind = iota + 1
	// KindRateLimit means the backend asked us to slow down. Retried.
	KindRateLimit
	// KindNetwork covers transport failures and 5xx responses. Retried.
	KindNetwork
	// KindBackend covers malformed or empty responses. Not retried.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted matches any *ExhaustedError via errors.Is.
var ErrRetriesExhausted = errors.New("ai: retries exhausted")

// Error is a classified AI backend failure.
type Error struct {
	Kind       Kind
	Op         string // "create_thread" or "send_turn"
	StatusCode int    // HTTP status when one was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai %s: %s error (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("ai %s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.Kind == KindRateLimit || e.Kind == KindNetwork
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("ai %s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is makes errors.Is(err, ErrRetriesExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// KindOf returns the Kind of a classified error, or 0 for anything else.
func KindOf(err error) Kind {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return 0
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuth
}

// IsTransient reports whether err is a rate-limit or network failure.
func IsTransient(err error) bool {
	var aiErr *Error
	return errors.As(err, &aiErr) && aiErr.Transient()
}
