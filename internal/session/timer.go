// ABOUTME: Ownership handle for a session timer goroutine
// ABOUTME: Wraps time.AfterFunc so cancel is nil-safe and idempotent

package session

import "time"

// Timer is the handle a session holds while a timer is armed. The callback
// receives its own handle so it can check it still owns the session slot.
type Timer struct {
	t *time.Timer
}

// AfterFunc arms a timer that calls f with its handle after d.
func AfterFunc(d time.Duration, f func(h *Timer)) *Timer {
	h := &Timer{}
	h.t = time.AfterFunc(d, func() { f(h) })
	return h
}

// Stop cancels the timer. It reports whether the call prevented the callback
// from running. Stopping a nil, fired or already stopped timer returns false.
func (h *Timer) Stop() bool {
	if h == nil || h.t == nil {
		return false
	}
	return h.t.Stop()
}
