// ABOUTME: Session controller that turns transport events into debounced AI turns
// ABOUTME: Owns timer bookkeeping, identity filtering, dedupe and orderly shutdown

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/crm"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transport"
)

// Default timing values.
const (
	DefaultDebounce       = 5 * time.Second
	DefaultInactivity     = 5 * time.Minute
	DefaultQuestionMarker = "?"

	sendTimeout = 30 * time.Second
)

// DefaultNudgePhrases are sent when a question goes unanswered.
var DefaultNudgePhrases = []string{
	"Shall we continue?",
	"Am I right that we can move on?",
	"Is this still relevant?",
	"Something you didn't like?",
}

// Options tunes the controller.
type Options struct {
	// Debounce is the quiet interval D measured from the first message of a burst.
	Debounce time.Duration
	// Inactivity is the nudge interval N after a reply that asks a question.
	Inactivity time.Duration

	NudgePhrases   []string
	QuestionMarker string
	// NudgeSeed seeds phrase selection. Zero picks a random seed.
	NudgeSeed uint64

	// AllowedIdentities limits who is served. Empty serves everyone.
	AllowedIdentities []int64
	// PrivateOnly ignores group and channel identities (negative ones).
	PrivateOnly bool

	TypingIndicator bool
	// FailureNotice is sent when a turn fails for a reason other than
	// authentication. Empty disables it.
	FailureNotice string

	DedupeTTL  time.Duration
	DedupeSize int
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Inactivity <= 0 {
		o.Inactivity = DefaultInactivity
	}
	if len(o.NudgePhrases) == 0 {
		o.NudgePhrases = DefaultNudgePhrases
	}
	if o.QuestionMarker == "" {
		o.QuestionMarker = DefaultQuestionMarker
	}
	return o
}

// Controller routes events into per-identity sessions and runs their timers.
type Controller struct {
	store   *session.Store
	ai      ai.Client
	crm     crm.Client
	sender  transport.Sender
	typer   transport.Typer
	opts    Options
	logger  *slog.Logger
	dedupe  *dedupe.Cache
	phrases *phrasePicker
	allowed map[session.Identity]struct{}

	// baseCtx is canceled by Close to abort in-flight turns.
	baseCtx context.Context
	cancel  context.CancelFunc

	// mu guards closed and targets. Lock order: session mutex, then mu.
	mu      sync.Mutex
	closed  bool
	targets map[session.Identity]transport.Target

	// wg counts armed timers whose callback has not finished.
	wg sync.WaitGroup
}

// NewController wires a controller. The sender is also used for typing
// indicators when it implements transport.Typer and the option is on.
func NewController(store *session.Store, aiClient ai.Client, crmClient crm.Client, sender transport.Sender, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if crmClient == nil {
		crmClient = crm.NewNop(logger)
	}
	opts = opts.withDefaults()

	c := &Controller{
		store:   store,
		ai:      aiClient,
		crm:     crmClient,
		sender:  sender,
		opts:    opts,
		logger:  logger.With("component", "relay"),
		dedupe:  dedupe.New(opts.DedupeTTL, opts.DedupeSize),
		phrases: newPhrasePicker(opts.NudgePhrases, opts.NudgeSeed),
		targets: make(map[session.Identity]transport.Target),
	}
	if typer, ok := sender.(transport.Typer); ok && opts.TypingIndicator {
		c.typer = typer
	}
	if len(opts.AllowedIdentities) > 0 {
		c.allowed = make(map[session.Identity]struct{}, len(opts.AllowedIdentities))
		for _, id := range opts.AllowedIdentities {
			c.allowed[session.Identity(id)] = struct{}{}
		}
	}
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	return c
}

// HandleEvent buffers an incoming message. It never blocks on the network, so
// transports call it inline from their receive loop and arrival order holds.
func (c *Controller) HandleEvent(ctx context.Context, evt *transport.Event) {
	if evt == nil {
		return
	}
	if evt.Outgoing {
		c.logger.Debug("ignoring own message", "event_id", evt.ID)
		return
	}

	identity, ok := evt.Identity()
	if !ok {
		c.logger.Warn("event without identity", "event_id", evt.ID)
		return
	}
	if !c.accepts(identity) {
		c.logger.Debug("ignoring filtered identity", "identity", identity)
		return
	}
	if c.dedupe.Seen(evt.ID) {
		c.logger.Debug("dropping duplicate delivery", "event_id", evt.ID, "identity", identity)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("controller closed, dropping event", "identity", identity)
		return
	}
	c.targets[identity] = evt.Target
	c.mu.Unlock()

	sess := c.store.GetOrCreate(identity)
	sess.Update(func(st *session.State) {
		if c.cancelNudge(st) {
			c.logger.Debug("nudge canceled by incoming message", "identity", identity)
		}
		st.Append(evt.Text)
		if st.Debounce == nil && st.PendingText != "" {
			c.armDebounce(sess, st)
		}
	})

	c.logger.Debug("message buffered", "identity", identity, "length", len(evt.Text))
}

func (c *Controller) accepts(identity session.Identity) bool {
	if c.opts.PrivateOnly && identity < 0 {
		return false
	}
	if c.allowed == nil {
		return true
	}
	_, ok := c.allowed[identity]
	return ok
}

func (c *Controller) target(identity session.Identity) transport.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[identity]
}

// reserveTimer registers a timer about to be armed. It returns false once the
// controller is closed.
func (c *Controller) reserveTimer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// stopTimer cancels h and releases its reservation when the callback will
// never run.
func (c *Controller) stopTimer(h *session.Timer) bool {
	if h.Stop() {
		c.wg.Done()
		return true
	}
	return false
}

// persistIfQuiet saves the table when sess holds no timer handle.
func (c *Controller) persistIfQuiet(sess *session.Session) {
	if !sess.View().Quiet() {
		return
	}
	if err := c.store.Save(); err != nil {
		c.logger.Error("saving sessions", "error", err)
	}
}

// Close stops accepting events, cancels pending timers and in-flight turns,
// waits for running callbacks and saves the table.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	for _, sess := range c.store.All() {
		sess.Update(func(st *session.State) {
			if c.stopTimer(st.Debounce) {
				st.Debounce = nil
			}
			if c.stopTimer(st.Nudge) {
				st.Nudge = nil
			}
		})
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("timed out waiting for in-flight turns")
		return ctx.Err()
	}

	c.dedupe.Close()
	if err := c.store.Save(); err != nil {
		return err
	}
	c.logger.Info("relay stopped", "sessions", c.store.Len())
	return nil
}
