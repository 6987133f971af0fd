package xrelay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	trackSweep = "sweep"

	defaultTickInterval = time.Second
)

// DispatcherConfig sizes a dispatcher.
type DispatcherConfig struct {
	// Mailboxes is the fixed shard count N (> 0).
	Mailboxes int
	// Expiry is the maximum envelope age kept by Sweep (>= 0).
	Expiry time.Duration
	// TickInterval gates the Run loop (default 1s).
	TickInterval time.Duration
}

// DispatcherOption customizes a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock injects the clock used for sweeps and health.
func WithDispatcherClock(c xclock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithDispatcherLogger injects the logger.
func WithDispatcherLogger(l *xlog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherObserver injects the observer every mailbox reports to.
func WithDispatcherObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithDispatcherHealthPolicy overrides the lifecycle health policy.
func WithDispatcherHealthPolicy(p HealthPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// Dispatcher owns a fixed pool of mailboxes, routes envelopes to them round
// robin and periodically sweeps expired envelopes.
type Dispatcher struct {
	clock    xclock.Clock
	logger   *xlog.Logger
	observer Observer
	policy   HealthPolicy

	expiry   time.Duration
	interval time.Duration

	mailboxes []*Mailbox
	lifecycle *Lifecycle

	mu     sync.Mutex
	cursor int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDispatcher validates cfg and builds N mailboxes.
func NewDispatcher(cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if cfg.Mailboxes <= 0 {
		return nil, ErrInvalidMailboxCount
	}
	if cfg.Expiry < 0 {
		return nil, ErrInvalidExpiry
	}
	d := &Dispatcher{
		clock:    xclock.Default(),
		logger:   xlog.Default(),
		observer: nopObserver{},
		policy:   DefaultHealthPolicy(),
		expiry:   cfg.Expiry,
		interval: cfg.TickInterval,
		stopCh:   make(chan struct{}),
	}
	if d.interval <= 0 {
		d.interval = defaultTickInterval
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	// the loop only sweeps; it must not be reported unresponsive between ticks
	if d.policy.UnresponsiveAfter > 0 && d.policy.UnresponsiveAfter < 3*d.interval {
		d.policy.UnresponsiveAfter = 3 * d.interval
	}

	d.lifecycle = NewLifecycle("dispatcher", d.clock, d.policy, trackSweep)
	d.lifecycle.SetObserver(d.observer)
	d.mailboxes = make([]*Mailbox, cfg.Mailboxes)
	for i := range d.mailboxes {
		d.mailboxes[i] = NewMailbox(i, d.observer)
	}
	return d, nil
}

// Submit routes env to the next mailbox in round-robin order and returns once
// that mailbox has enqueued it and notified its watchers.
func (d *Dispatcher) Submit(topic string, env *Envelope) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if env == nil {
		return ErrNilEnvelope
	}
	if st := d.lifecycle.State(); st == StateDestroyed {
		return ErrDispatcherStopped
	}

	d.mu.Lock()
	mb := d.mailboxes[d.cursor]
	d.cursor = (d.cursor + 1) % len(d.mailboxes)
	d.mu.Unlock()

	if err := mb.Enqueue(topic, env); err != nil {
		return err
	}
	d.observer.OnEvent(Event{Type: Submitted, Topic: topic, Component: "dispatcher", Mailbox: mb.Index(), EnvelopeID: env.ID})
	return nil
}

// Sweep purges envelopes older than the expiry from every mailbox and returns
// the number removed, collected or not.
func (d *Dispatcher) Sweep() int {
	now := d.clock.Now()
	removed := 0
	for _, mb := range d.mailboxes {
		removed += mb.Sweep(d.expiry, now)
	}
	if removed > 0 {
		d.observer.OnEvent(Event{Type: Swept, Component: "dispatcher", Count: removed})
	}
	return removed
}

// RegisterWatcher registers w with every mailbox; round robin spreads a topic
// across all shards.
func (d *Dispatcher) RegisterWatcher(w Watcher) {
	for _, mb := range d.mailboxes {
		mb.RegisterWatcher(w)
	}
}

// Run drives the dispatcher loop until ctx is cancelled or Stop is called.
// Each tick records liveness and sweeps expired envelopes.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.lifecycle.TransitionFrom(StateWorking, StateInitialized, StateStarted); err != nil {
		return err
	}
	d.logger.Info().
		Str("mailboxes", strconv.Itoa(len(d.mailboxes))).
		Dur("expiry", d.expiry).
		Dur("tick", d.interval).
		Msg("xrelay: dispatcher working")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.stopped()
		case <-d.stopCh:
			return d.stopped()
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Dispatcher) tick() {
	// watchers are notified synchronously by Submit; the tick only proves liveness
	d.lifecycle.Touch()

	_ = d.lifecycle.BeginOperation(trackSweep)
	removed := d.Sweep()
	if _, err := d.lifecycle.EndOperation(trackSweep); err != nil {
		d.observer.OnEvent(Event{Type: Error, Component: "dispatcher", Err: err})
		d.logger.Warn().Err(err).Msg("xrelay: dispatcher sweep tracking failed")
	}
	if removed > 0 {
		d.logger.Debug().Str("removed", strconv.Itoa(removed)).Msg("xrelay: expired envelopes swept")
	}
}

func (d *Dispatcher) stopped() error {
	if err := d.lifecycle.Transition(StateStopped); err != nil {
		return err
	}
	d.logger.Info().Msg("xrelay: dispatcher stopped")
	return nil
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Mailbox returns shard i.
func (d *Dispatcher) Mailbox(i int) *Mailbox { return d.mailboxes[i] }

// Mailboxes returns the shard count N.
func (d *Dispatcher) Mailboxes() int { return len(d.mailboxes) }

// Cursor returns the index of the mailbox the next Submit will use.
func (d *Dispatcher) Cursor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// Lifecycle exposes the dispatcher's state machine.
func (d *Dispatcher) Lifecycle() *Lifecycle { return d.lifecycle }

// Pending returns the number of uncollected envelopes for topic across shards.
func (d *Dispatcher) Pending(topic string) int {
	n := 0
	for _, mb := range d.mailboxes {
		n += len(mb.GetMessages(topic))
	}
	return n
}
