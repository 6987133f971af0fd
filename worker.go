package xrelay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	lockInbox    = "inbox"
	trackProcess = "process"

	defaultLockTimeout  = 200 * time.Millisecond
	defaultIdleInterval = time.Second
)

// WorkerConfig binds a worker to a topic.
type WorkerConfig struct {
	Name  string
	Topic string
	// RequiredFields are checked on every envelope before the processor runs.
	RequiredFields []string
	// LockTimeout bounds every inbox lock attempt (default 200ms).
	LockTimeout time.Duration
	// IdleInterval is how often an idle loop wakes to prove liveness (default 1s).
	IdleInterval time.Duration
}

// WorkerOption customizes a worker.
type WorkerOption func(*Worker)

func WithWorkerLogger(l *xlog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithWorkerClock(c xclock.Clock) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

func WithWorkerObserver(o Observer) WorkerOption {
	return func(w *Worker) {
		if o != nil {
			w.observer = o
		}
	}
}

// WithWorkerReplier sets where replies are sent. Without one, replies are dropped.
func WithWorkerReplier(r Replier) WorkerOption {
	return func(w *Worker) { w.replier = r }
}

// WithWorkerCodec sets the codec injected into processor contexts and used to
// read required fields from raw envelope bodies.
func WithWorkerCodec(c Codec) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.codec = c
		}
	}
}

// WithWorkerMiddleware wraps the processor. Recovery is always outermost.
func WithWorkerMiddleware(mws ...Middleware) WorkerOption {
	return func(w *Worker) { w.middleware = append(w.middleware, mws...) }
}

func WithWorkerHealthPolicy(p HealthPolicy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

// Worker is a topic-bound consumer. Mailboxes hand it envelopes through
// Deliver; its Run loop drains the inbox, runs the processor and sends one
// reply per envelope.
type Worker struct {
	name        string
	topic       string
	required    []string
	lockTimeout time.Duration
	idle        time.Duration

	processor  Processor
	middleware []Middleware
	replier    Replier
	codec      Codec
	clock      xclock.Clock
	logger     *xlog.Logger
	observer   Observer
	policy     HealthPolicy

	locks     *LockRegistry
	lifecycle *Lifecycle

	// guarded by the inbox lock
	inbox   []*Envelope
	pending map[string]struct{}

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Watcher = (*Worker)(nil)

// NewWorker builds a worker in StateInitialized.
func NewWorker(cfg WorkerConfig, p Processor, opts ...WorkerOption) (*Worker, error) {
	if cfg.Name == "" || cfg.Topic == "" || p == nil {
		return nil, ErrInvalidWorker
	}
	w := &Worker{
		name:        cfg.Name,
		topic:       cfg.Topic,
		required:    append([]string(nil), cfg.RequiredFields...),
		lockTimeout: cfg.LockTimeout,
		idle:        cfg.IdleInterval,
		codec:       JSONCodec{},
		clock:       xclock.Default(),
		logger:      xlog.Default(),
		observer:    nopObserver{},
		policy:      DefaultHealthPolicy(),
		pending:     make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	if w.lockTimeout <= 0 {
		w.lockTimeout = defaultLockTimeout
	}
	if w.idle <= 0 {
		w.idle = defaultIdleInterval
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.policy.UnresponsiveAfter > 0 && w.policy.UnresponsiveAfter < 3*w.idle {
		w.policy.UnresponsiveAfter = 3 * w.idle
	}

	locks, err := NewLockRegistry(lockInbox)
	if err != nil {
		return nil, err
	}
	w.locks = locks
	w.processor = Chain(p, append([]Middleware{RecoveryMiddleware()}, w.middleware...)...)
	w.lifecycle = NewLifecycle(cfg.Name, w.clock, w.policy, trackProcess)
	w.lifecycle.SetObserver(w.observer)
	w.logger = w.logger.With(xlog.Str("worker", cfg.Name), xlog.Str("topic", cfg.Topic))
	return w, nil
}

func (w *Worker) Name() string  { return w.name }
func (w *Worker) Topic() string { return w.topic }

// Lifecycle exposes the worker's state machine.
func (w *Worker) Lifecycle() *Lifecycle { return w.lifecycle }

// Locks exposes the worker's lock registry (lock id "inbox").
func (w *Worker) Locks() *LockRegistry { return w.locks }

// Interested reports whether topic is the worker's bound topic.
func (w *Worker) Interested(topic string) bool { return topic == w.topic }

// Deliver makes one bounded attempt on the inbox lock. On success it appends
// the envelopes not already queued and not yet collected, wakes the loop and
// returns true. On timeout it returns false and the envelopes stay in the
// mailbox for a later delivery.
func (w *Worker) Deliver(msgs []*Envelope) bool {
	owner := NewOwner()
	ok, err := w.locks.TryAcquire(owner, lockInbox, w.lockTimeout)
	if err != nil || !ok {
		w.lifecycle.RecordLockMiss()
		w.observer.OnEvent(Event{Type: LockMissed, Topic: w.topic, Component: w.name, Count: len(msgs)})
		return false
	}
	added := 0
	for _, env := range msgs {
		if env == nil || env.Collected() {
			continue
		}
		if _, dup := w.pending[env.ID]; dup {
			continue
		}
		w.pending[env.ID] = struct{}{}
		w.inbox = append(w.inbox, env)
		added++
	}
	_ = w.locks.Release(owner, lockInbox)
	w.lifecycle.RecordLockHit()

	if added > 0 {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the number of envelopes waiting in the inbox, or -1 when
// the inbox lock could not be taken in time.
func (w *Worker) Pending() int {
	owner := NewOwner()
	ok, err := w.locks.TryAcquire(owner, lockInbox, w.lockTimeout)
	if err != nil || !ok {
		return -1
	}
	defer func() { _ = w.locks.Release(owner, lockInbox) }()
	return len(w.inbox)
}

// Run drives the worker loop until ctx is cancelled or Stop is called.
// Only an Initialized or Started worker can run.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.lifecycle.TransitionFrom(StateWorking, StateInitialized, StateStarted); err != nil {
		return err
	}
	w.logger.Info().Dur("lock_timeout", w.lockTimeout).Msg("xrelay: worker working")

	ticker := time.NewTicker(w.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.stopped()
		case <-w.stopCh:
			return w.stopped()
		case <-w.wake:
			w.Drain(ctx)
		case <-ticker.C:
			w.lifecycle.Touch()
			// picks up work deferred by an earlier lock miss
			w.Drain(ctx)
		}
	}
}

func (w *Worker) stopped() error {
	if err := w.lifecycle.Transition(StateStopped); err != nil {
		return err
	}
	w.logger.Info().Msg("xrelay: worker stopped")
	return nil
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Drain runs one processing pass over the inbox while holding the inbox lock
// and returns the number of envelopes handled. ok is false when the lock could
// not be acquired; the pass is then deferred. Each call is its own lock owner,
// so concurrent passes exclude each other.
func (w *Worker) Drain(ctx context.Context) (handled int, ok bool) {
	owner := NewOwner()
	acquired, err := w.locks.TryAcquire(owner, lockInbox, w.lockTimeout)
	if err != nil || !acquired {
		w.lifecycle.RecordLockMiss()
		w.observer.OnEvent(Event{Type: LockMissed, Topic: w.topic, Component: w.name})
		w.logger.Debug().Msg("xrelay: inbox busy, pass deferred")
		return 0, false
	}
	defer func() { _ = w.locks.Release(owner, lockInbox) }()
	w.lifecycle.RecordLockHit()

	for len(w.inbox) > 0 {
		env := w.inbox[0]
		w.inbox[0] = nil
		w.inbox = w.inbox[1:]
		delete(w.pending, env.ID)

		if env.Collected() {
			continue
		}
		w.handle(ctx, env)
		handled++
	}
	w.inbox = nil
	if handled > 0 {
		w.logger.Debug().Str("handled", strconv.Itoa(handled)).Msg("xrelay: inbox drained")
	}
	return handled, true
}

func (w *Worker) handle(ctx context.Context, env *Envelope) {
	log := w.logger.With(
		xlog.Str("envelope_id", env.ID),
		xlog.Str("origin", env.Origin),
		xlog.Str("correlation_id", env.Meta.CorrelationID),
	)

	_ = w.lifecycle.BeginOperation(trackProcess)
	var (
		reply Reply
		perr  error
	)
	if err := w.validate(env); err != nil {
		perr = err
	} else {
		pctx := injectMeta(InjectAll(ctx, w.codec, log, w.clock), env.Meta)
		res, err := w.processor.Process(pctx, env)
		perr = err
		if err == nil {
			reply = OK(res)
		}
	}
	elapsed, _ := w.lifecycle.EndOperation(trackProcess)

	if perr != nil {
		reply = Fail(FailureFor(perr))
		switch {
		case IsValidation(perr):
			log.Debug().Err(perr).Msg("xrelay: request rejected")
		case errors.Is(perr, ErrAmbiguous):
			log.Error().Err(perr).Dur("elapsed", elapsed).Msg("xrelay: ambiguous state, request aborted")
		case errors.Is(perr, ErrProcessorPanic):
			w.observer.OnEvent(Event{Type: Error, Topic: w.topic, Component: w.name, EnvelopeID: env.ID, Err: perr})
			log.Error().Err(perr).Dur("elapsed", elapsed).Msg("xrelay: processor panicked")
		default:
			log.Error().Err(perr).Dur("elapsed", elapsed).Msg("xrelay: processing failed")
		}
	}

	if err := env.MarkCollected(w.clock.Now()); err != nil {
		// another watcher of the same topic got there first; it owns the reply
		log.Warn().Err(err).Msg("xrelay: envelope collected concurrently, reply suppressed")
		return
	}

	if perr != nil {
		w.observer.OnEvent(Event{Type: Failed, Topic: w.topic, Component: w.name, EnvelopeID: env.ID, Duration: elapsed, Err: perr})
	} else {
		w.observer.OnEvent(Event{Type: Processed, Topic: w.topic, Component: w.name, EnvelopeID: env.ID, Duration: elapsed})
	}

	if env.Meta.ReplyTo == "" || w.replier == nil {
		log.Debug().Msg("xrelay: no reply address, reply dropped")
		return
	}
	if !w.replier.Reply(ctx, env.Meta, reply) {
		log.Warn().Msg("xrelay: reply not delivered")
	}
}

// validate checks the required fields. Payload envelopes are checked directly;
// raw bodies are decoded into a map with the worker codec.
func (w *Worker) validate(env *Envelope) error {
	if len(w.required) == 0 {
		return nil
	}
	if env.Payload.Len() > 0 {
		for _, f := range w.required {
			if v, ok := env.Field(f); !ok || v == "" {
				return Missing(f)
			}
		}
		return nil
	}
	fields := map[string]any{}
	if len(env.Body) > 0 {
		if err := w.codec.Unmarshal(env.Body, &fields); err != nil {
			return Invalid("", "malformed body")
		}
	}
	for _, f := range w.required {
		v, ok := fields[f]
		if !ok || v == nil || v == "" {
			return Missing(f)
		}
	}
	return nil
}
