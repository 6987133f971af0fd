package xrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RelayBuilder constructs Relay instances (Builder pattern).
type RelayBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	registry     *Registry
	pending      []WorkerSpec
	dispatcher   DispatcherConfig
	lockTimeout  time.Duration
	idleInterval time.Duration
	policy       *HealthPolicy

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	poolWorkers int
	poolBuffer  int
	syncEvents  bool
}

// NewRelayBuilder returns a new builder with sensible defaults.
func NewRelayBuilder() *RelayBuilder {
	return &RelayBuilder{
		codecName: "json",
		dispatcher: DispatcherConfig{
			Mailboxes:    4,
			Expiry:       5 * time.Minute,
			TickInterval: time.Second,
		},
		lockTimeout: defaultLockTimeout,
		poolWorkers: 4,
		poolBuffer:  1000,
	}
}

func (rb *RelayBuilder) WithTransport(name string, cfg map[string]any) *RelayBuilder {
	rb.transportName = name
	rb.transportCfg = cfg
	return rb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (rb *RelayBuilder) WithTransportInstance(t Transport) *RelayBuilder {
	rb.transportInst = t
	return rb
}

func (rb *RelayBuilder) WithCodec(name string) *RelayBuilder {
	rb.codecName = name
	return rb
}

func (rb *RelayBuilder) WithCodecInstance(c Codec) *RelayBuilder {
	rb.codecInst = c
	return rb
}

// WithRegistry uses reg as the worker table.
func (rb *RelayBuilder) WithRegistry(reg *Registry) *RelayBuilder {
	rb.registry = reg
	return rb
}

// WithWorker adds a worker spec; errors surface from Build.
func (rb *RelayBuilder) WithWorker(spec WorkerSpec) *RelayBuilder {
	rb.pending = append(rb.pending, spec)
	return rb
}

func (rb *RelayBuilder) WithMailboxes(n int) *RelayBuilder {
	rb.dispatcher.Mailboxes = n
	return rb
}

func (rb *RelayBuilder) WithExpiry(d time.Duration) *RelayBuilder {
	rb.dispatcher.Expiry = d
	return rb
}

func (rb *RelayBuilder) WithTickInterval(d time.Duration) *RelayBuilder {
	rb.dispatcher.TickInterval = d
	return rb
}

// WithLockTimeout sets the default inbox lock timeout for workers whose spec
// does not set one.
func (rb *RelayBuilder) WithLockTimeout(d time.Duration) *RelayBuilder {
	if d > 0 {
		rb.lockTimeout = d
	}
	return rb
}

func (rb *RelayBuilder) WithIdleInterval(d time.Duration) *RelayBuilder {
	rb.idleInterval = d
	return rb
}

func (rb *RelayBuilder) WithHealthPolicy(p HealthPolicy) *RelayBuilder {
	rb.policy = &p
	return rb
}

// WithMiddleware wraps every worker's processor.
func (rb *RelayBuilder) WithMiddleware(mw ...Middleware) *RelayBuilder {
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RelayBuilder) WithObserver(obs ...Observer) *RelayBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

func (rb *RelayBuilder) WithLogger(l *xlog.Logger) *RelayBuilder {
	rb.logger = l
	return rb
}

func (rb *RelayBuilder) WithClock(c xclock.Clock) *RelayBuilder {
	rb.clock = c
	return rb
}

// WithObserverPool sizes the async observer pool.
func (rb *RelayBuilder) WithObserverPool(workers, buffer int) *RelayBuilder {
	rb.poolWorkers = workers
	rb.poolBuffer = buffer
	return rb
}

// WithSyncObservers dispatches events on the calling goroutine instead of the pool.
func (rb *RelayBuilder) WithSyncObservers() *RelayBuilder {
	rb.syncEvents = true
	return rb
}

func (rb *RelayBuilder) Build() (*Relay, error) {
	var (
		tr  Transport
		err error
	)
	switch {
	case rb.transportInst != nil:
		tr = rb.transportInst
	case rb.transportName != "":
		tr, err = NewTransport(rb.transportName, rb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransport
	}

	cd := rb.codecInst
	if cd == nil {
		if cd, err = NewCodec(rb.codecName); err != nil {
			return nil, err
		}
	}

	clk := rb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := rb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	policy := DefaultHealthPolicy()
	if rb.policy != nil {
		policy = *rb.policy
	}

	reg := rb.registry
	if reg == nil {
		reg = NewRegistry()
	}
	for _, spec := range rb.pending {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}

	var pool *ObserverPool
	if !rb.syncEvents {
		pool = NewObserverPool(context.Background(), rb.poolWorkers, rb.poolBuffer)
	}
	hub := NewHub(pool)
	hasLoggingObserver := false
	for _, o := range rb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		hub.Add(LoggingObserver{Logger: lg})
	}
	for _, o := range rb.observers {
		hub.Add(o)
	}

	fail := func(err error) (*Relay, error) {
		if pool != nil {
			_ = pool.Close(time.Second)
		}
		return nil, err
	}

	d, err := NewDispatcher(rb.dispatcher,
		WithDispatcherClock(clk),
		WithDispatcherLogger(lg),
		WithDispatcherObserver(hub),
		WithDispatcherHealthPolicy(policy),
	)
	if err != nil {
		return fail(err)
	}

	responder := NewResponder(tr,
		WithResponderCodec(cd),
		WithResponderLogger(lg),
		WithResponderObserver(hub),
	)

	var workers []*Worker
	for _, spec := range reg.Specs() {
		timeout := spec.LockTimeout
		if timeout <= 0 {
			timeout = rb.lockTimeout
		}
		for i := 0; i < spec.Replicas; i++ {
			name := spec.Name
			if spec.Replicas > 1 {
				name = fmt.Sprintf("%s-%d", spec.Name, i)
			}
			p, err := spec.New()
			if err != nil {
				return fail(fmt.Errorf("xrelay: build worker %q: %w", name, err))
			}
			mws := append(append([]Middleware(nil), rb.middlewares...), spec.Middleware...)
			w, err := NewWorker(WorkerConfig{
				Name:           name,
				Topic:          spec.Topic,
				RequiredFields: spec.Required,
				LockTimeout:    timeout,
				IdleInterval:   rb.idleInterval,
			}, p,
				WithWorkerLogger(lg),
				WithWorkerClock(clk),
				WithWorkerObserver(hub),
				WithWorkerReplier(responder),
				WithWorkerCodec(cd),
				WithWorkerHealthPolicy(policy),
				WithWorkerMiddleware(mws...),
			)
			if err != nil {
				return fail(err)
			}
			d.RegisterWatcher(w)
			workers = append(workers, w)
		}
	}

	return &Relay{
		dispatcher: d,
		workers:    workers,
		responder:  responder,
		transport:  tr,
		codec:      cd,
		hub:        hub,
		pool:       pool,
		clock:      clk,
		logger:     lg,
	}, nil
}

// New constructs a Relay via Builder and returns a close func for convenience.
func New(init func(b *RelayBuilder)) (*Relay, func() error, error) {
	b := NewRelayBuilder()
	if init != nil {
		init(b)
	}
	r, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return r.Close(context.Background()) }
	return r, closeFn, nil
}
