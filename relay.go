package xrelay

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// Relay is the Facade that owns a dispatcher, its workers and the reply path.
type Relay struct {
	dispatcher *Dispatcher
	workers    []*Worker
	responder  *Responder
	transport  Transport
	codec      Codec
	hub        *Hub
	pool       *ObserverPool
	clock      xclock.Clock
	logger     *xlog.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	runMu   sync.Mutex
	running bool
	runDone chan struct{}
}

// Codec returns the reply codec.
func (r *Relay) Codec() Codec { return r.codec }

// Dispatcher exposes the routing layer.
func (r *Relay) Dispatcher() *Dispatcher { return r.dispatcher }

// Workers returns the workers built from the registry.
func (r *Relay) Workers() []*Worker {
	out := make([]*Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// Submit routes env to the workers bound to topic.
func (r *Relay) Submit(topic string, env *Envelope) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	return r.dispatcher.Submit(topic, env)
}

// Run drives the dispatcher and every worker loop until ctx is cancelled,
// Close is called, or one of the loops fails.
func (r *Relay) Run(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return ErrInvalidState
	}
	r.running = true
	done := make(chan struct{})
	r.runDone = done
	r.runMu.Unlock()
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dispatcher.Run(gctx) })
	for _, w := range r.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	r.logger.Info().
		Str("workers", strconv.Itoa(len(r.workers))).
		Str("transport", transportName(r.transport)).
		Msg("xrelay: relay running")
	err := g.Wait()
	if err != nil {
		r.hub.OnEvent(Event{Type: Error, Component: "relay", Err: err})
		r.logger.Error().Err(err).Msg("xrelay: relay stopped with error")
	}
	return err
}

// Metrics returns current relay metrics.
func (r *Relay) Metrics() Metrics { return r.hub.Metrics() }

// Health aggregates component health for probes.
func (r *Relay) Health(ctx context.Context) HealthStatus {
	now := r.clock.Now()
	if r.closed.Load() {
		return HealthStatus{Status: "unhealthy", Message: "relay is closed", Timestamp: now}
	}

	metrics := r.Metrics()
	st := HealthStatus{
		Status:     "healthy",
		Metrics:    metrics,
		Components: make(map[string]string, len(r.workers)+1),
		Timestamp:  now,
	}
	degrade := func(msg string) {
		if st.Status == "healthy" {
			st.Status = "degraded"
			st.Message = msg
		}
	}

	if p, ok := r.transport.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			st.Status = "unhealthy"
			st.Message = "transport unreachable: " + err.Error()
		}
	}

	reporters := make([]HealthReporter, 0, len(r.workers)+1)
	reporters = append(reporters, r.dispatcher)
	for _, w := range r.workers {
		reporters = append(reporters, w)
	}
	for _, hr := range reporters {
		lc := hr.Lifecycle()
		h := lc.Health()
		st.Components[lc.Name()] = lc.State().String() + "/" + h.String()
		switch h {
		case HealthUnresponsive:
			st.Status = "unhealthy"
			st.Message = lc.Name() + " is unresponsive"
		case HealthTroubled, HealthSlow:
			degrade(lc.Name() + " is " + h.String())
		}
	}

	// degraded if more than 5% of replies fail
	if total := metrics.Replied + metrics.ReplyFailed; total > 0 {
		if float64(metrics.ReplyFailed)/float64(total) > 0.05 {
			degrade("reply failure rate above 5%")
		}
	}
	return st
}

// Close stops every loop, waits for Run to return (bounded by ctx), destroys
// the components and releases the observer pool and transport. Idempotent.
func (r *Relay) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		r.dispatcher.Stop()
		for _, w := range r.workers {
			w.Stop()
		}

		r.runMu.Lock()
		done := r.runDone
		r.runMu.Unlock()
		drained := true
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				r.logger.Warn().Err(ctx.Err()).Msg("xrelay: loops still draining at close")
				closeErr = ctx.Err()
				drained = false
			}
		}

		if drained {
			r.destroy()
		} else {
			// a running loop must reach Stopped before it can be destroyed
			go func() {
				<-done
				r.destroy()
			}()
		}

		if r.pool != nil {
			if err := r.pool.Close(5 * time.Second); err != nil {
				r.logger.Warn().Err(err).Msg("xrelay: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if err := r.transport.Close(ctx); err != nil {
			r.logger.Error().Err(err).Msg("xrelay: transport close failed")
			closeErr = err
		}
	})
	return closeErr
}

func (r *Relay) destroy() {
	_ = r.dispatcher.Lifecycle().Transition(StateDestroyed)
	for _, w := range r.workers {
		_ = w.Lifecycle().Transition(StateDestroyed)
	}
}

// AddObserver registers an observer (thread-safe).
func (r *Relay) AddObserver(obs Observer) { r.hub.Add(obs) }

// RemoveObserver removes an observer.
func (r *Relay) RemoveObserver(obs Observer) { r.hub.Remove(obs) }

type namedTransport interface {
	Name() string
}

func transportName(t Transport) string {
	if n, ok := t.(namedTransport); ok {
		return n.Name()
	}
	return "custom"
}

// Responder returns the reply path shared by all workers.
func (r *Relay) Responder() *Responder { return r.responder }

// Transport returns the reply transport.
func (r *Relay) Transport() Transport { return r.transport }
