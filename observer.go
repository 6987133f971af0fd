package xrelay

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates relay lifecycle events for the Observer pattern.
type EventType string

const (
	Submitted     EventType = "submitted"
	Delivered     EventType = "delivered"
	DeliverMissed EventType = "deliver_missed"
	Processed     EventType = "processed"
	Failed        EventType = "failed"
	Replied       EventType = "replied"
	ReplyFailed   EventType = "reply_failed"
	Swept         EventType = "swept"
	LockMissed    EventType = "lock_missed"
	StateChanged  EventType = "state_changed"
	Error         EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type       EventType
	Topic      string
	Component  string
	Mailbox    int
	EnvelopeID string
	Count      int
	Duration   time.Duration
	Err        error

	// From and To are set on StateChanged.
	From State
	To   State
}

// Observer receives relay events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits relay events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("component", e.Component),
		xlog.Str("envelope_id", e.EnvelopeID),
	)
	switch e.Type {
	case Error, Failed, ReplyFailed:
		ev.Warn().Err(e.Err).Msg("xrelay event")
	case LockMissed, DeliverMissed:
		ev.Debug().Msg("xrelay contention")
	case StateChanged:
		ev.Debug().Str("from", e.From.String()).Str("to", e.To.String()).Msg("xrelay state")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		if e.Count > 0 {
			ev = ev.With(xlog.Str("count", strconv.Itoa(e.Count)))
		}
		ev.Debug().Msg("xrelay event")
	}
}

// Metrics defines observable telemetry for a relay.
type Metrics struct {
	Submitted           uint64
	Delivered           uint64
	DeliverMissed       uint64
	Processed           uint64
	Failed              uint64
	Replied             uint64
	ReplyFailed         uint64
	Swept               uint64
	LockMissed          uint64
	StateChanges        uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// hubMetrics uses lock-free atomics.
type hubMetrics struct {
	submitted     atomic.Uint64
	delivered     atomic.Uint64
	deliverMissed atomic.Uint64
	processed     atomic.Uint64
	failed        atomic.Uint64
	replied       atomic.Uint64
	replyFailed   atomic.Uint64
	swept         atomic.Uint64
	lockMissed    atomic.Uint64
	stateChanges  atomic.Uint64
	errors        atomic.Uint64
	processingNs  atomic.Int64
}

// Hub is the Observer every relay component reports to. It keeps exact
// counters and fans events out to registered observers, asynchronously when
// an ObserverPool is attached.
type Hub struct {
	pool    *ObserverPool
	metrics hubMetrics

	observersMu sync.RWMutex
	observers   []Observer
}

var _ Observer = (*Hub)(nil)

// NewHub returns a hub; pool may be nil for synchronous dispatch.
func NewHub(pool *ObserverPool) *Hub {
	return &Hub{pool: pool}
}

// Add registers an observer (thread-safe).
func (h *Hub) Add(obs Observer) {
	if obs == nil {
		return
	}
	h.observersMu.Lock()
	h.observers = append(h.observers, obs)
	h.observersMu.Unlock()
}

// Remove unregisters an observer.
func (h *Hub) Remove(obs Observer) {
	if obs == nil {
		return
	}
	h.observersMu.Lock()
	defer h.observersMu.Unlock()
	for i, o := range h.observers {
		if o == obs {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			break
		}
	}
}

// OnEvent counts e and dispatches it.
func (h *Hub) OnEvent(e Event) {
	h.count(e)

	h.observersMu.RLock()
	n := len(h.observers)
	if n == 0 {
		h.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, n)
	copy(observers, h.observers)
	h.observersMu.RUnlock()

	if h.pool != nil {
		h.pool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

func (h *Hub) count(e Event) {
	m := &h.metrics
	switch e.Type {
	case Submitted:
		m.submitted.Add(1)
	case Delivered:
		m.delivered.Add(1)
	case DeliverMissed:
		m.deliverMissed.Add(1)
	case Processed:
		m.processed.Add(1)
		h.recordProcessingTime(e.Duration.Nanoseconds())
	case Failed:
		m.failed.Add(1)
		h.recordProcessingTime(e.Duration.Nanoseconds())
	case Replied:
		m.replied.Add(1)
	case ReplyFailed:
		m.replyFailed.Add(1)
	case Swept:
		m.swept.Add(uint64(e.Count))
	case LockMissed:
		m.lockMissed.Add(1)
	case StateChanged:
		m.stateChanges.Add(1)
	case Error:
		m.errors.Add(1)
	}
}

// recordProcessingTime keeps an exponential moving average.
func (h *Hub) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := h.metrics.processingNs.Load()
	if current == 0 {
		h.metrics.processingNs.Store(ns)
		return
	}
	h.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

// Metrics returns a snapshot of the counters.
func (h *Hub) Metrics() Metrics {
	m := &h.metrics
	out := Metrics{
		Submitted:           m.submitted.Load(),
		Delivered:           m.delivered.Load(),
		DeliverMissed:       m.deliverMissed.Load(),
		Processed:           m.processed.Load(),
		Failed:              m.failed.Load(),
		Replied:             m.replied.Load(),
		ReplyFailed:         m.replyFailed.Load(),
		Swept:               m.swept.Load(),
		LockMissed:          m.lockMissed.Load(),
		StateChanges:        m.stateChanges.Load(),
		Errors:              m.errors.Load(),
		AvgProcessingTimeMs: float64(m.processingNs.Load()) / 1e6,
	}
	if h.pool != nil {
		out.EventsDropped = h.pool.Stats().Dropped
	}
	return out
}

// nopObserver is used when a component is built without an observer.
type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
