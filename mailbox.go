package xrelay

import (
	"sort"
	"sync"
	"time"
)

// Watcher is the predicate+callback pair a consumer registers with a mailbox.
// Deliver must not block beyond a single bounded lock attempt; returning false
// means "could not take delivery this round".
type Watcher interface {
	Interested(topic string) bool
	Deliver(msgs []*Envelope) bool
}

// Mailbox is an in-memory, topic-keyed FIFO of envelopes with watcher fan-out.
// Queues are mutated only by Enqueue and Sweep.
type Mailbox struct {
	index    int
	observer Observer

	mu     sync.RWMutex
	queues map[string][]*Envelope

	watchersMu sync.RWMutex
	watchers   []Watcher
}

// NewMailbox returns an empty mailbox. index identifies the shard in events.
func NewMailbox(index int, observer Observer) *Mailbox {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Mailbox{
		index:    index,
		observer: observer,
		queues:   make(map[string][]*Envelope),
	}
}

// Index returns the shard index.
func (m *Mailbox) Index() int { return m.index }

// Enqueue appends env to topic's queue, then synchronously offers the topic's
// uncollected envelopes to every interested watcher. Delivery neither removes
// nor collects envelopes.
func (m *Mailbox) Enqueue(topic string, env *Envelope) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if env == nil {
		return ErrNilEnvelope
	}

	m.mu.Lock()
	m.queues[topic] = append(m.queues[topic], env)
	m.mu.Unlock()

	m.notifyWatchers(topic)
	return nil
}

func (m *Mailbox) notifyWatchers(topic string) {
	m.watchersMu.RLock()
	watchers := make([]Watcher, len(m.watchers))
	copy(watchers, m.watchers)
	m.watchersMu.RUnlock()

	for _, w := range watchers {
		if !w.Interested(topic) {
			continue
		}
		msgs := m.GetMessages(topic)
		if len(msgs) == 0 {
			continue
		}
		if w.Deliver(msgs) {
			m.observer.OnEvent(Event{Type: Delivered, Topic: topic, Mailbox: m.index, Count: len(msgs)})
		} else {
			m.observer.OnEvent(Event{Type: DeliverMissed, Topic: topic, Mailbox: m.index, Count: len(msgs)})
		}
	}
}

// GetMessages returns the uncollected envelopes for topic in insertion order.
// Unknown topics yield an empty slice.
func (m *Mailbox) GetMessages(topic string) []*Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queues[topic]
	out := make([]*Envelope, 0, len(q))
	for _, env := range q {
		if !env.Collected() {
			out = append(out, env)
		}
	}
	return out
}

// RegisterWatcher appends w. Registering the same watcher twice yields double
// notification.
func (m *Mailbox) RegisterWatcher(w Watcher) {
	if w == nil {
		return
	}
	m.watchersMu.Lock()
	m.watchers = append(m.watchers, w)
	m.watchersMu.Unlock()
}

// Sweep removes envelopes older than maxAge at now, collected or not, and
// returns how many were removed.
func (m *Mailbox) Sweep(maxAge time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for topic, q := range m.queues {
		kept := q[:0]
		for _, env := range q {
			if env.Age(now) > maxAge {
				removed++
				continue
			}
			kept = append(kept, env)
		}
		// clear the tail so purged envelopes can be collected
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		if len(kept) == 0 {
			m.queues[topic] = nil
			continue
		}
		m.queues[topic] = kept
	}
	return removed
}

// Len returns the number of envelopes held for topic, collected or not.
func (m *Mailbox) Len(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[topic])
}

// Size returns the number of envelopes held across all topics.
func (m *Mailbox) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Topics returns the topics that have been enqueued at least once, sorted.
func (m *Mailbox) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for t := range m.queues {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
