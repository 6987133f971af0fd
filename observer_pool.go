package xrelay

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// PoolStats is a snapshot of the observer pool.
type PoolStats struct {
	Dropped    uint64 // events discarded because their shard was full
	Dispatched uint64 // events handed to every observer
	Queued     int    // events waiting across all shards
	Shards     int
	BufferSize int // capacity per shard
}

type queuedEvent struct {
	e         Event
	observers []Observer
}

// ObserverPool dispatches events off the submit and deliver paths. Events are
// sharded by Component, so one worker's events reach observers in the order
// they were emitted. A full shard drops the event instead of blocking.
type ObserverPool struct {
	shards []chan queuedEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed against concurrent Notify
	closed bool

	dropped    atomic.Uint64
	dispatched atomic.Uint64
}

// NewObserverPool starts shards dispatch goroutines (default 4), each with a
// queue of bufferSize events (default 1000, split evenly across shards).
func NewObserverPool(ctx context.Context, shards, bufferSize int) *ObserverPool {
	if shards < 1 {
		shards = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	per := bufferSize / shards
	if per < 1 {
		per = 1
	}

	pctx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		shards: make([]chan queuedEvent, shards),
		cancel: cancel,
	}
	for i := range op.shards {
		op.shards[i] = make(chan queuedEvent, per)
		op.wg.Add(1)
		go op.run(pctx, op.shards[i])
	}
	return op
}

func (op *ObserverPool) shardFor(component string) chan queuedEvent {
	if len(op.shards) == 1 || component == "" {
		return op.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(component))
	return op.shards[h.Sum32()%uint32(len(op.shards))]
}

// Notify queues e for observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}
	select {
	case op.shardFor(e.Component) <- queuedEvent{e: e, observers: observers}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run(ctx context.Context, ch chan queuedEvent) {
	defer op.wg.Done()
	for {
		select {
		case q := <-ch:
			op.dispatch(q)
		case <-ctx.Done():
			// flush what was queued before Close
			for {
				select {
				case q := <-ch:
					op.dispatch(q)
				default:
					return
				}
			}
		}
	}
}

// dispatch isolates observer panics to the observer that raised them.
func (op *ObserverPool) dispatch(q queuedEvent) {
	for _, obs := range q.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(q.e)
		}()
	}
	op.dispatched.Add(1)
}

// Close rejects new events and waits up to timeout for queued ones to flush.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.mu.Lock()
	if op.closed {
		op.mu.Unlock()
		return nil
	}
	op.closed = true
	op.mu.Unlock()
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool counters.
func (op *ObserverPool) Stats() PoolStats {
	st := PoolStats{
		Dropped:    op.dropped.Load(),
		Dispatched: op.dispatched.Load(),
		Shards:     len(op.shards),
	}
	for _, ch := range op.shards {
		st.Queued += len(ch)
		st.BufferSize = cap(ch)
	}
	return st
}
