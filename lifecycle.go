package xrelay

import (
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// State is the lifecycle axis of a long-lived component.
type State int32

const (
	StateInitialized State = iota
	StateStarted
	StateWorking
	StateStopped
	StateReserved
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateWorking:
		return "working"
	case StateStopped:
		return "stopped"
	case StateReserved:
		return "reserved"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Health is derived from performance samples and lock contention.
type Health int32

const (
	HealthHealthy Health = iota
	HealthOverachieving
	HealthSlow
	HealthTroubled
	HealthUnresponsive
)

func (h Health) String() string {
	switch h {
	case HealthOverachieving:
		return "overachieving"
	case HealthHealthy:
		return "healthy"
	case HealthSlow:
		return "slow"
	case HealthTroubled:
		return "troubled"
	case HealthUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// transitions lists the allowed targets per state. Destroyed is handled separately.
var transitions = map[State][]State{
	StateInitialized: {StateStarted, StateWorking, StateReserved, StateStopped},
	StateStarted:     {StateWorking, StateReserved, StateStopped},
	StateWorking:     {StateStopped},
	StateStopped:     {StateStarted, StateReserved},
	StateReserved:    {StateStarted, StateWorking, StateStopped},
}

// HealthPolicy tunes health derivation.
type HealthPolicy struct {
	// Margin is the relative deviation from baseline tolerated as healthy (0.25 = 25%).
	Margin float64
	// SlowAfter is the number of consecutive over-margin operations before Slow.
	SlowAfter int
	// TroubledAfter is the number of consecutive lock misses before Troubled.
	TroubledAfter int
	// UnresponsiveAfter is the inactivity window while Working before Unresponsive.
	UnresponsiveAfter time.Duration
}

// DefaultHealthPolicy returns conservative defaults.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		Margin:            0.25,
		SlowAfter:         3,
		TroubledAfter:     3,
		UnresponsiveAfter: 30 * time.Second,
	}
}

// Sample is a snapshot of one performance tracker.
type Sample struct {
	Baseline time.Duration
	Average  time.Duration
	Count    uint64
}

type tracker struct {
	started time.Time
	running bool
	sample  Sample
}

// Lifecycle is the state machine and performance sampler shared by dispatchers
// and workers. It is safe for concurrent use.
type Lifecycle struct {
	name     string
	clock    xclock.Clock
	policy   HealthPolicy
	observer Observer

	mu           sync.RWMutex
	state        State
	health       Health
	trackers     map[string]*tracker
	slowStreak   int
	lockMisses   int
	lastActivity time.Time
}

// NewLifecycle returns a component lifecycle in StateInitialized with one
// performance tracker per id.
func NewLifecycle(name string, clock xclock.Clock, policy HealthPolicy, trackerIDs ...string) *Lifecycle {
	if clock == nil {
		clock = xclock.Default()
	}
	if policy.Margin <= 0 {
		policy.Margin = DefaultHealthPolicy().Margin
	}
	if policy.SlowAfter < 1 {
		policy.SlowAfter = 1
	}
	if policy.TroubledAfter < 1 {
		policy.TroubledAfter = 1
	}
	lc := &Lifecycle{
		name:         name,
		clock:        clock,
		policy:       policy,
		observer:     nopObserver{},
		state:        StateInitialized,
		health:       HealthHealthy,
		trackers:     make(map[string]*tracker, len(trackerIDs)),
		lastActivity: clock.Now(),
	}
	for _, id := range trackerIDs {
		lc.trackers[id] = &tracker{}
	}
	return lc
}

// Name returns the component name.
func (lc *Lifecycle) Name() string { return lc.name }

// State returns the current lifecycle state.
func (lc *Lifecycle) State() State {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.state
}

// SetObserver reports every successful transition to o as a StateChanged
// event. Set it before the component starts.
func (lc *Lifecycle) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	lc.mu.Lock()
	lc.observer = o
	lc.mu.Unlock()
}

// Transition moves the component to state to, or fails with ErrInvalidTransition.
func (lc *Lifecycle) Transition(to State) error {
	lc.mu.Lock()
	from := lc.state
	err := lc.transitionLocked(to)
	obs := lc.observer
	lc.mu.Unlock()
	if err == nil {
		lc.emit(obs, from, to)
	}
	return err
}

// TransitionFrom moves to state to only if the current state is one of from.
func (lc *Lifecycle) TransitionFrom(to State, from ...State) error {
	lc.mu.Lock()
	cur := lc.state
	obs := lc.observer
	for _, s := range from {
		if cur == s {
			err := lc.transitionLocked(to)
			lc.mu.Unlock()
			if err == nil {
				lc.emit(obs, cur, to)
			}
			return err
		}
	}
	lc.mu.Unlock()
	return fmt.Errorf("%w: %s is %s", ErrInvalidState, lc.name, cur)
}

// emit runs outside lc.mu so observers may query the lifecycle.
func (lc *Lifecycle) emit(obs Observer, from, to State) {
	obs.OnEvent(Event{Type: StateChanged, Component: lc.name, From: from, To: to})
}

func (lc *Lifecycle) transitionLocked(to State) error {
	from := lc.state
	if from == StateDestroyed {
		return fmt.Errorf("%w: %s is destroyed", ErrInvalidTransition, lc.name)
	}
	if to == StateDestroyed {
		lc.state = to
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			lc.state = to
			if to == StateWorking {
				lc.lastActivity = lc.clock.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, lc.name, from, to)
}

// BeginOperation records the start of an instrumented operation.
func (lc *Lifecycle) BeginOperation(id string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	t, ok := lc.trackers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTracker, id)
	}
	t.started = lc.clock.Now()
	t.running = true
	return nil
}

// EndOperation closes an instrumented operation, folds the elapsed time into
// the tracker's sample, re-derives health and returns the elapsed time.
func (lc *Lifecycle) EndOperation(id string) (time.Duration, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	t, ok := lc.trackers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTracker, id)
	}
	if !t.running {
		return 0, fmt.Errorf("%w: %q", ErrOperationNotStarted, id)
	}
	elapsed := lc.clock.Since(t.started)
	t.running = false

	s := &t.sample
	s.Count++
	if s.Count == 1 {
		s.Baseline = elapsed
		s.Average = elapsed
	} else {
		s.Average += (elapsed - s.Average) / time.Duration(s.Count)
	}
	lc.lastActivity = lc.clock.Now()
	lc.deriveLocked(elapsed, s.Baseline)
	return elapsed, nil
}

func (lc *Lifecycle) deriveLocked(elapsed, baseline time.Duration) {
	lower := time.Duration(float64(baseline) * (1 - lc.policy.Margin))
	upper := time.Duration(float64(baseline) * (1 + lc.policy.Margin))

	var perf Health
	switch {
	case elapsed < lower:
		lc.slowStreak = 0
		perf = HealthOverachieving
	case elapsed > upper:
		lc.slowStreak++
		if lc.slowStreak >= lc.policy.SlowAfter {
			perf = HealthSlow
		} else {
			perf = HealthHealthy
		}
	default:
		lc.slowStreak = 0
		perf = HealthHealthy
	}

	if lc.lockMisses >= lc.policy.TroubledAfter {
		lc.health = HealthTroubled
		return
	}
	lc.health = perf
}

// RecordLockMiss notes a failed bounded lock acquisition.
func (lc *Lifecycle) RecordLockMiss() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lockMisses++
	if lc.lockMisses >= lc.policy.TroubledAfter {
		lc.health = HealthTroubled
	}
}

// RecordLockHit clears the lock miss streak.
func (lc *Lifecycle) RecordLockHit() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lockMisses = 0
	lc.lastActivity = lc.clock.Now()
	if lc.health == HealthTroubled {
		lc.health = HealthHealthy
	}
}

// Touch records liveness without a performance sample.
func (lc *Lifecycle) Touch() {
	lc.mu.Lock()
	lc.lastActivity = lc.clock.Now()
	lc.mu.Unlock()
}

// Health returns the derived health. A working component with no activity
// for UnresponsiveAfter reports HealthUnresponsive.
func (lc *Lifecycle) Health() Health {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	if lc.state == StateWorking && lc.policy.UnresponsiveAfter > 0 &&
		lc.clock.Since(lc.lastActivity) > lc.policy.UnresponsiveAfter {
		return HealthUnresponsive
	}
	return lc.health
}

// ResetHealth returns health to HealthHealthy and clears all streaks.
func (lc *Lifecycle) ResetHealth() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.health = HealthHealthy
	lc.slowStreak = 0
	lc.lockMisses = 0
	lc.lastActivity = lc.clock.Now()
}

// Sample returns a snapshot of the tracker's sample.
func (lc *Lifecycle) Sample(id string) (Sample, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	t, ok := lc.trackers[id]
	if !ok {
		return Sample{}, false
	}
	return t.sample, true
}
