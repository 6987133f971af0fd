package xrelay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Owner identifies the logical holder of a lock. Goroutines have no identity,
// so components mint explicit owner tokens and pass them on every call.
type Owner uint64

var ownerSeq atomic.Uint64

// NewOwner returns a process-unique owner token. The zero Owner is never issued.
func NewOwner() Owner { return Owner(ownerSeq.Add(1)) }

// namedLock is a reentrant mutex with bounded-wait acquisition.
// sem has capacity 1; holding a token in sem means the lock is taken.
type namedLock struct {
	sem chan struct{}

	mu     sync.Mutex
	holder Owner
	depth  int
}

// LockRegistry maps a fixed set of lock ids to reentrant locks.
// The set is declared once at construction and never changes.
type LockRegistry struct {
	locks map[string]*namedLock
}

// NewLockRegistry builds a registry for the given lock ids.
func NewLockRegistry(ids ...string) (*LockRegistry, error) {
	if len(ids) == 0 {
		return nil, ErrNoLocks
	}
	locks := make(map[string]*namedLock, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, ErrEmptyLockID
		}
		if _, dup := locks[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLockID, id)
		}
		locks[id] = &namedLock{sem: make(chan struct{}, 1)}
	}
	return &LockRegistry{locks: locks}, nil
}

func (r *LockRegistry) lookup(id string) (*namedLock, error) {
	if id == "" {
		return nil, ErrInvalidLockID
	}
	l, ok := r.locks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLockID, id)
	}
	return l, nil
}

// TryAcquire waits up to timeout for the named lock. A timeout is reported as
// (false, nil). A timeout <= 0 makes a single non-blocking attempt.
// An owner that already holds the lock succeeds immediately.
func (r *LockRegistry) TryAcquire(owner Owner, id string, timeout time.Duration) (bool, error) {
	l, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if l.depth > 0 && l.holder == owner {
		l.depth++
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	if timeout <= 0 {
		select {
		case l.sem <- struct{}{}:
		default:
			return false, nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case l.sem <- struct{}{}:
		case <-timer.C:
			return false, nil
		}
	}

	l.mu.Lock()
	l.holder = owner
	l.depth = 1
	l.mu.Unlock()
	return true, nil
}

// Release undoes one acquisition by owner. Releasing a lock the owner does not
// hold is a no-op.
func (r *LockRegistry) Release(owner Owner, id string) error {
	l, err := r.lookup(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 || l.holder != owner {
		return nil
	}
	l.depth--
	if l.depth == 0 {
		l.holder = 0
		<-l.sem
	}
	return nil
}

// Held reports whether any owner currently holds the lock.
func (r *LockRegistry) Held(id string) bool {
	l, err := r.lookup(id)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0
}

// IDs returns the declared lock ids.
func (r *LockRegistry) IDs() []string {
	out := make([]string, 0, len(r.locks))
	for id := range r.locks {
		out = append(out, id)
	}
	return out
}
