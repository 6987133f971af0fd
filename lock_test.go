package xrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockRegistry_Errors(t *testing.T) {
	_, err := NewLockRegistry()
	assert.ErrorIs(t, err, ErrNoLocks)

	_, err = NewLockRegistry("inbox", "")
	assert.ErrorIs(t, err, ErrEmptyLockID)

	_, err = NewLockRegistry("inbox", "inbox")
	assert.ErrorIs(t, err, ErrDuplicateLockID)

	r, err := NewLockRegistry("b", "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, r.IDs())
}

func TestTryAcquire_UnknownID(t *testing.T) {
	r, err := NewLockRegistry("inbox")
	require.NoError(t, err)

	ok, err := r.TryAcquire(NewOwner(), "outbox", 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidLockID)

	_, err = r.TryAcquire(NewOwner(), "", 0)
	assert.ErrorIs(t, err, ErrInvalidLockID)
	assert.ErrorIs(t, r.Release(NewOwner(), "outbox"), ErrInvalidLockID)
}

func TestTryAcquire_Reentrant(t *testing.T) {
	r, _ := NewLockRegistry("inbox")
	a := NewOwner()

	ok, err := r.TryAcquire(a, "inbox", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = r.TryAcquire(a, "inbox", 0)
	require.True(t, ok)

	require.NoError(t, r.Release(a, "inbox"))
	assert.True(t, r.Held("inbox"), "one release per acquisition")
	require.NoError(t, r.Release(a, "inbox"))
	assert.False(t, r.Held("inbox"))
}

func TestTryAcquire_ZeroTimeoutDoesNotWait(t *testing.T) {
	r, _ := NewLockRegistry("inbox")
	a, b := NewOwner(), NewOwner()
	ok, _ := r.TryAcquire(a, "inbox", 0)
	require.True(t, ok)

	start := time.Now()
	ok, err := r.TryAcquire(b, "inbox", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestTryAcquire_BoundedWait(t *testing.T) {
	r, _ := NewLockRegistry("inbox")
	a, b := NewOwner(), NewOwner()
	ok, _ := r.TryAcquire(a, "inbox", 0)
	require.True(t, ok)

	start := time.Now()
	ok, err := r.TryAcquire(b, "inbox", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Release(a, "inbox")
	}()
	ok, err = r.TryAcquire(b, "inbox", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_NonHolderIsNoop(t *testing.T) {
	r, _ := NewLockRegistry("inbox")
	a, b := NewOwner(), NewOwner()

	require.NoError(t, r.Release(b, "inbox"), "releasing a free lock")

	ok, _ := r.TryAcquire(a, "inbox", 0)
	require.True(t, ok)
	require.NoError(t, r.Release(b, "inbox"))
	assert.True(t, r.Held("inbox"))

	ok, _ = r.TryAcquire(b, "inbox", 0)
	assert.False(t, ok)

	require.NoError(t, r.Release(a, "inbox"))
	ok, _ = r.TryAcquire(b, "inbox", 0)
	assert.True(t, ok)
}
