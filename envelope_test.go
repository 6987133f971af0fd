package xrelay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Rejects(t *testing.T) {
	_, err := NewEnvelope("", NewPayload("a", "1"))
	assert.ErrorIs(t, err, ErrEmptyOrigin)

	_, err = NewEnvelope("cli", nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
	_, err = NewEnvelope("cli", NewPayload())
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = NewRawEnvelope("cli", nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestNewEnvelope_Options(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env, err := NewEnvelope("cli", NewPayload("a", "1"),
		WithID("req-1"),
		WithReceivedAt(at),
		WithReply("client-7", "corr-9"),
	)
	require.NoError(t, err)
	assert.Equal(t, "req-1", env.ID)
	assert.Equal(t, at, env.ReceivedAt)
	assert.Equal(t, "client-7", env.Meta.ReplyTo)
	assert.Equal(t, "corr-9", env.Meta.CorrelationID)
	assert.Equal(t, time.Minute, env.Age(at.Add(time.Minute)))

	other, err := NewEnvelope("cli", NewPayload("a", "1"))
	require.NoError(t, err)
	a, _ := NewEnvelope("cli", NewPayload("a", "1"))
	assert.NotEmpty(t, other.ID)
	assert.NotEqual(t, a.ID, other.ID)
	assert.False(t, other.ReceivedAt.IsZero())
}

func TestEnvelope_MarkCollectedZeroTimeIsStamped(t *testing.T) {
	env := newEnv(t, "a", "1")
	require.NoError(t, env.MarkCollected(time.Time{}))
	assert.True(t, env.Collected())
	assert.False(t, env.CollectedAt().IsZero())
}

func TestEnvelope_MarkCollectedOnce(t *testing.T) {
	env, err := NewRawEnvelope("cli", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.False(t, env.Collected())
	assert.True(t, env.CollectedAt().IsZero())

	at := time.Now()
	require.NoError(t, env.MarkCollected(at))
	assert.True(t, env.Collected())
	assert.Equal(t, at, env.CollectedAt())
	assert.ErrorIs(t, env.MarkCollected(at.Add(time.Second)), ErrAlreadyCollected)
	assert.Equal(t, at, env.CollectedAt())
}

func TestPayload_Order(t *testing.T) {
	p := NewPayload("username", "ada", "password", "x", "extra")
	p.Set("username", "grace")

	assert.Equal(t, []string{"username", "password", "extra"}, p.Keys())
	v, ok := p.Get("username")
	assert.True(t, ok)
	assert.Equal(t, "grace", v)
	v, ok = p.Get("extra")
	assert.True(t, ok)
	assert.Empty(t, v)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"username":"grace","password":"x","extra":""}`, string(b))

	var back Payload
	require.NoError(t, json.Unmarshal([]byte(`{"z":"1","a":"2"}`), &back))
	assert.Equal(t, []string{"z", "a"}, back.Keys())
	assert.Error(t, json.Unmarshal([]byte(`["z"]`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"z":1}`), &back))

	var nilP *Payload
	assert.Equal(t, 0, nilP.Len())
	_, ok = nilP.Get("a")
	assert.False(t, ok)
}

func TestFailureFor(t *testing.T) {
	f := FailureFor(Missing("ticket"))
	assert.Equal(t, Failure{Category: CategoryValidation, Message: "required", Field: "ticket"}, f)

	f = FailureFor(assert.AnError)
	assert.Equal(t, CategoryInternal, f.Category)
	assert.NotContains(t, f.Message, assert.AnError.Error())

	r := Fail(f)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, StatusOK, OK(1).Status)
}
