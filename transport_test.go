package xrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportRegistry(t *testing.T) {
	assert.Error(t, RegisterTransport("", func(map[string]any) (Transport, error) { return nil, nil }))
	assert.Error(t, RegisterTransport("capture", nil))

	var got map[string]any
	require.NoError(t, RegisterTransport("capture", func(cfg map[string]any) (Transport, error) {
		got = cfg
		return &captureTransport{}, nil
	}))
	assert.Contains(t, Transports(), "capture")

	tr, err := NewTransport("capture", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.IsType(t, &captureTransport{}, tr)
	assert.Equal(t, "v", got["k"])

	_, err = NewTransport("carrier-pigeon", nil)
	var unknown ErrUnknownTransport
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
