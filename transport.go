package xrelay

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Channel is a short-lived publishing handle on the reply transport.
// A responder opens one per reply and closes it afterwards.
type Channel interface {
	// Publish sends body to the reply address, tagged with correlationID.
	Publish(ctx context.Context, replyTo, correlationID string, body []byte) error
	Close() error
}

// Transport is the Strategy interface for reply backends.
type Transport interface {
	OpenChannel(ctx context.Context) (Channel, error)
	Close(ctx context.Context) error
}

// Pinger is implemented by transports that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter. Adapters call it from init.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// Transports lists registered transport names, sorted.
func Transports() []string {
	transportRegistryMu.RLock()
	defer transportRegistryMu.RUnlock()
	out := make([]string, 0, len(transportRegistry))
	for name := range transportRegistry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
