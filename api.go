package xrelay

import (
	"context"
	"time"
)

// HealthStatus is a point-in-time health report for probes.
type HealthStatus struct {
	Status     string            `json:"status"` // healthy, degraded or unhealthy
	Message    string            `json:"message,omitempty"`
	Components map[string]string `json:"components,omitempty"`
	Metrics    Metrics           `json:"metrics"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// HealthReporter is implemented by every long-lived component.
type HealthReporter interface {
	Lifecycle() *Lifecycle
}

// API represents the complete xrelay surface.
type API interface {
	Submit(topic string, env *Envelope) error
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API            = (*Relay)(nil)
	_ HealthChecker  = (*Relay)(nil)
	_ HealthReporter = (*Dispatcher)(nil)
	_ HealthReporter = (*Worker)(nil)
)
