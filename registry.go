package xrelay

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProcessorFactory builds a fresh processor for one worker replica.
type ProcessorFactory func() (Processor, error)

// WorkerSpec declares a worker kind for a topic.
type WorkerSpec struct {
	Name     string
	Topic    string
	Required []string
	// Replicas is the number of workers started for the topic (default 1).
	// Replicas receive the same broadcast delivery, so processors must
	// tolerate duplicates when it is raised.
	Replicas    int
	LockTimeout time.Duration
	Middleware  []Middleware
	New         ProcessorFactory
}

// Registry is the startup-time table mapping topics to worker specs.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]WorkerSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]WorkerSpec)}
}

// Register adds spec. Names are unique; topic and factory are required.
func (r *Registry) Register(spec WorkerSpec) error {
	if spec.Name == "" || spec.Topic == "" || spec.New == nil {
		return ErrInvalidWorker
	}
	if spec.Replicas < 1 {
		spec.Replicas = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateWorker, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(spec WorkerSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Specs returns the registered specs sorted by name.
func (r *Registry) Specs() []WorkerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Topics returns the distinct topics served, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.specs))
	out := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		if _, ok := seen[s.Topic]; ok {
			continue
		}
		seen[s.Topic] = struct{}{}
		out = append(out, s.Topic)
	}
	sort.Strings(out)
	return out
}
