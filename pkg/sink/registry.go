package sink

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named sinks of a manifest.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds s under s.Name(). Names are unique.
func (r *Registry) Register(s Sink) error {
	if s == nil {
		return fmt.Errorf("sink is nil")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("sink name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[name]; ok {
		return fmt.Errorf("sink %q already registered", name)
	}
	r.sinks[name] = s
	return nil
}

// Get returns the sink registered as name.
func (r *Registry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered sink.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
