package shipper

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages registered label carriers and tracking-only carriers.
type Registry struct {
	adapters map[string]CarrierAdapter
	trackers map[string]Tracker
	mu       sync.RWMutex
}

// NewRegistry creates a new carrier registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]CarrierAdapter),
		trackers: make(map[string]Tracker),
	}
}

// Register adds a label carrier to the registry. It is also registered as a tracker.
func (r *Registry) Register(a CarrierAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	r.trackers[a.Name()] = a
}

// RegisterTracker adds a carrier that can only be polled for tracking.
func (r *Registry) RegisterTracker(t Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers[t.Name()] = t
}

// Get returns a label carrier by name.
func (r *Registry) Get(name string) (CarrierAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCarrierNotFound, name)
}

// Tracker returns a tracker by name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.trackers[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCarrierNotFound, name)
}

// Refunder returns the named carrier if it can void labels.
func (r *Registry) Refunder(name string) (Refunder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	rf, ok := a.(Refunder)
	return rf, ok
}

// Names returns the sorted names of all registered label carriers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered label carriers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
