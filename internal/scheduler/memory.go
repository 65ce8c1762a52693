package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryScheduler is an in-process Scheduler.
type MemoryScheduler struct {
	mu      sync.Mutex
	actions map[string]*Action
	pending map[string]string
	last    map[string]string
}

// NewMemoryScheduler creates an empty MemoryScheduler.
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		actions: make(map[string]*Action),
		pending: make(map[string]string),
		last:    make(map[string]string),
	}
}

// ScheduleAt implements Scheduler.
func (m *MemoryScheduler) ScheduleAt(_ context.Context, at time.Time, name string, args Args) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identity(name, args)
	if old, ok := m.pending[key]; ok {
		m.actions[old].State = StateCancelled
	}
	a := &Action{ID: uuid.NewString(), Name: name, Args: copyArgs(args), At: at, State: StatePending}
	m.actions[a.ID] = a
	m.pending[key] = a.ID
	m.last[key] = a.ID
	return a.ID, nil
}

// Cancel implements Scheduler.
func (m *MemoryScheduler) Cancel(_ context.Context, name string, args Args) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identity(name, args)
	id, ok := m.pending[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotScheduled)
	}
	m.actions[id].State = StateCancelled
	delete(m.pending, key)
	return id, nil
}

// CancelAll implements Scheduler.
func (m *MemoryScheduler) CancelAll(_ context.Context, name string, subset Args) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, id := range m.pending {
		a := m.actions[id]
		if a.Name == name && a.Args.Matches(subset) {
			a.State = StateCancelled
			delete(m.pending, key)
			n++
		}
	}
	return n, nil
}

// NextScheduled implements Scheduler.
func (m *MemoryScheduler) NextScheduled(_ context.Context, name string, args Args) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pending[identity(name, args)]
	if !ok {
		return time.Time{}, false, nil
	}
	return m.actions[id].At, true, nil
}

// Last implements Scheduler.
func (m *MemoryScheduler) Last(_ context.Context, name string, args Args) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.last[identity(name, args)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotScheduled)
	}
	a := *m.actions[id]
	return &a, nil
}

// ClaimDue implements Scheduler.
func (m *MemoryScheduler) ClaimDue(_ context.Context, now time.Time, limit int) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Action
	for _, id := range m.pending {
		if a := m.actions[id]; !a.At.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Action, 0, len(due))
	for _, a := range due {
		a.State = StateRunning
		delete(m.pending, identity(a.Name, a.Args))
		out = append(out, *a)
	}
	return out, nil
}

// Finish implements Scheduler.
func (m *MemoryScheduler) Finish(_ context.Context, id string, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, ErrNotScheduled)
	}
	a.State = StateComplete
	if runErr != nil {
		a.State = StateFailed
		a.Error = runErr.Error()
	}
	return nil
}

// Pending returns every pending action ordered by run time.
func (m *MemoryScheduler) Pending() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Action, 0, len(m.pending))
	for _, id := range m.pending {
		out = append(out, *m.actions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func copyArgs(args Args) Args {
	out := make(Args, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

var _ Scheduler = (*MemoryScheduler)(nil)
