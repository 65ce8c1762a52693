// Package scheduler stores delayed actions keyed by name and arguments.
// At most one pending action exists per (name, args) pair.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotScheduled is returned when no pending action matches.
var ErrNotScheduled = errors.New("action not scheduled")

// State is the lifecycle state of an action.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Args are the arguments an action was scheduled with.
type Args map[string]string

// Matches reports whether every key in subset has the same value in a.
func (a Args) Matches(subset Args) bool {
	for k, v := range subset {
		if a[k] != v {
			return false
		}
	}
	return true
}

// Action is a scheduled unit of work.
type Action struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Args  Args      `json:"args"`
	At    time.Time `json:"at"`
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Scheduler schedules and claims delayed actions.
type Scheduler interface {
	// ScheduleAt schedules name to run at the given time, replacing any pending
	// action with the same name and args.
	ScheduleAt(ctx context.Context, at time.Time, name string, args Args) (string, error)
	// Cancel removes the pending action with exactly these args.
	Cancel(ctx context.Context, name string, args Args) (string, error)
	// CancelAll removes every pending action of name whose args contain subset.
	CancelAll(ctx context.Context, name string, subset Args) (int, error)
	// NextScheduled returns the run time of the pending action, if any.
	NextScheduled(ctx context.Context, name string, args Args) (time.Time, bool, error)
	// Last returns the most recent action with these args in any state.
	Last(ctx context.Context, name string, args Args) (*Action, error)
	// ClaimDue moves up to limit due actions to running and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Action, error)
	// Finish records the outcome of a claimed action.
	Finish(ctx context.Context, id string, runErr error) error
}

// identity is the unique key of a (name, args) pair. Map keys are encoded
// in sorted order, so equal args give equal identities.
func identity(name string, args Args) string {
	if args == nil {
		args = Args{}
	}
	b, _ := json.Marshal(args)
	return name + "|" + string(b)
}

func parseIdentity(id string) (string, Args, bool) {
	name, raw, ok := strings.Cut(id, "|")
	if !ok {
		return "", nil, false
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", nil, false
	}
	return name, args, true
}
