package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/labelflow/internal/options"
)

const (
	checkpointKey = "label_batch"
	checkpointTTL = 24 * time.Hour
)

// ErrNoCheckpoint is returned when a later page runs without a saved checkpoint.
var ErrNoCheckpoint = errors.New("batch checkpoint not found")

// State is the progress of a batch run carried between pages.
type State struct {
	Cutoff      time.Time `json:"cutoff"`
	Successful  []int64   `json:"successful"`
	Failed      []int64   `json:"failed"`
	MergeFailed []int64   `json:"merge_failed"`
	// Groups maps a group name to the label files merged into it so far.
	Groups map[string][]string `json:"groups"`
}

func (s *State) excluded() []int64 {
	out := make([]int64, 0, len(s.Failed)+len(s.MergeFailed))
	out = append(out, s.Failed...)
	return append(out, s.MergeFailed...)
}

func (s *State) empty() bool {
	return len(s.Failed) == 0 && len(s.MergeFailed) == 0 && len(s.Groups) == 0
}

// Checkpoint persists batch state in the options store.
type Checkpoint struct {
	store options.Store
}

// NewCheckpoint creates a Checkpoint.
func NewCheckpoint(store options.Store) *Checkpoint {
	return &Checkpoint{store: store}
}

// Load returns the saved state.
func (c *Checkpoint) Load(ctx context.Context) (*State, error) {
	raw, err := c.store.Get(ctx, checkpointKey)
	if errors.Is(err, options.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch checkpoint: %w", err)
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding batch checkpoint: %w", err)
	}
	if s.Groups == nil {
		s.Groups = make(map[string][]string)
	}
	return &s, nil
}

// Save stores the state.
func (c *Checkpoint) Save(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding batch checkpoint: %w", err)
	}
	return c.store.Set(ctx, checkpointKey, string(raw), checkpointTTL)
}

// Reset discards the saved state.
func (c *Checkpoint) Reset(ctx context.Context) error {
	err := c.store.Delete(ctx, checkpointKey)
	if err != nil && !errors.Is(err, options.ErrNotFound) {
		return err
	}
	return nil
}
