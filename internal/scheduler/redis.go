package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisScheduler keeps actions in Redis: a hash of action records, a sorted
// set of pending ids scored by run time, and identity indexes for lookups.
// Claiming removes the id from the sorted set, so two workers never claim
// the same action.
type RedisScheduler struct {
	client  *redis.Client
	actions string
	due     string
	pending string
	last    string
}

// NewRedisScheduler creates a RedisScheduler whose keys start with prefix.
func NewRedisScheduler(client *redis.Client, prefix string) *RedisScheduler {
	return &RedisScheduler{
		client:  client,
		actions: prefix + "scheduler:actions",
		due:     prefix + "scheduler:due",
		pending: prefix + "scheduler:pending",
		last:    prefix + "scheduler:last",
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *RedisScheduler) load(ctx context.Context, id string) (*Action, error) {
	raw, err := r.client.HGet(ctx, r.actions, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotScheduled)
	}
	if err != nil {
		return nil, fmt.Errorf("loading action %s: %w", id, err)
	}
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decoding action %s: %w", id, err)
	}
	return &a, nil
}

func (r *RedisScheduler) save(ctx context.Context, pipe redis.Cmdable, a *Action) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding action %s: %w", a.ID, err)
	}
	return pipe.HSet(ctx, r.actions, a.ID, raw).Err()
}

func (r *RedisScheduler) setState(ctx context.Context, id string, state State, runErr error) error {
	a, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	a.State = state
	if runErr != nil {
		a.Error = runErr.Error()
	}
	return r.save(ctx, r.client, a)
}

// ScheduleAt implements Scheduler.
func (r *RedisScheduler) ScheduleAt(ctx context.Context, at time.Time, name string, args Args) (string, error) {
	key := identity(name, args)
	if _, err := r.cancelKey(ctx, key); err != nil && !errors.Is(err, ErrNotScheduled) {
		return "", err
	}

	a := &Action{ID: uuid.NewString(), Name: name, Args: copyArgs(args), At: at.UTC(), State: StatePending}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := r.save(ctx, pipe, a); err != nil {
			return err
		}
		pipe.ZAdd(ctx, r.due, redis.Z{Score: score(at), Member: a.ID})
		pipe.HSet(ctx, r.pending, key, a.ID)
		pipe.HSet(ctx, r.last, key, a.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scheduling %s: %w", name, err)
	}
	return a.ID, nil
}

func (r *RedisScheduler) cancelKey(ctx context.Context, key string) (string, error) {
	id, err := r.client.HGet(ctx, r.pending, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotScheduled
	}
	if err != nil {
		return "", fmt.Errorf("looking up pending action: %w", err)
	}
	removed, err := r.client.ZRem(ctx, r.due, id).Result()
	if err != nil {
		return "", fmt.Errorf("removing action %s: %w", id, err)
	}
	r.client.HDel(ctx, r.pending, key)
	if removed == 0 {
		// Claimed by a worker between the lookup and the removal.
		return "", ErrNotScheduled
	}
	if err := r.setState(ctx, id, StateCancelled, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel implements Scheduler.
func (r *RedisScheduler) Cancel(ctx context.Context, name string, args Args) (string, error) {
	id, err := r.cancelKey(ctx, identity(name, args))
	if errors.Is(err, ErrNotScheduled) {
		return "", fmt.Errorf("%s: %w", name, ErrNotScheduled)
	}
	return id, err
}

// CancelAll implements Scheduler.
func (r *RedisScheduler) CancelAll(ctx context.Context, name string, subset Args) (int, error) {
	all, err := r.client.HGetAll(ctx, r.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("listing pending actions: %w", err)
	}
	n := 0
	for key := range all {
		actionName, args, ok := parseIdentity(key)
		if !ok || actionName != name || !args.Matches(subset) {
			continue
		}
		if _, err := r.cancelKey(ctx, key); err == nil {
			n++
		} else if !errors.Is(err, ErrNotScheduled) {
			return n, err
		}
	}
	return n, nil
}

// NextScheduled implements Scheduler.
func (r *RedisScheduler) NextScheduled(ctx context.Context, name string, args Args) (time.Time, bool, error) {
	id, err := r.client.HGet(ctx, r.pending, identity(name, args)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("looking up pending action: %w", err)
	}
	a, err := r.load(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	return a.At, true, nil
}

// Last implements Scheduler.
func (r *RedisScheduler) Last(ctx context.Context, name string, args Args) (*Action, error) {
	id, err := r.client.HGet(ctx, r.last, identity(name, args)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotScheduled)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up action: %w", err)
	}
	return r.load(ctx, id)
}

// ClaimDue implements Scheduler.
func (r *RedisScheduler) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Action, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.due, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due actions: %w", err)
	}

	var out []Action
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.due, id).Result()
		if err != nil {
			return out, fmt.Errorf("claiming action %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		a, err := r.load(ctx, id)
		if err != nil {
			return out, err
		}
		a.State = StateRunning
		if err := r.save(ctx, r.client, a); err != nil {
			return out, err
		}
		r.client.HDel(ctx, r.pending, identity(a.Name, a.Args))
		out = append(out, *a)
	}
	return out, nil
}

// Finish implements Scheduler.
func (r *RedisScheduler) Finish(ctx context.Context, id string, runErr error) error {
	if runErr != nil {
		return r.setState(ctx, id, StateFailed, runErr)
	}
	return r.setState(ctx, id, StateComplete, nil)
}

var _ Scheduler = (*RedisScheduler)(nil)
