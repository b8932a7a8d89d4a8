package taskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// DefaultKeyPrefix prefixes every key the Redis queue writes.
const DefaultKeyPrefix = "careflow:tasks:"

// Redis is a Queue stored in Redis.
//
// Layout under the key prefix:
//
//	due    sorted set of task ids scored by fire time (unix ms)
//	task   hash of task id -> JSON handle
//	owner  hash of owner key -> most recently scheduled task id
//
// A task is claimed by whoever removes it from "due", so several pollers
// can share one queue.
type Redis struct {
	client *redis.Client
	prefix string
	newID  IDFunc
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key prefix. Empty keeps the default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithRedisIDs sets the id generator.
func WithRedisIDs(f IDFunc) RedisOption {
	return func(r *Redis) {
		r.newID = f
	}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultKeyPrefix,
		newID:  NewTaskID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) dueKey() string   { return r.prefix + "due" }
func (r *Redis) taskKey() string  { return r.prefix + "task" }
func (r *Redis) ownerKey() string { return r.prefix + "owner" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Schedule implements ports.TaskScheduler.
func (r *Redis) Schedule(ctx context.Context, task ir.Task) (ir.TaskHandle, error) {
	h := ir.TaskHandle{
		ID:      r.newID(),
		Owner:   task.Owner,
		FireAt:  task.FireAt.UTC(),
		Payload: task.Payload,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return ir.TaskHandle{}, fmt.Errorf("marshal task: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.taskKey(), h.ID, data)
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: score(h.FireAt), Member: h.ID})
		pipe.HSet(ctx, r.ownerKey(), h.Owner.Key(), h.ID)
		return nil
	})
	if err != nil {
		return ir.TaskHandle{}, fmt.Errorf("schedule task: %w", err)
	}
	return h, nil
}

// Cancel implements ports.TaskScheduler.
func (r *Redis) Cancel(ctx context.Context, id string) error {
	h, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	removed, err := r.client.ZRem(ctx, r.dueKey(), id).Result()
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if removed == 0 {
		return ports.ErrNotFound
	}
	return r.forget(ctx, h)
}

// Lookup implements ports.TaskScheduler.
func (r *Redis) Lookup(ctx context.Context, owner ir.TaskOwner) (ir.TaskHandle, bool, error) {
	id, err := r.client.HGet(ctx, r.ownerKey(), owner.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return ir.TaskHandle{}, false, nil
	}
	if err != nil {
		return ir.TaskHandle{}, false, fmt.Errorf("lookup owner %s: %w", owner.Key(), err)
	}
	h, err := r.get(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return ir.TaskHandle{}, false, nil
	}
	if err != nil {
		return ir.TaskHandle{}, false, err
	}
	return h, true, nil
}

// Claim implements Queue.
func (r *Redis) Claim(ctx context.Context, now time.Time, limit int) ([]ir.TaskHandle, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}

	claimed := make([]ir.TaskHandle, 0, len(ids))
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.dueKey(), id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim task %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		h, err := r.get(ctx, id)
		if errors.Is(err, ports.ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		if err := r.forget(ctx, h); err != nil {
			return claimed, err
		}
		claimed = append(claimed, h)
	}
	return claimed, nil
}

func (r *Redis) get(ctx context.Context, id string) (ir.TaskHandle, error) {
	data, err := r.client.HGet(ctx, r.taskKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ir.TaskHandle{}, ports.ErrNotFound
	}
	if err != nil {
		return ir.TaskHandle{}, fmt.Errorf("get task %s: %w", id, err)
	}
	var h ir.TaskHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return ir.TaskHandle{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return h, nil
}

// forget drops a task body and, if it is still the owner's latest, the
// owner index entry.
func (r *Redis) forget(ctx context.Context, h ir.TaskHandle) error {
	if err := r.client.HDel(ctx, r.taskKey(), h.ID).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", h.ID, err)
	}
	current, err := r.client.HGet(ctx, r.ownerKey(), h.Owner.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("owner of task %s: %w", h.ID, err)
	}
	if current == h.ID {
		if err := r.client.HDel(ctx, r.ownerKey(), h.Owner.Key()).Err(); err != nil {
			return fmt.Errorf("clear owner of task %s: %w", h.ID, err)
		}
	}
	return nil
}
