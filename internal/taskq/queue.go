// Package taskq provides the delayed task queues behind the scheduler:
// an in-memory queue for tests and single-process runs, and a Redis
// queue that survives restarts and can be shared by several processes.
// A Poller claims due tasks and hands them to a delivery function.
package taskq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// Queue is a TaskScheduler whose due tasks can be claimed.
type Queue interface {
	ports.TaskScheduler

	// Claim removes and returns up to limit tasks due at or before now,
	// earliest first. A task is returned by at most one Claim call.
	Claim(ctx context.Context, now time.Time, limit int) ([]ir.TaskHandle, error)
}

// IDFunc generates task ids.
type IDFunc func() string

// NewTaskID returns a UUIDv7 string, time-ordered so ids sort by
// creation.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Config selects and configures a queue backend.
type Config struct {
	// Backend is "memory" (default) or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// New creates a queue for cfg.
func New(ctx context.Context, cfg Config) (Queue, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr is required when backend=redis")
		}
		return DialRedis(ctx, cfg.RedisAddr, WithKeyPrefix(cfg.KeyPrefix))
	default:
		return nil, fmt.Errorf("unknown task backend: %s", cfg.Backend)
	}
}
