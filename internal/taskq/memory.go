package taskq

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// Memory is an in-process Queue.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]memTask
	seq   uint64
	newID IDFunc
}

type memTask struct {
	handle ir.TaskHandle
	seq    uint64
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithMemoryIDs sets the id generator.
func WithMemoryIDs(f IDFunc) MemoryOption {
	return func(m *Memory) {
		m.newID = f
	}
}

// NewMemory creates an empty in-memory queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tasks: make(map[string]memTask),
		newID: NewTaskID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule implements ports.TaskScheduler.
func (m *Memory) Schedule(_ context.Context, task ir.Task) (ir.TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	h := ir.TaskHandle{
		ID:      m.newID(),
		Owner:   task.Owner,
		FireAt:  task.FireAt.UTC(),
		Payload: task.Payload,
	}
	m.tasks[h.ID] = memTask{handle: h, seq: m.seq}
	return h, nil
}

// Cancel implements ports.TaskScheduler.
func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ports.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

// Lookup implements ports.TaskScheduler.
func (m *Memory) Lookup(_ context.Context, owner ir.TaskOwner) (ir.TaskHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest memTask
		found  bool
	)
	for _, t := range m.tasks {
		if t.handle.Owner == owner && (!found || t.seq > latest.seq) {
			latest, found = t, true
		}
	}
	return latest.handle, found, nil
}

// Claim implements Queue.
func (m *Memory) Claim(_ context.Context, now time.Time, limit int) ([]ir.TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []memTask
	for _, t := range m.tasks {
		if !t.handle.FireAt.After(now) {
			due = append(due, t)
		}
	}
	slices.SortFunc(due, func(a, b memTask) int {
		if c := a.handle.FireAt.Compare(b.handle.FireAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]ir.TaskHandle, 0, len(due))
	for _, t := range due {
		delete(m.tasks, t.handle.ID)
		out = append(out, t.handle)
	}
	return out, nil
}

// Pending returns every queued task, earliest first.
func (m *Memory) Pending() []ir.TaskHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ir.TaskHandle, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.handle)
	}
	slices.SortFunc(out, func(a, b ir.TaskHandle) int {
		return a.FireAt.Compare(b.FireAt)
	})
	return out
}
