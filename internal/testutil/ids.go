package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable ids "<prefix>-1", "<prefix>-2", ...
//
// Production code uses UUIDv7 ids; tests inject SequenceIDs so stored
// documents and golden traces are byte-identical across runs.
//
// If prefix is empty, ids are "id-1", "id-2", ...
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator with the given prefix.
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
