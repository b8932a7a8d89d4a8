package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/careflow/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	ann    = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
	bob    = ir.ResourceID{Type: ir.TypePerson, Value: "bob"}
	clinic = ir.ResourceID{Type: ir.TypeGroup, Value: "clinic"}
)
