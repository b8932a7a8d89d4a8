package content

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/careflow/internal/ir"
)

func drip() []any {
	return []any{
		map[string]any{"id": "a", "message": "first"},
		map[string]any{"id": "b", "message": "second"},
		"third",
	}
}

func TestSelect_PlainString(t *testing.T) {
	s := NewSelector()
	got, ok := s.Select("hello", "", "7")
	assert.True(t, ok)
	assert.Equal(t, Selection{Content: "hello"}, got)
}

func TestSelect_Sequential(t *testing.T) {
	s := NewSelector()

	tests := []struct {
		name   string
		lastID string
		want   Selection
		ok     bool
	}{
		{"never run", "", Selection{Content: "first", ID: "0"}, true},
		{"after first", "0", Selection{Content: "second", ID: "1"}, true},
		{"after second", "1", Selection{Content: "third", ID: "2"}, true},
		{"exhausted", "2", Selection{}, false},
		{"far past end", "10", Selection{}, false},
		{"invalid id restarts", "abc", Selection{Content: "first", ID: "0"}, true},
		{"negative id restarts", "-3", Selection{Content: "first", ID: "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Select(drip(), ir.ContentSelectSequential, tt.lastID)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect_SequentialIsMonotonic(t *testing.T) {
	s := NewSelector()
	list := drip()

	last := ""
	var seen []string
	for {
		sel, ok := s.Select(list, ir.ContentSelectSequential, last)
		if !ok {
			break
		}
		seen = append(seen, sel.ID)
		last = sel.ID
	}
	assert.Equal(t, []string{"0", "1", "2"}, seen)
}

func TestSelect_Random(t *testing.T) {
	var asked int
	s := NewSelector(WithRand(func(n int) int {
		asked = n
		return 1
	}))

	got, ok := s.Select(drip(), ir.ContentSelectRandom, "1")
	assert.True(t, ok)
	assert.Equal(t, 3, asked)
	assert.Equal(t, Selection{Content: "second", ID: "1"}, got, "random ignores the last id")
}

func TestSelect_NoContent(t *testing.T) {
	s := NewSelector()

	_, ok := s.Select([]any{}, "", "")
	assert.False(t, ok)

	_, ok = s.Select(nil, "", "")
	assert.False(t, ok)

	_, ok = s.Select([]any{map[string]any{"id": "x"}}, "", "")
	assert.False(t, ok, "entry without message")
}

func TestSelect_StructuredEntry(t *testing.T) {
	s := NewSelector()
	msg := map[string]any{"title": "Hi", "body": "there"}

	got, ok := s.Select([]any{map[string]any{"message": msg}}, "", "")
	assert.True(t, ok)
	assert.Equal(t, msg, got.Content)
}
