// Package content picks the message variant an action sends.
package content

import (
	"log/slog"
	"math/rand/v2"
	"strconv"

	"github.com/roach88/careflow/internal/ir"
)

// Selection is the outcome of Select.
type Selection struct {
	// Content is the selected message (a string or a structured value).
	Content any

	// ID is the selected entry's list index, empty for plain content.
	ID string
}

// Selector chooses content variants.
type Selector struct {
	intn   func(n int) int
	logger *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand replaces the random index source. intn must return a value in
// [0, n).
func WithRand(intn func(n int) int) Option {
	return func(s *Selector) {
		s.intn = intn
	}
}

// WithLogger sets the selector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = l
	}
}

// NewSelector creates a Selector.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		intn:   rand.IntN,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select resolves an action's content parameter.
//
// A plain string is returned as-is with no id. A list of entries is
// indexed: "random" (or no strategy) picks any entry, any other strategy
// continues from lastID (the index of the previously sent entry) and reports ok=false
// once the list is exhausted. An unparseable lastID restarts at 0.
//
// Entries are either strings or mappings carrying the text under
// "message".
func (s *Selector) Select(content any, strategy, lastID string) (Selection, bool) {
	switch v := content.(type) {
	case string:
		return Selection{Content: v}, true
	case []any:
		if len(v) == 0 {
			return Selection{}, false
		}
		i := 0
		if strategy == "" || strategy == ir.ContentSelectRandom {
			i = s.intn(len(v))
		} else if lastID != "" {
			last, err := strconv.Atoi(lastID)
			if err != nil || last < 0 {
				s.logger.Warn("invalid content id, restarting rotation", "content_id", lastID)
			} else {
				i = last + 1
			}
		}
		if i >= len(v) {
			return Selection{}, false
		}
		text, ok := entryText(v[i])
		if !ok {
			return Selection{}, false
		}
		return Selection{Content: text, ID: strconv.Itoa(i)}, true
	case nil:
		return Selection{}, false
	default:
		return Selection{Content: v}, true
	}
}

func entryText(entry any) (any, bool) {
	switch e := entry.(type) {
	case string:
		return e, e != ""
	case map[string]any:
		msg, ok := e["message"]
		if !ok || msg == nil || msg == "" {
			return nil, false
		}
		return msg, true
	}
	return nil, false
}
