package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func phoneID(v string) *ir.ResourceID {
	return &ir.ResourceID{Type: ir.TypePhone, Value: v}
}

func seedMessages(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	rows := []ir.Message{
		{Time: t0, Sender: phoneID("+1001"), Receiver: phoneID("+1999"), Status: ir.StatusReceived, Content: "hello"},
		{Time: t0.Add(time.Minute), Sender: phoneID("+1999"), Receiver: phoneID("+1001"), Status: ir.StatusSent, Tags: []string{"source:action", "session:s1"}, Content: "hi ann"},
		{Time: t0.Add(2 * time.Minute), Sender: phoneID("+1002"), Receiver: phoneID("+1999"), Status: ir.StatusReceived, Content: "bob here"},
		{Time: t0.Add(3 * time.Minute), Sender: phoneID("+1999"), Receiver: phoneID("+1001"), Status: ir.StatusSent, Tags: []string{"source:action"}, Content: map[string]any{"text": "walk?"}},
	}
	for _, m := range rows {
		require.NoError(t, s.AppendMessage(ctx, m))
	}
}

func TestMessages_Empty(t *testing.T) {
	s := createTestStore(t)
	msgs, err := s.Messages(context.Background(), ir.MessageQuery{})
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestMessages_Filters(t *testing.T) {
	s := createTestStore(t)
	seedMessages(t, s)
	ctx := context.Background()

	contents := func(msgs []ir.Message) []any {
		out := []any{}
		for _, m := range msgs {
			out = append(out, m.Content)
		}
		return out
	}

	tests := []struct {
		name string
		q    ir.MessageQuery
		want []any
	}{
		{"all oldest first", ir.MessageQuery{}, []any{"hello", "hi ann", "bob here", map[string]any{"text": "walk?"}}},
		{"by sender", ir.MessageQuery{Senders: []string{"+1001", "+1002"}}, []any{"hello", "bob here"}},
		{"by receiver", ir.MessageQuery{Receivers: []string{"+1001"}}, []any{"hi ann", map[string]any{"text": "walk?"}}},
		{"since is exclusive", ir.MessageQuery{Since: t0.Add(time.Minute)}, []any{"bob here", map[string]any{"text": "walk?"}}},
		{"by tag", ir.MessageQuery{Tag: "session:s1"}, []any{"hi ann"}},
		{"limit newest first", ir.MessageQuery{Limit: 2}, []any{map[string]any{"text": "walk?"}, "bob here"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.Messages(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, contents(msgs))
		})
	}
}

func TestMessages_KeepsRow(t *testing.T) {
	s := createTestStore(t)
	seedMessages(t, s)

	msgs, err := s.Messages(context.Background(), ir.MessageQuery{Tag: "session:s1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Time.Equal(t0.Add(time.Minute)))
	assert.Equal(t, phoneID("+1999"), msgs[0].Sender)
	assert.Equal(t, phoneID("+1001"), msgs[0].Receiver)
	assert.Equal(t, ir.StatusSent, msgs[0].Status)
	assert.Equal(t, []string{"source:action", "session:s1"}, msgs[0].Tags)
}
