package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func ticketIDs(t *testing.T, update map[string]any) []float64 {
	t.Helper()
	list, ok := update["tickets"].([]any)
	require.True(t, ok, "tickets list in %v", update)
	ids := make([]float64, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.(map[string]any)["id"].(float64))
	}
	return ids
}

func TestOpenTicket_NumbersFromHistory(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, TypeOpenTicket, map[string]any{
		"person_id": ann.Map(),
		"category":  "glucose",
		"content":   "High readings after dinner",
		"priority":  float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, ticketIDs(t, res.ContextUpdate))

	rows := f.dataRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"ticket", "ticket:1"}, rows[0].Tags)
	assert.Equal(t, ann, rows[0].Source)
	names := make([]string, 0, len(rows[0].Data))
	for _, r := range rows[0].Data {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"ticket", "category", "title", "priority"}, names)
	assert.Equal(t, "opened", rows[0].Data[0].Value)
	f.record(t)

	res, err = f.run(t, TypeOpenTicket, map[string]any{"person_id": ann.Map()})
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, ticketIDs(t, res.ContextUpdate))
}

func TestCloseTicket(t *testing.T) {
	f := newFixture(t)

	t.Run("explicit id", func(t *testing.T) {
		res, err := f.run(t, TypeCloseTicket, map[string]any{"person_id": ann.Map(), "ticket_id": "2"})
		require.NoError(t, err)
		assert.Equal(t, []float64{2}, ticketIDs(t, res.ContextUpdate))
	})

	t.Run("id from tags", func(t *testing.T) {
		res, err := f.run(t, TypeCloseTicket, map[string]any{
			"person_id": ann.Map(),
			"id_tags":   []any{"source:action", "ticket:7"},
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{7}, ticketIDs(t, res.ContextUpdate))
	})

	t.Run("no id", func(t *testing.T) {
		_, err := f.run(t, TypeCloseTicket, map[string]any{"person_id": ann.Map()})
		require.Error(t, err)
	})
}

func TestListTickets_Person(t *testing.T) {
	f := newFixture(t)
	for _, p := range []float64{1, 5, 2} {
		_, err := f.run(t, TypeOpenTicket, map[string]any{"person_id": ann.Map(), "priority": p})
		require.NoError(t, err)
		f.record(t)
	}
	_, err := f.run(t, TypeCloseTicket, map[string]any{"person_id": ann.Map(), "ticket_id": float64(2)})
	require.NoError(t, err)
	f.record(t)

	res, err := f.run(t, TypeListTickets, map[string]any{"person_id": ann.Map()})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, ticketIDs(t, res.ContextUpdate))
}

func TestListTickets_Group(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putPerson(t, ann, annPhone, nil)
	f.putPerson(t, bob, "", nil)
	f.putPerson(t, carol, carolPhone, ir.Document{"pause_time": "2024-02-01T00:00:00Z"})
	for _, m := range []ir.ResourceID{ann, bob, carol} {
		require.NoError(t, f.store.AddChild(ctx, clinic, m))
	}

	open := func(person ir.ResourceID, priority float64) {
		_, err := f.run(t, TypeOpenTicket, map[string]any{"person_id": person.Map(), "priority": priority})
		require.NoError(t, err)
		f.record(t)
	}
	open(ann, 3)
	open(bob, 3)
	open(bob, 2)
	open(carol, 9)

	res, err := f.run(t, TypeListTickets, map[string]any{"parent_id": clinic.Map()})
	require.NoError(t, err)

	list := res.ContextUpdate["tickets"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, bob.Map(), list[0].(map[string]any)["person_id"])
	assert.Equal(t, ann.Map(), list[1].(map[string]any)["person_id"])
}
