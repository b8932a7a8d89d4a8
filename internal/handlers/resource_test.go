package handlers

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func TestUpdateResource(t *testing.T) {
	ctx := context.Background()

	t.Run("json content patch", func(t *testing.T) {
		f := newFixture(t)
		f.putPerson(t, ann, annPhone, ir.Document{"name": "Ann"})

		_, err := f.run(t, TypeUpdateResource, map[string]any{
			"identifier": ann.Map(),
			"content":    `{"dialogflow": {"context": {"name": "food_report", "lifespan": 5}}}`,
		})
		require.NoError(t, err)

		doc, _, err := f.store.GetResource(ctx, ann)
		require.NoError(t, err)
		assert.Equal(t, "Ann", doc["name"])
		want := map[string]any{"context": map[string]any{"name": "food_report", "lifespan": float64(5)}}
		if diff := cmp.Diff(want, doc["dialogflow"]); diff != "" {
			t.Errorf("dialogflow mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("list union", func(t *testing.T) {
		f := newFixture(t)
		f.putPerson(t, ann, annPhone, ir.Document{"topics": []any{"food"}})

		for _, content := range []string{`["food"]`, `['activity',]`} {
			_, err := f.run(t, TypeUpdateResource, map[string]any{
				"identifier": ann.Map(),
				"list_name":  "topics",
				"content":    content,
			})
			require.NoError(t, err)
		}

		doc, _, err := f.store.GetResource(ctx, ann)
		require.NoError(t, err)
		assert.Equal(t, []any{"food", "activity"}, doc["topics"])
	})

	t.Run("delete field", func(t *testing.T) {
		f := newFixture(t)
		f.putPerson(t, ann, annPhone, ir.Document{"session": map[string]any{"id": "s1"}})

		_, err := f.run(t, TypeUpdateResource, map[string]any{
			"identifier":   ann.Map(),
			"delete_field": "session",
		})
		require.NoError(t, err)

		doc, _, err := f.store.GetResource(ctx, ann)
		require.NoError(t, err)
		assert.NotContains(t, doc, "session")
	})

	t.Run("missing identifier", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.run(t, TypeUpdateResource, map[string]any{"content": "{}"})
		require.Error(t, err)
	})
}

func TestUpdateContext(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, TypeUpdateContext, map[string]any{"content": `{"mood": {"score": 3}}`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mood": map[string]any{"score": float64(3)}}, res.ContextUpdate)

	_, err = f.run(t, TypeUpdateContext, map[string]any{"content": "not json"})
	require.Error(t, err)
}

func TestUpdateData(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeUpdateData, map[string]any{
		"source_id": ann.Map(),
		"params":    map[string]any{"systolic": float64(128), "note": "after lunch", "skip": []any{1}},
		"tags":      []any{"bp"},
	})
	require.NoError(t, err)

	rows := f.dataRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, ann, rows[0].Source)
	assert.Equal(t, []string{"bp", ir.TagSourceAction}, rows[0].Tags)
	require.Len(t, rows[0].Data, 2)
	assert.Equal(t, "note", rows[0].Data[0].Name)
	assert.Equal(t, "after lunch", rows[0].Data[0].Value)
	assert.Equal(t, "systolic", rows[0].Data[1].Name)
	require.NotNil(t, rows[0].Data[1].Number)
	assert.InDelta(t, 128, *rows[0].Data[1].Number, 1e-9)
}

func TestUpdateData_FromContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeUpdateData, map[string]any{
		"person_id": ann.Map(),
		"content":   `{"weight": 71.5}`,
	})
	require.NoError(t, err)

	rows := f.dataRows(t)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Data, 1)
	assert.InDelta(t, 71.5, *rows[0].Data[0].Number, 1e-9)
}

func TestUpdateRelation(t *testing.T) {
	ctx := context.Background()
	west := ir.ResourceID{Type: ir.TypeGroup, Value: "west"}
	east := ir.ResourceID{Type: ir.TypeGroup, Value: "east"}

	t.Run("all parents then remove", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.run(t, TypeUpdateRelation, map[string]any{
			"child_id":   ann.Map(),
			"parent_ids": []any{west.Map(), east.Map()},
			"selection":  "all",
		})
		require.NoError(t, err)

		parents, err := f.store.Parents(ctx, ann)
		require.NoError(t, err)
		assert.ElementsMatch(t, []ir.ResourceID{west, east}, parents)

		_, err = f.run(t, TypeUpdateRelation, map[string]any{
			"child_id":         ann.Map(),
			"remove_parent_id": west.Map(),
			"add_parent_id":    clinic.Map(),
		})
		require.NoError(t, err)

		parents, err = f.store.Parents(ctx, ann)
		require.NoError(t, err)
		assert.ElementsMatch(t, []ir.ResourceID{east, clinic}, parents)
	})

	t.Run("random selection reports the pick", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.run(t, TypeUpdateRelation, map[string]any{
			"child_id":   ann.Map(),
			"parent_ids": []any{east.Map()},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"selected_parent_id": east.Map()}, res.ContextUpdate)

		parents, err := f.store.Parents(ctx, ann)
		require.NoError(t, err)
		assert.Equal(t, []ir.ResourceID{east}, parents)
	})

	t.Run("no parents", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.run(t, TypeUpdateRelation, map[string]any{"child_id": ann.Map()})
		require.Error(t, err)
	})
}

func TestListGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putPerson(t, ann, annPhone, ir.Document{"tags": []any{"diabetes"}})
	f.putPerson(t, bob, "", ir.Document{"tags": []any{"hypertension"}})
	f.putPerson(t, carol, carolPhone, nil)
	for _, m := range []ir.ResourceID{ann, bob, carol} {
		require.NoError(t, f.store.AddChild(ctx, clinic, m))
	}

	tests := []struct {
		name   string
		params map[string]any
		want   []ir.ResourceID
	}{
		{"all members", map[string]any{}, []ir.ResourceID{ann, bob, carol}},
		{"include tag", map[string]any{"include_tag": "diabetes"}, []ir.ResourceID{ann}},
		{"exclude tag", map[string]any{"exclude_tag": "diabetes"}, []ir.ResourceID{bob, carol}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{"parent_id": clinic.Map(), "child_type": "member"}
			for k, v := range tt.params {
				params[k] = v
			}
			res, err := f.run(t, TypeListGroup, params)
			require.NoError(t, err)

			want := make([]any, 0, len(tt.want))
			for _, id := range tt.want {
				want = append(want, id.Map())
			}
			assert.Equal(t, want, res.ContextUpdate["child_ids"])
			assert.Len(t, res.ContextUpdate["children"], len(tt.want))
		})
	}
}
