package evalctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func TestParseParam(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Param
	}{
		{"number literal", 3.0, Literal{Value: 3.0}},
		{"plain text", "hello", Literal{Value: "hello"}},
		{"exact token", "$data.glucose", VarRef{Path: "data.glucose"}},
		{"token with trailing dot", "$sender.name.", Concat{Parts: []Param{
			VarRef{Path: "sender.name"},
			Literal{Value: "."},
		}}},
		{"mixed", "Hi $sender.name, bye", Concat{Parts: []Param{
			Literal{Value: "Hi "},
			VarRef{Path: "sender.name"},
			Literal{Value: ", bye"},
		}}},
		{"lone dollar", "costs $ 5", Literal{Value: "costs $ 5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseParam(tt.raw))
		})
	}
}

func TestContext_GetDict(t *testing.T) {
	c := New()
	c.Set("data", map[string]any{"glucose": 40, "ids": []any{"a", "b"}})
	c.Set("sender", map[string]any{"name": "Ann"})

	got := c.GetDict(map[string]any{
		"value":   "$data.glucose",
		"text":    "level $data.glucose",
		"greet":   "Hi $sender.name.",
		"list":    `{"ids": $data.ids}`,
		"broken":  "ids: $data.ids",
		"missing": "$data.nope",
		"plain":   7.0,
		"content": "$sender.name",
	}, "content")

	assert.Equal(t, float64(40), got["value"], "exact token keeps the value type")
	assert.Equal(t, "level 40", got["text"])
	assert.Equal(t, "Hi Ann.", got["greet"])
	assert.Equal(t, map[string]any{"ids": []any{"a", "b"}}, got["list"])
	assert.Equal(t, `ids: ["a","b"]`, got["broken"], "unparseable JSON keeps the text")
	assert.Nil(t, got["missing"])
	assert.Equal(t, 7.0, got["plain"])
	assert.Equal(t, "$sender.name", got["content"], "excluded names stay literal")
}

func TestContext_ResolveCopiesLiterals(t *testing.T) {
	c := New()
	raw := map[string]any{"payload": map[string]any{"k": "v"}}

	got := c.GetDict(raw)
	got["payload"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "v", raw["payload"].(map[string]any)["k"])
}

func TestParamCache(t *testing.T) {
	var cache ParamCache
	a := ir.Action{ID: "a1", Type: "message", Params: map[string]any{"text": "Hi $sender.name"}}

	first := cache.Get(a)
	second := cache.Get(a)
	require.Equal(t, first, second)
	assert.IsType(t, Concat{}, first["text"])

	withExclude := cache.Get(a, "text")
	assert.Equal(t, Literal{Value: "Hi $sender.name"}, withExclude["text"])

	a.Params = map[string]any{"text": "$sender.name"}
	assert.Equal(t, VarRef{Path: "sender.name"}, cache.Get(a)["text"])
}
