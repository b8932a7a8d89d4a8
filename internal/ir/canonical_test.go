package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"integral float", 40.0, "40"},
		{"fraction", 1.5, "1.5"},
		{"bool true", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []any{1, 2, 3}, "[1,2,3]"},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"b": 1, "a": 2},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"a":2,"b":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as the surrogate pair D83D DE00 and sorts before
	// U+FB01 in UTF-16, but after it in UTF-8.
	obj := map[string]any{"\uFB01": 1, "\U0001F600": 2}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFB01\":1}", string(result))
}

func TestMarshalCanonicalStrings(t *testing.T) {
	t.Run("no HTML escaping", func(t *testing.T) {
		result, err := MarshalCanonical("<a&b>")
		require.NoError(t, err)
		assert.Equal(t, `"<a&b>"`, string(result))
	})

	t.Run("line separators stay literal", func(t *testing.T) {
		result, err := MarshalCanonical("a\u2028b")
		require.NoError(t, err)
		assert.Equal(t, "\"a\u2028b\"", string(result))
	})

	t.Run("NFC normalization", func(t *testing.T) {
		decomposed, err := MarshalCanonical("e\u0301")
		require.NoError(t, err)
		composed, err := MarshalCanonical("\u00e9")
		require.NoError(t, err)
		assert.Equal(t, composed, decomposed)
	})

	t.Run("control characters", func(t *testing.T) {
		result, err := MarshalCanonical("a\nb\x01\"\\")
		require.NoError(t, err)
		assert.Equal(t, `"a\nb\u0001\"\\"`, string(result))
	})
}

func TestMarshalCanonicalStructs(t *testing.T) {
	result, err := MarshalCanonical(ResourceID{Type: "person", Value: "p1"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"person","value":"p1"}`, string(result))
}
