package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Generic values are the trees produced by encoding/json: nil, bool,
// float64, string, []any and map[string]any. Handlers and tests may also
// hand in ints and typed slices; Normalize folds those back into the
// generic form.

// Normalize converts v into the generic JSON tree form. Values that are
// already generic are deep-copied; nested integers become float64.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		return NormalizeMap(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

// NormalizeMap is Normalize for mappings.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// DeepCopy copies mappings and sequences recursively. Scalars are returned
// as-is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

// FormatNumber renders a number the way it reads in a message: integral
// values without a fractional part.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// IsScalarNumber reports whether v is a numeric Go value.
func IsScalarNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	}
	return false
}
