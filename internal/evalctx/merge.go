package evalctx

import "github.com/roach88/careflow/internal/ir"

// redactedKeys are never merged into a context, at any depth.
var redactedKeys = map[string]bool{
	"login":  true,
	"tokens": true,
}

// merge folds src into dst. Mappings merge key by key; any other value
// (scalars and sequences) overwrites. Values are copied so later mutation
// of src cannot reach dst.
func merge(dst, src map[string]any) {
	for key, value := range src {
		if redactedKeys[key] {
			continue
		}
		if sub, ok := value.(map[string]any); ok {
			node, ok := dst[key].(map[string]any)
			if !ok {
				node = make(map[string]any, len(sub))
				dst[key] = node
			}
			merge(node, sub)
			continue
		}
		dst[key] = ir.DeepCopy(value)
	}
}
