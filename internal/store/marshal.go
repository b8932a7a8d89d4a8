package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/careflow/internal/ir"
)

// marshalBody converts a document to canonical JSON TEXT for storage.
func marshalBody(v any) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalDocument parses a stored body.
func unmarshalDocument(data string) (ir.Document, error) {
	doc := ir.Document{}
	if data == "" || data == "{}" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// unmarshalAction parses a stored action body.
func unmarshalAction(data string) (ir.Action, error) {
	var a ir.Action
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return ir.Action{}, fmt.Errorf("unmarshal action: %w", err)
	}
	return a, nil
}

// marshalTags stores a tag list as a JSON array, never null.
func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

func unmarshalTags(data string) ([]string, error) {
	var tags []string
	if data == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// applyPatch merges patch into doc top-level key by key. A nil value
// removes the key.
func applyPatch(doc ir.Document, patch map[string]any) (ir.Document, error) {
	normalized, err := ir.NormalizeMap(patch)
	if err != nil {
		return nil, fmt.Errorf("normalize patch: %w", err)
	}
	for k, v := range normalized {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return doc, nil
}
