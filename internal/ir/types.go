package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource and identifier types.
const (
	TypePerson  = "person"
	TypeGroup   = "group"
	TypePhone   = "phone"
	TypeAction  = "action"
	TypeContent = "content"
	TypePolicy  = "policy"
)

// ResourceID identifies a person, group or external identifier as
// {type, value}.
type ResourceID struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// String renders the id as "type/value".
func (r ResourceID) String() string {
	return r.Type + "/" + r.Value
}

// IsZero reports whether both fields are empty.
func (r ResourceID) IsZero() bool {
	return r.Type == "" && r.Value == ""
}

// Map returns the id in the generic tree form used inside contexts.
func (r ResourceID) Map() map[string]any {
	return map[string]any{"type": r.Type, "value": r.Value}
}

// ParseResourceID parses "type/value".
func ParseResourceID(s string) (ResourceID, error) {
	typ, value, ok := strings.Cut(s, "/")
	if !ok || typ == "" || value == "" {
		return ResourceID{}, fmt.Errorf("invalid resource id %q: want type/value", s)
	}
	return ResourceID{Type: typ, Value: value}, nil
}

// UnmarshalJSON accepts the {type, value} object or the "type/value"
// string form.
func (r *ResourceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id, err := ParseResourceID(s)
		if err != nil {
			return err
		}
		*r = id
		return nil
	}
	var obj struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("resource id: %w", err)
	}
	*r = ResourceID{Type: obj.Type, Value: obj.Value}
	return nil
}

// AsResourceID extracts a ResourceID from a generic value. It accepts a
// ResourceID, a {type, value} mapping, or a document carrying an "id"
// mapping.
func AsResourceID(v any) (ResourceID, bool) {
	switch val := v.(type) {
	case ResourceID:
		return val, !val.IsZero()
	case *ResourceID:
		if val == nil {
			return ResourceID{}, false
		}
		return *val, !val.IsZero()
	case Document:
		return AsResourceID(map[string]any(val))
	case map[string]any:
		if id, ok := val["id"].(map[string]any); ok {
			return AsResourceID(id)
		}
		typ, _ := val["type"].(string)
		value, _ := val["value"].(string)
		if typ == "" || value == "" {
			return ResourceID{}, false
		}
		return ResourceID{Type: typ, Value: value}, true
	}
	return ResourceID{}, false
}

// Document is a stored person, group or auxiliary record.
type Document map[string]any

// ID returns the document's own {type, value} id.
func (d Document) ID() (ResourceID, bool) {
	id, ok := d["id"].(map[string]any)
	if !ok {
		return ResourceID{}, false
	}
	return AsResourceID(id)
}

// Strings returns the named field as a string slice, ignoring non-string
// elements.
func (d Document) Strings(field string) []string {
	var out []string
	switch list := d[field].(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Policy is a named, shared, ordered set of actions attachable to groups
// and persons.
type Policy struct {
	ID      string   `json:"id"`
	Actions []Action `json:"actions"`
}
