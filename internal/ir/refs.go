package ir

// ActionRef locates a stored action: either inside a shared policy or in a
// resource's own action collection.
type ActionRef struct {
	Policy string     `json:"policy,omitempty"`
	Parent ResourceID `json:"parent,omitempty"`
}

// IsPolicy reports whether the action lives in a policy.
func (r ActionRef) IsPolicy() bool {
	return r.Policy != ""
}

// String renders the location for logs.
func (r ActionRef) String() string {
	if r.IsPolicy() {
		return TypePolicy + "/" + r.Policy
	}
	return r.Parent.String()
}
