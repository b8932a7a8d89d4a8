package harness

// Trace event types.
const (
	TraceFired     = "fired"
	TraceSkipped   = "skipped"
	TraceFailed    = "failed"
	TracePublished = "published"
	TraceDelivered = "delivered"
)

// TraceEvent is one observable outcome of a scenario step: a candidate
// that fired, was skipped or failed, a row published to a topic, or a
// task delivered by the scheduler.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Step int    `json:"step"`

	ActionID      string         `json:"action_id,omitempty"`
	ContentID     string         `json:"content_id,omitempty"`
	ContextUpdate map[string]any `json:"context_update,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`

	Topic   string         `json:"topic,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	Recipients []string `json:"recipients,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Contexts holds the final evaluation context of each event step,
	// keyed by step index.
	Contexts map[int]map[string]any `json:"-"`

	seq int64
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Contexts: make(map[int]map[string]any),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	r.Trace = append(r.Trace, ev)
}

// Fired returns the ids of fired actions in trace order.
func (r *Result) Fired() []string {
	var ids []string
	for _, ev := range r.Trace {
		if ev.Type == TraceFired {
			ids = append(ids, ev.ActionID)
		}
	}
	return ids
}
