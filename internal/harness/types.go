package harness

// Trace event types.
const (
	TraceStep    = "step"
	TraceOutcome = "outcome"
	TraceQueued  = "queued"
	TraceResume  = "resume"
	TraceDrain   = "drain"
)

// TraceEvent is one entry of a scenario trace: a handler step observed by
// the dispatcher, or the summary of a flow step.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	EventID    string `json:"event_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	Handler string `json:"handler,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Error is the error kind of a failed outcome (see ErrorKind).
	Error string `json:"error,omitempty"`

	// ResultCode and Count describe resume and drain steps.
	ResultCode string `json:"result_code,omitempty"`
	Count      int    `json:"count,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the steps and flow summaries in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends ev.
func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
