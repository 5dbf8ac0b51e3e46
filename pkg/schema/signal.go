package schema

// ErrorDetails carries the structured error portion of a failure signal.
type ErrorDetails struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Kind    string `json:"kind"`
}

// FailureSignal is the inbound notification that opens an incident workflow.
// It is immutable once received; TraceID is the external correlation key
// threaded through every downstream call and audit record.
type FailureSignal struct {
	Title      string       `json:"title"`
	Status     string       `json:"status"`
	Error      ErrorDetails `json:"error"`
	RetryCount int          `json:"retry_count"`
	TraceID    string       `json:"trace_id"`
	Timestamp  string       `json:"timestamp,omitempty"`
	VideoURL   string       `json:"video_url,omitempty"`
	TraceURL   string       `json:"trace_url,omitempty"`
}

// Map returns the signal as a generic payload for collaborator calls and
// rule evaluation.
func (s FailureSignal) Map() map[string]any {
	return map[string]any{
		"title":       s.Title,
		"status":      s.Status,
		"retry_count": s.RetryCount,
		"trace_id":    s.TraceID,
		"timestamp":   s.Timestamp,
		"video_url":   s.VideoURL,
		"trace_url":   s.TraceURL,
		"error": map[string]any{
			"message": s.Error.Message,
			"stack":   s.Error.Stack,
			"kind":    s.Error.Kind,
		},
	}
}
