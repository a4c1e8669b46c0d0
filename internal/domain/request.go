package domain

// Priority classifies an InferenceRequest's urgency. Ordering here only
// matters for readability; the scheduler does not reorder by priority —
// scheduling is best-effort, not priority-preemptive.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// IsValid reports whether p is a recognized priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityNormal, PriorityBackground:
		return true
	}
	return false
}

// ParsePriority maps the legacy integer encoding (1|2|3) used by v1
// producers onto the v2 enum, defaulting to normal for anything else —
// the exact rule the v1→v2 InferenceRequest migration applies.
func ParsePriority(v int) Priority {
	switch v {
	case 1:
		return PriorityCritical
	case 2:
		return PriorityNormal
	case 3:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// InferenceRequest is an immutable request for the scheduler to place
// on a suitable node.
type InferenceRequest struct {
	ID                  string   `json:"id"`
	ModelID             string   `json:"model_id"`
	ContextWindowTokens int      `json:"context_window_tokens"` // > 0
	Priority            Priority `json:"priority"`
	MaxLatencyMs        int      `json:"max_latency_ms"` // > 0
	RequesterGeozone    string   `json:"requester_geozone"`
	SchemaVersion       int      `json:"schema_version"`
}

// CurrentInferenceRequestSchemaVersion is the version consumers expect.
const CurrentInferenceRequestSchemaVersion = 2

// RetryBudgetHeader is the transport header name carrying the remaining
// number of scheduler retry attempts for a request.
const RetryBudgetHeader = "retry-budget"

// DefaultRetryBudget is used when a request arrives with no retry-budget
// header (first attempt).
const DefaultRetryBudget = 3
