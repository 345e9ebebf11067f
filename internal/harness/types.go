package harness

import "time"

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// FailureKind is the closed taxonomy for step failures. The catch-all
// KindOtherError is reserved for genuinely unclassified faults and never
// used for an expected condition.
type FailureKind string

const (
	KindTimeout          FailureKind = "timeout"
	KindConnectionError  FailureKind = "connection_error"
	KindUnexpectedStatus FailureKind = "unexpected_status"
	KindOtherError       FailureKind = "other_error"
)

// Step is one HTTP call plus its expectations. Path and Body may contain
// the {session} placeholder, replaced by the run's session identifier.
// An empty Expect set means any received response counts as success.
type Step struct {
	Name    string
	Method  string
	Path    string
	Body    any
	Expect  []int
	Timeout time.Duration
}

type Outcome struct {
	Step       string      `json:"step"`
	Status     Status      `json:"status"`
	StatusCode int         `json:"status_code,omitempty"`
	Body       string      `json:"body,omitempty"`
	Kind       FailureKind `json:"kind,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

type Report struct {
	GeneratedAt string      `json:"generated_at"`
	BaseURL     string      `json:"base_url"`
	SessionID   string      `json:"session_id"`
	Outcomes    []Outcome   `json:"outcomes"`
	Passed      int         `json:"passed"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	FailedStep  string      `json:"failed_step,omitempty"`
	Kind        FailureKind `json:"kind,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// Pass reports whether every executed step succeeded and none were skipped.
func (r Report) Pass() bool {
	return r.Failed == 0
}

type Config struct {
	TimeoutPerStep time.Duration
	SessionPrefix  string
	BodyLimit      int
}

// Event is emitted to the diagnostic stream before the run proceeds past
// each step, so an operator sees progress even when a later step hangs.
type Event struct {
	Stage   string         `json:"stage"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
