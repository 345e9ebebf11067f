package server

import (
	"time"

	"podverify/internal/harness"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest schedules one harness run. Target names a configured
// environment; BaseURL overrides it for ad-hoc probing. Steps, when present,
// replace the named scenario with a custom sequence.
type RunRequest struct {
	Target        string     `json:"target,omitempty"`
	BaseURL       string     `json:"base_url,omitempty"`
	Scenario      string     `json:"scenario,omitempty"`
	Steps         []StepSpec `json:"steps,omitempty"`
	TimeoutSec    int        `json:"timeout_sec,omitempty"`
	SessionPrefix string     `json:"session_prefix,omitempty"`
}

// StepSpec is the wire form of a harness step.
type StepSpec struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	Body       map[string]any `json:"body,omitempty"`
	Expect     []int          `json:"expect,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

func (s StepSpec) toStep() harness.Step {
	var body any
	if s.Body != nil {
		body = s.Body
	}
	return harness.Step{
		Name:    s.Name,
		Method:  s.Method,
		Path:    s.Path,
		Body:    body,
		Expect:  s.Expect,
		Timeout: time.Duration(s.TimeoutSec) * time.Second,
	}
}

type QuickCheckRequest struct {
	Target string `json:"target"`
}

type RunMeta struct {
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	CreatorType string          `json:"creator_type"`
	CreatorSub  string          `json:"creator_sub,omitempty"`
	Source      string          `json:"source"`
	Request     RunRequest      `json:"request"`
	StartedAt   string          `json:"started_at,omitempty"`
	FinishedAt  string          `json:"finished_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
	Error       string          `json:"error,omitempty"`
	Report      *harness.Report `json:"report,omitempty"`
	FailedStep  string          `json:"failed_step,omitempty"`
	FailureKind string          `json:"failure_kind,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt        string `json:"generated_at"`
	TotalRuns          int    `json:"total_runs"`
	RunningRuns        int    `json:"running_runs"`
	PassRuns           int    `json:"pass_runs"`
	FailRuns           int    `json:"fail_runs"`
	TimeoutFailures    int    `json:"timeout_failures"`
	ConnectionFailures int    `json:"connection_failures"`
	StatusFailures     int    `json:"status_failures"`
	OtherFailures      int    `json:"other_failures"`
	AverageDuration    int64  `json:"average_duration_ms"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
