package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"podverify/internal/gateway"
)

// SessionPlaceholder marks where the run's session identifier is inserted
// into a step's path or body.
const SessionPlaceholder = "{session}"

const (
	defaultStepTimeout = 10 * time.Second
	defaultBodyLimit   = 2048
)

// Run executes steps strictly in order against the client's target and
// stops at the first failure. Later steps only carry signal when earlier
// ones succeeded, so skipping them is deliberate.
func Run(ctx context.Context, client *gateway.Client, cfg Config, steps []Step) Report {
	return RunWithEvents(ctx, client, cfg, steps, nil)
}

func RunWithEvents(ctx context.Context, client *gateway.Client, cfg Config, steps []Step, onEvent func(Event)) Report {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	sessionID := NewSessionID(cfg.SessionPrefix)
	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		BaseURL:     client.BaseURL(),
		SessionID:   sessionID,
		Outcomes:    make([]Outcome, 0, len(steps)),
	}
	for index, step := range steps {
		onEvent(Event{
			Stage:   "step_start",
			Message: step.Name,
			Data: map[string]any{
				"step":   step.Name,
				"index":  index + 1,
				"total":  len(steps),
				"method": step.Method,
				"path":   RenderPath(step.Path, sessionID),
			},
		})
		outcome := runStep(ctx, client, cfg, step, sessionID)
		report.Outcomes = append(report.Outcomes, outcome)
		onEvent(Event{
			Stage:   "step_result",
			Message: outcomeMessage(outcome),
			Data: map[string]any{
				"step":        outcome.Step,
				"status":      outcome.Status,
				"status_code": outcome.StatusCode,
				"kind":        outcome.Kind,
				"duration_ms": outcome.DurationMS,
			},
		})
		if outcome.Status == StatusFail {
			report.Failed++
			report.FailedStep = outcome.Step
			report.Kind = outcome.Kind
			report.Detail = outcome.Detail
			report.Skipped = len(steps) - index - 1
			break
		}
		report.Passed++
	}
	return report
}

func runStep(ctx context.Context, client *gateway.Client, cfg Config, step Step, sessionID string) Outcome {
	outcome := Outcome{Step: step.Name}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = cfg.TimeoutPerStep
	}
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := renderBody(step.Body, sessionID)
	if err != nil {
		outcome.Status = StatusFail
		outcome.Kind = KindOtherError
		outcome.Detail = "encode request body: " + err.Error()
		return outcome
	}

	start := time.Now()
	raw, err := client.DoPayload(stepCtx, step.Method, RenderPath(step.Path, sessionID), payload)
	outcome.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		outcome.Status = StatusFail
		outcome.Kind, outcome.Detail = Classify(err)
		return outcome
	}

	outcome.StatusCode = raw.StatusCode
	outcome.Body = firstN(string(raw.Body), bodyLimit(cfg))
	if len(step.Expect) > 0 && !containsInt(step.Expect, raw.StatusCode) {
		outcome.Status = StatusFail
		outcome.Kind = KindUnexpectedStatus
		outcome.Detail = fmt.Sprintf("expected status %s, got %d", formatStatusSet(step.Expect), raw.StatusCode)
		return outcome
	}
	outcome.Status = StatusPass
	return outcome
}

// MaxStepTimeout returns the largest effective timeout across steps,
// taking perStep as the value for steps without their own. Callers sizing
// an HTTP client's overall timeout must use this, not perStep: a client
// cap below a step's own timeout would cut that step short.
func MaxStepTimeout(steps []Step, perStep time.Duration) time.Duration {
	longest := perStep
	if longest <= 0 {
		longest = defaultStepTimeout
	}
	for _, step := range steps {
		if step.Timeout > longest {
			longest = step.Timeout
		}
	}
	return longest
}

// RenderPath substitutes the session identifier into a path template.
// Rendering is a pure string replacement, so rendering twice with the same
// inputs yields byte-identical paths.
func RenderPath(path, sessionID string) string {
	return strings.ReplaceAll(path, SessionPlaceholder, sessionID)
}

func renderBody(body any, sessionID string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(payload, []byte(SessionPlaceholder), []byte(sessionID)), nil
}

func bodyLimit(cfg Config) int {
	if cfg.BodyLimit > 0 {
		return cfg.BodyLimit
	}
	return defaultBodyLimit
}

func outcomeMessage(outcome Outcome) string {
	if outcome.Status == StatusPass {
		return fmt.Sprintf("status %d", outcome.StatusCode)
	}
	return fmt.Sprintf("%s: %s", outcome.Kind, outcome.Detail)
}

func formatStatusSet(expect []int) string {
	parts := make([]string, 0, len(expect))
	for _, code := range expect {
		parts = append(parts, fmt.Sprintf("%d", code))
	}
	return strings.Join(parts, "|")
}

func containsInt(items []int, value int) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}

func firstN(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
