package harness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"podverify/internal/gateway"
)

type recordingHandler struct {
	mu    sync.Mutex
	paths []string
	serve func(w http.ResponseWriter, r *http.Request, index int)
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.paths = append(h.paths, r.Method+" "+r.URL.Path)
	index := len(h.paths)
	h.mu.Unlock()
	if h.serve != nil {
		h.serve(w, r, index)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *recordingHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.paths))
	copy(out, h.paths)
	return out
}

func newTestClient(url string) *gateway.Client {
	return gateway.NewClient(gateway.Config{BaseURL: url, Timeout: 5 * time.Second})
}

func TestRunAllStepsPass(t *testing.T) {
	handler := &recordingHandler{serve: func(w http.ResponseWriter, r *http.Request, index int) {
		w.WriteHeader(http.StatusCreated)
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "create session", Method: http.MethodPost, Path: "/sessions", Body: gateway.CreateSessionRequest{SessionID: SessionPlaceholder}, Expect: []int{201}},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{}, steps)
	if !report.Pass() {
		t.Fatalf("expected pass, got fail: %s %s", report.Kind, report.Detail)
	}
	if report.Passed != 1 || report.Failed != 0 || report.Skipped != 0 {
		t.Fatalf("unexpected counts: passed=%d failed=%d skipped=%d", report.Passed, report.Failed, report.Skipped)
	}
	if report.Outcomes[0].StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", report.Outcomes[0].StatusCode)
	}
}

func TestRunSequentialOrdering(t *testing.T) {
	handler := &recordingHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "first", Method: http.MethodGet, Path: "/health"},
		{Name: "second", Method: http.MethodPost, Path: "/sessions", Body: map[string]any{"session_id": SessionPlaceholder}},
		{Name: "third", Method: http.MethodGet, Path: "/api/v1/session/" + SessionPlaceholder + "/status"},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{SessionPrefix: "order"}, steps)
	if !report.Pass() {
		t.Fatalf("expected pass, got %s: %s", report.Kind, report.Detail)
	}
	calls := handler.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d: %v", len(calls), calls)
	}
	want := []string{
		"GET /health",
		"POST /sessions",
		"GET /api/v1/session/" + report.SessionID + "/status",
	}
	for i, expected := range want {
		if calls[i] != expected {
			t.Fatalf("call %d: expected %q, got %q", i, expected, calls[i])
		}
	}
}

func TestRunFailFastSkipsRemainingSteps(t *testing.T) {
	handler := &recordingHandler{serve: func(w http.ResponseWriter, r *http.Request, index int) {
		if index == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "one", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
		{Name: "two", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
		{Name: "three", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
		{Name: "four", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{}, steps)
	if report.Pass() {
		t.Fatalf("expected fail")
	}
	if got := len(handler.calls()); got != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", got)
	}
	if report.FailedStep != "two" {
		t.Fatalf("expected failing step 'two', got %q", report.FailedStep)
	}
	if report.Passed != 1 || report.Failed != 1 || report.Skipped != 2 {
		t.Fatalf("unexpected counts: passed=%d failed=%d skipped=%d", report.Passed, report.Failed, report.Skipped)
	}
}

func TestRunUnexpectedStatusDetail(t *testing.T) {
	handler := &recordingHandler{serve: func(w http.ResponseWriter, r *http.Request, index int) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "create session", Method: http.MethodPost, Path: "/sessions", Body: gateway.CreateSessionRequest{SessionID: SessionPlaceholder}, Expect: []int{201}},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{}, steps)
	if report.Pass() {
		t.Fatalf("expected fail")
	}
	if report.Kind != KindUnexpectedStatus {
		t.Fatalf("expected kind %s, got %s", KindUnexpectedStatus, report.Kind)
	}
	if !strings.Contains(report.Detail, "500") {
		t.Fatalf("expected detail to mention 500, got %q", report.Detail)
	}
}

func TestRunConnectionRefusedHaltsRun(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	invoked := 0
	steps := []Step{
		{Name: "health check", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
		{Name: "never reached", Method: http.MethodPost, Path: "/sessions"},
	}
	report := RunWithEvents(context.Background(), newTestClient(url), Config{}, steps, func(event Event) {
		if event.Stage == "step_start" {
			invoked++
		}
	})
	if report.Pass() {
		t.Fatalf("expected fail")
	}
	if report.Kind != KindConnectionError {
		t.Fatalf("expected kind %s, got %s (%s)", KindConnectionError, report.Kind, report.Detail)
	}
	if invoked != 1 {
		t.Fatalf("expected 1 step attempted, got %d", invoked)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected 1 skipped step, got %d", report.Skipped)
	}
}

func TestRunTimeoutMidSequence(t *testing.T) {
	handler := &recordingHandler{serve: func(w http.ResponseWriter, r *http.Request, index int) {
		if r.URL.Path == "/sessions" {
			time.Sleep(300 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "health check", Method: http.MethodGet, Path: "/health", Expect: []int{200}},
		{Name: "create session", Method: http.MethodPost, Path: "/sessions", Timeout: 50 * time.Millisecond},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{}, steps)
	if report.Pass() {
		t.Fatalf("expected fail")
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(report.Outcomes))
	}
	if report.Outcomes[0].Status != StatusPass {
		t.Fatalf("expected first step pass, got %s", report.Outcomes[0].Status)
	}
	if report.Outcomes[1].Kind != KindTimeout {
		t.Fatalf("expected kind %s, got %s (%s)", KindTimeout, report.Outcomes[1].Kind, report.Outcomes[1].Detail)
	}
	if got := len(handler.calls()); got != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", got)
	}
}

func TestRunReusesSessionIdentifierAcrossSteps(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		mu.Lock()
		seen = append(seen, parts[4])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	steps := []Step{
		{Name: "first", Method: http.MethodPost, Path: "/api/v1/session/" + SessionPlaceholder + "/execute", Body: gateway.ExecuteRequest{Action: "test", Data: "hello"}},
		{Name: "second", Method: http.MethodGet, Path: "/api/v1/session/" + SessionPlaceholder + "/status"},
	}
	report := Run(context.Background(), newTestClient(server.URL), Config{SessionPrefix: "affinity"}, steps)
	if !report.Pass() {
		t.Fatalf("expected pass, got %s: %s", report.Kind, report.Detail)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 session ids observed, got %d", len(seen))
	}
	if seen[0] != seen[1] {
		t.Fatalf("session id changed between steps: %q vs %q", seen[0], seen[1])
	}
	if seen[0] != report.SessionID {
		t.Fatalf("reported session id %q does not match observed %q", report.SessionID, seen[0])
	}
}

func TestMaxStepTimeoutCoversLongestStep(t *testing.T) {
	steps := []Step{
		{Name: "a", Timeout: 30 * time.Second},
		{Name: "b"},
		{Name: "c", Timeout: 10 * time.Second},
	}
	if got := MaxStepTimeout(steps, 5*time.Second); got != 30*time.Second {
		t.Fatalf("expected 30s from longest step, got %v", got)
	}
	if got := MaxStepTimeout([]Step{{Name: "a"}}, 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected fallback 5s, got %v", got)
	}
	if got := MaxStepTimeout(nil, 0); got != defaultStepTimeout {
		t.Fatalf("expected default timeout, got %v", got)
	}
}

func TestRenderPathIdempotent(t *testing.T) {
	path := "/api/v1/session/" + SessionPlaceholder + "/execute"
	first := RenderPath(path, "test-session-123")
	second := RenderPath(path, "test-session-123")
	if first != second {
		t.Fatalf("rendering not idempotent: %q vs %q", first, second)
	}
	if first != "/api/v1/session/test-session-123/execute" {
		t.Fatalf("unexpected rendered path: %q", first)
	}
}

func TestRunEmitsEventsBeforeProceeding(t *testing.T) {
	handler := &recordingHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	var stages []string
	steps := []Step{
		{Name: "one", Method: http.MethodGet, Path: "/health"},
		{Name: "two", Method: http.MethodGet, Path: "/health"},
	}
	RunWithEvents(context.Background(), newTestClient(server.URL), Config{}, steps, func(event Event) {
		stages = append(stages, event.Stage+":"+event.Message)
	})
	if len(stages) != 4 {
		t.Fatalf("expected 4 events, got %d: %v", len(stages), stages)
	}
	if stages[0] != "step_start:one" || stages[2] != "step_start:two" {
		t.Fatalf("unexpected event ordering: %v", stages)
	}
	if !strings.HasPrefix(stages[1], "step_result:") || !strings.HasPrefix(stages[3], "step_result:") {
		t.Fatalf("expected step_result after each step_start: %v", stages)
	}
}
