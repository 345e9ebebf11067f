package server

import (
	"strings"
	"testing"
)

func testConfigWithTarget() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Targets = []TargetConfig{{
		Name:          "staging",
		BaseURL:       "http://gw.staging.internal:8080",
		TimeoutSec:    15,
		SessionPrefix: "stg-session",
	}}
	normalizeConfig(&cfg)
	return cfg
}

func TestResolveTargetByName(t *testing.T) {
	cfg := testConfigWithTarget()
	baseURL, timeoutSec, prefix, err := resolveTarget(cfg, RunRequest{Target: "staging"})
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if baseURL != "http://gw.staging.internal:8080" {
		t.Fatalf("unexpected base url: %s", baseURL)
	}
	if timeoutSec != 15 {
		t.Fatalf("expected target timeout 15, got %d", timeoutSec)
	}
	if prefix != "stg-session" {
		t.Fatalf("expected target prefix, got %s", prefix)
	}
}

func TestResolveTargetUnknownRejected(t *testing.T) {
	cfg := testConfigWithTarget()
	_, _, _, err := resolveTarget(cfg, RunRequest{Target: "production"})
	if err == nil {
		t.Fatalf("expected error for unknown target")
	}
}

func TestResolveTargetBaseURLOverride(t *testing.T) {
	cfg := testConfigWithTarget()
	baseURL, timeoutSec, prefix, err := resolveTarget(cfg, RunRequest{
		Target:        "staging",
		BaseURL:       "http://localhost:9999",
		TimeoutSec:    3,
		SessionPrefix: "adhoc",
	})
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if baseURL != "http://localhost:9999" {
		t.Fatalf("base_url override not applied: %s", baseURL)
	}
	if timeoutSec != 3 || prefix != "adhoc" {
		t.Fatalf("request overrides not applied: timeout=%d prefix=%s", timeoutSec, prefix)
	}
}

func TestResolveTargetRequiresSomeTarget(t *testing.T) {
	cfg := testConfigWithTarget()
	_, _, _, err := resolveTarget(cfg, RunRequest{})
	if err == nil {
		t.Fatalf("expected error when neither target nor base_url given")
	}
}

func TestBuildStepsFromSpecs(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	steps, err := m.buildSteps(RunRequest{Steps: []StepSpec{
		{Name: "health", Method: "GET", Path: "/health", Expect: []int{200}},
		{Name: "create", Method: "POST", Path: "/sessions", Body: map[string]any{"session_id": "{session}"}, Expect: []int{201}, TimeoutSec: 30},
	}})
	if err != nil {
		t.Fatalf("buildSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[1].Timeout.Seconds() != 30 {
		t.Fatalf("step timeout not carried: %v", steps[1].Timeout)
	}
}

func TestBuildStepsRejectsIncompleteSpec(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	_, err := m.buildSteps(RunRequest{Steps: []StepSpec{{Name: "broken", Method: "GET"}}})
	if err == nil || !strings.Contains(err.Error(), "method and path") {
		t.Fatalf("expected method/path validation error, got %v", err)
	}
}

func TestBuildStepsDefaultsToE2EFlow(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	steps, err := m.buildSteps(RunRequest{})
	if err != nil {
		t.Fatalf("buildSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected the 3-step default flow, got %d steps", len(steps))
	}
}

func TestBuildStepsUnknownScenario(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	_, err := m.buildSteps(RunRequest{Scenario: "does-not-exist"})
	if err == nil {
		t.Fatalf("expected unknown scenario error")
	}
}

func TestQuickCheckToRunRequest(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	req, err := m.quickCheckToRunRequest(QuickCheckRequest{Target: "staging"})
	if err != nil {
		t.Fatalf("quickCheckToRunRequest: %v", err)
	}
	if req.Target != "staging" {
		t.Fatalf("target not preserved: %s", req.Target)
	}
	if len(req.Steps) != 1 || req.Steps[0].Path != "/health" {
		t.Fatalf("expected single health step, got %+v", req.Steps)
	}
	if len(req.Steps[0].Expect) != 1 || req.Steps[0].Expect[0] != 200 {
		t.Fatalf("health step should expect 200: %+v", req.Steps[0].Expect)
	}
}

func TestQuickCheckToRunRequestRejectsUnknownTarget(t *testing.T) {
	m := &RunManager{cfg: testConfigWithTarget()}
	if _, err := m.quickCheckToRunRequest(QuickCheckRequest{Target: "nope"}); err == nil {
		t.Fatalf("expected error for unknown target")
	}
	if _, err := m.quickCheckToRunRequest(QuickCheckRequest{}); err == nil {
		t.Fatalf("expected error for empty target")
	}
}

func TestCreateRunAfterShutdownFailsCleanly(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	manager := NewRunManager(testConfigWithTarget(), store, nil)
	manager.Shutdown()

	if _, err := manager.CreateRun(RunRequest{Target: "staging"}, Principal{Subject: "u1"}, "api"); err == nil {
		t.Fatalf("expected error when enqueueing after shutdown")
	}
	// Shutdown is idempotent
	manager.Shutdown()
}

func TestIPRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(2)
	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("a") {
		t.Fatalf("third request within window should be blocked")
	}
	if !limiter.Allow("b") {
		t.Fatalf("other keys are independent")
	}
}
