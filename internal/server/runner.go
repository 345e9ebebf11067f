package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"podverify/internal/gateway"
	"podverify/internal/harness"
)

// RunnerService is what the HTTP layer needs from the run scheduler.
// Tests substitute a fake.
type RunnerService interface {
	CreateRun(req RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickCheck(req QuickCheckRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	runID string
}

// RunManager executes verification runs on a small worker pool and streams
// per-step progress into the store as run events.
type RunManager struct {
	cfg        ServerConfig
	store      Store
	obs        *Observability
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter

	mu     sync.Mutex
	queue  chan queuedRun
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewRunManager(cfg ServerConfig, store Store, obs *Observability) *RunManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RunManager{
		cfg:        cfg,
		store:      store,
		obs:        obs,
		queue:      make(chan queuedRun, 64),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickCheckRPM),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	workers := cfg.Verify.MaxParallelRuns
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Shutdown stops accepting runs and waits for in-flight ones. Callers must
// stop the HTTP layer first; enqueue attempts after Shutdown fail cleanly
// instead of panicking on a closed channel.
func (m *RunManager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *RunManager) enqueue(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("run manager is shut down")
	}
	select {
	case m.queue <- queuedRun{runID: runID}:
		return nil
	default:
		return fmt.Errorf("run queue is full")
	}
}

func (m *RunManager) worker() {
	defer m.wg.Done()
	for item := range m.queue {
		m.executeRun(item.runID)
	}
}

func (m *RunManager) CreateRun(req RunRequest, principal Principal, source string) (RunMeta, error) {
	if _, _, _, err := resolveTarget(m.cfg, req); err != nil {
		return RunMeta{}, err
	}
	if len(req.Steps) == 0 && strings.TrimSpace(req.Scenario) != "" {
		if _, ok := harness.FindScenario(req.Scenario); !ok {
			return RunMeta{}, fmt.Errorf("unknown scenario: %s", req.Scenario)
		}
	}
	meta := RunMeta{
		RunID:       randomID("run"),
		Status:      "queued",
		CreatorType: "user",
		CreatorSub:  principal.Subject,
		Source:      source,
		Request:     req,
		CreatedAt:   nowRFC3339(),
	}
	if principal.Role == "admin" {
		meta.CreatorType = "admin"
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_ = m.store.AppendAudit(AuditEvent{
		RunID:     meta.RunID,
		ActorType: meta.CreatorType,
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
		Detail:    describeRequest(req),
	})
	if err := m.enqueue(meta.RunID); err != nil {
		_, _ = m.store.UpdateRun(meta.RunID, func(r *RunMeta) {
			r.Status = "fail"
			r.Error = err.Error()
			r.FinishedAt = nowRFC3339()
		})
		return RunMeta{}, err
	}
	return meta, nil
}

func (m *RunManager) CreateQuickCheck(req QuickCheckRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		m.obs.MarkQuickBlocked(m.baseCtx, "rate_limited")
		return RunMeta{}, fmt.Errorf("quick-check rate limit exceeded")
	}
	runReq, err := m.quickCheckToRunRequest(req)
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       randomID("run"),
		Status:      "queued",
		CreatorType: "anonymous",
		Source:      "quick-check",
		Request:     runReq,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_ = m.store.AppendAudit(AuditEvent{
		RunID:     meta.RunID,
		ActorType: "anonymous",
		Action:    "quick_check.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    "target=" + req.Target,
	})
	if err := m.enqueue(meta.RunID); err != nil {
		return RunMeta{}, err
	}
	return meta, nil
}

// quickCheckToRunRequest maps the anonymous endpoint onto a single health
// probe against a named target. Anonymous callers never choose URLs.
func (m *RunManager) quickCheckToRunRequest(req QuickCheckRequest) (RunRequest, error) {
	name := strings.TrimSpace(req.Target)
	if name == "" {
		return RunRequest{}, fmt.Errorf("target is required")
	}
	runReq := RunRequest{Target: name}
	if _, _, _, err := resolveTarget(m.cfg, runReq); err != nil {
		return RunRequest{}, err
	}
	runReq.Steps = []StepSpec{{
		Name:   "health",
		Method: "GET",
		Path:   "/health",
		Expect: []int{200},
	}}
	return runReq, nil
}

func (m *RunManager) executeRun(runID string) {
	ctx := m.baseCtx
	meta, ok := m.store.GetRun(runID)
	if !ok {
		slog.Error("queued run disappeared", "run_id", runID)
		return
	}

	_, _ = m.store.UpdateRun(runID, func(r *RunMeta) {
		r.Status = "running"
		r.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(runID, "run_start", "run started", nil)

	baseURL, timeoutSec, sessionPrefix, err := resolveTarget(m.cfg, meta.Request)
	if err != nil {
		m.finishRun(ctx, runID, nil, err)
		return
	}
	steps, err := m.buildSteps(meta.Request)
	if err != nil {
		m.finishRun(ctx, runID, nil, err)
		return
	}

	stepTimeout := time.Duration(timeoutSec) * time.Second
	client := gateway.NewClient(gateway.Config{
		BaseURL:   baseURL,
		Timeout:   2 * harness.MaxStepTimeout(steps, stepTimeout),
		UserAgent: "podverify-api",
	})
	report := harness.RunWithEvents(ctx, client, harness.Config{
		TimeoutPerStep: stepTimeout,
		SessionPrefix:  sessionPrefix,
	}, steps, func(event harness.Event) {
		_, _ = m.store.AppendRunEvent(runID, event.Stage, event.Message, event.Data)
		if event.Stage == "step_result" {
			if ms, ok := event.Data["duration_ms"].(int64); ok {
				if step, ok := event.Data["step"].(string); ok {
					m.obs.MarkStep(ctx, step, ms)
				}
			}
		}
	})
	m.finishRun(ctx, runID, &report, nil)
}

func (m *RunManager) finishRun(ctx context.Context, runID string, report *harness.Report, runErr error) {
	status := "fail"
	switch {
	case runErr == nil && report != nil && report.Pass():
		status = "pass"
	}
	updated, _ := m.store.UpdateRun(runID, func(r *RunMeta) {
		r.Status = status
		r.FinishedAt = nowRFC3339()
		r.Report = report
		if runErr != nil {
			r.Error = runErr.Error()
		}
		if report != nil {
			r.FailedStep = report.FailedStep
			r.FailureKind = string(report.Kind)
		}
	})
	message := "run " + status
	if runErr != nil {
		message = "run failed: " + runErr.Error()
	}
	_, _ = m.store.AppendRunEvent(runID, "run_done", message, map[string]any{"status": status})

	m.obs.MarkRun(ctx, status)
	if report != nil {
		m.obs.MarkFailure(ctx, string(report.Kind))
	}
	_ = m.store.AppendAudit(AuditEvent{
		RunID:     runID,
		ActorType: "system",
		Action:    "run.finish",
		Result:    status,
		Detail:    updated.Error,
	})
	slog.Info("run finished", "run_id", runID, "status", status)
}

// buildSteps prefers an explicit step list, then a named scenario, then
// falls back to the end-to-end flow.
func (m *RunManager) buildSteps(req RunRequest) ([]harness.Step, error) {
	if len(req.Steps) > 0 {
		steps := make([]harness.Step, 0, len(req.Steps))
		for i, spec := range req.Steps {
			if strings.TrimSpace(spec.Name) == "" {
				return nil, fmt.Errorf("step %d has no name", i+1)
			}
			if strings.TrimSpace(spec.Method) == "" || strings.TrimSpace(spec.Path) == "" {
				return nil, fmt.Errorf("step %q needs method and path", spec.Name)
			}
			steps = append(steps, spec.toStep())
		}
		return steps, nil
	}
	name := strings.TrimSpace(req.Scenario)
	if name == "" {
		name = "e2e-flow"
	}
	scenario, ok := harness.FindScenario(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario: %s", name)
	}
	return scenario.Steps, nil
}

func randomID(prefix string) string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().Unix(), hex.EncodeToString(raw))
}

func describeRequest(req RunRequest) string {
	if len(req.Steps) > 0 {
		return fmt.Sprintf("custom steps (%d)", len(req.Steps))
	}
	scenario := req.Scenario
	if scenario == "" {
		scenario = "e2e-flow"
	}
	return "scenario=" + scenario
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
