package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeRunner struct {
	created []RunRequest
	quick   []QuickCheckRequest
	fail    error
}

func (f *fakeRunner) CreateRun(req RunRequest, principal Principal, source string) (RunMeta, error) {
	if f.fail != nil {
		return RunMeta{}, f.fail
	}
	f.created = append(f.created, req)
	return RunMeta{RunID: "run-test-1", Status: "queued", Request: req}, nil
}

func (f *fakeRunner) CreateQuickCheck(req QuickCheckRequest, ipHash, uaHash string) (RunMeta, error) {
	if f.fail != nil {
		return RunMeta{}, f.fail
	}
	f.quick = append(f.quick, req)
	return RunMeta{RunID: "run-quick-1", Status: "queued", Source: "quick-check"}, nil
}

func newTestAPI(t *testing.T, runner RunnerService) (*API, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = "sekrit"
	auth := NewAuth(nil, store, cfg)
	return NewAPI(auth, store, runner, nil), store
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{})
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminRunsRequireAuth(t *testing.T) {
	runner := &fakeRunner{}
	api, _ := newTestAPI(t, runner)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	body := strings.NewReader(`{"target":"staging"}`)
	resp, err := http.Post(server.URL+"/api/v1/admin/runs", "application/json", body)
	if err != nil {
		t.Fatalf("POST without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if len(runner.created) != 0 {
		t.Fatalf("runner called despite missing auth")
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/admin/runs",
		strings.NewReader(`{"base_url":"http://gw.internal:8080","scenario":"nlb-session"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var meta RunMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if meta.RunID == "" {
		t.Fatalf("expected run_id in response")
	}
	if len(runner.created) != 1 || runner.created[0].Scenario != "nlb-session" {
		t.Fatalf("runner did not receive the request: %+v", runner.created)
	}
}

func TestAdminRunRejectsBadToken(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRunner{})
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/admin/runs", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with bad token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestQuickCheckAccepted(t *testing.T) {
	runner := &fakeRunner{}
	api, _ := newTestAPI(t, runner)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/user/quick-check", "application/json",
		strings.NewReader(`{"target":"staging"}`))
	if err != nil {
		t.Fatalf("POST quick-check: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["run_id"] != "run-quick-1" {
		t.Fatalf("unexpected run_id: %v", out["run_id"])
	}
	if len(runner.quick) != 1 || runner.quick[0].Target != "staging" {
		t.Fatalf("runner did not receive quick-check: %+v", runner.quick)
	}
}

func TestQuickCheckRateLimitedMapsTo429(t *testing.T) {
	runner := &fakeRunner{fail: fmt.Errorf("quick-check rate limit exceeded")}
	api, _ := newTestAPI(t, runner)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/user/quick-check", "application/json",
		strings.NewReader(`{"target":"staging"}`))
	if err != nil {
		t.Fatalf("POST quick-check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestQuickCheckStatusHidesNonQuickRuns(t *testing.T) {
	api, store := newTestAPI(t, &fakeRunner{})
	if err := store.CreateRun(RunMeta{RunID: "run-admin-1", Status: "pass", Source: "api", CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/user/quick-check/run-admin-1")
	if err != nil {
		t.Fatalf("GET quick-check status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for non-quick run, got %d", resp.StatusCode)
	}
}

func TestPrincipalFromContextRoundTrip(t *testing.T) {
	ctx := context.WithValue(context.Background(), principalContextKey{}, Principal{Subject: "u1", Role: "admin"})
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Subject != "u1" {
		t.Fatalf("principal not recovered: %+v ok=%v", principal, ok)
	}
}
