package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type API struct {
	auth   *Auth
	store  Store
	runner RunnerService
	obs    *Observability
}

func NewAPI(auth *Auth, store Store, runner RunnerService, obs *Observability) *API {
	return &API{auth: auth, store: store, runner: runner, obs: obs}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/admin/runs", a.auth.RequireAdmin(http.HandlerFunc(a.handleCreateRun)))
	mux.Handle("GET /api/v1/admin/runs", a.auth.RequireAdmin(http.HandlerFunc(a.handleListRuns)))
	mux.Handle("GET /api/v1/admin/runs/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleGetRun)))
	mux.Handle("GET /api/v1/admin/runs/{id}/events", a.auth.RequireAdmin(http.HandlerFunc(a.handleRunEvents)))
	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleMetricsOverview)))
	mux.Handle("GET /api/v1/admin/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAudit)))

	mux.HandleFunc("POST /api/v1/user/quick-check", a.handleQuickCheck)
	mux.HandleFunc("GET /api/v1/user/quick-check/{id}", a.handleQuickCheckStatus)
	mux.Handle("GET /api/v1/user/my-runs", a.auth.Require(http.HandlerFunc(a.handleMyRuns)))

	return otelhttp.NewHandler(withCORS(mux), "verify-api-http")
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req RunRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	meta, err := a.runner.CreateRun(req, principal, "api")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, meta)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRuns(100),
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	meta, ok := a.store.GetRun(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleRunEvents streams run progress as server-sent events. The cursor
// query parameter resumes after a known sequence number.
func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := a.store.GetRun(runID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	cursor := parseCursor(r)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	flush := func() bool {
		events := a.store.ListRunEvents(runID, cursor)
		for _, event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Stage, data)
			cursor = event.Seq
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		meta, _ := a.store.GetRun(runID)
		return meta.Status == "pass" || meta.Status == "fail"
	}

	if done := flush(); done {
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if done := flush(); done {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			// keepalive so proxies do not cut the stream
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (a *API) handleMetricsOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"events": a.store.ListAudit(200),
	})
}

func (a *API) handleQuickCheck(w http.ResponseWriter, r *http.Request) {
	var req QuickCheckRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	meta, err := a.runner.CreateQuickCheck(req, ipHash, uaHash)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": meta.RunID,
		"status": meta.Status,
	})
}

func (a *API) handleQuickCheckStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	meta, ok := a.store.GetRun(runID)
	if !ok || meta.Source != "quick-check" {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, summarizeReportForUser(meta))
}

func (a *API) handleMyRuns(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRunsByCreator(principal.Subject, 50),
	})
}

// summarizeReportForUser strips anonymous responses down to verdict plus
// per-step highlights; raw bodies and URLs stay admin-only.
func summarizeReportForUser(meta RunMeta) map[string]any {
	out := map[string]any{
		"run_id": meta.RunID,
		"status": meta.Status,
	}
	if meta.FailedStep != "" {
		out["failed_step"] = meta.FailedStep
		out["failure_kind"] = meta.FailureKind
	}
	if meta.Report != nil {
		steps := make([]map[string]any, 0, len(meta.Report.Outcomes))
		for _, outcome := range meta.Report.Outcomes {
			steps = append(steps, map[string]any{
				"step":        outcome.Step,
				"status":      outcome.Status,
				"duration_ms": outcome.DurationMS,
			})
		}
		out["steps"] = steps
		out["skipped"] = meta.Report.Skipped
	}
	return out
}

func actorHashes(r *http.Request) (ipHash, uaHash string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		host = firstNonEmpty(strings.TrimSpace(first), host)
	}
	return hashString(host), hashString(r.Header.Get("User-Agent"))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
