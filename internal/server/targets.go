package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// resolveTarget turns a run request into a concrete base URL plus the
// per-step timeout and session prefix that apply to it. An explicit
// base_url wins over a named target; a named target must exist.
func resolveTarget(cfg ServerConfig, req RunRequest) (baseURL string, timeoutSec int, sessionPrefix string, err error) {
	timeoutSec = cfg.Verify.DefaultTimeoutSec
	sessionPrefix = "test-session"

	if name := strings.TrimSpace(req.Target); name != "" {
		found := false
		for _, target := range cfg.Targets {
			if target.Name == name {
				baseURL = target.BaseURL
				if target.TimeoutSec > 0 {
					timeoutSec = target.TimeoutSec
				}
				if strings.TrimSpace(target.SessionPrefix) != "" {
					sessionPrefix = target.SessionPrefix
				}
				found = true
				break
			}
		}
		if !found {
			return "", 0, "", fmt.Errorf("unknown target: %s", name)
		}
	}
	if override := strings.TrimSpace(req.BaseURL); override != "" {
		baseURL = override
	}
	if strings.TrimSpace(baseURL) == "" {
		return "", 0, "", fmt.Errorf("no target or base_url given")
	}
	if req.TimeoutSec > 0 {
		timeoutSec = req.TimeoutSec
	}
	if strings.TrimSpace(req.SessionPrefix) != "" {
		sessionPrefix = req.SessionPrefix
	}
	return baseURL, timeoutSec, sessionPrefix, nil
}

// ipRateLimiter is a fixed-window per-key counter used to throttle the
// anonymous quick-check endpoint.
type ipRateLimiter struct {
	mu        sync.Mutex
	perMinute int
	window    time.Time
	counts    map[string]int
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	return &ipRateLimiter{
		perMinute: perMinute,
		window:    time.Now().Truncate(time.Minute),
		counts:    map[string]int{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().Truncate(time.Minute)
	if !now.Equal(l.window) {
		l.window = now
		l.counts = map[string]int{}
	}
	if l.counts[key] >= l.perMinute {
		return false
	}
	l.counts[key]++
	return true
}

func hashString(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return sha256Hex(s)[:16]
}
