package harness

import (
	"net/http"
	"strings"
	"time"

	"podverify/internal/gateway"
)

// Scenario is a named, ordered step sequence. Sequences are data rather
// than code so alternative orderings stay testable without touching the
// run loop.
type Scenario struct {
	Name        string
	Description string
	Steps       []Step
}

func AvailableScenarios() []Scenario {
	return []Scenario{
		{
			Name:        "e2e-flow",
			Description: "drive a session through the API gateway and confirm affinity is observable",
			Steps: []Step{
				{
					Name:    "create session via execute",
					Method:  http.MethodPost,
					Path:    "/api/v1/session/" + SessionPlaceholder + "/execute",
					Body:    gateway.ExecuteRequest{Action: "test", Data: "hello"},
					Timeout: 30 * time.Second,
				},
				{
					Name:    "check session status",
					Method:  http.MethodGet,
					Path:    "/api/v1/session/" + SessionPlaceholder + "/status",
					Timeout: 10 * time.Second,
				},
				{
					Name:    "second request to same session",
					Method:  http.MethodPost,
					Path:    "/api/v1/session/" + SessionPlaceholder + "/execute",
					Body:    gateway.ExecuteRequest{Action: "test2", Data: "world"},
					Timeout: 10 * time.Second,
				},
			},
		},
		{
			Name:        "nlb-session",
			Description: "probe load-balancer health, then create a session through the same ingress",
			Steps: []Step{
				{
					Name:    "health check",
					Method:  http.MethodGet,
					Path:    "/health",
					Expect:  []int{http.StatusOK},
					Timeout: 10 * time.Second,
				},
				{
					Name:    "create session",
					Method:  http.MethodPost,
					Path:    "/sessions",
					Body:    gateway.CreateSessionRequest{SessionID: SessionPlaceholder},
					Expect:  []int{http.StatusCreated},
					Timeout: 30 * time.Second,
				},
			},
		},
	}
}

func DefaultScenarioOrder() []string {
	return []string{"e2e-flow", "nlb-session"}
}

func FindScenario(name string) (Scenario, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, scenario := range AvailableScenarios() {
		if scenario.Name == needle {
			return scenario, true
		}
	}
	return Scenario{}, false
}

func ResolveScenarioSelection(selection string) []string {
	value := strings.TrimSpace(strings.ToLower(selection))
	if value == "" || value == "all" {
		return DefaultScenarioOrder()
	}
	items := strings.Split(value, ",")
	names := make([]string, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(strings.ToLower(item))
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}
