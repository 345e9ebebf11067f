package gateway

// ExecuteRequest drives an action inside a session via the API gateway;
// the gateway creates the session if it does not exist yet.
type ExecuteRequest struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// CreateSessionRequest creates a session explicitly through the
// load-balancer ingress path.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
}

type HealthResponse struct {
	Status  string `json:"status,omitempty"`
	Version string `json:"version,omitempty"`
}

type SessionStatusResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state,omitempty"`
	Pod       string `json:"pod,omitempty"`
}
