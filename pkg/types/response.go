package types

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error   APIError `json:"error"`
	TraceID string   `json:"trace_id,omitempty"`
}

// LeadAccepted is the 202 body of /leads/collect.
type LeadAccepted struct {
	LeadID  string `json:"lead_id"`
	Status  string `json:"status"`
	TraceID string `json:"trace_id"`
}

// SignedToken is the body of /leads/sign.
type SignedToken struct {
	SignedToken string `json:"signed_token"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// EmailHealth is the body of /email/health.
type EmailHealth struct {
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	Transport   string `json:"transport"`
	LastCheckAt string `json:"last_check_at,omitempty"`
	Error       string `json:"error,omitempty"`
}
