package api

// Request and response bodies of the local API. Orchestrator results are
// returned as they are; only the inputs and the status view live here.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type CredentialsRequest struct {
	NewUsername     string `json:"new_username"`
	NewPassword     string `json:"new_password"`
	CurrentPassword string `json:"current_password"`
}

// StatusResponse is the payload of GET /v1/status.
type StatusResponse struct {
	State     int       `json:"state"`
	StateName string    `json:"state_name"`
	LoggedIn  bool      `json:"logged_in"`
	Username  string    `json:"username,omitempty"`
	Route     RouteView `json:"route"`
}

// RouteView is the host's IPv4 default route, when it can be read.
type RouteView struct {
	Gateway string `json:"gateway,omitempty"`
	Device  string `json:"device,omitempty"`
}

type APIError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}
