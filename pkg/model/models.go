package model

import (
	"errors"
	"time"
)

// NetworkState is the position of the host relative to the campus network.
type NetworkState int

// StateUnknown marks results produced without classifying.
const StateUnknown NetworkState = -1

const (
	// outside, no campus host answers
	OutsideNoAccess NetworkState = iota
	// campus nameservers answer but the portal does not (tunnel is up)
	OutsideCampusReachable
	// inside with internet egress
	InsideWithInternet
	// inside, portal reachable, no internet egress
	InsideNoInternet
)

func (s NetworkState) String() string {
	switch s {
	case OutsideNoAccess:
		return "outside_no_access"
	case OutsideCampusReachable:
		return "outside_campus_reachable"
	case InsideWithInternet:
		return "inside_with_internet"
	case InsideNoInternet:
		return "inside_no_internet"
	default:
		return "unknown"
	}
}

func (s NetworkState) Valid() bool {
	return s >= OutsideNoAccess && s <= InsideNoInternet
}

// Credentials are owned by the caller and never persisted by the core.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) Empty() bool {
	return c == nil || c.Username == "" || c.Password == ""
}

// ActiveSession describes one online portal session.
type ActiveSession struct {
	RasIP     string `json:"ras_ip"`
	SessionIP string `json:"session_ip"`
	SessionID string `json:"session_id"`
}

type SessionList struct {
	Sessions  []ActiveSession `json:"sessions"`
	CurrentIP string          `json:"current_ip"`
}

// Action names the strategy an orchestrator call dispatched to.
type Action string

const (
	ActionNone   Action = "none"
	ActionPortal Action = "portal"
	ActionTunnel Action = "tunnel"
)

type ConnectionResult struct {
	Success   bool         `json:"success"`
	Status    string       `json:"status,omitempty"` // "connected", "disconnected"
	Message   string       `json:"message"`
	Action    Action       `json:"action"`
	State     NetworkState `json:"state"`
	IP        string       `json:"ip,omitempty"`
	Error     string       `json:"error,omitempty"` // error kind, see Kind
	Timestamp time.Time    `json:"timestamp"`
}

// Result is the tagged result of operations other than connect/disconnect.
type Result[T any] struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      T         `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile is the identity record shown by the registration portal.
type Profile struct {
	Username       string `json:"username"`
	FullName       string `json:"fullname"`
	FullNameEn     string `json:"fullname_en"`
	NationalID     string `json:"national_id,omitempty"`
	Gender         string `json:"gender"`
	FatherName     string `json:"father_name,omitempty"`
	PostalAddress  string `json:"postal_address,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
	AccountStatus  string `json:"account_status"`
	Telephone      string `json:"telephone_number,omitempty"`
	Mobile         string `json:"mobile"`
	SubmailAddress string `json:"dc_submail_address,omitempty"`
	Param          string `json:"param"`
}

// UsageEntry is one row of the bandwidth portal's connection log.
type UsageEntry struct {
	Index      string `json:"index"`
	LoginTime  string `json:"login_time"`
	LogoutTime string `json:"logout_time"`
	Upload     string `json:"upload"`
	Download   string `json:"download"`
}

var (
	ErrProbeTimeout  = errors.New("probe timeout")
	ErrAuth          = errors.New("authentication failed")
	ErrTransport     = errors.New("transport error")
	ErrStateMismatch = errors.New("state mismatch")
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrInvalidInput  = errors.New("invalid input")
)

// Kind maps an error onto the short name reported in results.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrProbeTimeout):
		return "probe_timeout"
	default:
		return "transport"
	}
}
