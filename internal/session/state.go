package session

import (
	"time"

	"github.com/sweeney/dialmate/internal/backend"
)

// CallState is the lifecycle state of the call session.
type CallState string

const (
	StateIdle    CallState = "idle"
	StateRinging CallState = "ringing"
	StateDialing CallState = "dialing"
	StateInCall  CallState = "in-call"
	StateEnded   CallState = "ended"
	StateError   CallState = "error"
)

// Active reports whether a call is in progress.
func (s CallState) Active() bool {
	return s == StateRinging || s == StateDialing || s == StateInCall
}

// AcceptsInput reports whether the dialed number may be edited in s.
func (s CallState) AcceptsInput() bool {
	return s == StateIdle || s == StateEnded || s == StateError
}

// Status messages shown alongside the state.
const (
	MsgSettingUp     = "Setting up device..."
	MsgReady         = "Ready to dial"
	MsgRinging       = "Ringing..."
	MsgDialing       = "Dialing..."
	MsgInCall        = "In Call"
	MsgEnded         = "Call Ended"
	MsgFailed        = "Call Failed"
	MsgMicDenied     = "Microphone access denied"
	MsgDeviceError   = "Device Error"
	MsgSetupFailed   = "Device setup failed"
	MsgMicRequired   = "Microphone access is required to make calls"
	MsgRefreshFailed = "Failed to refresh token"
)

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	State           CallState      `json:"state"`
	Status          string         `json:"status"`
	Number          string         `json:"number"`
	DialedNumber    string         `json:"dialed_number,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds int            `json:"duration_seconds"`
	BackendCallID   backend.CallID `json:"backend_call_id,omitempty"`
	TerminalLogged  bool           `json:"terminal_logged"`
	Incoming        bool           `json:"incoming,omitempty"`
	DeviceReady     bool           `json:"device_ready"`
	Busy            bool           `json:"busy"`
	CleanupPending  bool           `json:"cleanup_pending"`
	// HistoryRefreshes counts successful reloads of the server history.
	HistoryRefreshes int `json:"history_refreshes"`
}

// StateChange is emitted to observers whenever the call state changes.
type StateChange struct {
	State     CallState `json:"state"`
	Previous  CallState `json:"previous"`
	Status    string    `json:"status"`
	Number    string    `json:"number,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Set on terminal transitions.
	CallStatus      string `json:"call_status,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	ErrorCode       int    `json:"error_code,omitempty"`
}
