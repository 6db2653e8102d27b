// Package connection owns the lifecycle of the single messaging client:
// authentication, readiness, disconnection and unattended recovery.
//
// All mutable lifecycle state lives inside one goroutine (Manager.Run).
// Client events, admin commands and retry timers are queued to it and
// handled run-to-completion, so the published Status is always internally
// consistent.
package connection

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the connection.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateAwaitingAuth
	StateAuthenticated
	StateReady
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is the last loading report from the client. Informational only.
type Progress struct {
	Percent int
	Message string
}

// Status is a read-only snapshot of the connection. A new value is
// published on every transition; callers must not hold on to QR past
// the next one.
type Status struct {
	State        State
	QR           string
	Attempts     int
	MaxAttempts  int
	Initializing bool
	Generation   uint64
	LastError    string

	// DisconnectReason is set while State is StateDisconnected.
	DisconnectReason string
	Loading          *Progress
	UpdatedAt        time.Time
}

// Ready reports whether domain operations may use the client.
func (s Status) Ready() bool {
	return s.State == StateReady
}

// Policy holds the retry and reset parameters of the lifecycle.
type Policy struct {
	// MaxAttempts is the number of initialization attempts allowed before
	// the session data is erased and counting starts over.
	MaxAttempts int

	// AuthFailureDelay is the wait before retrying after an auth failure
	// or a failed initialization.
	AuthFailureDelay time.Duration

	// DisconnectDelay is the wait before reconnecting after an unexpected
	// disconnect. Must be longer than AuthFailureDelay.
	DisconnectDelay time.Duration

	// CleanSessionDelay is the wait between a session wipe and the next
	// initialization.
	CleanSessionDelay time.Duration

	// InitTimeout bounds a single initialization sequence that has not yet
	// produced a QR code or reached readiness. It also bounds the wait for
	// readiness after a successful scan.
	InitTimeout time.Duration

	// LogoutReason is the disconnect reason that means the account was
	// logged out on purpose. It suppresses automatic reconnection.
	LogoutReason string
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		AuthFailureDelay:  5 * time.Second,
		DisconnectDelay:   10 * time.Second,
		CleanSessionDelay: 2 * time.Second,
		InitTimeout:       60 * time.Second,
		LogoutReason:      ReasonLogout,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.AuthFailureDelay <= 0 {
		return fmt.Errorf("authFailureDelay must be positive")
	}
	if p.DisconnectDelay <= p.AuthFailureDelay {
		return fmt.Errorf("disconnectDelay (%s) must be longer than authFailureDelay (%s)", p.DisconnectDelay, p.AuthFailureDelay)
	}
	if p.CleanSessionDelay <= 0 {
		return fmt.Errorf("cleanSessionDelay must be positive")
	}
	if p.InitTimeout <= 0 {
		return fmt.Errorf("initTimeout must be positive")
	}
	if p.LogoutReason == "" {
		return fmt.Errorf("logoutReason is required")
	}
	return nil
}
