package connection

import "context"

// Disconnect reasons reported by clients.
const (
	ReasonLogout           = "LOGOUT"
	ReasonNetwork          = "NETWORK_ERROR"
	ReasonConflict         = "CONFLICT"
	ReasonKeepAliveTimeout = "KEEPALIVE_TIMEOUT"
)

// Event is a lifecycle signal from the client. The set is closed.
type Event interface {
	lifecycleEvent()
}

// QR carries a new one-time pairing code. It supersedes any earlier one.
type QR struct {
	Code string
}

// Authenticated means the pairing code was accepted.
type Authenticated struct{}

// Ready means the client can serve domain operations.
type Ready struct{}

// AuthFailure means stored credentials or pairing were rejected.
type AuthFailure struct {
	Message string
}

// Disconnected means the link to the service is gone.
type Disconnected struct {
	Reason string
}

// Loading reports sync progress. It never changes state.
type Loading struct {
	Percent int
	Message string
}

// InitFailed means Initialize returned an error or timed out.
type InitFailed struct {
	Err error
}

func (QR) lifecycleEvent()            {}
func (Authenticated) lifecycleEvent() {}
func (Ready) lifecycleEvent()         {}
func (AuthFailure) lifecycleEvent()   {}
func (Disconnected) lifecycleEvent()  {}
func (Loading) lifecycleEvent()       {}
func (InitFailed) lifecycleEvent()    {}

// EventSink receives lifecycle events from one client instance.
// It is safe to call from any goroutine.
type EventSink func(Event)

// Client is the messaging capability driven by the Manager.
type Client interface {
	// Initialize starts connecting. Progress is reported through the
	// EventSink the client was built with.
	Initialize(ctx context.Context) error

	// Destroy releases the client. Best effort.
	Destroy(ctx context.Context) error

	// Logout unlinks the account. Only valid while ready.
	Logout(ctx context.Context) error
}

// Factory builds a fresh client whose events are delivered to sink.
type Factory[C Client] func(ctx context.Context, sink EventSink) (C, error)

// SessionStore holds the persisted credentials of the client.
type SessionStore interface {
	// Erase deletes all session data.
	Erase(ctx context.Context) error
}
