package connection

import "net/http"

// CheckReady is the readiness gate over a status snapshot. It returns nil
// when the client may be used, or a *NotReadyError otherwise.
func (s Status) CheckReady() error {
	if s.State == StateReady {
		return nil
	}

	e := &NotReadyError{
		Code:  http.StatusServiceUnavailable,
		State: s.State,
		QR:    s.QR,
	}
	switch {
	case s.QR != "":
		e.Message = "scan the QR code to authenticate"
	case s.State == StateDisconnected, s.State == StateFailed:
		e.Message = "client " + s.State.String()
		if s.LastError != "" {
			e.Message += ": " + s.LastError
		}
	default:
		e.Message = "client is still initializing"
	}
	return e
}

// CheckReady runs the readiness gate against the current status.
func (m *Manager[C]) CheckReady() error {
	return m.Status().CheckReady()
}

// Acquire returns the current client if it is ready. The status and client
// come from the same published snapshot.
func (m *Manager[C]) Acquire() (C, error) {
	p := m.current.Load()
	if err := p.status.CheckReady(); err != nil {
		var zero C
		return zero, err
	}
	if !p.hasClient {
		var zero C
		return zero, &NotReadyError{Code: http.StatusServiceUnavailable, State: p.status.State, Message: "client is still initializing"}
	}
	return p.client, nil
}
