package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by the readiness gate. Recoverable by waiting
	// or scanning the QR code.
	ErrNotReady = errors.New("client not ready")

	// ErrAuthFailure marks credentials rejected by the service.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrInitialization marks a client that failed to start.
	ErrInitialization = errors.New("initialization failed")

	// ErrInitTimeout marks an initialization that made no progress in time.
	ErrInitTimeout = errors.New("initialization timed out")

	// ErrSessionStore marks a failed session erase. Never fatal.
	ErrSessionStore = errors.New("session store")
)

// NotReadyError is the structured rejection returned by the readiness gate.
type NotReadyError struct {
	Code    int
	State   State
	QR      string
	Message string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s (state %s)", e.Message, e.State)
}

func (e *NotReadyError) Unwrap() error {
	return ErrNotReady
}

// OperationError wraps a failed domain call against a ready client.
// It does not affect the lifecycle.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
