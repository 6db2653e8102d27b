package connection

import (
	"fmt"
	"time"
)

// snapshot is the mutable lifecycle state owned by the Manager's loop.
type snapshot struct {
	state    State
	qr       string
	attempts int
	locked   bool // an initialization sequence is in flight
	lastErr  string
	reason   string // disconnect reason while Disconnected
	loading  *Progress
}

type effectKind int

const (
	// effectTeardown destroys and detaches the current client.
	effectTeardown effectKind = iota
	// effectErase wipes the session store.
	effectErase
	// effectRetry schedules startInitialization after delay.
	effectRetry
)

type effect struct {
	kind  effectKind
	delay time.Duration
}

// begin applies the bookkeeping for a new initialization attempt.
// ok is false when another sequence holds the lock or the state does not
// allow a start. erase reports that the attempt ceiling was crossed and the
// session must be wiped before connecting.
func begin(p Policy, s snapshot) (next snapshot, erase bool, ok bool) {
	if s.locked {
		return s, false, false
	}
	switch s.state {
	case StateIdle, StateDisconnected, StateFailed:
	default:
		return s, false, false
	}

	next = s
	next.attempts++
	if next.attempts > p.MaxAttempts {
		erase = true
		next.attempts = 1
	}
	next.state = StateInitializing
	next.qr = ""
	next.locked = true
	next.reason = ""
	next.loading = nil
	return next, erase, true
}

// transition computes the next snapshot and the side effects to run for ev.
// handled is false when ev is not meaningful in the current state.
func transition(p Policy, s snapshot, ev Event) (next snapshot, effects []effect, handled bool) {
	next = s

	switch ev := ev.(type) {
	case QR:
		if !in(s.state, StateInitializing, StateAwaitingAuth) {
			return s, nil, false
		}
		next.state = StateAwaitingAuth
		next.qr = ev.Code

	case Authenticated:
		if !in(s.state, StateInitializing, StateAwaitingAuth) {
			return s, nil, false
		}
		next.state = StateAuthenticated
		next.qr = ""

	case Ready:
		if !in(s.state, StateInitializing, StateAwaitingAuth, StateAuthenticated) {
			return s, nil, false
		}
		next.state = StateReady
		next.qr = ""
		next.attempts = 0
		next.locked = false
		next.lastErr = ""
		next.loading = nil

	case AuthFailure:
		if !in(s.state, StateInitializing, StateAwaitingAuth, StateAuthenticated) {
			return s, nil, false
		}
		next.state = StateFailed
		next.qr = ""
		next.locked = false
		next.lastErr = fmt.Sprintf("%v: %s", ErrAuthFailure, ev.Message)
		effects = append(effects, effect{kind: effectTeardown}, effect{kind: effectErase})
		if s.attempts < p.MaxAttempts {
			effects = append(effects, effect{kind: effectRetry, delay: p.AuthFailureDelay})
		} else {
			// Retries exhausted: the wipe above is the forced reset.
			next.attempts = 0
		}

	case Disconnected:
		if in(s.state, StateIdle, StateFailed, StateDisconnected) {
			return s, nil, false
		}
		next.state = StateDisconnected
		next.qr = ""
		next.locked = false
		next.lastErr = "disconnected: " + ev.Reason
		next.reason = ev.Reason
		effects = append(effects, effect{kind: effectTeardown})
		if ev.Reason != p.LogoutReason {
			effects = append(effects, effect{kind: effectRetry, delay: p.DisconnectDelay})
		}

	case InitFailed:
		if !in(s.state, StateInitializing, StateAuthenticated) {
			return s, nil, false
		}
		next.state = StateFailed
		next.qr = ""
		next.locked = false
		if ev.Err != nil {
			next.lastErr = ev.Err.Error()
		}
		effects = append(effects, effect{kind: effectTeardown})
		if s.attempts < p.MaxAttempts {
			effects = append(effects, effect{kind: effectRetry, delay: p.AuthFailureDelay})
		}

	case Loading:
		next.loading = &Progress{Percent: ev.Percent, Message: ev.Message}

	default:
		return s, nil, false
	}

	return next, effects, true
}

func in(s State, states ...State) bool {
	for _, c := range states {
		if s == c {
			return true
		}
	}
	return false
}
