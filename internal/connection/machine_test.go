package connection

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		AuthFailureDelay:  5 * time.Second,
		DisconnectDelay:   10 * time.Second,
		CleanSessionDelay: 2 * time.Second,
		InitTimeout:       time.Minute,
		LogoutReason:      ReasonLogout,
	}
}

func hasEffect(effects []effect, kind effectKind) (effect, bool) {
	for _, e := range effects {
		if e.kind == kind {
			return e, true
		}
	}
	return effect{}, false
}

func TestBegin(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name         string
		in           snapshot
		wantOK       bool
		wantErase    bool
		wantAttempts int
	}{
		{"from idle", snapshot{state: StateIdle}, true, false, 1},
		{"from disconnected", snapshot{state: StateDisconnected, attempts: 1}, true, false, 2},
		{"from failed", snapshot{state: StateFailed, attempts: 2}, true, false, 3},
		{"over the ceiling erases", snapshot{state: StateFailed, attempts: 3}, true, true, 1},
		{"locked is a no-op", snapshot{state: StateFailed, attempts: 1, locked: true}, false, false, 1},
		{"ready is a no-op", snapshot{state: StateReady}, false, false, 0},
		{"awaiting auth is a no-op", snapshot{state: StateAwaitingAuth, attempts: 2, locked: true}, false, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, erase, ok := begin(p, tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if erase != tt.wantErase {
				t.Errorf("erase = %v, want %v", erase, tt.wantErase)
			}
			if next.attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", next.attempts, tt.wantAttempts)
			}
			if ok {
				if next.state != StateInitializing {
					t.Errorf("state = %s, want initializing", next.state)
				}
				if !next.locked {
					t.Error("lock should be held after begin")
				}
			}
		})
	}
}

func TestTransition_HappyPath(t *testing.T) {
	p := testPolicy()
	s, _, _ := begin(p, snapshot{state: StateIdle})

	s, _, ok := transition(p, s, QR{Code: "ABC123"})
	if !ok || s.state != StateAwaitingAuth || s.qr != "ABC123" {
		t.Fatalf("after QR: %+v", s)
	}

	s, _, ok = transition(p, s, QR{Code: "DEF456"})
	if !ok || s.qr != "DEF456" {
		t.Fatalf("newer QR should supersede: %+v", s)
	}

	s, _, ok = transition(p, s, Authenticated{})
	if !ok || s.state != StateAuthenticated || s.qr != "" {
		t.Fatalf("after authenticated: %+v", s)
	}

	s, effects, ok := transition(p, s, Ready{})
	if !ok {
		t.Fatal("ready should be handled")
	}
	if len(effects) != 0 {
		t.Errorf("ready should have no effects, got %v", effects)
	}
	if s.state != StateReady || s.qr != "" || s.attempts != 0 || s.locked {
		t.Errorf("final snapshot = %+v", s)
	}
}

func TestTransition_AuthFailure(t *testing.T) {
	p := testPolicy()

	t.Run("retries below the ceiling", func(t *testing.T) {
		s := snapshot{state: StateAwaitingAuth, attempts: 1, locked: true, qr: "X"}
		next, effects, ok := transition(p, s, AuthFailure{Message: "bad creds"})
		if !ok {
			t.Fatal("auth failure should be handled")
		}
		if next.state != StateFailed || next.locked || next.qr != "" {
			t.Errorf("snapshot = %+v", next)
		}
		if !strings.Contains(next.lastErr, "bad creds") {
			t.Errorf("lastErr = %q, want it to carry the failure message", next.lastErr)
		}
		if _, ok := hasEffect(effects, effectErase); !ok {
			t.Error("expected erase effect")
		}
		if _, ok := hasEffect(effects, effectTeardown); !ok {
			t.Error("expected teardown effect")
		}
		r, ok := hasEffect(effects, effectRetry)
		if !ok || r.delay != p.AuthFailureDelay {
			t.Errorf("expected retry after %s, got %+v", p.AuthFailureDelay, r)
		}
	})

	t.Run("exhausted resets without retry", func(t *testing.T) {
		s := snapshot{state: StateInitializing, attempts: 3, locked: true}
		next, effects, _ := transition(p, s, AuthFailure{Message: "bad creds"})
		if next.state != StateFailed {
			t.Errorf("state = %s, want failed", next.state)
		}
		if next.attempts != 0 {
			t.Errorf("attempts = %d, want 0 after forced reset", next.attempts)
		}
		if _, ok := hasEffect(effects, effectRetry); ok {
			t.Error("no retry expected once attempts are exhausted")
		}
		if _, ok := hasEffect(effects, effectErase); !ok {
			t.Error("expected erase effect")
		}
	})

	t.Run("ignored when ready", func(t *testing.T) {
		s := snapshot{state: StateReady}
		if _, _, ok := transition(p, s, AuthFailure{}); ok {
			t.Error("auth failure should be ignored when ready")
		}
	})
}

func TestTransition_Disconnected(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name      string
		from      State
		reason    string
		handled   bool
		wantRetry bool
	}{
		{"network drop while ready", StateReady, ReasonNetwork, true, true},
		{"logout while ready", StateReady, ReasonLogout, true, false},
		{"drop while awaiting auth", StateAwaitingAuth, ReasonNetwork, true, true},
		{"drop while initializing", StateInitializing, ReasonConflict, true, true},
		{"ignored when failed", StateFailed, ReasonNetwork, false, false},
		{"ignored when already disconnected", StateDisconnected, ReasonNetwork, false, false},
		{"ignored when idle", StateIdle, ReasonNetwork, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshot{state: tt.from, locked: tt.from == StateInitializing}
			next, effects, ok := transition(p, s, Disconnected{Reason: tt.reason})
			if ok != tt.handled {
				t.Fatalf("handled = %v, want %v", ok, tt.handled)
			}
			if !ok {
				return
			}
			if next.state != StateDisconnected || next.locked {
				t.Errorf("snapshot = %+v", next)
			}
			if next.reason != tt.reason {
				t.Errorf("reason = %q, want %q", next.reason, tt.reason)
			}
			if restarted, _, ok := begin(p, next); ok && restarted.reason != "" {
				t.Errorf("begin kept disconnect reason %q", restarted.reason)
			}
			r, retry := hasEffect(effects, effectRetry)
			if retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", retry, tt.wantRetry)
			}
			if retry && r.delay != p.DisconnectDelay {
				t.Errorf("retry delay = %s, want %s", r.delay, p.DisconnectDelay)
			}
			if _, ok := hasEffect(effects, effectErase); ok {
				t.Error("disconnect must not erase the session")
			}
		})
	}

	if p.DisconnectDelay <= p.AuthFailureDelay {
		t.Error("disconnect delay must be longer than auth failure delay")
	}
}

func TestTransition_InitFailed(t *testing.T) {
	p := testPolicy()

	s := snapshot{state: StateInitializing, attempts: 2, locked: true}
	next, effects, ok := transition(p, s, InitFailed{Err: ErrInitTimeout})
	if !ok {
		t.Fatal("init failure should be handled")
	}
	if next.state != StateFailed || next.locked {
		t.Errorf("snapshot = %+v", next)
	}
	if next.lastErr != ErrInitTimeout.Error() {
		t.Errorf("lastErr = %q", next.lastErr)
	}
	if _, ok := hasEffect(effects, effectRetry); !ok {
		t.Error("expected retry below the ceiling")
	}
	if _, ok := hasEffect(effects, effectErase); ok {
		t.Error("init failure must not erase the session")
	}

	s.attempts = 3
	_, effects, _ = transition(p, s, InitFailed{Err: errors.New("boom")})
	if _, ok := hasEffect(effects, effectRetry); ok {
		t.Error("no retry expected at the ceiling")
	}

	if _, _, ok := transition(p, snapshot{state: StateAwaitingAuth}, InitFailed{}); ok {
		t.Error("init failure should be ignored while awaiting a scan")
	}
}

func TestTransition_LoadingKeepsState(t *testing.T) {
	p := testPolicy()
	s := snapshot{state: StateAuthenticated, locked: true, attempts: 1}

	next, effects, ok := transition(p, s, Loading{Percent: 40, Message: "syncing"})
	if !ok {
		t.Fatal("loading should be handled")
	}
	if next.state != s.state || next.attempts != s.attempts || next.locked != s.locked {
		t.Errorf("loading changed lifecycle fields: %+v", next)
	}
	if next.loading == nil || next.loading.Percent != 40 {
		t.Errorf("loading = %+v", next.loading)
	}
	if len(effects) != 0 {
		t.Errorf("unexpected effects %v", effects)
	}
}

func TestTransition_StateAlwaysValid(t *testing.T) {
	p := testPolicy()
	events := []Event{
		QR{Code: "a"}, Authenticated{}, Ready{}, AuthFailure{}, Disconnected{Reason: ReasonNetwork},
		Disconnected{Reason: ReasonLogout}, Loading{}, InitFailed{},
	}

	s := snapshot{state: StateIdle}
	// Walk every event from every reachable state a few times over.
	for round := 0; round < 4; round++ {
		for _, ev := range events {
			if n, _, ok := begin(p, s); ok {
				s = n
			}
			s, _, _ = transition(p, s, ev)
			if s.state < StateIdle || s.state > StateFailed {
				t.Fatalf("invalid state %d after %T", s.state, ev)
			}
			if s.attempts > p.MaxAttempts {
				t.Fatalf("attempts %d exceeded max after %T", s.attempts, ev)
			}
			if s.qr != "" && s.state != StateAwaitingAuth {
				t.Fatalf("qr %q present in state %s", s.qr, s.state)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:          "idle",
		StateInitializing:  "initializing",
		StateAwaitingAuth:  "awaiting_auth",
		StateAuthenticated: "authenticated",
		StateReady:         "ready",
		StateDisconnected:  "disconnected",
		StateFailed:        "failed",
		State(42):          "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	p := DefaultPolicy()
	p.DisconnectDelay = p.AuthFailureDelay
	if err := p.Validate(); err == nil {
		t.Error("expected error when disconnect delay is not longer than auth failure delay")
	}

	p = DefaultPolicy()
	p.MaxAttempts = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero max attempts")
	}
}
