package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// teardownTimeout bounds Destroy and Erase when the caller's context is
// already gone (shutdown).
const teardownTimeout = 10 * time.Second

// Manager drives one client through its lifecycle and enforces the retry
// policy. Only the Run goroutine mutates lifecycle state; every other
// method either reads the published snapshot or queues a message.
type Manager[C Client] struct {
	policy   Policy
	factory  Factory[C]
	sessions SessionStore
	logger   *slog.Logger
	now      func() time.Time

	inbox      chan any
	jobs       chan func()
	done       chan struct{}
	workerDone chan struct{}

	// Owned by Run.
	snap      snapshot
	client    C
	hasClient bool
	gen       uint64
	retry     *time.Timer
	watchdog  *time.Timer
	watchSeq  uint64
	seqCancel context.CancelFunc

	// curGen mirrors gen for sequence goroutines.
	curGen atomic.Uint64
	// current is the last published status plus the client it describes.
	current atomic.Pointer[published[C]]

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

type published[C Client] struct {
	status    Status
	client    C
	hasClient bool
}

// Messages processed by Run.
type (
	eventMsg struct {
		gen   uint64
		event Event
		ack   chan struct{}
	}
	clientMsg[C Client] struct {
		gen    uint64
		client C
	}
	startMsg struct {
		gen   uint64
		timer bool
	}
	watchdogMsg struct {
		gen uint64
		seq uint64
	}
	restartMsg struct{}
	cleanMsg   struct{}
)

// Option configures a Manager.
type Option[C Client] func(*Manager[C])

// WithLogger sets the structured logger.
func WithLogger[C Client](l *slog.Logger) Option[C] {
	return func(m *Manager[C]) {
		m.logger = l
	}
}

// WithClock sets a custom time function (for testing).
func WithClock[C Client](fn func() time.Time) Option[C] {
	return func(m *Manager[C]) {
		m.now = fn
	}
}

// NewManager creates a Manager in the Idle state. Call Run to start the
// event loop and Start to begin the first initialization.
func NewManager[C Client](policy Policy, factory Factory[C], sessions SessionStore, opts ...Option[C]) (*Manager[C], error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if factory == nil {
		return nil, errors.New("client factory is required")
	}

	m := &Manager[C]{
		policy:     policy,
		factory:    factory,
		sessions:   sessions,
		logger:     slog.Default(),
		now:        time.Now,
		inbox:      make(chan any, 64),
		jobs:       make(chan func(), 64),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		subs:       make(map[chan Status]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish()
	return m, nil
}

// Run processes lifecycle messages until ctx is cancelled, then tears down
// the current client.
func (m *Manager[C]) Run(ctx context.Context) error {
	go m.worker()

	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.shutdown()
			return ctx.Err()
		case msg := <-m.inbox:
			m.handle(ctx, msg)
		}
	}
}

// Start requests the first initialization. It is a no-op while another
// sequence is running.
func (m *Manager[C]) Start() {
	m.send(startMsg{})
}

// Restart forces a fresh initialization: readiness is dropped, the attempt
// counter reset, any pending retry cancelled and the current client torn
// down. It does not wait for the new sequence to finish.
func (m *Manager[C]) Restart() {
	m.send(restartMsg{})
}

// CleanSession tears down the client, erases the session data and starts
// over after the policy's clean-session delay. The next start requires a
// new QR scan.
func (m *Manager[C]) CleanSession() {
	m.send(cleanMsg{})
}

// Logout unlinks the account. It is rejected by the readiness gate unless
// the client is ready. Automatic reconnection is suppressed afterwards.
func (m *Manager[C]) Logout(ctx context.Context) error {
	p := m.current.Load()
	if err := p.status.CheckReady(); err != nil {
		return err
	}
	if !p.hasClient {
		return &NotReadyError{Code: http.StatusServiceUnavailable, State: p.status.State, Message: "client is still initializing"}
	}

	if err := p.client.Logout(ctx); err != nil {
		return &OperationError{Op: "logout", Err: err}
	}

	ack := make(chan struct{})
	m.send(eventMsg{gen: p.status.Generation, event: Disconnected{Reason: m.policy.LogoutReason}, ack: ack})
	select {
	case <-ack:
	case <-m.done:
	case <-ctx.Done():
	}
	return nil
}

// Status returns the current snapshot.
func (m *Manager[C]) Status() Status {
	return m.current.Load().status
}

// Subscribe returns a channel receiving every published status.
// Slow subscribers miss updates rather than block the lifecycle.
func (m *Manager[C]) Subscribe() chan Status {
	ch := make(chan Status, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager[C]) Unsubscribe(ch chan Status) {
	m.subMu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

func (m *Manager[C]) send(msg any) {
	select {
	case m.inbox <- msg:
	case <-m.done:
	}
}

// enqueue hands blocking work (teardown, erase, client start-up) to the
// worker. Jobs run one at a time in submission order, so a sequence never
// touches the session data while an earlier one is still using it.
func (m *Manager[C]) enqueue(job func()) {
	select {
	case m.jobs <- job:
	case <-m.done:
	}
}

func (m *Manager[C]) worker() {
	defer close(m.workerDone)
	for {
		select {
		case <-m.done:
			return
		case job := <-m.jobs:
			job()
		}
	}
}

func (m *Manager[C]) sinkFor(gen uint64) EventSink {
	return func(ev Event) {
		m.send(eventMsg{gen: gen, event: ev})
	}
}

func (m *Manager[C]) handle(ctx context.Context, msg any) {
	switch msg := msg.(type) {
	case eventMsg:
		if msg.gen == m.gen {
			m.apply(ctx, msg.event)
		} else {
			m.logger.Debug("dropping event from stale client",
				"event", fmt.Sprintf("%T", msg.event), "gen", msg.gen, "current", m.gen)
		}
		if msg.ack != nil {
			close(msg.ack)
		}

	case clientMsg[C]:
		if msg.gen != m.gen {
			m.logger.Debug("discarding client from superseded sequence", "gen", msg.gen, "current", m.gen)
			m.enqueue(func() { m.cleanup(ctx, msg.client, true, false) })
			return
		}
		m.client = msg.client
		m.hasClient = true
		m.armWatchdog()
		m.publish()

	case startMsg:
		if msg.timer && msg.gen != m.gen {
			m.logger.Debug("ignoring stale retry timer", "gen", msg.gen, "current", m.gen)
			return
		}
		m.startInitialization(ctx)

	case watchdogMsg:
		if msg.gen != m.gen || msg.seq != m.watchSeq || !in(m.snap.state, StateInitializing, StateAuthenticated) {
			return
		}
		m.logger.Warn("initialization made no progress", "timeout", m.policy.InitTimeout, "state", m.snap.state)
		m.apply(ctx, InitFailed{Err: ErrInitTimeout})

	case restartMsg:
		m.logger.Info("restart requested", "state", m.snap.state)
		m.stopRetry()
		m.snap.locked = false
		m.snap.attempts = 0
		m.snap.state = StateIdle
		m.snap.qr = ""
		m.snap.reason = ""
		m.startInitialization(ctx)

	case cleanMsg:
		m.logger.Info("clean session requested", "state", m.snap.state)
		m.stopRetry()
		prev, ok := m.detach()
		m.snap = snapshot{state: StateIdle}
		m.enqueue(func() { m.cleanup(ctx, prev, ok, true) })
		m.scheduleRetry(m.policy.CleanSessionDelay)
		m.publish()
	}
}

// startInitialization begins a new sequence unless one is already running.
func (m *Manager[C]) startInitialization(ctx context.Context) {
	next, erase, ok := begin(m.policy, m.snap)
	if !ok {
		m.logger.Info("initialization already in progress, ignoring start",
			"state", m.snap.state, "attempts", m.snap.attempts)
		return
	}
	if erase {
		m.logger.Warn("attempt limit exceeded, erasing session data", "maxAttempts", m.policy.MaxAttempts)
	}

	m.stopRetry()
	prev, hadPrev := m.detach()
	m.snap = next
	gen := m.gen

	seqCtx, cancel := context.WithCancel(ctx)
	m.seqCancel = cancel

	m.logger.Info("starting initialization",
		"attempt", next.attempts, "maxAttempts", m.policy.MaxAttempts, "gen", gen)
	m.publish()

	m.enqueue(func() { m.runSequence(seqCtx, gen, prev, hadPrev, erase) })
}

// runSequence tears down the previous client, optionally erases the
// session, then creates and initializes a new client for gen.
func (m *Manager[C]) runSequence(ctx context.Context, gen uint64, prev C, hadPrev, erase bool) {
	if hadPrev {
		m.destroy(ctx, prev)
	}
	if erase {
		m.erase(ctx)
	}
	if m.curGen.Load() != gen {
		return
	}

	client, err := m.factory(ctx, m.sinkFor(gen))
	if err != nil {
		m.send(eventMsg{gen: gen, event: InitFailed{Err: fmt.Errorf("%w: %w", ErrInitialization, err)}})
		return
	}
	if m.curGen.Load() != gen {
		m.destroy(ctx, client)
		return
	}
	m.send(clientMsg[C]{gen: gen, client: client})

	initCtx, cancel := context.WithTimeout(ctx, m.policy.InitTimeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		m.logger.Error("client initialization failed", "error", err, "gen", gen)
		m.send(eventMsg{gen: gen, event: InitFailed{Err: fmt.Errorf("%w: %w", ErrInitialization, err)}})
	}
}

// apply runs ev through the transition function and executes its effects.
func (m *Manager[C]) apply(ctx context.Context, ev Event) {
	prev := m.snap.state
	next, effects, handled := transition(m.policy, m.snap, ev)
	if !handled {
		m.logger.Debug("event ignored in current state", "event", fmt.Sprintf("%T", ev), "state", prev)
		return
	}
	m.snap = next

	// A scan restarts the clock for the sync that follows it. The QR wait
	// itself is unbounded.
	switch {
	case next.state == StateAuthenticated && prev != StateAuthenticated:
		m.armWatchdog()
	case !in(next.state, StateInitializing, StateAuthenticated):
		m.stopWatchdog()
	}

	var teardown, erase, retry bool
	var delay time.Duration
	for _, e := range effects {
		switch e.kind {
		case effectTeardown:
			teardown = true
		case effectErase:
			erase = true
		case effectRetry:
			retry = true
			delay = e.delay
		}
	}
	if teardown || erase {
		var client C
		var ok bool
		if teardown {
			client, ok = m.detach()
		}
		m.enqueue(func() { m.cleanup(ctx, client, ok, erase) })
	}
	if retry {
		// Scheduled after detach so the timer carries the new generation.
		m.scheduleRetry(delay)
	}

	m.logEvent(prev, ev, retry)
	m.publish()
}

func (m *Manager[C]) logEvent(prev State, ev Event, retrying bool) {
	switch ev := ev.(type) {
	case Loading:
		m.logger.Info("loading", "percent", ev.Percent, "message", ev.Message)
	case QR:
		m.logger.Info("QR code received, waiting for scan", "state", m.snap.state)
	case AuthFailure:
		m.logger.Warn("authentication failed",
			"message", ev.Message, "attempts", m.snap.attempts, "retrying", retrying)
	case Disconnected:
		m.logger.Warn("client disconnected", "reason", ev.Reason, "from", prev, "reconnecting", retrying)
	case InitFailed:
		m.logger.Warn("initialization failed", "error", ev.Err, "retrying", retrying)
	default:
		m.logger.Info("connection state changed", "from", prev, "to", m.snap.state)
	}
}

// detach drops the current client and moves to a new generation so that
// events from the detached client are ignored.
func (m *Manager[C]) detach() (C, bool) {
	client, ok := m.client, m.hasClient
	var zero C
	m.client = zero
	m.hasClient = false
	m.stopWatchdog()
	if m.seqCancel != nil {
		m.seqCancel()
		m.seqCancel = nil
	}
	m.gen++
	m.curGen.Store(m.gen)
	return client, ok
}

// cleanup destroys a detached client and optionally erases the session.
func (m *Manager[C]) cleanup(ctx context.Context, client C, hasClient, erase bool) {
	if hasClient {
		m.destroy(ctx, client)
	}
	if erase {
		m.erase(ctx)
	}
}

func (m *Manager[C]) destroy(ctx context.Context, client C) {
	ctx, cancel := teardownContext(ctx)
	defer cancel()
	if err := client.Destroy(ctx); err != nil {
		m.logger.Warn("client teardown failed", "error", err)
	}
}

func (m *Manager[C]) erase(ctx context.Context) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := teardownContext(ctx)
	defer cancel()
	if err := m.sessions.Erase(ctx); err != nil {
		if !errors.Is(err, ErrSessionStore) {
			err = fmt.Errorf("%w: %w", ErrSessionStore, err)
		}
		m.logger.Error("session erase failed", "error", err)
		return
	}
	m.logger.Info("session data erased")
}

// teardownContext keeps teardown working when ctx is already cancelled.
func teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	}
	return context.WithTimeout(ctx, teardownTimeout)
}

func (m *Manager[C]) scheduleRetry(delay time.Duration) {
	m.stopRetry()
	gen := m.gen
	m.retry = time.AfterFunc(delay, func() {
		m.send(startMsg{gen: gen, timer: true})
	})
}

func (m *Manager[C]) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// armWatchdog replaces any pending watchdog. The sequence number drops a
// timer that fired before it could be stopped.
func (m *Manager[C]) armWatchdog() {
	m.stopWatchdog()
	m.watchSeq++
	gen, seq := m.gen, m.watchSeq
	m.watchdog = time.AfterFunc(m.policy.InitTimeout, func() {
		m.send(watchdogMsg{gen: gen, seq: seq})
	})
}

func (m *Manager[C]) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Manager[C]) shutdown() {
	m.stopRetry()
	client, ok := m.detach()
	m.snap = snapshot{state: StateIdle}
	m.publish()
	// Wait for an in-flight job; its context is already cancelled.
	<-m.workerDone
	if ok {
		m.destroy(context.Background(), client)
	}
}

func (m *Manager[C]) publish() {
	st := Status{
		State:        m.snap.state,
		QR:           m.snap.qr,
		Attempts:     m.snap.attempts,
		MaxAttempts:  m.policy.MaxAttempts,
		Initializing: m.snap.locked,
		Generation:   m.gen,
		LastError:    m.snap.lastErr,

		DisconnectReason: m.snap.reason,
		Loading:          m.snap.loading,
		UpdatedAt:        m.now(),
	}
	m.current.Store(&published[C]{status: st, client: m.client, hasClient: m.hasClient})

	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
	m.subMu.Unlock()
}
