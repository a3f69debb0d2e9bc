package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/metrics"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateAwaitingAuth  State = "AWAITING_AUTHENTICATION"
	StateReady         State = "READY"
	StateDisconnected  State = "DISCONNECTED"
	StateAuthFailed    State = "AUTH_FAILED"
	StateError         State = "ERROR"
)

var allStates = []string{
	string(StateUninitialized), string(StateAwaitingAuth), string(StateReady),
	string(StateDisconnected), string(StateAuthFailed), string(StateError),
}

// DefaultReadyTimeout bounds how long a caller waits for the session to become READY.
const DefaultReadyTimeout = 15 * time.Second

var (
	ErrSessionNotReady = errors.New("session_not_ready")
	ErrNoSession       = errors.New("session_not_initialized")
	ErrManagerClosed   = errors.New("session manager closed")
)

type EventKind int

const (
	EventChallenge EventKind = iota + 1
	EventReady
	EventDisconnected
	EventAuthFailure
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailure:
		return "auth_failure"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a lifecycle notification emitted by a Driver.
type Event struct {
	Kind      EventKind
	Challenge string
	Reason    string
}

// Sender delivers a text to a messaging address and returns the channel's message id.
type Sender interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Driver is one browser-automated messaging session.
type Driver interface {
	Sender
	// Start begins authentication. Lifecycle events arrive through the emit
	// function handed to the DriverFactory.
	Start(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
}

// DriverFactory builds a driver that reports its lifecycle through emit.
type DriverFactory func(emit func(Event)) (Driver, error)

// Status is a point-in-time view of the manager.
type Status struct {
	State       State  `json:"state"`
	Ready       bool   `json:"ready"`
	Challenge   string `json:"qr,omitempty"`
	LastFailure State  `json:"last_failure,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Generation  uint64 `json:"generation"`
}

type session struct {
	gen     uint64
	driver  Driver
	ready   chan struct{} // closed once on READY
	failed  chan struct{} // closed once on teardown
	err     error         // written before failed is closed
	isReady bool
}

type genEvent struct {
	gen uint64
	ev  Event
}

// Manager owns the single process-wide messaging session. All state transitions
// run on one goroutine; callers talk to it through ops and drivers through events.
type Manager struct {
	factory      DriverFactory
	readyTimeout time.Duration
	log          *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	events    chan genEvent
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by run
	sess        *session
	state       State
	challenge   string
	lastFailure State
	lastErr     error
	gen         uint64
}

type Option func(*Manager)

func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.readyTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(factory DriverFactory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory:      factory,
		readyTimeout: DefaultReadyTimeout,
		log:          slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		ops:          make(chan func()),
		events:       make(chan genEvent, 32),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		state:        StateUninitialized,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(slog.String("component", "whatsapp_session"))
	metrics.SetSessionState(string(m.state), allStates...)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.quit:
			if s := m.teardown(StateUninitialized, ErrManagerClosed); s != nil {
				_ = s.driver.Close()
			}
			return
		case op := <-m.ops:
			op()
		case ge := <-m.events:
			m.apply(ge)
		}
	}
}

// do runs fn on the manager goroutine and waits for it.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	select {
	case m.ops <- func() { defer close(done); fn() }:
	case <-m.quit:
		return ErrManagerClosed
	}
	<-done
	return nil
}

// GetOrCreate returns the current status, creating and starting a session
// when none exists. Repeated calls never create a second live session.
func (m *Manager) GetOrCreate() (Status, error) {
	var (
		st  Status
		err error
	)
	if e := m.do(func() { err = m.ensure(); st = m.status() }); e != nil {
		return Status{State: StateUninitialized}, e
	}
	return st, err
}

// Status reports the current state without creating a session.
func (m *Manager) Status() Status {
	var st Status
	if err := m.do(func() { st = m.status() }); err != nil {
		return Status{State: StateUninitialized}
	}
	return st
}

// Challenge returns the cached authentication challenge, if any.
func (m *Manager) Challenge() (string, bool) {
	st := m.Status()
	return st.Challenge, st.Challenge != ""
}

// AwaitReady creates the session if needed and waits for it to be READY, bounded
// by the ready timeout. A timeout fails only this caller; the session keeps
// authenticating in the background.
func (m *Manager) AwaitReady(ctx context.Context) (Sender, error) {
	var (
		s   *session
		err error
	)
	if e := m.do(func() { err = m.ensure(); s = m.sess }); e != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionNotReady, e)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotReady, err)
	}
	if s == nil {
		return nil, ErrSessionNotReady
	}

	timer := time.NewTimer(m.readyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-s.failed:
		metrics.ReadyWaitTotal.WithLabelValues("failed").Inc()
		return nil, s.err
	case <-timer.C:
		metrics.ReadyWaitTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: timed out after %s", ErrSessionNotReady, m.readyTimeout)
	case <-ctx.Done():
		metrics.ReadyWaitTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}
	// ready and failed may both be closed by now; failure wins.
	select {
	case <-s.failed:
		metrics.ReadyWaitTotal.WithLabelValues("failed").Inc()
		return nil, s.err
	default:
	}
	metrics.ReadyWaitTotal.WithLabelValues("ready").Inc()
	return s.driver, nil
}

// Init creates the session if needed and waits for readiness like AwaitReady,
// but reports the resulting status instead of failing on timeout.
func (m *Manager) Init(ctx context.Context) (Status, error) {
	if _, err := m.AwaitReady(ctx); err != nil {
		if errors.Is(err, ErrManagerClosed) || ctx.Err() != nil {
			return Status{State: StateUninitialized}, err
		}
		m.log.Info("session not ready after init wait", slog.Any("error", err))
	}
	return m.Status(), nil
}

// Logout tears down the live session and logs the account out of the channel.
func (m *Manager) Logout(ctx context.Context) error {
	var s *session
	if err := m.do(func() {
		s = m.teardown(StateUninitialized, fmt.Errorf("%w: logged out", ErrSessionNotReady))
		if s != nil {
			metrics.SessionTeardown.WithLabelValues("LOGOUT").Inc()
		}
	}); err != nil {
		return err
	}
	if s == nil {
		return ErrNoSession
	}
	// the session is already gone; a driver that could not log out (e.g.
	// still dialing) does not make the logout fail
	if err := s.driver.Logout(ctx); err != nil {
		m.log.Warn("driver logout", slog.Any("error", err))
	}
	_ = s.driver.Close()
	return nil
}

// Close stops the manager and closes any live session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.quit)
		<-m.stopped
	})
}

// ensure creates a session when none is live. Runs on the manager goroutine.
func (m *Manager) ensure() error {
	if m.sess != nil {
		return nil
	}
	m.gen++
	gen := m.gen
	emit := func(ev Event) {
		select {
		case m.events <- genEvent{gen: gen, ev: ev}:
		case <-m.quit:
		}
	}
	d, err := m.factory(emit)
	if err != nil {
		m.lastErr = err
		m.lastFailure = StateError
		m.log.Error("create session", slog.Any("error", err))
		return fmt.Errorf("create session: %w", err)
	}
	s := &session{
		gen:    gen,
		driver: d,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
	m.sess = s
	m.challenge = ""
	m.lastErr = nil
	m.setState(StateUninitialized)
	metrics.SessionCreated.Inc()
	m.log.Info("session created", slog.Uint64("generation", gen))

	ctx := m.ctx
	go func() {
		if err := d.Start(ctx); err != nil {
			emit(Event{Kind: EventError, Reason: err.Error()})
		}
	}()
	return nil
}

// apply is the state-transition function for driver events.
func (m *Manager) apply(ge genEvent) {
	s := m.sess
	if s == nil || s.gen != ge.gen {
		m.log.Debug("stale session event ignored",
			slog.String("event", ge.ev.Kind.String()), slog.Uint64("generation", ge.gen))
		return
	}
	switch ge.ev.Kind {
	case EventChallenge:
		if s.isReady {
			m.log.Warn("challenge received on ready session ignored")
			return
		}
		m.challenge = ge.ev.Challenge
		m.setState(StateAwaitingAuth)
		m.log.Info("authentication challenge received")
	case EventReady:
		m.challenge = ""
		if !s.isReady {
			s.isReady = true
			close(s.ready)
		}
		m.setState(StateReady)
		m.log.Info("session ready")
	case EventDisconnected:
		m.fail(StateDisconnected, "disconnected", ge.ev.Reason)
	case EventAuthFailure:
		m.fail(StateAuthFailed, "auth failure", ge.ev.Reason)
	case EventError:
		m.fail(StateError, "client error", ge.ev.Reason)
	}
}

func (m *Manager) fail(terminal State, what, reason string) {
	m.setState(terminal)
	metrics.SessionTeardown.WithLabelValues(string(terminal)).Inc()
	cause := fmt.Errorf("%w: %s: %s", ErrSessionNotReady, what, reason)
	if s := m.teardown(terminal, cause); s != nil {
		go func() { _ = s.driver.Close() }()
	}
}

// teardown discards the live session, clears the cached challenge and fails
// every outstanding readiness wait. The caller owns closing the driver.
func (m *Manager) teardown(terminal State, cause error) *session {
	s := m.sess
	if s == nil {
		return nil
	}
	m.sess = nil
	m.challenge = ""
	m.lastErr = cause
	if terminal != StateUninitialized {
		m.lastFailure = terminal
	}
	s.err = cause
	close(s.failed)
	m.setState(StateUninitialized)
	m.log.Warn("session discarded",
		slog.Uint64("generation", s.gen), slog.String("cause", string(terminal)), slog.Any("error", cause))
	return s
}

func (m *Manager) setState(st State) {
	m.state = st
	metrics.SetSessionState(string(st), allStates...)
}

func (m *Manager) status() Status {
	st := Status{
		State:       m.state,
		Ready:       m.state == StateReady,
		Challenge:   m.challenge,
		LastFailure: m.lastFailure,
		Generation:  m.gen,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
