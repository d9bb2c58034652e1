// Package supervisor establishes and maintains the broker session.
//
// Connection failures are retried with a fixed delay and no attempt limit,
// so services can start before the broker is reachable. When an open
// session reports loss, the supervisor reconnects with the same policy and
// replaces the handle, running the registered installers on every new
// session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zylinc/messagebus/internal/reliability"
	"github.com/zylinc/messagebus/messaging"
)

// DefaultRetryDelay is the wait between connection attempts
const DefaultRetryDelay = 10 * time.Second

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("supervisor: closed")

// State is the connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener receives connection state change notifications. Listeners
// are called synchronously and must not block.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Installer prepares a freshly opened session, e.g. starts consuming and
// binds subscriptions. A failing installer fails the connection attempt.
type Installer func(ctx context.Context, session messaging.Session) error

// Clock provides the timers used between attempts
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Supervisor owns the broker session
type Supervisor struct {
	dial        messaging.Dialer
	policy      reliability.RetryPolicy
	clock       Clock
	logger      *slog.Logger
	isPermanent func(error) bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	session    messaging.Session
	state      State
	installers []Installer

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// Option configures the Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryDelay retries forever with delay between attempts
func WithRetryDelay(delay time.Duration) Option {
	return func(s *Supervisor) {
		if delay > 0 {
			s.policy = reliability.NewFixedDelay(delay, reliability.Unlimited)
		}
	}
}

// WithRetryPolicy replaces the retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(s *Supervisor) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithClock replaces the clock used for retry delays
func WithClock(clock Clock) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStateListener adds a state listener
func WithStateListener(listener StateListener) Option {
	return func(s *Supervisor) {
		if listener != nil {
			s.listeners = append(s.listeners, listener)
		}
	}
}

// WithPermanentErrorClassifier makes Connect give up on errors for which
// isPermanent returns true, instead of retrying them
func WithPermanentErrorClassifier(isPermanent func(error) bool) Option {
	return func(s *Supervisor) {
		s.isPermanent = isPermanent
	}
}

// New creates a supervisor opening sessions with dial
func New(dial messaging.Dialer, options ...Option) *Supervisor {
	s := &Supervisor{
		dial:   dial,
		policy: reliability.NewFixedDelay(DefaultRetryDelay, reliability.Unlimited),
		clock:  systemClock{},
		logger: slog.Default(),
		state:  StateDisconnected,
	}

	for _, opt := range options {
		opt(s)
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	return s
}

// OnSession registers an installer run on every new session, in
// registration order
func (s *Supervisor) OnSession(installer Installer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installers = append(s.installers, installer)
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Connect opens the session, retrying failures according to the policy. It
// returns an error only when ctx is done, the supervisor is closed, or the
// policy gives up.
func (s *Supervisor) Connect(ctx context.Context) (messaging.Session, error) {
	s.mu.RLock()
	state, session := s.state, s.session
	s.mu.RUnlock()

	switch state {
	case StateConnected:
		return session, nil
	case StateClosed:
		return nil, ErrClosed
	}

	ctx, cancel := mergeCancel(ctx, s.runCtx)
	defer cancel()

	return s.connect(ctx)
}

func (s *Supervisor) connect(ctx context.Context) (messaging.Session, error) {
	for attempt := 0; ; attempt++ {
		if !s.setState(StateConnecting) {
			return nil, ErrClosed
		}
		if attempt > 0 {
			s.notifyReconnecting(attempt)
		}

		session, err := s.open(ctx)
		if err == nil {
			s.logger.Info("connected to broker",
				"inputQueue", session.InputQueue(),
				"attempts", attempt+1)
			return session, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			s.setState(StateDisconnected)
			return nil, ctxErr
		}

		if s.isPermanent != nil && s.isPermanent(err) {
			err = reliability.Permanent(err)
		}

		retry, delay := s.policy.ShouldRetry(attempt, err)
		s.setState(StateDisconnected)
		s.notifyDisconnected(err)

		if !retry {
			s.logger.Error("giving up connecting to broker",
				"attempt", attempt+1,
				"error", err)
			return nil, fmt.Errorf("supervisor: giving up after %d attempts: %w", attempt+1, err)
		}

		s.logger.Warn("connection attempt failed",
			"attempt", attempt+1,
			"error", err,
			"retryIn", delay)

		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// open dials and runs the installers. The session is published only once
// every installer succeeded.
func (s *Supervisor) open(ctx context.Context) (messaging.Session, error) {
	session, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	installers := append([]Installer(nil), s.installers...)
	s.mu.RUnlock()

	for _, install := range installers {
		if err := install(s.runCtx, session); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("failed to prepare session: %w", err)
		}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = session.Close()
		return nil, ErrClosed
	}
	s.session = session
	s.state = StateConnected
	s.mu.Unlock()

	s.notifyConnected()
	s.watch(session)

	return session, nil
}

// watch reconnects when session reports loss
func (s *Supervisor) watch(session messaging.Session) {
	notifier, ok := session.(messaging.CloseNotifier)
	if !ok {
		return
	}
	closed := notifier.NotifyClose()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var cause error
		select {
		case err, ok := <-closed:
			if ok {
				cause = err
			}
		case <-s.runCtx.Done():
			return
		}
		if s.runCtx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.session != session {
			s.mu.Unlock()
			return
		}
		s.session = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		if cause == nil {
			cause = errors.New("session closed")
		}
		s.logger.Warn("broker session lost, reconnecting", "error", cause)
		if err := session.Close(); err != nil {
			s.logger.Debug("failed to close lost session", "error", err)
		}
		s.notifyDisconnected(cause)

		if _, err := s.connect(s.runCtx); err != nil && s.runCtx.Err() == nil {
			s.logger.Error("reconnect abandoned", "error", err)
		}
	}()
}

// Session returns the current session
func (s *Supervisor) Session() (messaging.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil, messaging.ErrNotConnected
	}
	return s.session, nil
}

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Close stops reconnecting and closes the current session
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	session := s.session
	s.session = nil
	s.mu.Unlock()

	s.cancel()

	var err error
	if session != nil {
		err = session.Close()
	}
	s.wg.Wait()

	s.logger.Info("supervisor closed")
	return err
}

// setState moves to state unless closed
func (s *Supervisor) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	s.state = state
	return true
}

func (s *Supervisor) snapshotListeners() []StateListener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return append([]StateListener(nil), s.listeners...)
}

func (s *Supervisor) notifyConnected() {
	for _, listener := range s.snapshotListeners() {
		listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	for _, listener := range s.snapshotListeners() {
		listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	for _, listener := range s.snapshotListeners() {
		listener.OnReconnecting(attempt)
	}
}

// mergeCancel returns a context cancelled when either parent is done
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
