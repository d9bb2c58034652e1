// Package messagebus wires the connection supervisor, dispatcher, and the
// requester and responder roles into one owned object.
//
//	bus, err := messagebus.New(
//		messagebus.WithDialer(rabbitmq.Dialer(url, "RequesterApplication")),
//		messagebus.WithRoutes(routes),
//	)
//	if err != nil {
//		return err
//	}
//	defer bus.Close()
//
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	resp, err := messaging.SendRequest[*messages.UserLoginResponse](ctx, bus.Requester(), req, nil, 0)
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messages"
	"github.com/zylinc/messagebus/messaging"
	"github.com/zylinc/messagebus/routing"
	"github.com/zylinc/messagebus/serialization"
	"github.com/zylinc/messagebus/supervisor"
)

// ErrNoDialer is returned by New when no dialer was configured
var ErrNoDialer = errors.New("messagebus: no dialer configured")

// Bus owns one broker session and the roles using it
type Bus struct {
	logger     *slog.Logger
	registry   serialization.TypeRegistry
	dispatcher *messaging.Dispatcher
	supervisor *supervisor.Supervisor
	requester  *messaging.Requester
	responder  *messaging.Responder
}

type busConfig struct {
	logger                *slog.Logger
	dialer                messaging.Dialer
	routes                *routing.Table
	metrics               messaging.MetricsCollector
	listeners             []supervisor.StateListener
	retryDelay            time.Duration
	maxConcurrentHandlers int
	requestTimeout        time.Duration
	headers               map[string]interface{}
	isPermanent           func(error) bool
	messageTypes          []contracts.Message
	stateObserver         messaging.StateObserver
	middleware            messaging.Middleware
	supervisorOptions     []supervisor.Option
}

// Option configures the bus
type Option func(*busConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *busConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDialer sets how sessions are opened
func WithDialer(dialer messaging.Dialer) Option {
	return func(cfg *busConfig) {
		cfg.dialer = dialer
	}
}

// WithRoutes sets the routing table used by Send and SendRequest
func WithRoutes(routes *routing.Table) Option {
	return func(cfg *busConfig) {
		cfg.routes = routes
	}
}

// WithMetrics sets the metrics collector. A collector that also implements
// supervisor.StateListener receives connection state changes.
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(cfg *busConfig) {
		cfg.metrics = metrics
	}
}

// WithStateListener adds a connection state listener
func WithStateListener(listener supervisor.StateListener) Option {
	return func(cfg *busConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}

// WithRetryDelay sets the delay between connection attempts
func WithRetryDelay(delay time.Duration) Option {
	return func(cfg *busConfig) {
		cfg.retryDelay = delay
	}
}

// WithMaxConcurrentHandlers bounds concurrently running message handlers
func WithMaxConcurrentHandlers(n int) Option {
	return func(cfg *busConfig) {
		cfg.maxConcurrentHandlers = n
	}
}

// WithRequestTimeout sets the default SendRequest timeout
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *busConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithDefaultHeaders sets headers attached to every outgoing message
func WithDefaultHeaders(headers map[string]interface{}) Option {
	return func(cfg *busConfig) {
		cfg.headers = headers
	}
}

// WithPermanentErrorClassifier makes the supervisor stop retrying errors
// isPermanent matches
func WithPermanentErrorClassifier(isPermanent func(error) bool) Option {
	return func(cfg *busConfig) {
		cfg.isPermanent = isPermanent
	}
}

// WithMessageTypes registers message types besides the built-in ones
func WithMessageTypes(msgs ...contracts.Message) Option {
	return func(cfg *busConfig) {
		cfg.messageTypes = append(cfg.messageTypes, msgs...)
	}
}

// WithResponderStateObserver observes responder state transitions
func WithResponderStateObserver(observer messaging.StateObserver) Option {
	return func(cfg *busConfig) {
		cfg.stateObserver = observer
	}
}

// WithHandlerMiddleware wraps every message handler, e.g. with an
// interceptors.Chain
func WithHandlerMiddleware(m messaging.Middleware) Option {
	return func(cfg *busConfig) {
		cfg.middleware = m
	}
}

// WithSupervisorOptions passes options to the connection supervisor
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(cfg *busConfig) {
		cfg.supervisorOptions = append(cfg.supervisorOptions, opts...)
	}
}

// New creates a bus. Nothing connects until Start.
func New(options ...Option) (*Bus, error) {
	cfg := &busConfig{
		logger:                slog.Default(),
		metrics:               messaging.NoOpMetricsCollector{},
		retryDelay:            supervisor.DefaultRetryDelay,
		maxConcurrentHandlers: messaging.DefaultMaxConcurrentHandlers,
		requestTimeout:        messaging.DefaultRequestTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.dialer == nil {
		return nil, ErrNoDialer
	}
	if cfg.routes == nil {
		routes, err := routing.NewTable(nil)
		if err != nil {
			return nil, err
		}
		cfg.routes = routes
	}

	registry := serialization.NewTypeRegistry()
	if err := messages.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register message types: %w", err)
	}
	for _, msg := range cfg.messageTypes {
		if err := registry.RegisterType(msg); err != nil {
			return nil, fmt.Errorf("failed to register message type: %w", err)
		}
	}

	dispatcher := messaging.NewDispatcher(
		serialization.NewCodec(registry),
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
		messaging.WithMaxConcurrentHandlers(cfg.maxConcurrentHandlers),
		messaging.WithHandlerMiddleware(cfg.middleware),
	)

	supervisorOpts := []supervisor.Option{
		supervisor.WithLogger(cfg.logger),
		supervisor.WithRetryDelay(cfg.retryDelay),
	}
	if cfg.isPermanent != nil {
		supervisorOpts = append(supervisorOpts, supervisor.WithPermanentErrorClassifier(cfg.isPermanent))
	}
	if listener, ok := cfg.metrics.(supervisor.StateListener); ok {
		supervisorOpts = append(supervisorOpts, supervisor.WithStateListener(listener))
	}
	for _, listener := range cfg.listeners {
		supervisorOpts = append(supervisorOpts, supervisor.WithStateListener(listener))
	}
	supervisorOpts = append(supervisorOpts, cfg.supervisorOptions...)

	sup := supervisor.New(cfg.dialer, supervisorOpts...)
	sup.OnSession(dispatcher.Attach)

	responderOpts := []messaging.ResponderOption{
		messaging.WithResponderLogger(cfg.logger),
		messaging.WithResponderMetrics(cfg.metrics),
		messaging.WithReplyHeaders(cfg.headers),
	}
	if cfg.stateObserver != nil {
		responderOpts = append(responderOpts, messaging.WithStateObserver(cfg.stateObserver))
	}

	return &Bus{
		logger:     cfg.logger,
		registry:   registry,
		dispatcher: dispatcher,
		supervisor: sup,
		requester: messaging.NewRequester(sup, dispatcher, cfg.routes,
			messaging.WithRequesterLogger(cfg.logger),
			messaging.WithRequesterMetrics(cfg.metrics),
			messaging.WithDefaultTimeout(cfg.requestTimeout),
			messaging.WithDefaultHeaders(cfg.headers),
		),
		responder: messaging.NewResponder(sup, dispatcher, responderOpts...),
	}, nil
}

// Start connects to the broker, retrying until it succeeds, ctx is done,
// or the bus is closed. Handlers may be registered before or after Start.
func (b *Bus) Start(ctx context.Context) error {
	session, err := b.supervisor.Connect(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("message bus started", "inputQueue", session.InputQueue())
	return nil
}

// Requester returns the requester role
func (b *Bus) Requester() *messaging.Requester {
	return b.requester
}

// Responder returns the responder role
func (b *Bus) Responder() *messaging.Responder {
	return b.responder
}

// Dispatcher returns the dispatcher receiving from the session
func (b *Bus) Dispatcher() *messaging.Dispatcher {
	return b.dispatcher
}

// Registry returns the message type registry
func (b *Bus) Registry() serialization.TypeRegistry {
	return b.registry
}

// State returns the connection state
func (b *Bus) State() supervisor.State {
	return b.supervisor.State()
}

// Close stops reconnecting and releases the session
func (b *Bus) Close() error {
	err := b.supervisor.Close()
	b.dispatcher.Detach()
	return err
}
