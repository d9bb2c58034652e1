package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/serialization"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentHandlers bounds handler execution when not configured
const DefaultMaxConcurrentHandlers = 16

// MessageHandler processes a specific message type
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// Middleware wraps every registered handler when it is invoked
type Middleware func(next MessageHandler) MessageHandler

// Dispatcher decodes deliveries and routes them. Responses are offered to
// the correlator first, on the delivering goroutine; everything else runs
// on a bounded handler pool.
type Dispatcher struct {
	codec      *serialization.Codec
	correlator *Correlator
	logger     *slog.Logger
	metrics    MetricsCollector
	middleware Middleware

	maxConcurrent int64
	pool          *semaphore.Weighted

	mu            sync.RWMutex
	handlers      map[string]MessageHandler
	subscriptions map[string]struct{}
	session       Session
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithMaxConcurrentHandlers bounds how many handlers run at once
func WithMaxConcurrentHandlers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = int64(n)
		}
	}
}

// WithCorrelator shares a correlator between dispatchers
func WithCorrelator(correlator *Correlator) DispatcherOption {
	return func(d *Dispatcher) {
		if correlator != nil {
			d.correlator = correlator
		}
	}
}

// WithHandlerMiddleware wraps handlers with m. Responses resolved by the
// correlator bypass it.
func WithHandlerMiddleware(m Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = m
	}
}

// NewDispatcher creates a dispatcher decoding with codec
func NewDispatcher(codec *serialization.Codec, options ...DispatcherOption) *Dispatcher {
	if codec == nil {
		codec = serialization.NewCodec(nil)
	}

	d := &Dispatcher{
		codec:         codec,
		correlator:    NewCorrelator(),
		logger:        slog.Default(),
		metrics:       NoOpMetricsCollector{},
		maxConcurrent: DefaultMaxConcurrentHandlers,
		handlers:      make(map[string]MessageHandler),
		subscriptions: make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(d)
	}
	d.pool = semaphore.NewWeighted(d.maxConcurrent)

	return d
}

// Codec returns the codec used to decode deliveries
func (d *Dispatcher) Codec() *serialization.Codec {
	return d.codec
}

// Correlator returns the pending request table fed by this dispatcher
func (d *Dispatcher) Correlator() *Correlator {
	return d.correlator
}

// Register installs the handler for messageType
func (d *Dispatcher) Register(messageType string, handler MessageHandler) error {
	if messageType == "" {
		return fmt.Errorf("messageType cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[messageType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, messageType)
	}
	d.handlers[messageType] = handler

	d.logger.Info("registered message handler", "messageType", messageType)
	return nil
}

// Unregister removes the handler for messageType
func (d *Dispatcher) Unregister(messageType string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.handlers, messageType)
}

// MessageTypes returns the types with a registered handler, sorted
func (d *Dispatcher) MessageTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Subscribe records interest in published messages of messageType and
// applies it to the attached session, if any. Subscriptions are replayed on
// every Attach.
func (d *Dispatcher) Subscribe(ctx context.Context, messageType string) error {
	d.mu.Lock()
	d.subscriptions[messageType] = struct{}{}
	session := d.session
	d.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Subscribe(ctx, messageType); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", messageType, err)
	}
	return nil
}

// Unsubscribe drops the subscription for messageType and removes it from the
// attached session, if any
func (d *Dispatcher) Unsubscribe(ctx context.Context, messageType string) error {
	d.mu.Lock()
	delete(d.subscriptions, messageType)
	session := d.session
	d.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Unsubscribe(ctx, messageType); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", messageType, err)
	}
	return nil
}

// Subscriptions returns the recorded subscriptions, sorted
func (d *Dispatcher) Subscriptions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.subscriptions))
	for t := range d.subscriptions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Attach starts receiving from session and replays subscriptions on it. It
// is meant to run every time a new session is established.
func (d *Dispatcher) Attach(ctx context.Context, session Session) error {
	if session == nil {
		return ErrNotConnected
	}

	if err := session.Receive(ctx, d.Dispatch); err != nil {
		return fmt.Errorf("failed to start receiving on %s: %w", session.InputQueue(), err)
	}

	d.mu.Lock()
	d.session = session
	subscriptions := make([]string, 0, len(d.subscriptions))
	for t := range d.subscriptions {
		subscriptions = append(subscriptions, t)
	}
	d.mu.Unlock()

	sort.Strings(subscriptions)
	for _, messageType := range subscriptions {
		if err := session.Subscribe(ctx, messageType); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", messageType, err)
		}
	}

	d.logger.Debug("dispatcher attached to session",
		"inputQueue", session.InputQueue(),
		"subscriptions", len(subscriptions))
	return nil
}

// Detach forgets the attached session
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
}

// Dispatch handles one delivery. It satisfies DeliveryHandler.
func (d *Dispatcher) Dispatch(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	msg, err := d.codec.Decode(env)
	if err != nil {
		d.logger.Warn("failed to decode delivery",
			"messageType", env.Type,
			"messageId", env.ID,
			"error", err)
		return err
	}

	mc := newMessageContext(env)

	if resp, ok := msg.(contracts.Response); ok {
		correlationID := mc.CorrelationID
		if correlationID == "" {
			correlationID = resp.GetRequestMessageID()
		}
		if d.correlator.Resolve(correlationID, resp) {
			return nil
		}
		if d.correlator.Abandoned(correlationID) {
			d.metrics.RecordOrphan(env.Type)
			d.logger.Debug("discarding late response",
				"messageType", env.Type,
				"correlationId", correlationID)
			return nil
		}
	}

	d.mu.RLock()
	handler, exists := d.handlers[env.Type]
	d.mu.RUnlock()

	if !exists {
		if _, ok := msg.(contracts.Response); ok {
			d.metrics.RecordOrphan(env.Type)
			d.logger.Debug("discarding orphan response",
				"messageType", env.Type,
				"correlationId", mc.CorrelationID)
			return nil
		}
		d.logger.Warn("no handler registered for message type", "messageType", env.Type)
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Type)
	}

	if err := d.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.pool.Release(1)

	if d.middleware != nil {
		handler = d.middleware(handler)
	}
	if err := handler.Handle(WithMessageContext(ctx, mc), msg); err != nil {
		d.logger.Error("message handler failed",
			"messageType", env.Type,
			"correlationId", mc.CorrelationID,
			"error", err)
		return &HandlerError{MessageType: env.Type, Err: err}
	}

	return nil
}
