package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/routing"
	"github.com/zylinc/messagebus/serialization"
)

// DefaultRequestTimeout is used when SendRequest is called with a zero timeout
const DefaultRequestTimeout = 10 * time.Second

// Requester sends messages and issues blocking requests
type Requester struct {
	sessions   SessionProvider
	dispatcher *Dispatcher
	routes     *routing.Table
	headers    map[string]interface{}
	timeout    time.Duration
	logger     *slog.Logger
	metrics    MetricsCollector
	newID      func() string
}

// RequesterOption configures the Requester
type RequesterOption func(*Requester)

// WithRequesterLogger sets the logger
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(r *Requester) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRequesterMetrics sets the metrics collector
func WithRequesterMetrics(metrics MetricsCollector) RequesterOption {
	return func(r *Requester) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithDefaultHeaders attaches headers to every outgoing message. Headers
// passed per call take precedence.
func WithDefaultHeaders(headers map[string]interface{}) RequesterOption {
	return func(r *Requester) {
		for k, v := range headers {
			r.headers[k] = v
		}
	}
}

// WithDefaultTimeout sets the timeout used when a call passes zero
func WithDefaultTimeout(timeout time.Duration) RequesterOption {
	return func(r *Requester) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithIDGenerator replaces the correlation ID generator
func WithIDGenerator(newID func() string) RequesterOption {
	return func(r *Requester) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// NewRequester creates a requester. Responses reach it through dispatcher,
// which must be attached to the sessions handed out by sessions.
func NewRequester(sessions SessionProvider, dispatcher *Dispatcher, routes *routing.Table, options ...RequesterOption) *Requester {
	r := &Requester{
		sessions:   sessions,
		dispatcher: dispatcher,
		routes:     routes,
		headers:    make(map[string]interface{}),
		timeout:    DefaultRequestTimeout,
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
		newID:      func() string { return uuid.New().String() },
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Publish broadcasts msg to every subscriber of its type
func (r *Requester) Publish(ctx context.Context, msg contracts.Message, headers map[string]interface{}) error {
	session, err := r.sessions.Session()
	if err != nil {
		return err
	}

	opts := serialization.EnvelopeOptions{Headers: r.mergeHeaders(headers)}
	if req, ok := msg.(contracts.Request); ok {
		r.prepareRequest(req, session)
		opts.CorrelationID = req.GetRequestMessageID()
		opts.ReplyTo = req.GetReplyTo()
	}

	env, err := r.dispatcher.Codec().Encode(msg, opts)
	if err != nil {
		return err
	}

	if err := session.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}

	r.logger.Debug("published message", "messageType", env.Type, "messageId", env.ID)
	return nil
}

// Send delivers msg to the address its type is routed to, without waiting
// for a response
func (r *Requester) Send(ctx context.Context, msg contracts.Message, headers map[string]interface{}) error {
	address, err := r.routes.ResolveMessage(msg)
	if err != nil {
		return err
	}

	session, err := r.sessions.Session()
	if err != nil {
		return err
	}

	opts := serialization.EnvelopeOptions{Headers: r.mergeHeaders(headers)}
	if req, ok := msg.(contracts.Request); ok {
		r.prepareRequest(req, session)
		opts.CorrelationID = req.GetRequestMessageID()
		opts.ReplyTo = req.GetReplyTo()
	}

	env, err := r.dispatcher.Codec().Encode(msg, opts)
	if err != nil {
		return err
	}

	if err := session.Send(ctx, address, env); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", env.Type, address, err)
	}

	r.logger.Debug("sent message", "messageType", env.Type, "address", address)
	return nil
}

// Pending returns the number of requests waiting for a response
func (r *Requester) Pending() int {
	return r.dispatcher.Correlator().Pending()
}

// prepareRequest assigns a fresh correlation ID on every send. IDs are never
// reused, even when the same request is sent again.
func (r *Requester) prepareRequest(req contracts.Request, session Session) {
	req.SetRequestMessageID(r.newID())
	req.SetReplyTo(session.InputQueue())
}

func (r *Requester) mergeHeaders(headers map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(r.headers)+len(headers))
	for k, v := range r.headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	return merged
}

// SendRequest sends req to its routed address and blocks until the
// correlated response arrives, timeout elapses, or ctx is done. A zero
// timeout uses the requester's default. Routing errors are returned before
// anything is sent or registered.
func SendRequest[T contracts.Response](ctx context.Context, r *Requester, req contracts.Request, headers map[string]interface{}, timeout time.Duration) (T, error) {
	var zero T

	if req == nil {
		return zero, fmt.Errorf("request cannot be nil")
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	messageType := contracts.TypeName(req)

	address, err := r.routes.ResolveMessage(req)
	if err != nil {
		return zero, err
	}

	session, err := r.sessions.Session()
	if err != nil {
		return zero, err
	}

	r.prepareRequest(req, session)
	correlationID := req.GetRequestMessageID()

	correlator := r.dispatcher.Correlator()
	result, err := correlator.Register(correlationID, messageType)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	finish := func(outcome RequestOutcome) {
		r.metrics.RecordRequest(messageType, outcome, time.Since(start))
	}

	env, err := r.dispatcher.Codec().Encode(req, serialization.EnvelopeOptions{
		CorrelationID: correlationID,
		ReplyTo:       req.GetReplyTo(),
		Headers:       r.mergeHeaders(headers),
	})
	if err != nil {
		correlator.Cancel(correlationID)
		finish(OutcomeError)
		return zero, err
	}

	if err := session.Send(ctx, address, env); err != nil {
		correlator.Cancel(correlationID)
		finish(OutcomeError)
		return zero, fmt.Errorf("failed to send %s to %s: %w", messageType, address, err)
	}

	r.logger.Debug("sent request",
		"messageType", messageType,
		"correlationId", correlationID,
		"address", address)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var msg contracts.Message
	select {
	case msg = <-result:
	case <-timer.C:
		if correlator.Cancel(correlationID) {
			finish(OutcomeTimeout)
			r.logger.Warn("request timed out",
				"messageType", messageType,
				"correlationId", correlationID,
				"timeout", timeout)
			return zero, &TimeoutError{MessageType: messageType, CorrelationID: correlationID, Timeout: timeout}
		}
		// resolved concurrently with the timer firing
		msg = <-result
	case <-ctx.Done():
		if correlator.Cancel(correlationID) {
			finish(OutcomeCanceled)
			return zero, ctx.Err()
		}
		msg = <-result
	}

	typed, ok := msg.(T)
	if !ok {
		finish(OutcomeError)
		return zero, fmt.Errorf("%w: got %T, want %s", ErrUnexpectedResponse, msg, reflect.TypeOf(zero))
	}

	finish(OutcomeSuccess)
	return typed, nil
}

// OnResponse registers handler for responses of type T that are not
// awaited by SendRequest, such as responses to published requests. The
// type's topic is subscribed on every session. Late responses to requests
// that timed out or were cancelled within AbandonedRetention are orphans and
// never reach handler.
func OnResponse[T contracts.Response](ctx context.Context, r *Requester, handler func(ctx context.Context, resp T) error) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	messageType, err := messageTypeOf[T](r.dispatcher.Codec().Registry())
	if err != nil {
		return err
	}

	err = r.dispatcher.Register(messageType, MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: got %T for %s", ErrUnexpectedResponse, msg, messageType)
		}
		return handler(ctx, typed)
	}))
	if err != nil {
		return err
	}

	return r.dispatcher.Subscribe(ctx, messageType)
}

// RemoveResponseHandler undoes OnResponse for messageType: the handler is
// removed and the type's topic is no longer routed to the input queue
func (r *Requester) RemoveResponseHandler(ctx context.Context, messageType string) error {
	r.dispatcher.Unregister(messageType)
	return r.dispatcher.Unsubscribe(ctx, messageType)
}

// messageTypeOf returns the wire type name of T, which must be a pointer
// to a struct.
func messageTypeOf[T contracts.Message](registry serialization.TypeRegistry) (string, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return "", fmt.Errorf("message type %v must be a pointer to a struct", t)
	}

	instance := reflect.New(t.Elem()).Interface().(contracts.Message)
	if registry != nil {
		name, err := registry.GetTypeName(instance)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, serialization.ErrUnknownType) {
			return "", err
		}
	}
	return contracts.TypeName(instance), nil
}
