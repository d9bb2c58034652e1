package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/serialization"
)

// ResponderState is the lifecycle of one handled request
type ResponderState int

const (
	StateIdle ResponderState = iota
	StateReceived
	StateProcessing
	StateReplied
)

func (s ResponderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceived:
		return "received"
	case StateProcessing:
		return "processing"
	case StateReplied:
		return "replied"
	default:
		return "unknown"
	}
}

// StateObserver is notified of every responder state transition
type StateObserver func(messageType, correlationID string, state ResponderState)

// Responder handles requests and replies to them
type Responder struct {
	sessions   SessionProvider
	dispatcher *Dispatcher
	headers    map[string]interface{}
	logger     *slog.Logger
	metrics    MetricsCollector
	observer   StateObserver
}

// ResponderOption configures the Responder
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResponderMetrics sets the metrics collector
func WithResponderMetrics(metrics MetricsCollector) ResponderOption {
	return func(r *Responder) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithReplyHeaders attaches headers to every reply
func WithReplyHeaders(headers map[string]interface{}) ResponderOption {
	return func(r *Responder) {
		for k, v := range headers {
			r.headers[k] = v
		}
	}
}

// WithStateObserver observes state transitions of handled requests
func WithStateObserver(observer StateObserver) ResponderOption {
	return func(r *Responder) {
		r.observer = observer
	}
}

// NewResponder creates a responder receiving requests through dispatcher
func NewResponder(sessions SessionProvider, dispatcher *Dispatcher, options ...ResponderOption) *Responder {
	r := &Responder{
		sessions:   sessions,
		dispatcher: dispatcher,
		headers:    make(map[string]interface{}),
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Reply answers the request being handled in ctx, using its reply address
// and correlation ID
func (r *Responder) Reply(ctx context.Context, resp contracts.Response, headers map[string]interface{}) error {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return fmt.Errorf("reply outside of a message handler: %w", ErrNoReplyAddress)
	}
	return r.ReplyTo(ctx, mc.ReplyTo, mc.CorrelationID, resp, headers)
}

// ReplyTo sends resp to address tagged with correlationID
func (r *Responder) ReplyTo(ctx context.Context, address, correlationID string, resp contracts.Response, headers map[string]interface{}) error {
	if resp == nil {
		return fmt.Errorf("response cannot be nil")
	}
	if address == "" {
		return ErrNoReplyAddress
	}

	messageType := contracts.TypeName(resp)

	session, err := r.sessions.Session()
	if err != nil {
		r.metrics.RecordReply(messageType, false)
		return err
	}

	resp.SetRequestMessageID(correlationID)

	merged := make(map[string]interface{}, len(r.headers)+len(headers))
	for k, v := range r.headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	env, err := r.dispatcher.Codec().Encode(resp, serialization.EnvelopeOptions{
		CorrelationID: correlationID,
		Headers:       merged,
	})
	if err != nil {
		r.metrics.RecordReply(messageType, false)
		return err
	}

	if err := session.Send(ctx, address, env); err != nil {
		r.metrics.RecordReply(messageType, false)
		return fmt.Errorf("failed to reply %s to %s: %w", messageType, address, err)
	}

	r.metrics.RecordReply(messageType, true)
	r.logger.Debug("sent reply",
		"messageType", messageType,
		"correlationId", correlationID,
		"address", address)
	return nil
}

func (r *Responder) transition(messageType, correlationID string, state ResponderState) {
	if r.observer != nil {
		r.observer(messageType, correlationID, state)
	}
}

// HandleRequest registers handler for requests of type Req. Each request
// gets exactly one reply attempt carrying its correlation ID. A handler
// error is returned to the transport and no reply is sent.
func HandleRequest[Req contracts.Request, Resp contracts.Response](ctx context.Context, r *Responder, handler func(ctx context.Context, req Req) (Resp, error)) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	messageType, err := messageTypeOf[Req](r.dispatcher.Codec().Registry())
	if err != nil {
		return err
	}

	err = r.dispatcher.Register(messageType, MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
		req, ok := msg.(Req)
		if !ok {
			return fmt.Errorf("%w: got %T for %s", ErrUnexpectedResponse, msg, messageType)
		}

		correlationID := req.GetRequestMessageID()
		replyTo := req.GetReplyTo()
		if mc, ok := MessageContextFrom(ctx); ok {
			if mc.CorrelationID != "" {
				correlationID = mc.CorrelationID
			}
			if replyTo == "" {
				replyTo = mc.ReplyTo
			}
		}

		r.transition(messageType, correlationID, StateReceived)
		defer r.transition(messageType, correlationID, StateIdle)

		r.transition(messageType, correlationID, StateProcessing)
		resp, err := handler(ctx, req)
		if err != nil {
			return err
		}
		if isNil(resp) {
			return fmt.Errorf("handler for %s returned no response", messageType)
		}

		if err := r.ReplyTo(ctx, replyTo, correlationID, resp, nil); err != nil {
			return err
		}
		r.transition(messageType, correlationID, StateReplied)
		return nil
	}))
	if err != nil {
		return err
	}

	return r.dispatcher.Subscribe(ctx, messageType)
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
