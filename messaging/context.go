package messaging

import (
	"context"

	"github.com/zylinc/messagebus/contracts"
)

// MessageContext describes the delivery a handler is processing
type MessageContext struct {
	MessageID     string
	MessageType   string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}
}

type messageContextKey struct{}

// WithMessageContext stores mc in ctx
func WithMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// MessageContextFrom returns the delivery context stored by the dispatcher
func MessageContextFrom(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mc, ok && mc != nil
}

func newMessageContext(env *contracts.Envelope) *MessageContext {
	mc := &MessageContext{
		MessageID:     env.ID,
		MessageType:   env.Type,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Headers:       env.Headers,
	}
	if mc.CorrelationID == "" {
		mc.CorrelationID = env.Header(contracts.HeaderCorrelationID)
	}
	if mc.ReplyTo == "" {
		mc.ReplyTo = env.Header(contracts.HeaderReplyTo)
	}
	return mc
}
