package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zylinc/messagebus/contracts"
)

var (
	// ErrUnknownType is returned when a message type was never registered
	ErrUnknownType = errors.New("serialization: unknown message type")
	// ErrEmptyEnvelope is returned when decoding an envelope without a body
	ErrEmptyEnvelope = errors.New("serialization: envelope has no body")
)

// EnvelopeOptions carries the per-send metadata attached to an envelope
type EnvelopeOptions struct {
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}
}

// Codec converts messages to envelopes and back using JSON bodies
type Codec struct {
	registry TypeRegistry
}

// NewCodec creates a codec resolving types through registry
func NewCodec(registry TypeRegistry) *Codec {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &Codec{registry: registry}
}

// Registry returns the type registry used for decoding
func (c *Codec) Registry() TypeRegistry {
	return c.registry
}

// Encode wraps msg in an envelope. Headers from opts are copied, then the
// standard headers are set on top of them.
func (c *Codec) Encode(msg contracts.Message, opts EnvelopeOptions) (*contracts.Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	typeName, err := c.registry.GetTypeName(msg)
	if err != nil {
		typeName = contracts.TypeName(msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", typeName, err)
	}

	timestamp := msg.GetTimestamp()
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	headers := make(map[string]interface{}, len(opts.Headers)+5)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderMessageID] = msg.GetID()
	headers[contracts.HeaderMessageType] = typeName
	headers[contracts.HeaderTimestamp] = timestamp.UTC().Format(time.RFC3339Nano)
	if opts.CorrelationID != "" {
		headers[contracts.HeaderCorrelationID] = opts.CorrelationID
	}
	if opts.ReplyTo != "" {
		headers[contracts.HeaderReplyTo] = opts.ReplyTo
	}

	return &contracts.Envelope{
		ID:            msg.GetID(),
		Type:          typeName,
		Timestamp:     timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Headers:       headers,
		Body:          body,
	}, nil
}

// Decode creates a typed message from the envelope body
func (c *Codec) Decode(env *contracts.Envelope) (contracts.Message, error) {
	if env == nil || len(env.Body) == 0 {
		return nil, ErrEmptyEnvelope
	}

	msg, err := c.registry.CreateInstance(env.Type)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into type %s: %w", env.Type, err)
	}

	return msg, nil
}

// MarshalEnvelope serializes an envelope for the wire
func MarshalEnvelope(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope deserializes an envelope from the wire
func UnmarshalEnvelope(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	return &env, nil
}
