package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/serialization"
)

const contentTypeJSON = "application/json"

// ToPublishing converts an envelope into an AMQP message. The whole envelope
// is the body; its identifiers are mirrored into the AMQP properties and
// headers so they are visible without decoding the body.
func ToPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := serialization.MarshalEnvelope(env)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = headerValue(v)
	}
	headers[contracts.HeaderMessageID] = env.ID
	headers[contracts.HeaderMessageType] = env.Type
	if env.CorrelationID != "" {
		headers[contracts.HeaderCorrelationID] = env.CorrelationID
	}
	if env.ReplyTo != "" {
		headers[contracts.HeaderReplyTo] = env.ReplyTo
	}

	timestamp := time.Now()
	if parsed, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
		timestamp = parsed
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		MessageId:     env.ID,
		Timestamp:     timestamp,
		Type:          env.Type,
		Body:          body,
	}, nil
}

// FromDelivery restores the envelope carried by a delivery. Properties fill
// in fields the body left empty.
func FromDelivery(d amqp.Delivery) (*contracts.Envelope, error) {
	if len(d.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidDelivery)
	}

	env, err := serialization.UnmarshalEnvelope(d.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelivery, err)
	}

	if env.ID == "" {
		env.ID = d.MessageId
	}
	if env.Type == "" {
		env.Type = d.Type
	}
	if env.CorrelationID == "" {
		env.CorrelationID = d.CorrelationId
	}
	if env.ReplyTo == "" {
		env.ReplyTo = d.ReplyTo
	}

	if len(d.Headers) > 0 {
		if env.Headers == nil {
			env.Headers = make(map[string]interface{}, len(d.Headers))
		}
		for k, v := range d.Headers {
			if _, exists := env.Headers[k]; !exists {
				env.Headers[k] = v
			}
		}
	}

	return env, nil
}

// headerValue narrows a value to a type amqp.Table accepts
func headerValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, []byte, bool, time.Time, amqp.Decimal, amqp.Table,
		int8, int16, int32, int64, int, uint8, float32, float64:
		return val
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case uint:
		return int64(val)
	case fmt.Stringer:
		return val.String()
	case map[string]interface{}:
		table := amqp.Table{}
		for k, inner := range val {
			table[k] = headerValue(inner)
		}
		return table
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = headerValue(inner)
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}
