package contracts

import (
	"encoding/json"
)

// Standard header names attached to every envelope
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "x-correlation-id"
	HeaderReplyTo       = "x-reply-to"
	HeaderTimestamp     = "timestamp"
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// Header returns a header value as a string, or "" when absent
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	switch v := e.Headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Clone returns a copy whose headers and body can be modified independently
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]interface{}, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.Body != nil {
		c.Body = append(json.RawMessage(nil), e.Body...)
	}
	return &c
}
