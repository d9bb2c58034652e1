package contracts

import (
	"time"
)

// Message is the base interface for all messages
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
}

// Request is a message that expects exactly one correlated Response.
// The request message ID doubles as the correlation identifier.
type Request interface {
	Message
	GetRequestMessageID() string
	SetRequestMessageID(id string)
	GetReplyTo() string
	SetReplyTo(address string)
}

// Response answers a Request and carries its request message ID verbatim
type Response interface {
	Message
	GetRequestMessageID() string
	SetRequestMessageID(id string)
}

// TypeName returns the wire type name of a message: its Type field when set,
// otherwise the Go struct name.
func TypeName(msg Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetType(); t != "" {
		return t
	}
	return structName(msg)
}
