package messaging

import (
	"context"

	"github.com/zylinc/messagebus/contracts"
)

// DeliveryHandler processes one delivery from the session's input queue.
// Returning an error rejects the delivery.
type DeliveryHandler func(ctx context.Context, env *contracts.Envelope) error

// Session is an open broker session bound to one input queue
type Session interface {
	// InputQueue returns the address responses and sends to this session arrive on
	InputQueue() string

	// Publish broadcasts an envelope to every subscriber of its type
	Publish(ctx context.Context, env *contracts.Envelope) error

	// Send delivers an envelope to a single destination address
	Send(ctx context.Context, address string, env *contracts.Envelope) error

	// Subscribe starts routing published messages of messageType to the input queue
	Subscribe(ctx context.Context, messageType string) error

	// Unsubscribe stops routing published messages of messageType to the input queue
	Unsubscribe(ctx context.Context, messageType string) error

	// Receive starts consuming the input queue. Deliveries are handed to
	// handler concurrently until ctx is cancelled or the session is closed.
	Receive(ctx context.Context, handler DeliveryHandler) error

	// Close releases the session
	Close() error
}

// CloseNotifier is implemented by sessions that can report connection loss.
// The channel receives the cause and is closed afterwards.
type CloseNotifier interface {
	NotifyClose() <-chan error
}

// Dialer opens a new session
type Dialer func(ctx context.Context) (Session, error)

// SessionProvider hands out the current session
type SessionProvider interface {
	Session() (Session, error)
}

// SessionProviderFunc adapts a function to SessionProvider
type SessionProviderFunc func() (Session, error)

// Session implements SessionProvider
func (f SessionProviderFunc) Session() (Session, error) {
	return f()
}

// StaticSession returns a provider that always hands out s
func StaticSession(s Session) SessionProvider {
	return SessionProviderFunc(func() (Session, error) {
		if s == nil {
			return nil, ErrNotConnected
		}
		return s, nil
	})
}
