package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messaging"
)

// Session is an in-process messaging.Session
type Session struct {
	broker     *Broker
	inputQueue string

	mu        sync.Mutex
	consumers []context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	notify    chan error
}

var _ messaging.Session = (*Session)(nil)
var _ messaging.CloseNotifier = (*Session)(nil)

func newSession(broker *Broker, inputQueue string) *Session {
	return &Session{
		broker:     broker,
		inputQueue: inputQueue,
		closed:     make(chan struct{}),
		notify:     make(chan error, 1),
	}
}

// InputQueue returns the queue this session consumes
func (s *Session) InputQueue() string {
	return s.inputQueue
}

func (s *Session) checkOpen() error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
		return nil
	}
}

// Publish delivers env to every queue subscribed to its type
func (s *Session) Publish(ctx context.Context, env *contracts.Envelope) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.publish(env)
	return nil
}

// Send delivers env to queue address
func (s *Session) Send(ctx context.Context, address string, env *contracts.Envelope) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.send(address, env)
	return nil
}

// Subscribe binds the input queue to messageType
func (s *Session) Subscribe(ctx context.Context, messageType string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.broker.bind(s.inputQueue, messageType)
	return nil
}

// Unsubscribe unbinds the input queue from messageType
func (s *Session) Unsubscribe(ctx context.Context, messageType string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.broker.unbind(s.inputQueue, messageType)
	return nil
}

// Receive consumes the input queue, calling handler for each delivery on its
// own goroutine. A handler error counts as a rejection.
func (s *Session) Receive(ctx context.Context, handler messaging.DeliveryHandler) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	consumerCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.consumers = append(s.consumers, cancel)
	s.mu.Unlock()

	q := s.broker.queue(s.inputQueue)
	go func() {
		defer cancel()
		for {
			env, ok := q.pop(consumerCtx.Done())
			if !ok {
				return
			}
			go func(env *contracts.Envelope) {
				if err := handler(consumerCtx, env); err != nil {
					s.broker.reject()
					s.broker.logger.Debug("delivery rejected",
						"inputQueue", s.inputQueue,
						"messageType", env.Type,
						"error", err)
				}
			}(env)
		}
	}()

	return nil
}

// NotifyClose reports connection loss caused by Broker.Disconnect. The
// channel is closed without a value on a regular Close.
func (s *Session) NotifyClose() <-chan error {
	return s.notify
}

// Close stops consuming and releases the session
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		consumers := s.consumers
		s.consumers = nil
		s.mu.Unlock()
		for _, cancel := range consumers {
			cancel()
		}

		s.broker.forget(s)
		if cause != nil {
			s.notify <- cause
		}
		close(s.notify)
	})
}
