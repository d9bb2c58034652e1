// Package memory provides an in-process broker implementing
// messaging.Session. It is used by tests and for running both services in a
// single process without RabbitMQ.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messaging"
)

var (
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("memory: session closed")
	// ErrDialFailed is the default error injected by FailNextDials
	ErrDialFailed = errors.New("memory: broker unreachable")
	// ErrConnectionLost is the default cause reported by Disconnect
	ErrConnectionLost = errors.New("memory: connection lost")
)

// Broker routes envelopes between in-process sessions. Queues outlive
// sessions, so messages sent while a consumer is reconnecting are kept.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	topics   map[string]map[string]struct{}
	sessions map[*Session]struct{}
	dialErrs []error
	dials    int
	rejected int
	dropped  int
	logger   *slog.Logger
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:   make(map[string]*queue),
		topics:   make(map[string]map[string]struct{}),
		sessions: make(map[*Session]struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Dial opens a session consuming inputQueue, declaring the queue if needed
func (b *Broker) Dial(ctx context.Context, inputQueue string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if inputQueue == "" {
		return nil, fmt.Errorf("input queue cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	b.declareLocked(inputQueue)
	s := newSession(b, inputQueue)
	b.sessions[s] = struct{}{}

	b.logger.Debug("memory session opened", "inputQueue", inputQueue)
	return s, nil
}

// Dialer returns a messaging.Dialer opening sessions on inputQueue
func (b *Broker) Dialer(inputQueue string) messaging.Dialer {
	return func(ctx context.Context) (messaging.Session, error) {
		s, err := b.Dial(ctx, inputQueue)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// FailNextDials makes the next n dials fail with err, or ErrDialFailed when
// err is nil
func (b *Broker) FailNextDials(n int, err error) {
	if err == nil {
		err = ErrDialFailed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < n; i++ {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// Disconnect closes every open session on inputQueue and reports cause to
// their close listeners. A nil cause reports ErrConnectionLost.
func (b *Broker) Disconnect(inputQueue string, cause error) int {
	if cause == nil {
		cause = ErrConnectionLost
	}

	b.mu.Lock()
	var victims []*Session
	for s := range b.sessions {
		if s.inputQueue == inputQueue {
			victims = append(victims, s)
		}
	}
	b.mu.Unlock()

	for _, s := range victims {
		s.shutdown(cause)
	}
	return len(victims)
}

// DeclareQueue creates queue name if it does not exist
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(name)
}

func (b *Broker) declareLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
	}
	return q
}

// Dials returns how many dials were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Rejected returns how many deliveries handlers rejected
func (b *Broker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Dropped returns how many envelopes were sent to undeclared queues
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// QueueDepth returns the number of undelivered envelopes in queue name
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Subscribers returns the queues subscribed to messageType, sorted
func (b *Broker) Subscribers(messageType string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.topics[messageType]))
	for name := range b.topics[messageType] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) send(address string, env *contracts.Envelope) {
	b.mu.Lock()
	q, ok := b.queues[address]
	if !ok {
		b.dropped++
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping unroutable envelope", "address", address, "messageType", env.Type)
		return
	}
	q.push(env.Clone())
}

func (b *Broker) publish(env *contracts.Envelope) {
	b.mu.Lock()
	targets := make([]*queue, 0, len(b.topics[env.Type]))
	for name := range b.topics[env.Type] {
		if q, ok := b.queues[name]; ok {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		q.push(env.Clone())
	}
}

func (b *Broker) bind(queueName, messageType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.topics[messageType]
	if !ok {
		subscribers = make(map[string]struct{})
		b.topics[messageType] = subscribers
	}
	subscribers[queueName] = struct{}{}
}

func (b *Broker) unbind(queueName, messageType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.topics[messageType], queueName)
	if len(b.topics[messageType]) == 0 {
		delete(b.topics, messageType)
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declareLocked(name)
}

func (b *Broker) reject() {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()
}

func (b *Broker) forget(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

type queue struct {
	name   string
	mu     sync.Mutex
	items  []*contracts.Envelope
	notify chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, notify: make(chan struct{}, 1)}
}

func (q *queue) push(env *contracts.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an envelope is available or done is closed
func (q *queue) pop(done <-chan struct{}) (*contracts.Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			// wake other consumers while items remain
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return env, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return nil, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
