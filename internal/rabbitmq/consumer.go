package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes a queue on a dedicated channel. Every delivery is handled
// on its own goroutine, so a handler waiting on another delivery does not
// block the receive loop. Prefetch bounds how many are in flight.
type Consumer struct {
	conn          *Connection
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger

	mu       sync.Mutex
	channel  *amqp.Channel
	cancel   context.CancelFunc
	done     chan struct{}
	handlers sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetchCount = count
		}
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.consumerTag = tag
		}
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(conn *Connection, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:          conn,
		prefetchCount: 64,
		consumerTag:   "messagebus-" + uuid.New().String(),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerTag returns the tag the consumer registers with
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Start begins consuming queue. It returns once the broker has accepted the
// consumer; deliveries are handled until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		return c.consumerError(queue, "start", fmt.Errorf("%w: consumer already started", ErrInvalidConfiguration))
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return c.consumerError(queue, "open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return c.consumerError(queue, "set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return c.consumerError(queue, "consume", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	c.channel = ch
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.processMessages(consumeCtx, queue, deliveries, handler, c.done)

	c.logger.Info("consuming queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}

			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.handleMessage(ctx, queue, delivery, handler)
			}()
		}
	}
}

// handleMessage acks a handled delivery and rejects a failed one without
// requeueing it
func (c *Consumer) handleMessage(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	err := handler(ctx, delivery)
	if err != nil {
		c.logger.Error("failed to handle message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"messageType", delivery.Type,
			"error", err)

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message", "messageId", delivery.MessageId, "error", nackErr)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "messageId", delivery.MessageId, "error", ackErr)
	}
}

// Stop cancels the consumer, waits for in-flight handlers, and closes its
// channel
func (c *Consumer) Stop() error {
	c.mu.Lock()
	ch, cancel, done := c.channel, c.cancel, c.done
	c.channel, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if ch == nil {
		return nil
	}

	var err error
	if !ch.IsClosed() {
		err = ch.Cancel(c.consumerTag, false)
	}
	cancel()
	<-done
	c.handlers.Wait()

	if !ch.IsClosed() {
		if closeErr := ch.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (c *Consumer) consumerError(queue, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
