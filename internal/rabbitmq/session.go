package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messaging"
)

// Session is a messaging.Session over one RabbitMQ connection
type Session struct {
	conn       *Connection
	pool       *ChannelPool
	topology   *TopologyManager
	publisher  *Publisher
	consumer   *Consumer
	inputQueue string
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ messaging.Session = (*Session)(nil)
var _ messaging.CloseNotifier = (*Session)(nil)

type sessionConfig struct {
	logger        *slog.Logger
	connOpts      []ConnectionOption
	poolOpts      []ChannelPoolOption
	publisherOpts []PublisherOption
	consumerOpts  []ConsumerOption
}

// SessionOption configures Open
type SessionOption func(*sessionConfig)

// WithSessionLogger sets the logger of the session and all its parts
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionOptions passes options to Dial
func WithConnectionOptions(opts ...ConnectionOption) SessionOption {
	return func(c *sessionConfig) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithChannelPoolOptions passes options to the channel pool
func WithChannelPoolOptions(opts ...ChannelPoolOption) SessionOption {
	return func(c *sessionConfig) {
		c.poolOpts = append(c.poolOpts, opts...)
	}
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...PublisherOption) SessionOption {
	return func(c *sessionConfig) {
		c.publisherOpts = append(c.publisherOpts, opts...)
	}
}

// WithConsumerOptions passes options to the input queue consumer
func WithConsumerOptions(opts ...ConsumerOption) SessionOption {
	return func(c *sessionConfig) {
		c.consumerOpts = append(c.consumerOpts, opts...)
	}
}

func newSessionConfig(options ...SessionOption) *sessionConfig {
	cfg := &sessionConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Open connects to url and declares the topology for inputQueue. The
// session does not reconnect; a lost connection is reported on NotifyClose.
func Open(ctx context.Context, url, inputQueue string, options ...SessionOption) (*Session, error) {
	if inputQueue == "" {
		return nil, fmt.Errorf("%w: input queue cannot be empty", ErrInvalidConfiguration)
	}

	cfg := newSessionConfig(options...)
	logger := cfg.logger.With("inputQueue", inputQueue)

	conn, err := Dial(ctx, url, append([]ConnectionOption{WithLogger(logger)}, cfg.connOpts...)...)
	if err != nil {
		return nil, err
	}

	pool, err := NewChannelPool(conn, append([]ChannelPoolOption{WithChannelLogger(logger)}, cfg.poolOpts...)...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{
		conn:       conn,
		pool:       pool,
		topology:   NewTopologyManager(pool),
		publisher:  NewPublisher(pool, append([]PublisherOption{WithPublisherLogger(logger)}, cfg.publisherOpts...)...),
		consumer:   NewConsumer(conn, append([]ConsumerOption{WithConsumerLogger(logger)}, cfg.consumerOpts...)...),
		inputQueue: inputQueue,
		logger:     logger,
	}

	if err := s.topology.DeclareTopology(ctx, SessionTopology(inputQueue)); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// InputQueue returns the queue this session consumes
func (s *Session) InputQueue() string {
	return s.inputQueue
}

// Publish sends env to the topic exchange under its message type
func (s *Session) Publish(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	return s.publish(ctx, TopicExchange, env.Type, env)
}

// Send sends env to the queue named address through the direct exchange
func (s *Session) Send(ctx context.Context, address string, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return s.publish(ctx, DirectExchange, address, env)
}

func (s *Session) publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	if s.conn.IsClosed() {
		return ErrConnectionClosed
	}

	msg, err := ToPublishing(env)
	if err != nil {
		return err
	}

	if err := s.publisher.Publish(ctx, exchange, routingKey, false, msg); err != nil {
		return err
	}

	s.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", env.ID,
		"messageType", env.Type)
	return nil
}

// Subscribe binds the input queue to messageType on the topic exchange
func (s *Session) Subscribe(ctx context.Context, messageType string) error {
	return s.topology.BindQueue(ctx, TopicBinding(s.inputQueue, messageType))
}

// Unsubscribe removes the input queue's binding for messageType
func (s *Session) Unsubscribe(ctx context.Context, messageType string) error {
	return s.topology.UnbindQueue(ctx, TopicBinding(s.inputQueue, messageType))
}

// Receive starts consuming the input queue. Deliveries that cannot be
// decoded or whose handler fails are rejected without requeue.
func (s *Session) Receive(ctx context.Context, handler messaging.DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	return s.consumer.Start(ctx, s.inputQueue, func(ctx context.Context, d amqp.Delivery) error {
		env, err := FromDelivery(d)
		if err != nil {
			return err
		}
		return handler(ctx, env)
	})
}

// NotifyClose reports the error that closed the connection. The channel is
// closed without a value when the session is closed by Close.
func (s *Session) NotifyClose() <-chan error {
	return s.conn.NotifyClose()
}

// Close stops consuming and closes the channels and the connection
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Warn("failed to stop consumer", "error", err)
		}
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("failed to close channel pool", "error", err)
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
