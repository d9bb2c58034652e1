package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// Connection wraps a single AMQP connection
type Connection struct {
	conn   *amqp.Connection
	url    string
	logger *slog.Logger
	closed chan error
}

type connectionConfig struct {
	dialTimeout    time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger
}

// ConnectionOption configures Dial
type ConnectionOption func(*connectionConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout bounds how long a dial may take
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		if interval > 0 {
			c.heartbeat = interval
		}
	}
}

// WithConnectionName sets the name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(c *connectionConfig) {
		c.connectionName = name
	}
}

func newConnectionConfig(options ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		dialTimeout: defaultDialTimeout,
		heartbeat:   defaultHeartbeat,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial opens a connection, giving up when ctx is done or the dial timeout
// elapses
func Dial(ctx context.Context, url string, options ...ConnectionOption) (*Connection, error) {
	cfg := newConnectionConfig(options...)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	amqpConfig := amqp.Config{
		Heartbeat:  cfg.heartbeat,
		Properties: amqp.Table{},
	}
	if cfg.connectionName != "" {
		amqpConfig.Properties["connection_name"] = cfg.connectionName
	}

	result := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, amqpConfig)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return newConnection(r.conn, url, cfg.logger), nil

	case <-dialCtx.Done():
		// the dial may still succeed later
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

func newConnection(conn *amqp.Connection, url string, logger *slog.Logger) *Connection {
	c := &Connection{
		conn:   conn,
		url:    url,
		logger: logger,
		closed: make(chan error, 1),
	}

	amqpClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(c.closed)
		if err, ok := <-amqpClosed; ok && err != nil {
			c.logger.Error("connection closed", "error", err)
			c.closed <- err
		}
	}()

	c.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
	return c
}

// Channel opens a new channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn.Channel()
}

// NotifyClose receives the error that closed the connection. The channel is
// closed without a value when the connection is closed by Close.
func (c *Connection) NotifyClose() <-chan error {
	return c.closed
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close closes the connection
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
