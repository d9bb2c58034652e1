// Package rabbitmq provides the RabbitMQ transport for the message bus.
package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/zylinc/messagebus/internal/rabbitmq"
	"github.com/zylinc/messagebus/messaging"
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger            *slog.Logger
	ConnectionName    string
	DialTimeout       time.Duration
	Heartbeat         time.Duration
	PrefetchCount     int
	MaxChannels       int
	ConfirmTimeout    time.Duration
	PublishRetries    int
	ConnectionOptions []rabbitmq.ConnectionOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger used by every session
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionName sets the name shown in the management UI
func WithConnectionName(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionName = name
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Heartbeat = interval
	}
}

// WithPrefetchCount bounds unacknowledged deliveries on the input queue
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithMaxChannels bounds the publishing channel pool
func WithMaxChannels(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxChannels = size
	}
}

// WithConfirmTimeout sets how long a publish waits for its confirmation
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithPublishRetries sets how often a failed publish is retried
func WithPublishRetries(retries int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishRetries = retries
	}
}

// WithConnectionOptions passes low-level connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// NewTransportConfig applies options over the defaults
func NewTransportConfig(options ...TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		Logger:         slog.Default(),
		PrefetchCount:  64,
		MaxChannels:    10,
		PublishRetries: 3,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// SessionOptions translates the config into session options
func (cfg *TransportConfig) SessionOptions() []rabbitmq.SessionOption {
	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithDialTimeout(cfg.DialTimeout),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
	}
	if cfg.ConnectionName != "" {
		connOpts = append(connOpts, rabbitmq.WithConnectionName(cfg.ConnectionName))
	}
	connOpts = append(connOpts, cfg.ConnectionOptions...)

	publisherOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublishRetries(cfg.PublishRetries)}
	if cfg.ConfirmTimeout > 0 {
		publisherOpts = append(publisherOpts, rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout))
	}

	return []rabbitmq.SessionOption{
		rabbitmq.WithSessionLogger(cfg.Logger),
		rabbitmq.WithConnectionOptions(connOpts...),
		rabbitmq.WithChannelPoolOptions(rabbitmq.WithMaxSize(cfg.MaxChannels)),
		rabbitmq.WithPublisherOptions(publisherOpts...),
		rabbitmq.WithConsumerOptions(rabbitmq.WithPrefetchCount(cfg.PrefetchCount)),
	}
}

// Dialer returns a messaging.Dialer opening RabbitMQ sessions on url that
// consume inputQueue. Each call opens a fresh connection; reconnecting is
// left to the caller.
func Dialer(url, inputQueue string, options ...TransportOption) messaging.Dialer {
	cfg := NewTransportConfig(options...)
	sessionOpts := cfg.SessionOptions()

	return func(ctx context.Context) (messaging.Session, error) {
		s, err := rabbitmq.Open(ctx, url, inputQueue, sessionOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// IsPermanent reports connection errors that retrying cannot fix, such as
// refused credentials
func IsPermanent(err error) bool {
	return rabbitmq.IsPermanent(err)
}

// SanitizeURL hides the password of a connection string for logging
func SanitizeURL(url string) string {
	return rabbitmq.SanitizeURL(url)
}
