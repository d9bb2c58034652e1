package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zylinc/messagebus/internal/reliability"
)

// Publisher publishes messages on pooled channels and waits for broker
// confirmation of each one
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublishTimeout bounds a publish including its retries when the caller
// context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.publishTimeout = timeout
		}
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it. Failures are
// retried with backoff, except returned mandatory messages.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	attempt := 0
	err := reliability.Retry(ctx, p.retryPolicy, func(ctx context.Context) error {
		attempt++
		err := p.publishWithConfirm(ctx, exchange, routingKey, mandatory, msg)
		if err != nil && reliability.IsRetryable(err) {
			p.logger.Warn("publish failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// publishWithConfirm publishes a single message on a pooled channel. A channel
// that may still owe a confirmation is discarded instead of returned.
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-ch.returns:
			if !ok {
				p.pool.Discard(ch)
				return ErrConnectionClosed
			}
			// the broker acks a returned message after returning it
			returned = &ret

		case confirm, ok := <-ch.confirms:
			if !ok {
				p.pool.Discard(ch)
				return ErrConnectionClosed
			}
			p.pool.Put(ch)
			if returned != nil {
				return reliability.Permanent(fmt.Errorf("%w: %d %s", ErrMandatoryFailed, returned.ReplyCode, returned.ReplyText))
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil

		case <-timer.C:
			p.pool.Discard(ch)
			return ErrPublishTimeout

		case <-ctx.Done():
			p.pool.Discard(ch)
			return ctx.Err()
		}
	}
}
