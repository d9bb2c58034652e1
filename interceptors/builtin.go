package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/internal/reliability"
	"github.com/zylinc/messagebus/messaging"
)

// ErrHandlerPanic is wrapped by the error reported for a recovered panic
var ErrHandlerPanic = errors.New("message handler panicked")

// ErrHandlerTimeout is returned when a handler outlives its timeout
var ErrHandlerTimeout = errors.New("message handler timed out")

// correlationID returns the correlation ID of the delivery being handled
func correlationID(ctx context.Context) string {
	if mc, ok := messaging.MessageContextFrom(ctx); ok {
		return mc.CorrelationID
	}
	return ""
}

// LoggingInterceptor logs every handled message with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	start := time.Now()
	err := next.Handle(ctx, msg)

	attrs := []any{
		"messageId", msg.GetID(),
		"messageType", msg.GetType(),
		"correlationId", correlationID(ctx),
		"duration", time.Since(start),
	}
	if err != nil {
		i.logger.Warn("message handling failed", append(attrs, "error", err)...)
		return err
	}
	i.logger.Debug("message handled", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns handler panics into errors so the delivery is
// rejected instead of crashing the service
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("recovered handler panic",
				"messageType", msg.GetType(),
				"messageId", msg.GetID(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = reliability.Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds the context a handler runs with
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor. A non-positive
// timeout disables it.
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	if i.timeout <= 0 {
		return next.Handle(ctx, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(ctx, msg)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
