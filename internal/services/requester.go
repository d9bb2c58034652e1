// Package services holds the business logic of the requester and responder
// applications.
package services

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messages"
	"github.com/zylinc/messagebus/messaging"
)

// Demo credentials and bundle sent by the requester application
const (
	DemoEmail       = "bcs@zylinc.com"
	DemoPassword    = "dsfifigfdg"
	DemoServiceName = "MyService"
	DemoBundleName  = "Bundle1"
)

// releaseTimeout bounds unsubscribing when the driver stops
const releaseTimeout = 5 * time.Second

// Mode selects how the driver sends requests
type Mode string

const (
	// ModeRequest waits for every response with SendRequest
	ModeRequest Mode = "request"
	// ModePublish publishes requests and observes responses as they arrive
	ModePublish Mode = "publish"
)

// Driver periodically sends the demo requests, alternating between a login
// request and a configuration request
type Driver struct {
	requester *messaging.Requester
	interval  time.Duration
	timeout   time.Duration
	mode      Mode
	logger    *slog.Logger

	step      atomic.Uint64
	responses atomic.Int64
	failures  atomic.Int64
}

// DriverOption configures the driver
type DriverOption func(*Driver)

// WithInterval sets the time between requests
func WithInterval(interval time.Duration) DriverOption {
	return func(d *Driver) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithTimeout sets how long a request waits for its response
func WithTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMode sets the send mode
func WithMode(mode Mode) DriverOption {
	return func(d *Driver) {
		d.mode = mode
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver creates a driver sending through requester
func NewDriver(requester *messaging.Requester, opts ...DriverOption) *Driver {
	d := &Driver{
		requester: requester,
		interval:  4 * time.Second,
		timeout:   messaging.DefaultRequestTimeout,
		mode:      ModeRequest,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Responses returns how many responses were received
func (d *Driver) Responses() int64 {
	return d.responses.Load()
}

// Failures returns how many requests failed or timed out
func (d *Driver) Failures() int64 {
	return d.failures.Load()
}

// Prepare registers the response observers needed in publish mode
func (d *Driver) Prepare(ctx context.Context) error {
	if d.mode != ModePublish {
		return nil
	}

	if err := messaging.OnResponse(ctx, d.requester, func(ctx context.Context, resp *messages.UserLoginResponse) error {
		d.logLogin(resp)
		return nil
	}); err != nil {
		return err
	}

	return messaging.OnResponse(ctx, d.requester, func(ctx context.Context, resp *messages.ServiceConfigurationResponse) error {
		d.logConfiguration(resp)
		return nil
	})
}

// Run sends a request every interval until ctx is done. Failed requests are
// logged and do not stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Prepare(ctx); err != nil {
		return err
	}

	defer d.release(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("requester started", "mode", d.mode, "interval", d.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := d.Step(ctx); err != nil && ctx.Err() == nil {
			d.failures.Add(1)
			var timeoutErr *messaging.TimeoutError
			if errors.As(err, &timeoutErr) {
				d.logger.Warn("no response in time",
					"messageType", timeoutErr.MessageType,
					"correlationId", timeoutErr.CorrelationID,
					"timeout", timeoutErr.Timeout)
				continue
			}
			d.logger.Error("request failed", "error", err)
		}
	}
}

// release removes the publish mode observers and their subscriptions
func (d *Driver) release(ctx context.Context) {
	if d.mode != ModePublish {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	for _, messageType := range []string{
		contracts.TypeName(&messages.UserLoginResponse{}),
		contracts.TypeName(&messages.ServiceConfigurationResponse{}),
	} {
		if err := d.requester.RemoveResponseHandler(ctx, messageType); err != nil {
			d.logger.Warn("failed to remove response observer", "messageType", messageType, "error", err)
		}
	}
}

// Step sends the next request in the alternation
func (d *Driver) Step(ctx context.Context) error {
	if d.step.Add(1)%2 == 1 {
		return d.login(ctx)
	}
	return d.configuration(ctx)
}

func (d *Driver) login(ctx context.Context) error {
	req := messages.NewUserLoginRequest("", "", DemoEmail, DemoPassword)

	if d.mode == ModePublish {
		return d.requester.Publish(ctx, req, nil)
	}

	resp, err := messaging.SendRequest[*messages.UserLoginResponse](ctx, d.requester, req, nil, d.timeout)
	if err != nil {
		return err
	}
	d.logLogin(resp)
	return nil
}

func (d *Driver) configuration(ctx context.Context) error {
	req := messages.NewServiceConfigurationRequest("", "", messages.ServiceConfigurationBundle{
		ServiceName: DemoServiceName,
		BundleName:  DemoBundleName,
	})

	if d.mode == ModePublish {
		return d.requester.Publish(ctx, req, nil)
	}

	resp, err := messaging.SendRequest[*messages.ServiceConfigurationResponse](ctx, d.requester, req, nil, d.timeout)
	if err != nil {
		return err
	}
	d.logConfiguration(resp)
	return nil
}

func (d *Driver) logLogin(resp *messages.UserLoginResponse) {
	d.responses.Add(1)
	d.logger.Info("login response received",
		"result", resp.ResultCode.String(),
		"userId", resp.UserID,
		"email", resp.Email,
		"correlationId", resp.GetRequestMessageID())
}

func (d *Driver) logConfiguration(resp *messages.ServiceConfigurationResponse) {
	d.responses.Add(1)
	d.logger.Info("configuration response received",
		"bundles", len(resp.Data),
		"correlationId", resp.GetRequestMessageID())
}
