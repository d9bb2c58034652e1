// Package metrics records message bus measurements as OpenTelemetry
// instruments.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zylinc/messagebus/messaging"
	"github.com/zylinc/messagebus/supervisor"
)

const instrumentationName = "github.com/zylinc/messagebus"

// Attribute keys
const (
	AttrMessageType = attribute.Key("messagebus.message_type")
	AttrOutcome     = attribute.Key("messagebus.outcome")
	AttrSuccess     = attribute.Key("messagebus.success")
)

// Collector implements messaging.MetricsCollector and
// supervisor.StateListener
type Collector struct {
	requestsSent    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestTimeouts metric.Int64Counter
	orphans         metric.Int64Counter
	repliesSent     metric.Int64Counter
	attempts        metric.Int64Counter
	connected       atomic.Int64
}

var (
	_ messaging.MetricsCollector = (*Collector)(nil)
	_ supervisor.StateListener   = (*Collector)(nil)
)

// Option configures the collector
type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// New creates the collector and registers its instruments
func New(opts ...Option) (*Collector, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	c := &Collector{}

	var err error

	c.requestsSent, err = meter.Int64Counter(
		"messagebus.requests.sent",
		metric.WithDescription("Number of blocking requests sent"),
	)
	if err != nil {
		return nil, err
	}

	c.requestDuration, err = meter.Float64Histogram(
		"messagebus.requests.duration",
		metric.WithDescription("Time from sending a request until it completed"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.requestTimeouts, err = meter.Int64Counter(
		"messagebus.requests.timeouts",
		metric.WithDescription("Number of requests that received no response in time"),
	)
	if err != nil {
		return nil, err
	}

	c.orphans, err = meter.Int64Counter(
		"messagebus.responses.orphaned",
		metric.WithDescription("Number of responses that matched no pending request"),
	)
	if err != nil {
		return nil, err
	}

	c.repliesSent, err = meter.Int64Counter(
		"messagebus.replies.sent",
		metric.WithDescription("Number of replies sent by responders"),
	)
	if err != nil {
		return nil, err
	}

	c.attempts, err = meter.Int64Counter(
		"messagebus.connection.attempts",
		metric.WithDescription("Number of reconnection attempts"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"messagebus.connection.state",
		metric.WithDescription("1 while a broker session is open, 0 otherwise"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(c.connected.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(messageType string, outcome messaging.RequestOutcome, duration time.Duration) {
	ctx := context.Background()
	typeAttr := metric.WithAttributes(AttrMessageType.String(messageType))

	c.requestsSent.Add(ctx, 1, typeAttr)
	c.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		AttrMessageType.String(messageType),
		AttrOutcome.String(string(outcome)),
	))
	if outcome == messaging.OutcomeTimeout {
		c.requestTimeouts.Add(ctx, 1, typeAttr)
	}
}

// RecordReply implements messaging.MetricsCollector
func (c *Collector) RecordReply(messageType string, success bool) {
	c.repliesSent.Add(context.Background(), 1, metric.WithAttributes(
		AttrMessageType.String(messageType),
		AttrSuccess.Bool(success),
	))
}

// RecordOrphan implements messaging.MetricsCollector
func (c *Collector) RecordOrphan(messageType string) {
	c.orphans.Add(context.Background(), 1, metric.WithAttributes(AttrMessageType.String(messageType)))
}

// OnConnected implements supervisor.StateListener
func (c *Collector) OnConnected() {
	c.connected.Store(1)
}

// OnDisconnected implements supervisor.StateListener
func (c *Collector) OnDisconnected(error) {
	c.connected.Store(0)
}

// OnReconnecting implements supervisor.StateListener
func (c *Collector) OnReconnecting(int) {
	c.attempts.Add(context.Background(), 1)
}
