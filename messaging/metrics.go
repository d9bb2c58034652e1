package messaging

import "time"

// RequestOutcome classifies how a blocking request ended
type RequestOutcome string

const (
	OutcomeSuccess  RequestOutcome = "success"
	OutcomeTimeout  RequestOutcome = "timeout"
	OutcomeError    RequestOutcome = "error"
	OutcomeCanceled RequestOutcome = "canceled"
)

// MetricsCollector receives request/response measurements
type MetricsCollector interface {
	// RecordRequest records a finished blocking request
	RecordRequest(messageType string, outcome RequestOutcome, duration time.Duration)

	// RecordReply records a reply sent by a responder
	RecordReply(messageType string, success bool)

	// RecordOrphan records a response that matched no pending request
	RecordOrphan(messageType string)
}

// NoOpMetricsCollector discards all measurements
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(string, RequestOutcome, time.Duration) {}

// RecordReply does nothing
func (NoOpMetricsCollector) RecordReply(string, bool) {}

// RecordOrphan does nothing
func (NoOpMetricsCollector) RecordOrphan(string) {}
