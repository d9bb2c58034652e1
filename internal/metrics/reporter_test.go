package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylinc/messagebus/messaging"
)

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { _ = reporter.Shutdown(context.Background()) })

	c, err := New(WithMeterProvider(reporter.Provider()))
	require.NoError(t, err)

	c.OnConnected()
	c.RecordRequest("UserLoginRequest", messaging.OutcomeSuccess, time.Millisecond)
	c.RecordRequest("UserLoginRequest", messaging.OutcomeTimeout, time.Second)
	c.RecordOrphan("UserLoginResponse")

	t.Run("totals sum over attributes", func(t *testing.T) {
		totals, err := reporter.Totals(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2.0, totals["messagebus.requests.sent"])
		assert.Equal(t, 2.0, totals["messagebus.requests.duration"])
		assert.Equal(t, 1.0, totals["messagebus.requests.timeouts"])
		assert.Equal(t, 1.0, totals["messagebus.responses.orphaned"])
		assert.Equal(t, 1.0, totals["messagebus.connection.state"])
	})

	t.Run("report logs the totals", func(t *testing.T) {
		reporter.Report(context.Background())

		assert.Contains(t, buf.String(), "msg=metrics")
		assert.Contains(t, buf.String(), "messagebus.requests.sent=2")
	})
}
