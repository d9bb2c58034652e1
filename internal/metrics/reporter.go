package metrics

import (
	"context"
	"log/slog"
	"sort"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Reporter keeps measurements in process and writes them to the log on
// demand. It is used when no metrics backend is configured.
type Reporter struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	logger   *slog.Logger
}

// NewReporter creates a reporter with its own meter provider
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	reader := sdkmetric.NewManualReader()
	return &Reporter{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		logger:   logger,
	}
}

// Provider returns the meter provider to pass to New
func (r *Reporter) Provider() *sdkmetric.MeterProvider {
	return r.provider
}

// Totals returns the current value of every counter and gauge and the
// observation count of every histogram, summed over attributes
func (r *Reporter) Totals(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += float64(dp.Value)
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += float64(dp.Count)
				}
			}
		}
	}
	return totals, nil
}

// Report logs the current totals
func (r *Reporter) Report(ctx context.Context) {
	totals, err := r.Totals(ctx)
	if err != nil {
		r.logger.Warn("failed to collect metrics", "error", err)
		return
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, 2*len(names))
	for _, name := range names {
		args = append(args, name, totals[name])
	}
	r.logger.Info("metrics", args...)
}

// Shutdown releases the meter provider
func (r *Reporter) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
