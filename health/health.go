// Package health runs periodic liveness checks of a service: the broker
// connection state and process memory.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the result of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name     string                 `json:"name"`
	Status   Status                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration time.Duration          `json:"duration"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Report is the outcome of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker checks one component
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a function-based checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Check implements Checker
func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// Name implements Checker
func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry holds the checks of a service
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a registry holding checkers
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes the checker called name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently. The report takes the worst status
// of its checks.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			checkStart := time.Now()
			result := c.Check(ctx)
			if result.Name == "" {
				result.Name = c.Name()
			}
			if result.Duration == 0 {
				result.Duration = time.Since(checkStart)
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: start,
		Checks:    make(map[string]CheckResult, len(results)),
	}
	for _, result := range results {
		report.Checks[result.Name] = result
		if result.Status.rank() > report.Status.rank() {
			report.Status = result.Status
		}
	}
	report.Duration = time.Since(start)

	return report
}

// Watch runs the checks every interval until ctx is done. Healthy reports
// are logged at debug level, anything worse as a warning.
func Watch(ctx context.Context, registry *Registry, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Log(logger, registry.Check(ctx))
		}
	}
}

// Log writes report to logger
func Log(logger *slog.Logger, report Report) {
	attrs := []any{"status", report.Status, "duration", report.Duration}
	for _, name := range sortedNames(report.Checks) {
		result := report.Checks[name]
		if result.Message != "" {
			attrs = append(attrs, name, string(result.Status)+": "+result.Message)
		} else {
			attrs = append(attrs, name, string(result.Status))
		}
	}

	if report.Status == StatusHealthy {
		logger.Debug("health", attrs...)
		return
	}
	logger.Warn("health", attrs...)
}

func sortedNames(checks map[string]CheckResult) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
