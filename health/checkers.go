package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/zylinc/messagebus/supervisor"
)

// StateProvider reports the broker connection state
type StateProvider interface {
	State() supervisor.State
}

// ConnectionChecker reports the broker connection. Reconnecting is degraded
// since requests fail until the session is back.
type ConnectionChecker struct {
	provider StateProvider
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(provider StateProvider) *ConnectionChecker {
	return &ConnectionChecker{provider: provider}
}

// Name implements Checker
func (c *ConnectionChecker) Name() string {
	return "broker"
}

// Check implements Checker
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	state := c.provider.State()
	result := CheckResult{
		Name:    c.Name(),
		Details: map[string]interface{}{"state": state.String()},
	}

	switch state {
	case supervisor.StateConnected:
		result.Status = StatusHealthy
	case supervisor.StateConnecting, supervisor.StateDisconnected:
		result.Status = StatusDegraded
		result.Message = "not connected to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = "connection " + state.String()
	}
	return result
}

// MemoryChecker compares the heap size against thresholds in bytes
type MemoryChecker struct {
	warning  uint64
	critical uint64
	read     func(*runtime.MemStats)
}

// NewMemoryChecker creates a memory checker. A zero threshold is not checked.
func NewMemoryChecker(warning, critical uint64) *MemoryChecker {
	return &MemoryChecker{warning: warning, critical: critical, read: runtime.ReadMemStats}
}

// Name implements Checker
func (c *MemoryChecker) Name() string {
	return "memory"
}

// Check implements Checker
func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	c.read(&m)

	result := CheckResult{
		Name:   c.Name(),
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"heapAlloc":  m.HeapAlloc,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	switch {
	case c.critical > 0 && m.HeapAlloc >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("heap %d bytes exceeds %d", m.HeapAlloc, c.critical)
	case c.warning > 0 && m.HeapAlloc >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("heap %d bytes exceeds %d", m.HeapAlloc, c.warning)
	}
	return result
}
