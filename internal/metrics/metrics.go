// Package metrics counts gateway activity (cycles, Modbus requests,
// watchdog trips) for the diagnostics API's /metrics endpoint.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics is a process-wide counter set, safe for concurrent use from
// the cycle engine, the dispatcher, and the diagnostics HTTP handlers
// at once.
type Metrics struct {
	// Cycle engine
	TotalCycles   int64 `json:"total_cycles"`
	CycleErrors   int64 `json:"cycle_errors"`
	CycleRecoveries int64 `json:"cycle_recoveries"`

	// Watchdog
	WatchdogTrips int64 `json:"watchdog_trips"`

	// System
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// Diagnostics API
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	// Modbus server
	TotalModbusRequests int64 `json:"total_modbus_requests"`
	TotalModbusExceptions int64 `json:"total_modbus_exceptions"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics returns a zeroed Metrics with its uptime clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementCycles records one completed KBUS cycle.
func (m *Metrics) IncrementCycles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCycles++
}

// IncrementCycleErrors records one cycle that entered error recovery.
func (m *Metrics) IncrementCycleErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CycleErrors++
}

// IncrementCycleRecoveries records one cycle that recovered from the
// error-recovery loop back to normal running.
func (m *Metrics) IncrementCycleRecoveries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CycleRecoveries++
}

// IncrementWatchdogTrips records one watchdog expiration.
func (m *Metrics) IncrementWatchdogTrips() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchdogTrips++
}

// SetCycleCount overwrites TotalCycles with the cycle engine's own
// running total, the source of truth for this counter.
func (m *Metrics) SetCycleCount(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCycles = int64(n)
}

// SetWatchdogTrips overwrites WatchdogTrips with the watchdog's own
// running total, the source of truth for this counter.
func (m *Metrics) SetWatchdogTrips(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchdogTrips = int64(n)
}

// IncrementModbusRequests records one dispatched Modbus request.
func (m *Metrics) IncrementModbusRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalModbusRequests++
}

// IncrementModbusExceptions records one Modbus exception reply.
func (m *Metrics) IncrementModbusExceptions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalModbusExceptions++
}

// IncrementRequests records one diagnostics API request.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors records one diagnostics API request that answered
// with a 4xx/5xx status.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving
// average of the diagnostics API's response time.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes the uptime/memory/goroutine gauges.
// Call it just before serving a metrics snapshot.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns a JSON-friendly snapshot of every counter.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"cycle": map[string]interface{}{
			"total":      m.TotalCycles,
			"errors":     m.CycleErrors,
			"recoveries": m.CycleRecoveries,
		},
		"watchdog": map[string]interface{}{
			"trips": m.WatchdogTrips,
		},
		"modbus": map[string]interface{}{
			"total_requests":   m.TotalModbusRequests,
			"total_exceptions": m.TotalModbusExceptions,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders every counter as Prometheus exposition
// text, for a scrape target at /metrics.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP kbusmodbusgw_cycles_total Total number of completed KBUS cycles
# TYPE kbusmodbusgw_cycles_total counter
kbusmodbusgw_cycles_total ` + formatInt64(m.TotalCycles) + `

# HELP kbusmodbusgw_cycle_errors_total Total number of cycles that entered error recovery
# TYPE kbusmodbusgw_cycle_errors_total counter
kbusmodbusgw_cycle_errors_total ` + formatInt64(m.CycleErrors) + `

# HELP kbusmodbusgw_watchdog_trips_total Total number of watchdog expirations
# TYPE kbusmodbusgw_watchdog_trips_total counter
kbusmodbusgw_watchdog_trips_total ` + formatInt64(m.WatchdogTrips) + `

# HELP kbusmodbusgw_modbus_requests_total Total number of dispatched Modbus requests
# TYPE kbusmodbusgw_modbus_requests_total counter
kbusmodbusgw_modbus_requests_total ` + formatInt64(m.TotalModbusRequests) + `

# HELP kbusmodbusgw_modbus_exceptions_total Total number of Modbus exception replies
# TYPE kbusmodbusgw_modbus_exceptions_total counter
kbusmodbusgw_modbus_exceptions_total ` + formatInt64(m.TotalModbusExceptions) + `

# HELP kbusmodbusgw_uptime_seconds Uptime in seconds
# TYPE kbusmodbusgw_uptime_seconds gauge
kbusmodbusgw_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP kbusmodbusgw_memory_used_bytes Memory used in bytes
# TYPE kbusmodbusgw_memory_used_bytes gauge
kbusmodbusgw_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP kbusmodbusgw_goroutines Number of goroutines
# TYPE kbusmodbusgw_goroutines gauge
kbusmodbusgw_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP kbusmodbusgw_api_requests_total Total number of diagnostics API requests
# TYPE kbusmodbusgw_api_requests_total counter
kbusmodbusgw_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP kbusmodbusgw_api_errors_total Total number of diagnostics API errors
# TYPE kbusmodbusgw_api_errors_total counter
kbusmodbusgw_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP kbusmodbusgw_api_response_time_ms Average diagnostics API response time in milliseconds
# TYPE kbusmodbusgw_api_response_time_ms gauge
kbusmodbusgw_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware counts every diagnostics API request and its response
// time/status, for mounting ahead of the route handlers.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}
		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
