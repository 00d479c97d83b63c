package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("start time not set")
	}
}

func TestIncrementCycles(t *testing.T) {
	m := NewMetrics()
	m.IncrementCycles()
	m.IncrementCycles()
	if m.TotalCycles != 2 {
		t.Errorf("TotalCycles = %d, want 2", m.TotalCycles)
	}
}

func TestIncrementCycleErrorsAndRecoveries(t *testing.T) {
	m := NewMetrics()
	m.IncrementCycleErrors()
	m.IncrementCycleRecoveries()
	if m.CycleErrors != 1 {
		t.Errorf("CycleErrors = %d, want 1", m.CycleErrors)
	}
	if m.CycleRecoveries != 1 {
		t.Errorf("CycleRecoveries = %d, want 1", m.CycleRecoveries)
	}
}

func TestIncrementWatchdogTrips(t *testing.T) {
	m := NewMetrics()
	m.IncrementWatchdogTrips()
	if m.WatchdogTrips != 1 {
		t.Errorf("WatchdogTrips = %d, want 1", m.WatchdogTrips)
	}
}

func TestIncrementModbusCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementModbusRequests()
	m.IncrementModbusRequests()
	m.IncrementModbusExceptions()
	if m.TotalModbusRequests != 2 {
		t.Errorf("TotalModbusRequests = %d, want 2", m.TotalModbusRequests)
	}
	if m.TotalModbusExceptions != 1 {
		t.Errorf("TotalModbusExceptions = %d, want 1", m.TotalModbusExceptions)
	}
}

func TestRecordResponseTime(t *testing.T) {
	m := NewMetrics()

	m.RecordResponseTime(100 * time.Millisecond)
	if m.AvgResponseTime == 0 {
		t.Error("expected AvgResponseTime to be set")
	}

	first := m.AvgResponseTime
	m.RecordResponseTime(200 * time.Millisecond)
	if m.AvgResponseTime == first {
		t.Error("expected AvgResponseTime to change")
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	m.UpdateSystemMetrics()

	if m.Uptime == 0 {
		t.Error("expected Uptime > 0")
	}
	if m.MemoryUsed == 0 {
		t.Error("expected MemoryUsed > 0")
	}
	if m.GoroutineCount == 0 {
		t.Error("expected GoroutineCount > 0")
	}
}

func TestGetMetrics(t *testing.T) {
	m := NewMetrics()
	m.IncrementCycles()
	m.IncrementModbusRequests()

	snap := m.GetMetrics()
	if snap == nil {
		t.Fatal("GetMetrics returned nil")
	}

	cycle, ok := snap["cycle"].(map[string]interface{})
	if !ok {
		t.Fatal("cycle not found in metrics snapshot")
	}
	if cycle["total"] != int64(1) {
		t.Errorf("cycle.total = %v, want 1", cycle["total"])
	}

	modbus, ok := snap["modbus"].(map[string]interface{})
	if !ok {
		t.Fatal("modbus not found in metrics snapshot")
	}
	if modbus["total_requests"] != int64(1) {
		t.Errorf("modbus.total_requests = %v, want 1", modbus["total_requests"])
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.IncrementCycles()
	m.IncrementModbusRequests()

	out := m.PrometheusFormat()
	if out == "" {
		t.Fatal("PrometheusFormat returned empty string")
	}
	if !strings.Contains(out, "kbusmodbusgw_cycles_total") {
		t.Error("expected kbusmodbusgw_cycles_total in Prometheus output")
	}
	if !strings.Contains(out, "kbusmodbusgw_modbus_requests_total") {
		t.Error("expected kbusmodbusgw_modbus_requests_total in Prometheus output")
	}
}

func BenchmarkIncrementCycles(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.IncrementCycles()
	}
}

func BenchmarkRecordResponseTime(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.RecordResponseTime(100 * time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	m := NewMetrics()
	m.IncrementCycles()
	m.IncrementModbusRequests()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetMetrics()
	}
}
