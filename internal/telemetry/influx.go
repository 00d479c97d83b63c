package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// InfluxConfig configures the cycle-time point writer.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string // defaults to "kbus_cycle"
}

// CyclePoint is one sample of a completed KBUS cycle, written as a
// single InfluxDB point per cycle.
type CyclePoint struct {
	Duration     time.Duration
	BytesRead    int
	BytesWritten int
	ErrorCode    int
}

// InfluxPublisher writes one point per KBUS cycle for historical
// cycle-time analysis; it is the domain-stack's only consumer of
// per-cycle timing data, since the dispatcher and diagnostics API
// only ever see point-in-time snapshots.
type InfluxPublisher struct {
	cfg      InfluxConfig
	log      *zap.Logger
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxPublisher opens a client against cfg.URL; the client is
// lazy about the actual HTTP connection, so this never blocks.
func NewInfluxPublisher(cfg InfluxConfig, log *zap.Logger) *InfluxPublisher {
	if cfg.Measurement == "" {
		cfg.Measurement = "kbus_cycle"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxPublisher{
		cfg:      cfg,
		log:      log,
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Write records one cycle sample.
func (p *InfluxPublisher) Write(ctx context.Context, sample CyclePoint) {
	fields := map[string]interface{}{
		"duration_us":   sample.Duration.Microseconds(),
		"bytes_read":    sample.BytesRead,
		"bytes_written": sample.BytesWritten,
		"error_code":    sample.ErrorCode,
	}
	point := write.NewPoint(p.cfg.Measurement, nil, fields, time.Now())
	if err := p.writeAPI.WritePoint(ctx, point); err != nil && p.log != nil {
		p.log.Warn("telemetry: influx write failed", zap.Error(err))
	}
}

// Close releases the underlying HTTP client.
func (p *InfluxPublisher) Close() {
	p.client.Close()
}
