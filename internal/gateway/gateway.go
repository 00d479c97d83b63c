// Package gateway wires every subsystem into a single Server value:
// configuration, logging, the fieldbus driver, the KBUS cycle engine,
// the safety watchdog, the Modbus dispatcher and its TCP/UDP servers,
// the diagnostics API, and the optional telemetry/audit sinks.
//
// Grouping everything a running process needs into one struct,
// rather than package-level globals, is itself one of this rewrite's
// deliberate departures from the original C driver (see DESIGN.md):
// the original kept its banks, engine state, and socket table as
// static globals reachable from any translation unit.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/audit"
	"github.com/kbusgw/kbusmodbusgw/internal/config"
	"github.com/kbusgw/kbusmodbusgw/internal/diagnostics"
	"github.com/kbusgw/kbusmodbusgw/internal/events"
	"github.com/kbusgw/kbusmodbusgw/internal/fieldbus"
	"github.com/kbusgw/kbusmodbusgw/internal/kbus"
	"github.com/kbusgw/kbusmodbusgw/internal/metrics"
	"github.com/kbusgw/kbusmodbusgw/internal/modbus"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
	"github.com/kbusgw/kbusmodbusgw/internal/secrets"
	"github.com/kbusgw/kbusmodbusgw/internal/telemetry"
	"github.com/kbusgw/kbusmodbusgw/internal/watchdog"
	ws "github.com/kbusgw/kbusmodbusgw/internal/websocket"
)

// Version is stamped into the diagnostics API and FC 0x11's
// report-slave-id reply.
var Version = "1.0.0"

// Server owns every long-lived subsystem of one running gateway
// instance.
type Server struct {
	Log    *zap.Logger
	Config *config.Loader

	Banks      *regbank.Banks
	Driver     fieldbus.Driver
	Engine     *kbus.Engine
	Watchdog   *watchdog.Watchdog
	Dispatcher *modbus.Dispatcher
	ModbusSrv  *modbus.Server
	Diag       *diagnostics.Server

	Audit   *audit.Log
	MQTT    *telemetry.MQTTPublisher
	Influx  *telemetry.InfluxPublisher
	Metrics *metrics.Metrics

	// Events is the gateway's single internal event channel: the
	// cycle engine's error-recovery transitions, the watchdog's
	// arm/trip/stop transitions, and the config loader's hot-reloads
	// all publish here. Run starts one goroutine that drains it and
	// fans each event out to the websocket hub, the audit log, and
	// the MQTT publisher — whichever of those are configured.
	Events *events.Bus
}

// New assembles a Server from a loaded configuration and a driver.
// Open/Start are not called here — call Run to bring the gateway up.
func New(cfgLoader *config.Loader, driver fieldbus.Driver, log *zap.Logger) *Server {
	cfg := cfgLoader.Current()

	banks := regbank.NewBanks()
	banks.SetDescription(Version)
	wd := watchdog.New(banks, log)
	engine := kbus.NewEngine(driver, banks, nil, log, kbus.Config{
		CyclePeriod:   time.Duration(cfg.KBUSCycleMs) * time.Millisecond,
		Priority:      cfg.KBUSPriority,
		OperationMode: cfg.OperationMode,
	})

	m := metrics.NewMetrics()
	engine.SetMetrics(m)

	bus := events.NewBus()
	engine.SetEvents(bus)
	wd.SetEvents(bus)
	cfgLoader.SetEvents(bus)

	dispatcher := &modbus.Dispatcher{
		Banks:         banks,
		Engine:        engine,
		Watchdog:      wd,
		Log:           log,
		Metrics:       m,
		ResponseDelay: time.Duration(cfg.ModbusDelayMs) * time.Millisecond,
		Version:       Version,
	}

	s := &Server{
		Log:        log,
		Config:     cfgLoader,
		Banks:      banks,
		Driver:     driver,
		Engine:     engine,
		Watchdog:   wd,
		Dispatcher: dispatcher,
		ModbusSrv:  &modbus.Server{Dispatcher: dispatcher, Log: log},
		Metrics:    m,
		Events:     bus,
	}

	if cfg.AuditDBPath != "" {
		a, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			if log != nil {
				log.Warn("gateway: audit log disabled, open failed", zap.Error(err))
			}
		} else {
			if cfg.AuditEncryptKey != "" {
				a.SetCipher(secrets.New(cfg.AuditEncryptKey))
			}
			s.Audit = a
		}
	}
	if cfg.MQTTBroker != "" {
		s.MQTT = telemetry.NewMQTTPublisher(telemetry.MQTTConfig{
			Broker: cfg.MQTTBroker,
			Topic:  "kbusmodbusgw/events",
		}, log)
	}
	if cfg.InfluxURL != "" {
		s.Influx = telemetry.NewInfluxPublisher(telemetry.InfluxConfig{
			URL:   cfg.InfluxURL,
			Token: cfg.InfluxToken,
			Org:   "kbusmodbusgw",
			Bucket: "kbus_cycles",
		}, log)
		engine.SetCycleSink(func(duration time.Duration, bytesRead, bytesWritten, errorCode int) {
			s.Influx.Write(context.Background(), telemetry.CyclePoint{
				Duration:     duration,
				BytesRead:    bytesRead,
				BytesWritten: bytesWritten,
				ErrorCode:    errorCode,
			})
		})
	}

	s.Diag = diagnostics.New(&diagnostics.Server{
		Engine: engine, Banks: banks, Watchdog: wd, Log: log, Version: Version, Metrics: m,
	})

	return s
}

// Run brings every subsystem up: the cycle engine, the watchdog
// ticker, the Modbus TCP/UDP listeners, and the diagnostics API. It
// returns once everything is listening; shutdown is driven by
// cancelling ctx and then calling Close.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Config.Current()

	if err := s.Engine.Start(ctx); err != nil {
		return fmt.Errorf("gateway: cycle engine start: %w", err)
	}
	s.Watchdog.Start()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.ModbusPort)
	if err := s.ModbusSrv.ListenTCP(ctx, addr); err != nil {
		return fmt.Errorf("gateway: modbus tcp listen: %w", err)
	}
	if err := s.ModbusSrv.ListenUDP(ctx, addr); err != nil {
		return fmt.Errorf("gateway: modbus udp listen: %w", err)
	}

	diagAddr := cfg.DiagnosticsAddr
	if diagAddr == "" {
		diagAddr = "127.0.0.1:8081"
	}
	go func() {
		if err := s.Diag.Listen(diagAddr); err != nil && s.Log != nil {
			s.Log.Warn("gateway: diagnostics api stopped", zap.Error(err))
		}
	}()

	go s.dispatchEvents(ctx)

	if s.Audit != nil {
		s.Audit.Record("gateway_started", map[string]interface{}{"version": Version})
	}
	return nil
}

// dispatchEvents drains s.Events until ctx is cancelled, fanning each
// one out to every configured consumer. It is the single reader of
// the gateway's internal event channel; nothing else should call
// s.Events.C() directly.
func (s *Server) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Events.C():
			s.handleEvent(ev)
		}
	}
}

// handleEvent fans one event out to the websocket hub, the audit
// log, and the MQTT publisher, skipping whichever of those isn't
// configured.
func (s *Server) handleEvent(ev events.Event) {
	if s.Diag != nil && s.Diag.Hub != nil {
		s.Diag.Hub.Broadcast(toMessageType(ev.Kind), ev.Detail)
	}
	if s.Audit != nil {
		if err := s.Audit.Record(string(ev.Kind), ev.Detail); err != nil && s.Log != nil {
			s.Log.Warn("gateway: audit record failed", zap.Error(err))
		}
	}
	if s.MQTT != nil {
		s.MQTT.Publish(telemetry.Event{Kind: string(ev.Kind), Timestamp: ev.Timestamp, Detail: ev.Detail})
	}
}

// toMessageType maps an internal event Kind to the websocket message
// type clients subscribe on.
func toMessageType(k events.Kind) ws.MessageType {
	switch k {
	case events.KindBusErrorEntered:
		return ws.MessageTypeCycleError
	case events.KindBusErrorCleared:
		return ws.MessageTypeCycleRecovery
	case events.KindWatchdogArmed:
		return ws.MessageTypeWatchdogArmed
	case events.KindWatchdogTripped:
		return ws.MessageTypeWatchdogTrip
	case events.KindWatchdogStopped:
		return ws.MessageTypeWatchdogStopped
	case events.KindConfigReload:
		return ws.MessageTypeConfigReload
	default:
		return ws.MessageTypeLog
	}
}

// Close tears every subsystem down in the reverse order Run brought
// them up, closing the audit log and telemetry publishers last so
// they can still record the shutdown.
func (s *Server) Close() error {
	var firstErr error
	record := func(step string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gateway: %s: %w", step, err)
		}
	}

	if s.Diag != nil {
		record("diagnostics shutdown", s.Diag.Shutdown())
	}
	if s.ModbusSrv != nil {
		record("modbus server close", s.ModbusSrv.Close())
	}
	s.Watchdog.Stop()
	record("cycle engine stop", s.Engine.Stop())

	if s.Audit != nil {
		s.Audit.Record("gateway_stopped", nil)
		record("audit close", s.Audit.Close())
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Influx != nil {
		s.Influx.Close()
	}

	return firstErr
}
