// Command kbusmodbusgw runs the KBUS-to-Modbus gateway: it opens the
// backplane, starts the cycle engine and safety watchdog, and serves
// Modbus-TCP/UDP clients against the resulting process image.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/config"
	"github.com/kbusgw/kbusmodbusgw/internal/fieldbus"
	"github.com/kbusgw/kbusmodbusgw/internal/gateway"
	"github.com/kbusgw/kbusmodbusgw/internal/logger"
)

// Exit codes match the original coupler's convention: 0 is an orderly
// shutdown, everything else is a failure category; exitGatewayError
// covers both a failed gateway start and a failed shutdown.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitDriverError  = 2
	exitGatewayError = 3
)

func main() {
	confPath := flag.String("c", config.DefaultConfigPath, "path to the gateway config file")
	noDaemon := flag.Bool("d", false, "stay in the foreground instead of daemonizing")
	flag.BoolVar(noDaemon, "nodaemon", false, "alias for -d")
	verbosity := flag.Int("v", 4, "log verbosity, 0 (errors only) to 7 (debug)")
	flag.IntVar(verbosity, "verbosity", 4, "alias for -v")
	flag.Parse()

	if !*noDaemon {
		daemonize()
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = verbosityToLevel(*verbosity)
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "kbusmodbusgw: logger init: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()
	log := logger.Get()

	cfgLoader, err := config.Load(*confPath, log)
	if err != nil {
		log.Error("config load failed", zap.Error(err))
		os.Exit(exitConfigError)
	}
	cfg := cfgLoader.Current()

	driver, err := selectDriver(cfg)
	if err != nil {
		log.Error("fieldbus driver init failed", zap.Error(err))
		os.Exit(exitDriverError)
	}
	if err := driver.Open(); err != nil {
		log.Error("fieldbus open failed", zap.Error(err))
		os.Exit(exitDriverError)
	}
	if err := driver.CreateInfo(); err != nil {
		log.Error("fieldbus topology discovery failed", zap.Error(err))
		os.Exit(exitDriverError)
	}

	gw := gateway.New(cfgLoader, driver, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Run(ctx); err != nil {
		log.Error("gateway start failed", zap.Error(err))
		os.Exit(exitGatewayError)
	}
	log.Info("kbusmodbusgw running",
		zap.Int("modbus_port", cfg.ModbusPort),
		zap.String("fieldbus_driver", cfg.FieldbusDriver),
		zap.Int("kbus_cycle_ms", cfg.KBUSCycleMs),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	// SIGHUP is ignored so it cannot terminate the process; config
	// reloads come from config.Loader's fsnotify watch on the file.
	signal.Ignore(syscall.SIGHUP)

	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	if err := gw.Close(); err != nil {
		log.Error("gateway shutdown reported errors", zap.Error(err))
		os.Exit(exitGatewayError)
	}
	if err := driver.Close(); err != nil {
		log.Warn("fieldbus close reported an error", zap.Error(err))
	}
	os.Exit(exitOK)
}

// selectDriver builds the fieldbus.Driver named by cfg.FieldbusDriver.
// "mock" is the default so the gateway runs off the backplane for
// bench testing; "rpio" bit-bangs a real backplane over GPIO pins
// fixed to the coupler's wiring harness.
func selectDriver(cfg config.Config) (fieldbus.Driver, error) {
	switch cfg.FieldbusDriver {
	case "", "mock":
		return fieldbus.NewMockDriver(fieldbus.NewLoopbackTopology(8)), nil
	case "rpio":
		// There is no backplane auto-discovery over bare GPIO pins, so
		// the topology is synthesized from rpio_terminal_count rather
		// than read back from hardware; see fieldbus.NewRPIODriver's
		// doc comment.
		return fieldbus.NewRPIODriver(fieldbus.RPIOConfig{
			ClockPin:   11,
			DataOutPin: 10,
			DataInPin:  9,
			StrobePin:  8,
		}, fieldbus.NewLoopbackTopology(cfg.RPIOTerminalCount)), nil
	default:
		return nil, fmt.Errorf("unknown fieldbus_driver %q", cfg.FieldbusDriver)
	}
}

// verbosityToLevel maps the original coupler's 0-7 syslog-style
// verbosity knob onto zap's coarser level set.
func verbosityToLevel(v int) string {
	switch {
	case v <= 0:
		return "error"
	case v <= 3:
		return "warn"
	case v <= 5:
		return "info"
	default:
		return "debug"
	}
}
