// Package config loads the gateway's configuration file, a
// key/value "properties"-style document compatible with the
// original coupler's `key value` / `key=value`, `#`-comment,
// whitespace-delimited format.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/events"
	"github.com/kbusgw/kbusmodbusgw/internal/kerrors"
)

// isConfigFileNotFound reports whether err indicates the config file
// simply does not exist, whether viper found that out via its own
// search (ConfigFileNotFoundError) or via a plain stat failure on an
// explicit SetConfigFile path.
func isConfigFileNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}

// DefaultConfigPath matches the original coupler's fixed config path.
const DefaultConfigPath = "/etc/kbusmodbusslave.conf"

// Config holds every recognized key from the gateway's config file.
type Config struct {
	ModbusPort        int    `mapstructure:"modbus_port"`
	MaxTCPConnections int    `mapstructure:"max_tcp_connections"`
	OperationMode     int    `mapstructure:"operation_mode"`
	ModbusDelayMs     int    `mapstructure:"modbus_delay_ms"`
	KBUSPriority      int    `mapstructure:"kbus_priority"`
	KBUSCycleMs       int    `mapstructure:"kbus_cycle_ms"`
	FieldbusDriver    string `mapstructure:"fieldbus_driver"`
	RPIOTerminalCount int    `mapstructure:"rpio_terminal_count"`
	MQTTBroker        string `mapstructure:"mqtt_broker"`
	InfluxURL         string `mapstructure:"influx_url"`
	InfluxToken       string `mapstructure:"influx_token"`
	AuditDBPath       string `mapstructure:"audit_db_path"`
	AuditEncryptKey   string `mapstructure:"audit_encrypt_key"`
	DiagnosticsAddr   string `mapstructure:"diagnostics_addr"`
}

// Validate enforces the ranges spec.md's config table documents.
// A violation is a kerrors.ConfigError: fatal at startup.
func (c Config) Validate() error {
	if c.ModbusPort < 1 || c.ModbusPort > 65535 {
		return kerrors.NewConfigError("modbus_port", fmt.Errorf("out of range: %d", c.ModbusPort))
	}
	if c.OperationMode != 0 && c.OperationMode != 1 {
		return kerrors.NewConfigError("operation_mode", fmt.Errorf("must be 0 or 1, got %d", c.OperationMode))
	}
	if c.KBUSPriority < 1 || c.KBUSPriority > 99 {
		return kerrors.NewConfigError("kbus_priority", fmt.Errorf("must be 1..99, got %d", c.KBUSPriority))
	}
	if c.KBUSCycleMs < 5 || c.KBUSCycleMs > 50 {
		return kerrors.NewConfigError("kbus_cycle_ms", fmt.Errorf("must be 5..50, got %d", c.KBUSCycleMs))
	}
	if c.ModbusDelayMs < 0 {
		return kerrors.NewConfigError("modbus_delay_ms", fmt.Errorf("must be >= 0, got %d", c.ModbusDelayMs))
	}
	if c.FieldbusDriver == "rpio" && (c.RPIOTerminalCount < 1 || c.RPIOTerminalCount > 64) {
		return kerrors.NewConfigError("rpio_terminal_count", fmt.Errorf("must be 1..64, got %d", c.RPIOTerminalCount))
	}
	return nil
}

// setDefaults seeds viper with the documented defaults, except for
// kbus_cycle_ms/kbus_priority/audit_db_path, which come from the
// board tier DetectProfile resolves on this host — a config file that
// is silent on cycle timing gets the right tier automatically instead
// of always falling back to the standard profile's numbers.
func setDefaults(v *viper.Viper) {
	profile, err := LoadProfile(string(DetectProfile()))
	if err != nil {
		profile = GetDefaultProfiles()[ProfileStandard]
	}

	v.SetDefault("modbus_port", 502)
	v.SetDefault("max_tcp_connections", 5)
	v.SetDefault("operation_mode", 0)
	v.SetDefault("modbus_delay_ms", 0)
	v.SetDefault("kbus_priority", profile.KBUSPriority)
	v.SetDefault("kbus_cycle_ms", profile.KBUSCycleMs)
	v.SetDefault("fieldbus_driver", "mock")
	v.SetDefault("rpio_terminal_count", 8)
	v.SetDefault("diagnostics_addr", "127.0.0.1:8081")
	if profile.Features.Audit {
		v.SetDefault("audit_db_path", "/var/lib/kbusmodbusgw/audit.db")
	}
}

// Loader reads the gateway's config file and keeps a live copy
// updated as the file changes on disk.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg Config

	log    *zap.Logger
	events *events.Bus
}

// SetEvents wires b to receive a config_reload event on every
// successful hot-reload. Optional; a nil Bus is a valid no-op.
func (l *Loader) SetEvents(b *events.Bus) {
	l.events = b
}

// Load reads configPath (DefaultConfigPath if empty) and returns a
// Loader holding the parsed, validated Config.
func Load(configPath string, log *zap.Logger) (*Loader, error) {
	v := viper.New()
	v.SetConfigType("properties")
	setDefaults(v)

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil && !isConfigFileNotFound(err) {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}
	// A missing config file is tolerated, proceeding on defaults, the
	// same as the original binary starting with no file present.

	v.SetEnvPrefix("KBUSGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{v: v, cfg: cfg, log: log}
	v.OnConfigChange(l.onChange)
	v.WatchConfig()
	return l, nil
}

// Current returns a snapshot of the loader's config.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// onChange re-parses the file on a fsnotify write event. Only
// modbus_delay_ms, kbus_cycle_ms, and kbus_priority are copied into
// the Loader's Config (as seen by Current) and published as a
// config_reload event; the cycle engine and dispatcher built from the
// startup Config keep their values until a restart. A change to
// modbus_port or fieldbus_driver is logged as needing a restart.
func (l *Loader) onChange(e fsnotify.Event) {
	var next Config
	if err := l.v.Unmarshal(&next); err != nil {
		if l.log != nil {
			l.log.Warn("config: reload failed, keeping previous config", zap.Error(err))
		}
		return
	}
	if err := next.Validate(); err != nil {
		if l.log != nil {
			l.log.Warn("config: reload rejected", zap.Error(err))
		}
		return
	}

	l.mu.Lock()
	prev := l.cfg
	l.cfg.ModbusDelayMs = next.ModbusDelayMs
	l.cfg.KBUSCycleMs = next.KBUSCycleMs
	l.cfg.KBUSPriority = next.KBUSPriority
	l.mu.Unlock()

	if l.log != nil {
		l.log.Info("config: hot-reloaded",
			zap.Int("modbus_delay_ms", next.ModbusDelayMs),
			zap.Int("kbus_cycle_ms", next.KBUSCycleMs),
			zap.Int("kbus_priority", next.KBUSPriority),
		)
	}

	if next.ModbusPort != prev.ModbusPort || next.FieldbusDriver != prev.FieldbusDriver {
		if l.log != nil {
			l.log.Warn("config: modbus_port/fieldbus_driver changed on disk but requires a restart to take effect")
		}
	}

	l.events.Publish(events.KindConfigReload, map[string]interface{}{
		"modbus_delay_ms": next.ModbusDelayMs,
		"kbus_cycle_ms":   next.KBUSCycleMs,
		"kbus_priority":   next.KBUSPriority,
	})
}
