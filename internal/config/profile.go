package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/viper"
)

// Profile names a deployment tier for the coupler's host board: how
// tight the cycle period can be pushed and which optional sinks are
// worth running on it.
type Profile string

const (
	// ProfileMinimal - Pi Zero: conservative cycle period,
	// telemetry/audit sinks off by default to spare a small SD card
	// and a single core.
	ProfileMinimal Profile = "minimal"

	// ProfileStandard - Pi 3, Orange Pi, BeagleBone: the documented default
	// cycle period and priority, sinks available but opt-in.
	ProfileStandard Profile = "standard"

	// ProfileFull - Pi 4/5, Jetson Nano: the tightest documented cycle
	// period, every optional sink on by default.
	ProfileFull Profile = "full"
)

// ProfileConfig holds the board-tier defaults a Loader falls back to
// when the config file omits kbus_cycle_ms/kbus_priority or an
// optional sink address.
type ProfileConfig struct {
	Name        Profile `mapstructure:"name"`
	Description string  `mapstructure:"description"`

	KBUSCycleMs int `mapstructure:"kbus_cycle_ms"`
	KBUSPriority int `mapstructure:"kbus_priority"`

	Features FeaturesConfig `mapstructure:"features"`
}

// FeaturesConfig toggles the gateway's optional sinks on or off for a
// given board tier; none of these affect Modbus/KBUS correctness,
// only whether a constrained board also carries telemetry overhead.
type FeaturesConfig struct {
	Diagnostics bool `mapstructure:"diagnostics"` // fiber read-only API + /ws/events
	Audit       bool `mapstructure:"audit"`       // sqlite event log
	MQTT        bool `mapstructure:"mqtt"`        // MQTT event publisher
	Influx      bool `mapstructure:"influx"`      // InfluxDB per-cycle points
}

// GetDefaultProfiles returns the built-in board-tier defaults.
func GetDefaultProfiles() map[Profile]*ProfileConfig {
	return map[Profile]*ProfileConfig{
		ProfileMinimal: {
			Name:         ProfileMinimal,
			Description:  "Minimal profile for Pi Zero",
			KBUSCycleMs:  50,
			KBUSPriority: 40,
			Features:     FeaturesConfig{Diagnostics: true, Audit: false, MQTT: false, Influx: false},
		},
		ProfileStandard: {
			Name:         ProfileStandard,
			Description:  "Standard profile for Pi 3, Orange Pi, BeagleBone",
			KBUSCycleMs:  50,
			KBUSPriority: 60,
			Features:     FeaturesConfig{Diagnostics: true, Audit: true, MQTT: false, Influx: false},
		},
		ProfileFull: {
			Name:         ProfileFull,
			Description:  "Full profile for Pi 4/5, Jetson Nano",
			KBUSCycleMs:  10,
			KBUSPriority: 80,
			Features:     FeaturesConfig{Diagnostics: true, Audit: true, MQTT: true, Influx: true},
		},
	}
}

// LoadProfile resolves profileName to its ProfileConfig, overridden by
// ./configs/profile-<name>.yaml or <config dir>/profile-<name>.yaml
// when present.
func LoadProfile(profileName string) (*ProfileConfig, error) {
	profile := Profile(profileName)

	defaults := GetDefaultProfiles()
	defaultConfig, exists := defaults[profile]
	if !exists {
		return nil, fmt.Errorf("unknown profile: %s", profileName)
	}

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("profile-%s", profileName))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(getConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read profile config: %w", err)
		}
		return defaultConfig, nil
	}

	cfg := *defaultConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile config: %w", err)
	}
	return &cfg, nil
}

// DetectProfile picks a profile from the host board, defaulting
// non-ARM development hosts to the full profile.
func DetectProfile() Profile {
	if runtime.GOARCH != "arm" && runtime.GOARCH != "arm64" {
		return ProfileFull
	}
	return GetProfileForBoard(DetectBoard())
}

// DetectBoard inspects the usual Linux device-identification files to
// name the host board, the same way the original coupler's install
// script picked a default config for its target hardware.
func DetectBoard() string {
	if data, err := os.ReadFile("/proc/device-tree/model"); err == nil {
		model := string(data)
		switch {
		case contains(model, "Raspberry Pi Zero"):
			return "Pi Zero"
		case contains(model, "Raspberry Pi 3"):
			return "Pi 3"
		case contains(model, "Raspberry Pi 4"):
			return "Pi 4"
		case contains(model, "Raspberry Pi 5"):
			return "Pi 5"
		case contains(model, "Raspberry Pi"):
			return "Raspberry Pi"
		}
	}
	if _, err := os.Stat("/etc/dogtag"); err == nil {
		return "BeagleBone"
	}
	if _, err := os.Stat("/etc/orangepi-release"); err == nil {
		return "Orange Pi"
	}
	if _, err := os.Stat("/etc/nv_tegra_release"); err == nil {
		return "Jetson"
	}
	if runtime.GOOS == "linux" {
		if runtime.GOARCH == "arm64" {
			return "ARM64 Linux"
		} else if runtime.GOARCH == "arm" {
			return "ARM Linux"
		}
		return "Linux"
	}
	return "Unknown"
}

// GetProfileForBoard maps a board name, as returned by DetectBoard, to
// the profile tier it should run.
func GetProfileForBoard(board string) Profile {
	switch board {
	case "Pi Zero":
		return ProfileMinimal
	case "Pi 3", "Orange Pi", "BeagleBone":
		return ProfileStandard
	case "Pi 4", "Pi 5", "Jetson":
		return ProfileFull
	default:
		return ProfileStandard
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func getConfigDir() string {
	if dir := os.Getenv("KBUSGW_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/kbusmodbusgw"
}
