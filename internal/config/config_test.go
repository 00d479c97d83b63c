package config

import "testing"

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Config{
		ModbusPort: 502, OperationMode: 0, KBUSPriority: 60, KBUSCycleMs: 50, ModbusDelayMs: 0,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil for documented defaults", err)
	}
}

func TestValidateRejectsBadOperationMode(t *testing.T) {
	cfg := Config{ModbusPort: 502, OperationMode: 2, KBUSPriority: 60, KBUSCycleMs: 50}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject operation_mode outside {0,1}")
	}
}

func TestValidateRejectsCyclePeriodOutOfRange(t *testing.T) {
	cfg := Config{ModbusPort: 502, KBUSPriority: 60, KBUSCycleMs: 51}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject kbus_cycle_ms > 50")
	}
	cfg.KBUSCycleMs = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject kbus_cycle_ms < 5")
	}
}

func TestValidateRejectsPriorityOutOfRange(t *testing.T) {
	cfg := Config{ModbusPort: 502, KBUSPriority: 100, KBUSCycleMs: 50}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject kbus_priority > 99")
	}
}

func TestValidateRejectsRPIOTerminalCountOutOfRange(t *testing.T) {
	cfg := Config{ModbusPort: 502, KBUSPriority: 60, KBUSCycleMs: 50, FieldbusDriver: "rpio", RPIOTerminalCount: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject rpio_terminal_count < 1 when fieldbus_driver is rpio")
	}
}

func TestValidateIgnoresRPIOTerminalCountForOtherDrivers(t *testing.T) {
	cfg := Config{ModbusPort: 502, KBUSPriority: 60, KBUSCycleMs: 50, FieldbusDriver: "mock", RPIOTerminalCount: 0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil: rpio_terminal_count is irrelevant when not using the rpio driver", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	loader, err := Load("/nonexistent/kbusmodbusslave.conf", nil)
	if err != nil {
		t.Fatalf("Load() with missing file should succeed on defaults, got %v", err)
	}
	cfg := loader.Current()
	if cfg.ModbusPort != 502 {
		t.Fatalf("ModbusPort = %d, want default 502", cfg.ModbusPort)
	}

	wantProfile, err := LoadProfile(string(DetectProfile()))
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if cfg.KBUSCycleMs != wantProfile.KBUSCycleMs {
		t.Fatalf("KBUSCycleMs = %d, want %d from the detected %s profile", cfg.KBUSCycleMs, wantProfile.KBUSCycleMs, wantProfile.Name)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("detected-profile defaults should validate, got %v", err)
	}
}
