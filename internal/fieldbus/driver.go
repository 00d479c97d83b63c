// Package fieldbus defines the adapter boundary between the KBUS
// cycle engine and the physical backplane, with a mock backend for
// tests/bench use and a real GPIO-backed backend for deployment.
package fieldbus

import "github.com/kbusgw/kbusmodbusgw/internal/terminal"

// ApplicationState is the coupler's run/stop state, commanded by the
// cycle engine and observed by the fieldbus driver.
type ApplicationState int

const (
	StateStopped ApplicationState = iota
	StateRunning
)

// Status mirrors the raw status word the driver reports after open.
type Status struct {
	ErrorCode    int
	TerminalCount int
}

// BitCounts is the four-word tally the cycle engine uses to size the
// process image, in the fixed order the KBUSINFO bank expects:
// analog-out, analog-in, digital-out, digital-in.
type BitCounts struct {
	AnalogOut  int
	AnalogIn   int
	DigitalOut int
	DigitalIn  int
}

// Driver is the hardware abstraction the cycle engine drives. Exactly
// one Driver backs a running gateway; MockDriver is the default for
// tests and bench use, RPIODriver is the GPIO-backed implementation.
type Driver interface {
	// Open opens the device. Must be called before any other method.
	Open() error

	// SetApplicationState commands Running or Stopped.
	SetApplicationState(state ApplicationState) error

	// CreateInfo builds the driver's internal topology/info structures
	// after Open, ahead of the first GetStatus call.
	CreateInfo() error

	// GetStatus returns the current status word and terminal count.
	GetStatus() (Status, error)

	// GetDigitalByteOffsetIn / GetDigitalByteOffsetOut return the byte
	// offset, within the respective process-image buffer, at which
	// digital I/O begins (analog I/O is always mapped first).
	GetDigitalByteOffsetIn() (int, error)
	GetDigitalByteOffsetOut() (int, error)

	// GetTerminalInfo returns the raw per-slot descriptors discovered
	// on the backplane, in install order.
	GetTerminalInfo() ([]terminal.Descriptor, error)

	// GetTerminalTypeDetails decodes slot i (1-based) into a fully
	// classified Descriptor, per the register-table/config-register
	// read sequence.
	GetTerminalTypeDetails(i int) (terminal.Descriptor, error)

	// GetBitCounts returns the four process-image sizing tallies.
	GetBitCounts() (BitCounts, error)

	// WriteStart/WriteBytes/WriteEnd bracket one output transfer.
	WriteStart() error
	WriteBytes(data []byte) error
	WriteEnd() error

	// ReadStart/ReadBytes/ReadEnd bracket one input transfer.
	ReadStart() error
	ReadBytes(buf []byte) (int, error)
	ReadEnd() error

	// PushOneCycle drives one backplane refresh cycle.
	PushOneCycle() error

	// WatchdogTrigger resets the driver's own hardware watchdog, kept
	// alive as long as the cycle engine is pushing cycles.
	WatchdogTrigger() error

	// Close tears the device down; safe to call after a failed Open.
	Close() error
}
