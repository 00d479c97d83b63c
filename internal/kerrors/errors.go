// Package kerrors defines the error taxonomy shared across the
// gateway: configuration/bus failures that are fatal at startup,
// transient bus errors the cycle engine recovers from on its own, and
// per-request protocol/client errors the Modbus dispatcher turns into
// exception replies without disturbing the cycle engine.
package kerrors

import "fmt"

// ConfigError wraps a bad configuration key or an out-of-range value.
// Fatal at startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{Key: key, Err: err}
}

// BusInitError means the fieldbus driver could not be opened or
// initialized. Fatal at startup.
type BusInitError struct {
	Step string
	Code int
}

func (e *BusInitError) Error() string {
	return fmt.Sprintf("bus init: %s failed (code %d)", e.Step, e.Code)
}

// BusCycleError is a per-cycle transient failure. The cycle engine
// handles it via the error-recovery loop; it never propagates past
// the engine boundary.
type BusCycleError struct {
	Code int
}

func (e *BusCycleError) Error() string {
	return fmt.Sprintf("bus cycle error: code %d", e.Code)
}

// ProtocolError marks a malformed Modbus ADU. The server replies with
// an exception PDU and keeps the connection open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "modbus protocol: " + e.Reason }

// ClientError marks a well-formed but invalid request (bad address,
// value, or unsupported function). Carries the exception code to
// reply with.
type ClientError struct {
	Exception byte
	Reason    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("modbus client error (exception 0x%02x): %s", e.Exception, e.Reason)
}

// SocketError marks an I/O failure on one accepted connection. The
// server closes that connection and keeps serving the rest.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string { return "socket: " + e.Err.Error() }

func (e *SocketError) Unwrap() error { return e.Err }
