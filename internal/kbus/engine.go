// Package kbus implements the periodic fieldbus cycle engine: it
// opens the fieldbus driver, sizes the process image from the
// discovered topology, and runs the push/write/read cycle body on a
// realtime-scheduled timer, recovering from bus errors without ever
// propagating them to callers.
package kbus

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/events"
	"github.com/kbusgw/kbusmodbusgw/internal/fieldbus"
	"github.com/kbusgw/kbusmodbusgw/internal/kerrors"
	"github.com/kbusgw/kbusmodbusgw/internal/metrics"
	"github.com/kbusgw/kbusmodbusgw/internal/process"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
	"github.com/kbusgw/kbusmodbusgw/internal/terminal"
)

// State is the engine's coarse lifecycle state.
type State int32

const (
	StateUninit State = iota
	StateInit
	StateRunning
	StateErrorRecovery
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateErrorRecovery:
		return "ERROR_RECOVERY"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the cycle engine's tunables, sourced from
// configuration (kbus_cycle_ms, kbus_priority, operation_mode).
type Config struct {
	CyclePeriod   time.Duration // 5ms..50ms
	Priority      int           // SCHED_FIFO priority, 1..99
	OperationMode int           // 0 or 1; 1 enables force-update-on-write
	ExportDir     string        // defaults to DefaultExportDir
}

const stopCyclePeriod = 5 * time.Millisecond
const errorRecoverySleep = 50 * time.Millisecond

// TerminalSnapshot is a read-only view of the engine's discovered
// topology and sizing, exposed for diagnostics.
type TerminalSnapshot struct {
	Terminals            []terminal.Descriptor
	BitCounts            fieldbus.BitCounts
	BytesToRead          int
	BytesToWrite         int
	DigitalByteOffsetIn  int
	DigitalByteOffsetOut int
	State                State
	LastError            int
	Cycles               uint64
	Drops                uint64
}

// Engine drives the periodic KBUS cycle against a fieldbus.Driver,
// keeping the register banks it was given in sync with the physical
// process image on every tick.
type Engine struct {
	driver fieldbus.Driver
	banks  *regbank.Banks
	image  *process.Image
	log    *zap.Logger
	cfg    Config

	cycleMu sync.Mutex // try-lock: re-entrancy guard for the cycle body

	table atomic.Pointer[terminal.Table]

	initialized atomic.Bool
	state       atomic.Int32
	lastError   atomic.Int32
	cycles      atomic.Uint64
	drops       atomic.Uint64

	bytesToRead          atomic.Int64
	bytesToWrite         atomic.Int64
	digitalByteOffsetIn  atomic.Int64
	digitalByteOffsetOut atomic.Int64
	bitCountsMu          sync.Mutex
	bitCounts            fieldbus.BitCounts

	period atomic.Int64 // time.Duration, current cycle period

	appState atomic.Int32 // fieldbus.ApplicationState, coupler run/stop

	cancel context.CancelFunc
	doneCh chan struct{}

	metrics *metrics.Metrics
	events  *events.Bus

	// cycleSink, if set, receives timing/byte-count/error data for
	// every cycle body attempt, successful or not. Its sole consumer
	// is the optional Influx publisher.
	cycleSink func(duration time.Duration, bytesRead, bytesWritten, errorCode int)
}

// SetMetrics wires m to count cycle errors/recoveries. Optional; a
// nil or never-called Metrics simply leaves those counters at zero.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetEvents wires b to receive bus_error_entered/bus_error_cleared
// events from the cycle engine's error-recovery transitions. Optional;
// a nil Bus is a valid no-op.
func (e *Engine) SetEvents(b *events.Bus) {
	e.events = b
}

// SetCycleSink wires fn to receive one call per cycle body attempt.
// Optional; a nil sink means nobody is listening.
func (e *Engine) SetCycleSink(fn func(duration time.Duration, bytesRead, bytesWritten, errorCode int)) {
	e.cycleSink = fn
}

// DropCount reports how many ticks (or force-updates) were dropped
// because a cycle was already in flight when they arrived.
func (e *Engine) DropCount() uint64 {
	return e.drops.Load()
}

// NewEngine builds an Engine over driver and banks. Start must be
// called before the cycle begins running.
func NewEngine(driver fieldbus.Driver, banks *regbank.Banks, image *process.Image, log *zap.Logger, cfg Config) *Engine {
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = 50 * time.Millisecond
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 60
	}
	if image == nil {
		image = process.NewImage()
	}
	e := &Engine{
		driver: driver,
		banks:  banks,
		image:  image,
		log:    log,
		cfg:    cfg,
	}
	e.state.Store(int32(StateUninit))
	e.period.Store(int64(cfg.CyclePeriod))
	return e
}

// Start runs the full setup sequence synchronously, then launches the
// periodic cycle goroutine. It returns a *kerrors.BusInitError if
// any setup step fails.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.setup(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.doneCh = make(chan struct{})
	e.state.Store(int32(StateRunning))

	go e.run(runCtx)

	return nil
}

// setup performs open -> set-application-state(Running) -> create-info
// -> get-status -> get-terminal-info (classified) -> publish topology
// -> compute bytesToRead/bytesToWrite -> mark initialized.
func (e *Engine) setup() error {
	if err := e.driver.Open(); err != nil {
		return &kerrors.BusInitError{Step: "open", Code: -1}
	}
	if err := e.driver.SetApplicationState(fieldbus.StateRunning); err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "set-application-state", Code: -1}
	}
	e.appState.Store(int32(fieldbus.StateRunning))
	if err := e.driver.CreateInfo(); err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "create-info", Code: -1}
	}
	status, err := e.driver.GetStatus()
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-status", Code: -1}
	}
	if status.ErrorCode != 0 {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-status", Code: status.ErrorCode}
	}

	rawTerminals, err := e.driver.GetTerminalInfo()
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-terminal-info", Code: -1}
	}
	classified := make([]terminal.Descriptor, 0, len(rawTerminals))
	for i := range rawTerminals {
		d, err := e.driver.GetTerminalTypeDetails(i + 1)
		if err != nil {
			e.driver.Close()
			return &kerrors.BusInitError{Step: "get-terminal-type-details", Code: -1}
		}
		classified = append(classified, d)
	}
	table, err := terminal.NewTable(classified)
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "terminal-table", Code: -1}
	}
	e.table.Store(table)
	if e.banks != nil {
		e.banks.SetAssemblyTerminals(table.RawIdentifiers())
	}

	if err := PublishTopology(e.cfg.ExportDir, table); err != nil && e.log != nil {
		e.log.Warn("kbus: topology export failed", zap.Error(err))
	}

	bitCounts, err := e.driver.GetBitCounts()
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-bit-counts", Code: -1}
	}
	e.bitCountsMu.Lock()
	e.bitCounts = bitCounts
	e.bitCountsMu.Unlock()

	bytesToRead := ceilBitsToBytes(bitCounts.AnalogIn + bitCounts.DigitalIn)
	bytesToWrite := ceilBitsToBytes(bitCounts.AnalogOut + bitCounts.DigitalOut)
	e.bytesToRead.Store(int64(bytesToRead))
	e.bytesToWrite.Store(int64(bytesToWrite))

	dIn, err := e.driver.GetDigitalByteOffsetIn()
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-digital-byte-offset-in", Code: -1}
	}
	dOut, err := e.driver.GetDigitalByteOffsetOut()
	if err != nil {
		e.driver.Close()
		return &kerrors.BusInitError{Step: "get-digital-byte-offset-out", Code: -1}
	}
	e.digitalByteOffsetIn.Store(int64(dIn))
	e.digitalByteOffsetOut.Store(int64(dOut))

	e.initialized.Store(true)
	e.state.Store(int32(StateInit))
	return nil
}

func ceilBitsToBytes(bits int) int {
	if bits <= 0 {
		return 0
	}
	return (bits + 7) / 8
}

// run is the periodic cycle goroutine. It locks itself to its OS
// thread so that the SCHED_FIFO priority set below applies to the
// thread actually running the cycle body.
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := setRTFIFOPriority(e.cfg.Priority); err != nil && e.log != nil {
		e.log.Warn("kbus: failed to set realtime priority, continuing at default", zap.Error(err))
	}

	ticker := time.NewTicker(time.Duration(e.period.Load()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if newPeriod := time.Duration(e.period.Load()); newPeriod != 0 {
				ticker.Reset(newPeriod)
			}
			e.runCycleBody()
		}
	}
}

// runCycleBody executes the nine-step cycle body described by the
// engine's design. The cycle mutex is a try-lock: a tick or a
// force-update that arrives while another cycle is in flight is
// simply dropped, which is also how ForceUpdate's non-reentrancy
// guarantee is satisfied without a separate coordination channel.
func (e *Engine) runCycleBody() {
	if !e.cycleMu.TryLock() {
		e.drops.Add(1) // missed-tick drop policy
		return
	}
	defer e.cycleMu.Unlock()

	start := time.Now()

	status, err := e.driver.GetStatus()
	if err != nil {
		e.lastError.Store(-1)
		e.reportCycle(start, 0, 0, -1)
		return
	}
	if status.ErrorCode != 0 {
		e.lastError.Store(int32(status.ErrorCode))
		e.state.Store(int32(StateErrorRecovery))
		if e.metrics != nil {
			e.metrics.IncrementCycleErrors()
		}
		e.events.Publish(events.KindBusErrorEntered, map[string]interface{}{"error_code": status.ErrorCode})
		e.errorRecoveryLoop()
		if e.banks != nil {
			e.banks.ClearOutputs()
		}
		if err := e.setup(); err != nil && e.log != nil {
			e.log.Error("kbus: re-setup after error recovery failed", zap.Error(err))
		}
		e.state.Store(int32(StateRunning))
		if e.metrics != nil {
			e.metrics.IncrementCycleRecoveries()
		}
		e.events.Publish(events.KindBusErrorCleared, map[string]interface{}{"error_code": status.ErrorCode})
		e.reportCycle(start, 0, 0, status.ErrorCode)
		return
	}

	if err := e.driver.PushOneCycle(); err != nil {
		e.lastError.Store(-1)
		e.reportCycle(start, 0, 0, -1)
		return
	}
	if err := e.driver.WatchdogTrigger(); err != nil && e.log != nil {
		e.log.Warn("kbus: watchdog trigger failed", zap.Error(err))
	}

	process.CopyRegisterOut(e.banks, e.image.Out[:])

	bytesToWrite := int(e.bytesToWrite.Load())
	if err := e.driver.WriteStart(); err == nil {
		e.driver.WriteBytes(e.image.Out[:bytesToWrite])
		e.driver.WriteEnd()
	}

	bytesToRead := int(e.bytesToRead.Load())
	if err := e.driver.ReadStart(); err == nil {
		e.driver.ReadBytes(e.image.In[:bytesToRead])
		e.driver.ReadEnd()
	}

	process.CopyRegisterIn(e.banks, e.image.In[:bytesToRead])

	e.lastError.Store(0)
	e.cycles.Add(1)
	e.reportCycle(start, bytesToRead, bytesToWrite, 0)
}

// reportCycle forwards one cycle body attempt's timing and byte
// counts to the optional cycle sink (the Influx publisher's sole
// feed). A nil sink means nobody is listening.
func (e *Engine) reportCycle(start time.Time, bytesRead, bytesWritten, errorCode int) {
	if e.cycleSink != nil {
		e.cycleSink(time.Since(start), bytesRead, bytesWritten, errorCode)
	}
}

// errorRecoveryLoop pushes cycles and triggers the watchdog until the
// driver reports a clear error code, sleeping 50ms between attempts.
// Push failures inside the loop are ignored, matching the original
// driver's "keep trying" recovery posture.
func (e *Engine) errorRecoveryLoop() {
	for {
		e.driver.PushOneCycle()
		e.driver.WatchdogTrigger()
		status, err := e.driver.GetStatus()
		if err == nil && status.ErrorCode == 0 {
			return
		}
		time.Sleep(errorRecoverySleep)
	}
}

// ForceUpdate runs the cycle body synchronously, outside the ticker,
// but only when operation_mode is 1. It is a no-op (not an error)
// otherwise, matching the "only honored when" wording of the design.
func (e *Engine) ForceUpdate() error {
	if e.cfg.OperationMode != 1 {
		return nil
	}
	if !e.initialized.Load() {
		return fmt.Errorf("kbus: force-update before initialization")
	}
	e.runCycleBody()
	return nil
}

// Stop cancels the cycle goroutine and waits for it to exit, then
// closes the fieldbus driver.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.doneCh != nil {
		<-e.doneCh
	}
	e.state.Store(int32(StateStopped))
	return e.driver.Close()
}

// ApplicationStateStop commands the driver into Stopped and
// accelerates the cycle period to 5ms, to speed up host-stop I/O
// checks.
func (e *Engine) ApplicationStateStop() error {
	if err := e.driver.SetApplicationState(fieldbus.StateStopped); err != nil {
		return err
	}
	e.period.Store(int64(stopCyclePeriod))
	e.appState.Store(int32(fieldbus.StateStopped))
	return nil
}

// ApplicationStateRun commands the driver into Running and restores
// the configured cycle period.
func (e *Engine) ApplicationStateRun() error {
	if err := e.driver.SetApplicationState(fieldbus.StateRunning); err != nil {
		return err
	}
	e.period.Store(int64(e.cfg.CyclePeriod))
	e.appState.Store(int32(fieldbus.StateRunning))
	return nil
}

// AppState returns the coupler's current commanded run/stop state,
// which the Modbus dispatcher consults to decide whether to reject
// requests with SLAVE_OR_SERVER_BUSY.
func (e *Engine) AppState() fieldbus.ApplicationState {
	return fieldbus.ApplicationState(e.appState.Load())
}

// GetError returns the most recently observed bus error code; 0 means
// no error. Observable in any engine state.
func (e *Engine) GetError() int { return int(e.lastError.Load()) }

// GetDigitalByteOffsetIn / GetDigitalByteOffsetOut return the byte
// offsets at which digital I/O begins within PD-IN / PD-OUT.
func (e *Engine) GetDigitalByteOffsetIn() int  { return int(e.digitalByteOffsetIn.Load()) }
func (e *Engine) GetDigitalByteOffsetOut() int { return int(e.digitalByteOffsetOut.Load()) }

// GetBytesToWrite / GetBytesToRead return the sizes computed during
// setup from the discovered bit counts.
func (e *Engine) GetBytesToWrite() int { return int(e.bytesToWrite.Load()) }
func (e *Engine) GetBytesToRead() int  { return int(e.bytesToRead.Load()) }

// GetTerminals returns the discovered terminal table, or nil before
// the first successful setup.
func (e *Engine) GetTerminals() *terminal.Table { return e.table.Load() }

// GetBitCounts returns the sizing tallies computed during setup.
func (e *Engine) GetBitCounts() fieldbus.BitCounts {
	e.bitCountsMu.Lock()
	defer e.bitCountsMu.Unlock()
	return e.bitCounts
}

// IsInitialized reports whether the setup sequence has completed at
// least once.
func (e *Engine) IsInitialized() bool { return e.initialized.Load() }

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Snapshot returns a read-only view of the engine's topology, sizing,
// and runtime counters, for the diagnostics API.
func (e *Engine) Snapshot() TerminalSnapshot {
	table := e.table.Load()
	var terms []terminal.Descriptor
	if table != nil {
		terms = table.All()
	}
	return TerminalSnapshot{
		Terminals:            terms,
		BitCounts:            e.GetBitCounts(),
		BytesToRead:          e.GetBytesToRead(),
		BytesToWrite:         e.GetBytesToWrite(),
		DigitalByteOffsetIn:  e.GetDigitalByteOffsetIn(),
		DigitalByteOffsetOut: e.GetDigitalByteOffsetOut(),
		State:                e.State(),
		LastError:            e.GetError(),
		Cycles:               e.cycles.Load(),
		Drops:                e.drops.Load(),
	}
}
