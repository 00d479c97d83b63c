package modbus

import (
	"time"

	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/fieldbus"
	"github.com/kbusgw/kbusmodbusgw/internal/kbus"
	"github.com/kbusgw/kbusmodbusgw/internal/metrics"
	"github.com/kbusgw/kbusmodbusgw/internal/process"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
	"github.com/kbusgw/kbusmodbusgw/internal/watchdog"
)

// maxReadRegisters bounds a standard FC03/04 read; maxExtendedReadRegisters
// is the larger limit the extended FC 0x42 supports via its 16-bit
// byte-count header.
const (
	maxReadRegisters         = 125
	maxWriteRegisters        = 123
	maxExtendedReadRegisters = 2000
	maxReadCoils             = 2000
	maxWriteCoils            = 1968
)

// reportSlaveIDPrefix precedes the version in FC 0x11's report-slave-id reply.
const reportSlaveIDPrefix = "LMB"

// Dispatcher routes a parsed Request to the correct register/coil
// bank and produces the reply frame, exactly mirroring the address
// table and write-then-read sequencing of the gateway's design.
type Dispatcher struct {
	Banks    *regbank.Banks
	Engine   *kbus.Engine
	Watchdog *watchdog.Watchdog
	Log      *zap.Logger

	// Metrics counts requests/exceptions when non-nil; nil is safe and
	// simply disables counting.
	Metrics *metrics.Metrics

	// ResponseDelay is honored after every reply is built, before it
	// is handed back to the caller to send.
	ResponseDelay time.Duration

	// Version is embedded in the FC 0x11 report-slave-id reply.
	Version string
}

// Dispatch decodes, routes, and replies to one request. It always
// returns a well-formed frame — either a success reply or an
// exception — never an error; transport-layer failures are the
// server's concern.
func (d *Dispatcher) Dispatch(req Request) []byte {
	defer d.delay()

	if d.Metrics != nil {
		d.Metrics.IncrementModbusRequests()
	}

	// Every request reloads an active watchdog's countdown; only a
	// word-3 write starts an inactive one.
	if d.Watchdog != nil && d.Watchdog.IsActive() {
		d.Watchdog.Trigger()
	}

	var reply []byte
	switch {
	case d.Engine != nil && d.Engine.AppState() == fieldbus.StateStopped:
		reply = EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionSlaveOrServerBusy)
	default:
		reply = d.route(req)
	}

	if d.Metrics != nil && isExceptionReply(reply) {
		d.Metrics.IncrementModbusExceptions()
	}
	return reply
}

func (d *Dispatcher) route(req Request) []byte {
	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return d.handleReadCoils(req)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return d.handleReadRegisters(req)
	case FuncReadInputRegistersExtended:
		return d.handleReadRegistersExtended(req)
	case FuncWriteSingleCoil:
		return d.handleWriteSingleCoil(req)
	case FuncWriteSingleRegister:
		return d.handleWriteSingleRegister(req)
	case FuncWriteMultipleCoils:
		return d.handleWriteMultipleCoils(req)
	case FuncWriteMultipleRegisters:
		return d.handleWriteMultipleRegisters(req)
	case FuncMaskWriteRegister:
		return d.handleMaskWriteRegister(req)
	case FuncReadWriteMultipleRegisters:
		return d.handleReadWriteMultipleRegisters(req)
	case FuncReportSlaveID:
		return d.handleReportSlaveID(req)
	default:
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalFunction)
	}
}

// isExceptionReply reports whether an encoded reply's function-code
// byte carries the exception bit (0x80).
func isExceptionReply(reply []byte) bool {
	return len(reply) > mbapLength && reply[mbapLength]&byte(exceptionBit) != 0
}

func (d *Dispatcher) delay() {
	if d.ResponseDelay > 0 {
		time.Sleep(d.ResponseDelay)
	}
}

// notifyWrite invokes the cycle engine's post-write synchronization
// hook. With operation_mode 1 this runs a cycle, so a Modbus write
// reaches the I/O before any ensuing read in the same request (the
// FC 0x17 ordering guarantee); in any other mode it does nothing.
func (d *Dispatcher) notifyWrite() {
	if d.Engine != nil {
		d.Engine.ForceUpdate()
	}
}

func (d *Dispatcher) handleReadCoils(req Request) []byte {
	if len(req.Payload) != 4 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	start := int(beU16(req.Payload[0:2]))
	qty := int(beU16(req.Payload[2:4]))
	if qty < 1 || qty > maxReadCoils {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}

	bank, local, ok := coilReadMapping(d.Banks, start)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	// Refresh COIL-IN-1's live view from the process image immediately
	// before satisfying a read, per the on-demand mapping design.
	if bank == d.Banks.CoilIn1 {
		process.MapReadCoilsToRegister(d.Banks, d.Engine.GetBytesToRead(), d.Engine.GetDigitalByteOffsetIn())
	}
	bits, ok := bank.GetRange(local, qty)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	packed := bitsToBytes(bits)
	data := append([]byte{byte(len(packed))}, packed...)
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, data)
}

func (d *Dispatcher) handleReadRegisters(req Request) []byte {
	if len(req.Payload) != 4 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	start := int(beU16(req.Payload[0:2]))
	qty := int(beU16(req.Payload[2:4]))
	if qty < 1 || qty > maxReadRegisters {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	return d.readRegistersReply(req, start, qty)
}

func (d *Dispatcher) handleReadRegistersExtended(req Request) []byte {
	if len(req.Payload) != 4 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	start := int(beU16(req.Payload[0:2]))
	qty := int(beU16(req.Payload[2:4]))
	if qty < 1 || qty > maxExtendedReadRegisters {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	bank, local, ok := registerReadMapping(d.Banks, start)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	words, ok := bank.GetRange(local, qty)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	payload := wordsToBytes(words)
	header := make([]byte, 2)
	beU16Put(header, uint16(len(payload)))
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, append(header, payload...))
}

func (d *Dispatcher) readRegistersReply(req Request, start, qty int) []byte {
	bank, local, ok := registerReadMapping(d.Banks, start)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	words, ok := bank.GetRange(local, qty)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	data := append([]byte{byte(qty * 2)}, wordsToBytes(words)...)
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, data)
}

func (d *Dispatcher) handleWriteSingleCoil(req Request) []byte {
	if len(req.Payload) != 4 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	addr := int(beU16(req.Payload[0:2]))
	raw := beU16(req.Payload[2:4])
	if raw != 0x0000 && raw != 0xFF00 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	bank, local, ok := coilWriteMapping(d.Banks, addr)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	d.Banks.WriteMu.Lock()
	bank.Set(local, raw == 0xFF00)
	d.Banks.WriteMu.Unlock()
	d.mapWriteCoils()
	d.notifyWrite()

	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, req.Payload)
}

func (d *Dispatcher) handleWriteSingleRegister(req Request) []byte {
	if len(req.Payload) != 4 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	addr := int(beU16(req.Payload[0:2]))
	value := beU16(req.Payload[2:4])

	if ok, excep := d.writeRegister(addr, value); !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, excep)
	}
	d.notifyWrite()
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, req.Payload)
}

// writeRegister applies a single-word write, routing WATCHDOG
// addresses through the watchdog's special per-word semantics.
func (d *Dispatcher) writeRegister(addr int, value uint16) (bool, ExceptionCode) {
	if isWatchdogAddr(addr) && d.Watchdog != nil {
		local := addr - watchdogBase
		ok, illegalValue, illegalFunction := d.Watchdog.HandleWordWrite(local, value)
		switch {
		case ok:
			return true, 0
		case illegalValue:
			return false, ExceptionIllegalDataValue
		case illegalFunction:
			return false, ExceptionIllegalFunction
		default:
			return false, ExceptionIllegalDataAddress
		}
	}

	bank, local, ok := registerWriteMapping(d.Banks, addr)
	if !ok {
		return false, ExceptionIllegalDataAddress
	}
	d.Banks.WriteMu.Lock()
	bank.Set(local, value)
	d.Banks.WriteMu.Unlock()
	return true, 0
}

func (d *Dispatcher) handleWriteMultipleCoils(req Request) []byte {
	if len(req.Payload) < 5 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	start := int(beU16(req.Payload[0:2]))
	qty := int(beU16(req.Payload[2:4]))
	byteCount := int(req.Payload[4])
	if qty < 1 || qty > maxWriteCoils || byteCount != (qty+7)/8 || len(req.Payload) != 5+byteCount {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}

	bank, local, ok := coilWriteMapping(d.Banks, start)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	bits := make([]bool, qty)
	for i := 0; i < qty; i++ {
		bits[i] = req.Payload[5+i/8]&(1<<uint(i%8)) != 0
	}

	d.Banks.WriteMu.Lock()
	ok = bank.SetRange(local, bits)
	d.Banks.WriteMu.Unlock()
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	d.mapWriteCoils()
	d.notifyWrite()

	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, req.Payload[0:4])
}

func (d *Dispatcher) handleWriteMultipleRegisters(req Request) []byte {
	ok, excep, reply := d.writeMultipleRegisters(req)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, excep)
	}
	d.notifyWrite()
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, reply)
}

func (d *Dispatcher) writeMultipleRegisters(req Request) (bool, ExceptionCode, []byte) {
	if len(req.Payload) < 5 {
		return false, ExceptionIllegalDataValue, nil
	}
	start := int(beU16(req.Payload[0:2]))
	qty := int(beU16(req.Payload[2:4]))
	byteCount := int(req.Payload[4])
	if qty < 1 || qty > maxWriteRegisters || byteCount != qty*2 || len(req.Payload) != 5+byteCount {
		return false, ExceptionIllegalDataValue, nil
	}

	words := bytesToWords(req.Payload[5 : 5+byteCount])

	if isWatchdogAddr(start) && d.Watchdog != nil {
		for i, w := range words {
			ok, illegalValue, illegalFunction := d.Watchdog.HandleWordWrite(start-watchdogBase+i, w)
			switch {
			case ok:
				continue
			case illegalValue:
				return false, ExceptionIllegalDataValue, nil
			case illegalFunction:
				return false, ExceptionIllegalFunction, nil
			default:
				return false, ExceptionIllegalDataAddress, nil
			}
		}
		return true, 0, req.Payload[0:4]
	}

	bank, local, ok := registerWriteMapping(d.Banks, start)
	if !ok {
		return false, ExceptionIllegalDataAddress, nil
	}
	d.Banks.WriteMu.Lock()
	ok = bank.SetRange(local, words)
	d.Banks.WriteMu.Unlock()
	if !ok {
		return false, ExceptionIllegalDataAddress, nil
	}
	return true, 0, req.Payload[0:4]
}

func (d *Dispatcher) handleMaskWriteRegister(req Request) []byte {
	if len(req.Payload) != 6 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	addr := int(beU16(req.Payload[0:2]))
	andMask := beU16(req.Payload[2:4])
	orMask := beU16(req.Payload[4:6])

	bank, local, ok := registerWriteMapping(d.Banks, addr)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	d.Banks.WriteMu.Lock()
	current, _ := bank.Get(local)
	newValue := (current & andMask) | (orMask &^ andMask)
	bank.Set(local, newValue)
	d.Banks.WriteMu.Unlock()
	d.notifyWrite()

	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, req.Payload)
}

// handleReadWriteMultipleRegisters performs FC 0x17's write-then-read
// sequence: the write half is applied and the cycle engine notified
// before the read half is gathered, so with operation_mode 1 the read
// observes the effect of at least one completed cycle.
func (d *Dispatcher) handleReadWriteMultipleRegisters(req Request) []byte {
	if len(req.Payload) < 9 {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}
	readStart := int(beU16(req.Payload[0:2]))
	readQty := int(beU16(req.Payload[2:4]))
	writeStart := int(beU16(req.Payload[4:6]))
	writeQty := int(beU16(req.Payload[6:8]))
	byteCount := int(req.Payload[8])

	if readQty < 1 || readQty > maxReadRegisters || writeQty < 1 || writeQty > maxWriteRegisters ||
		byteCount != writeQty*2 || len(req.Payload) != 9+byteCount {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataValue)
	}

	writeBank, writeLocal, ok := registerWriteMapping(d.Banks, writeStart)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	readBank, readLocal, ok := registerReadMapping(d.Banks, readStart)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	words := bytesToWords(req.Payload[9 : 9+byteCount])
	d.Banks.WriteMu.Lock()
	ok = writeBank.SetRange(writeLocal, words)
	d.Banks.WriteMu.Unlock()
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}

	// Write becomes visible to the I/O before the read half is
	// assembled: with operation_mode 1, at least one cycle completes
	// between the two halves.
	d.notifyWrite()

	result, ok := readBank.GetRange(readLocal, readQty)
	if !ok {
		return EncodeException(req.TransactionID, req.UnitID, req.Function, ExceptionIllegalDataAddress)
	}
	data := append([]byte{byte(readQty * 2)}, wordsToBytes(result)...)
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, data)
}

func (d *Dispatcher) handleReportSlaveID(req Request) []byte {
	id := []byte(reportSlaveIDPrefix + d.Version)
	data := append([]byte{byte(len(id) + 2), 0xFF, 0xFF}, id...)
	return EncodeResponse(req.TransactionID, req.UnitID, req.Function, data)
}

// mapWriteCoils re-applies the COIL-OUT-1 -> PD-OUT-1 byte alias
// immediately after a coil write, so a subsequent register read in
// the same reply sees the coil write without waiting for a cycle
// boundary to run CopyRegisterOut.
func (d *Dispatcher) mapWriteCoils() {
	if d.Engine == nil {
		return
	}
	process.MapWriteCoilsToRegister(d.Banks, d.Engine.GetBytesToWrite(), d.Engine.GetDigitalByteOffsetOut())
}

func beU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func beU16Put(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
