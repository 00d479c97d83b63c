package modbus

import (
	"context"
	"testing"

	"github.com/kbusgw/kbusmodbusgw/internal/fieldbus"
	"github.com/kbusgw/kbusmodbusgw/internal/kbus"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
	"github.com/kbusgw/kbusmodbusgw/internal/watchdog"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *regbank.Banks) {
	t.Helper()
	banks := regbank.NewBanks()
	wd := watchdog.New(banks, nil)
	driver := fieldbus.NewMockDriver(fieldbus.NewLoopbackTopology(4))
	eng := kbus.NewEngine(driver, banks, nil, nil, kbus.Config{OperationMode: 1})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })
	return &Dispatcher{Banks: banks, Engine: eng, Watchdog: wd, Version: "1.0.0"}, banks
}

func TestDispatchReadHoldingRegisters(t *testing.T) {
	d, banks := newTestDispatcher(t)
	banks.PDIn1.Set(0, 0xBEEF)

	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadHoldingRegisters, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
	resp := d.Dispatch(req)

	if resp[7] != byte(FuncReadHoldingRegisters) {
		t.Fatalf("function code = %#02x, want success echo", resp[7])
	}
	if resp[8] != 2 {
		t.Fatalf("byte count = %d, want 2", resp[8])
	}
	if resp[9] != 0xBE || resp[10] != 0xEF {
		t.Fatalf("data = %02x%02x, want beef", resp[9], resp[10])
	}
}

func TestDispatchReadOutOfRangeIsIllegalDataAddress(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadHoldingRegisters, Payload: []byte{0x30, 0x00, 0x00, 0x01}}
	resp := d.Dispatch(req)
	if resp[7] != byte(FuncReadHoldingRegisters)|0x80 {
		t.Fatalf("want exception response, got fn %#02x", resp[7])
	}
	if ExceptionCode(resp[8]) != ExceptionIllegalDataAddress {
		t.Fatalf("exception = %v, want IllegalDataAddress", ExceptionCode(resp[8]))
	}
}

func TestDispatchUnknownFunctionIsIllegalFunction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FunctionCode(0x7F), Payload: nil}
	resp := d.Dispatch(req)
	if ExceptionCode(resp[8]) != ExceptionIllegalFunction {
		t.Fatalf("exception = %v, want IllegalFunction", ExceptionCode(resp[8]))
	}
}

func TestDispatchWriteSingleRegisterRoutesToPDOut1(t *testing.T) {
	d, banks := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncWriteSingleRegister, Payload: []byte{0x00, 0x05, 0x12, 0x34}}
	resp := d.Dispatch(req)
	if resp[7] != byte(FuncWriteSingleRegister) {
		t.Fatalf("want success echo, got fn %#02x", resp[7])
	}
	if v, _ := banks.PDOut1.Get(5); v != 0x1234 {
		t.Fatalf("PDOut1[5] = %#04x, want 0x1234", v)
	}
}

func TestDispatchWriteSingleCoilRejectsBadCoilValue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncWriteSingleCoil, Payload: []byte{0x00, 0x00, 0x12, 0x34}}
	resp := d.Dispatch(req)
	if ExceptionCode(resp[8]) != ExceptionIllegalDataValue {
		t.Fatalf("exception = %v, want IllegalDataValue", ExceptionCode(resp[8]))
	}
}

func TestDispatchCoilMirrorReadsOutputBank(t *testing.T) {
	d, banks := newTestDispatcher(t)
	banks.CoilOut1.Set(0, true)

	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadCoils, Payload: []byte{0x02, 0x00, 0x00, 0x01}}
	resp := d.Dispatch(req)
	if resp[8] != 1 {
		t.Fatalf("byte count = %d, want 1", resp[8])
	}
	if resp[9]&0x01 == 0 {
		t.Fatal("reading the 512 mirror address should return the output coil's set bit")
	}
}

func TestDispatchBusyWhenStopped(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if err := d.Engine.ApplicationStateStop(); err != nil {
		t.Fatalf("ApplicationStateStop: %v", err)
	}
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadHoldingRegisters, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
	resp := d.Dispatch(req)
	if ExceptionCode(resp[8]) != ExceptionSlaveOrServerBusy {
		t.Fatalf("exception = %v, want SlaveOrServerBusy", ExceptionCode(resp[8]))
	}
}

func TestDispatchWatchdogTimeoutWriteAcceptedWhileInactive(t *testing.T) {
	d, banks := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncWriteSingleRegister, Payload: []byte{0x10, 0x00, 0x00, 0x32}}
	resp := d.Dispatch(req)
	if resp[7] != byte(FuncWriteSingleRegister) {
		t.Fatalf("want success echo, got fn %#02x", resp[7])
	}
	if v, _ := banks.Watchdog.Get(0); v != 50 {
		t.Fatalf("watchdog word0 = %d, want 50", v)
	}
}

func TestDispatchWatchdogMinTimeWriteIsIllegalFunction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncWriteSingleRegister, Payload: []byte{0x10, 0x04, 0x00, 0x01}}
	resp := d.Dispatch(req)
	if ExceptionCode(resp[8]) != ExceptionIllegalFunction {
		t.Fatalf("exception = %v, want IllegalFunction", ExceptionCode(resp[8]))
	}
}

func TestDispatchReportSlaveID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReportSlaveID}
	resp := d.Dispatch(req)
	if resp[7] != byte(FuncReportSlaveID) {
		t.Fatalf("want success echo, got fn %#02x", resp[7])
	}
	idLen := int(resp[8])
	id := string(resp[11 : 9+idLen]) // skip the two 0xFF bytes after the count
	if id != "LMB1.0.0" {
		t.Fatalf("slave id = %q, want LMB1.0.0", id)
	}
}

func TestDispatchReadWriteMultipleRegistersAppliesWriteBeforeRead(t *testing.T) {
	d, banks := newTestDispatcher(t)
	banks.PDOut2.Set(0, 0xAAAA) // read target: PD-OUT-2[0]

	payload := []byte{
		0x70, 0x00, 0x00, 0x01, // read start=0x7000, qty=1
		0x70, 0x00, 0x00, 0x01, // write start=0x7000, qty=1
		0x02, 0x99, 0x99, // byte count=2, data=0x9999
	}
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadWriteMultipleRegisters, Payload: payload}
	resp := d.Dispatch(req)

	if resp[7] != byte(FuncReadWriteMultipleRegisters) {
		t.Fatalf("want success echo, got fn %#02x", resp[7])
	}
	if resp[9] != 0x99 || resp[10] != 0x99 {
		t.Fatalf("read half = %02x%02x, want the just-written 9999", resp[9], resp[10])
	}
}

func TestDispatchReadWriteMultipleRegistersForcesACycleBetweenHalves(t *testing.T) {
	d, _ := newTestDispatcher(t)
	before := d.Engine.Snapshot().Cycles

	payload := []byte{
		0x70, 0x00, 0x00, 0x01,
		0x70, 0x00, 0x00, 0x01,
		0x02, 0x12, 0x34,
	}
	req := Request{TransactionID: 1, UnitID: 1, Function: FuncReadWriteMultipleRegisters, Payload: payload}
	d.Dispatch(req)

	after := d.Engine.Snapshot().Cycles
	if after <= before {
		t.Fatalf("cycle count = %d, want > %d (at least one cycle between write and read halves)", after, before)
	}
}
