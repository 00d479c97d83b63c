package fieldbus

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/kbusgw/kbusmodbusgw/internal/terminal"
)

// RPIOConfig names the GPIO pins RPIODriver bit-bangs the backplane
// link over: a clock, a data-out, a data-in, and a latch/strobe pin.
type RPIOConfig struct {
	ClockPin   int
	DataOutPin int
	DataInPin  int
	StrobePin  int
}

// RPIODriver drives a KBUS-style backplane over raw GPIO, clocking
// bytes out on DataOutPin and sampling DataInPin on ClockPin edges,
// latched by StrobePin at the start/end of each transfer. It exists
// for deployments where the backplane coupler is reachable only as
// bare GPIO lines rather than through a dedicated kernel driver.
type RPIODriver struct {
	mu sync.Mutex

	cfg      RPIOConfig
	clock    rpio.Pin
	dataOut  rpio.Pin
	dataIn   rpio.Pin
	strobe   rpio.Pin

	topology []terminal.Descriptor
	opened   bool
	state    ApplicationState

	digitalByteOffsetIn  int
	digitalByteOffsetOut int

	writeBuf []byte
	readBuf  []byte
	wPos     int
	rPos     int
}

// NewRPIODriver builds an RPIODriver for the given pin assignment and
// fixed topology (there is no backplane auto-discovery over bare
// GPIO; the topology must be supplied from configuration).
func NewRPIODriver(cfg RPIOConfig, topology []terminal.Descriptor) *RPIODriver {
	cp := make([]terminal.Descriptor, len(topology))
	copy(cp, topology)
	return &RPIODriver{cfg: cfg, topology: cp}
}

func (d *RPIODriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("fieldbus: rpio.Open: %w", err)
	}
	d.clock = rpio.Pin(d.cfg.ClockPin)
	d.dataOut = rpio.Pin(d.cfg.DataOutPin)
	d.dataIn = rpio.Pin(d.cfg.DataInPin)
	d.strobe = rpio.Pin(d.cfg.StrobePin)

	d.clock.Output()
	d.dataOut.Output()
	d.dataIn.Input()
	d.strobe.Output()
	d.strobe.Low()

	d.opened = true
	return nil
}

func (d *RPIODriver) SetApplicationState(state ApplicationState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return fmt.Errorf("fieldbus: rpio driver not open")
	}
	d.state = state
	if state == StateRunning {
		d.strobe.High()
	} else {
		d.strobe.Low()
	}
	return nil
}

func (d *RPIODriver) CreateInfo() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return fmt.Errorf("fieldbus: rpio driver not open")
	}
	digitalIn, digitalOut := 0, 0
	for _, t := range d.topology {
		digitalIn += bitsToBytes(t.BitSizeIn)
		digitalOut += bitsToBytes(t.BitSizeOut)
	}
	d.digitalByteOffsetIn = 0
	d.digitalByteOffsetOut = 0
	size := digitalIn
	if digitalOut > size {
		size = digitalOut
	}
	if size < 64 {
		size = 64
	}
	d.writeBuf = make([]byte, size)
	d.readBuf = make([]byte, size)
	return nil
}

func (d *RPIODriver) GetStatus() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{ErrorCode: 0, TerminalCount: len(d.topology)}, nil
}

func (d *RPIODriver) GetDigitalByteOffsetIn() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digitalByteOffsetIn, nil
}

func (d *RPIODriver) GetDigitalByteOffsetOut() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digitalByteOffsetOut, nil
}

func (d *RPIODriver) GetTerminalInfo() ([]terminal.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]terminal.Descriptor, len(d.topology))
	copy(out, d.topology)
	return out, nil
}

func (d *RPIODriver) GetTerminalTypeDetails(i int) (terminal.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 1 || i > len(d.topology) {
		return terminal.Descriptor{}, fmt.Errorf("fieldbus: slot %d out of range", i)
	}
	desc := d.topology[i-1]
	desc.Description = terminal.ClassifyCatalogString(desc)
	return desc, nil
}

func (d *RPIODriver) GetBitCounts() (BitCounts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var bc BitCounts
	for _, t := range d.topology {
		if t.Digital() {
			bc.DigitalIn += t.BitSizeIn
			bc.DigitalOut += t.BitSizeOut
		} else {
			bc.AnalogIn += t.BitSizeIn
			bc.AnalogOut += t.BitSizeOut
		}
	}
	return bc, nil
}

func (d *RPIODriver) WriteStart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wPos = 0
	d.strobe.Low()
	return nil
}

func (d *RPIODriver) WriteBytes(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wPos+len(data) > len(d.writeBuf) {
		return fmt.Errorf("fieldbus: write overflow (%d+%d > %d)", d.wPos, len(data), len(d.writeBuf))
	}
	for _, b := range data {
		d.shiftOutByte(b)
	}
	copy(d.writeBuf[d.wPos:], data)
	d.wPos += len(data)
	return nil
}

func (d *RPIODriver) WriteEnd() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strobe.High()
	return nil
}

func (d *RPIODriver) ReadStart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rPos = 0
	return nil
}

func (d *RPIODriver) ReadBytes(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(buf, d.readBuf[d.rPos:])
	d.rPos += n
	return n, nil
}

func (d *RPIODriver) ReadEnd() error { return nil }

// PushOneCycle pulses the clock pin eight times per byte of the read
// buffer, shifting the data-in line's sampled bits into the read
// buffer. Real hardware drives dataIn from the backplane's shift
// register; here the clock edge is the synchronization point.
func (d *RPIODriver) PushOneCycle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.readBuf {
		d.readBuf[i] = d.shiftInByte()
	}
	return nil
}

func (d *RPIODriver) shiftOutByte(b byte) {
	for bit := 7; bit >= 0; bit-- {
		if b&(1<<uint(bit)) != 0 {
			d.dataOut.High()
		} else {
			d.dataOut.Low()
		}
		d.clock.High()
		d.clock.Low()
	}
}

func (d *RPIODriver) shiftInByte() byte {
	var b byte
	for bit := 7; bit >= 0; bit-- {
		d.clock.High()
		if d.dataIn.Read() == rpio.High {
			b |= 1 << uint(bit)
		}
		d.clock.Low()
	}
	return b
}

func (d *RPIODriver) WatchdogTrigger() error {
	// The backplane watchdog is fed by the strobe toggling on every
	// WriteStart/WriteEnd pair; no separate signal is needed.
	return nil
}

func (d *RPIODriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return rpio.Close()
}
