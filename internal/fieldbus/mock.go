package fieldbus

import (
	"fmt"
	"sync"

	"github.com/kbusgw/kbusmodbusgw/internal/terminal"
)

// MockDriver is an in-memory loopback backplane: writes to its output
// buffer are visible as its input buffer on the next PushOneCycle,
// with no real I/O. Used by tests and by operators bringing up the
// gateway without backplane hardware attached.
type MockDriver struct {
	mu sync.Mutex

	topology []terminal.Descriptor
	opened   bool
	state    ApplicationState
	errCode  int

	digitalByteOffsetIn  int
	digitalByteOffsetOut int

	writeBuf []byte
	readBuf  []byte
	wPos     int
	rPos     int

	watchdogTriggers int
	cycles           int
}

// NewMockDriver builds a MockDriver with a fixed topology. A nil or
// empty topology yields a driver with zero terminals, zero bit counts
// — a legal but unconfigured backplane.
func NewMockDriver(topology []terminal.Descriptor) *MockDriver {
	cp := make([]terminal.Descriptor, len(topology))
	copy(cp, topology)
	return &MockDriver{
		topology:             cp,
		digitalByteOffsetIn:  0,
		digitalByteOffsetOut: 0,
	}
}

// NewLoopbackTopology builds a small synthetic topology of n digital
// input/output terminal pairs, convenient for bench tests that don't
// care about exact module catalog values.
func NewLoopbackTopology(n int) []terminal.Descriptor {
	out := make([]terminal.Descriptor, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, terminal.Descriptor{
			Position:     i,
			Series:       terminal.Series750,
			Value:        0x8001, // digital input flags; channel-count bits are zero
			BitSizeIn:    1,
			BitSizeOut:   1,
			Channels:     1,
			Description:  "mock digital I/O",
		})
	}
	return out
}

func (m *MockDriver) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	m.errCode = 0
	return nil
}

func (m *MockDriver) SetApplicationState(state ApplicationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("fieldbus: mock driver not open")
	}
	m.state = state
	return nil
}

func (m *MockDriver) CreateInfo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("fieldbus: mock driver not open")
	}
	digitalIn, digitalOut := 0, 0
	for _, d := range m.topology {
		digitalIn += bitsToBytes(d.BitSizeIn)
		digitalOut += bitsToBytes(d.BitSizeOut)
	}
	m.digitalByteOffsetIn = 0
	m.digitalByteOffsetOut = 0
	size := digitalIn
	if digitalOut > size {
		size = digitalOut
	}
	if size < 64 {
		size = 64
	}
	m.writeBuf = make([]byte, size)
	m.readBuf = make([]byte, size)
	return nil
}

func bitsToBytes(bits int) int {
	if bits <= 0 {
		return 0
	}
	return (bits + 7) / 8
}

func (m *MockDriver) GetStatus() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{ErrorCode: m.errCode, TerminalCount: len(m.topology)}, nil
}

func (m *MockDriver) GetDigitalByteOffsetIn() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digitalByteOffsetIn, nil
}

func (m *MockDriver) GetDigitalByteOffsetOut() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digitalByteOffsetOut, nil
}

func (m *MockDriver) GetTerminalInfo() ([]terminal.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]terminal.Descriptor, len(m.topology))
	copy(out, m.topology)
	return out, nil
}

func (m *MockDriver) GetTerminalTypeDetails(i int) (terminal.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 1 || i > len(m.topology) {
		return terminal.Descriptor{}, fmt.Errorf("fieldbus: slot %d out of range", i)
	}
	d := m.topology[i-1]
	d.Description = terminal.ClassifyCatalogString(d)
	return d, nil
}

func (m *MockDriver) GetBitCounts() (BitCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bc BitCounts
	for _, d := range m.topology {
		if d.Digital() {
			bc.DigitalIn += d.BitSizeIn
			bc.DigitalOut += d.BitSizeOut
		} else {
			bc.AnalogIn += d.BitSizeIn
			bc.AnalogOut += d.BitSizeOut
		}
	}
	return bc, nil
}

func (m *MockDriver) WriteStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wPos = 0
	return nil
}

func (m *MockDriver) WriteBytes(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wPos+len(data) > len(m.writeBuf) {
		return fmt.Errorf("fieldbus: write overflow (%d+%d > %d)", m.wPos, len(data), len(m.writeBuf))
	}
	copy(m.writeBuf[m.wPos:], data)
	m.wPos += len(data)
	return nil
}

func (m *MockDriver) WriteEnd() error { return nil }

func (m *MockDriver) ReadStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rPos = 0
	return nil
}

func (m *MockDriver) ReadBytes(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(buf, m.readBuf[m.rPos:])
	m.rPos += n
	return n, nil
}

func (m *MockDriver) ReadEnd() error { return nil }

// PushOneCycle loops the current write buffer back into the read
// buffer, simulating a backplane that mirrors outputs to inputs.
func (m *MockDriver) PushOneCycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.readBuf, m.writeBuf)
	m.cycles++
	return nil
}

func (m *MockDriver) WatchdogTrigger() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdogTriggers++
	return nil
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

// InjectError sets the next GetStatus error code, letting tests drive
// the cycle engine's error-recovery path on demand.
func (m *MockDriver) InjectError(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCode = code
}

// ClearError resets the injected error code to 0.
func (m *MockDriver) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCode = 0
}

// Cycles reports how many PushOneCycle calls have completed, for test
// assertions on cycle-engine timing behavior.
func (m *MockDriver) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}
