package fieldbus

import "testing"

func TestMockDriverLoopback(t *testing.T) {
	d := NewMockDriver(NewLoopbackTopology(4))
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.CreateInfo(); err != nil {
		t.Fatalf("CreateInfo: %v", err)
	}

	if err := d.WriteStart(); err != nil {
		t.Fatalf("WriteStart: %v", err)
	}
	if err := d.WriteBytes([]byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := d.WriteEnd(); err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}

	if err := d.PushOneCycle(); err != nil {
		t.Fatalf("PushOneCycle: %v", err)
	}

	if err := d.ReadStart(); err != nil {
		t.Fatalf("ReadStart: %v", err)
	}
	buf := make([]byte, 2)
	n, err := d.ReadBytes(buf)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if n != 2 || buf[0] != 0xAB || buf[1] != 0xCD {
		t.Fatalf("ReadBytes = %d, %02x %02x; want 2, ab cd", n, buf[0], buf[1])
	}
	if d.Cycles() != 1 {
		t.Errorf("Cycles() = %d, want 1", d.Cycles())
	}
}

func TestMockDriverRequiresOpenBeforeState(t *testing.T) {
	d := NewMockDriver(nil)
	if err := d.SetApplicationState(StateRunning); err == nil {
		t.Fatal("SetApplicationState should fail before Open")
	}
}

func TestMockDriverBitCounts(t *testing.T) {
	d := NewMockDriver(NewLoopbackTopology(3))
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	bc, err := d.GetBitCounts()
	if err != nil {
		t.Fatal(err)
	}
	if bc.DigitalIn != 3 || bc.DigitalOut != 3 {
		t.Fatalf("GetBitCounts() = %+v, want DigitalIn=3 DigitalOut=3", bc)
	}
	if bc.AnalogIn != 0 || bc.AnalogOut != 0 {
		t.Fatalf("GetBitCounts() = %+v, want analog zero for digital-only topology", bc)
	}
}

func TestMockDriverInjectError(t *testing.T) {
	d := NewMockDriver(nil)
	d.Open()
	d.InjectError(-12)
	st, _ := d.GetStatus()
	if st.ErrorCode != -12 {
		t.Fatalf("GetStatus().ErrorCode = %d, want -12", st.ErrorCode)
	}
	d.ClearError()
	st, _ = d.GetStatus()
	if st.ErrorCode != 0 {
		t.Fatalf("GetStatus().ErrorCode after ClearError = %d, want 0", st.ErrorCode)
	}
}

func TestMockDriverGetTerminalTypeDetailsOutOfRange(t *testing.T) {
	d := NewMockDriver(NewLoopbackTopology(2))
	d.Open()
	if _, err := d.GetTerminalTypeDetails(5); err == nil {
		t.Fatal("GetTerminalTypeDetails should reject out-of-range slot")
	}
	if _, err := d.GetTerminalTypeDetails(0); err == nil {
		t.Fatal("GetTerminalTypeDetails should reject slot 0 (1-based)")
	}
}
