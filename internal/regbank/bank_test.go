package regbank

import "testing"

func TestWordBankRoundTrip(t *testing.T) {
	b := NewWordBank("test", 4)
	if ok := b.Set(0, 0x1234); !ok {
		t.Fatal("Set(0) rejected in-range index")
	}
	if ok := b.Set(3, 0xABCD); !ok {
		t.Fatal("Set(3) rejected in-range index")
	}
	if v, ok := b.Get(0); !ok || v != 0x1234 {
		t.Fatalf("Get(0) = %#04x, %v; want 0x1234, true", v, ok)
	}
	if v, ok := b.Get(3); !ok || v != 0xABCD {
		t.Fatalf("Get(3) = %#04x, %v; want 0xabcd, true", v, ok)
	}
	if _, ok := b.Get(4); ok {
		t.Fatal("Get(4) should be out of range")
	}
	if _, ok := b.Get(-1); ok {
		t.Fatal("Get(-1) should be out of range")
	}
}

func TestWordBankRange(t *testing.T) {
	b := NewWordBank("test", 4)
	if !b.SetRange(1, []uint16{1, 2, 3}) {
		t.Fatal("SetRange rejected valid range")
	}
	got, ok := b.GetRange(0, 4)
	if !ok {
		t.Fatal("GetRange rejected valid range")
	}
	want := []uint16{0, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetRange()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if _, ok := b.GetRange(2, 3); ok {
		t.Fatal("GetRange should reject a range extending past capacity")
	}
}

func TestWordBankBigEndianWire(t *testing.T) {
	b := NewWordBank("test", 1)
	b.Set(0, 0x1234)
	raw := b.Bytes()
	if raw[0] != 0x12 || raw[1] != 0x34 {
		t.Fatalf("Bytes() = %02x %02x, want big-endian 12 34", raw[0], raw[1])
	}
}

func TestBitBankRoundTrip(t *testing.T) {
	b := NewBitBank("test", 10)
	if b.Capacity() != 10 {
		t.Fatalf("Capacity() = %d, want 10", b.Capacity())
	}
	b.Set(0, true)
	b.Set(9, true)
	if v, ok := b.Get(0); !ok || !v {
		t.Fatal("Get(0) should be true")
	}
	if v, ok := b.Get(1); !ok || v {
		t.Fatal("Get(1) should be false")
	}
	if v, ok := b.Get(9); !ok || !v {
		t.Fatal("Get(9) should be true")
	}
	if _, ok := b.Get(10); ok {
		t.Fatal("Get(10) should be out of range")
	}
}

func TestBitBankRange(t *testing.T) {
	b := NewBitBank("test", 16)
	vals := []bool{true, false, true, true, false}
	if !b.SetRange(3, vals) {
		t.Fatal("SetRange rejected valid range")
	}
	got, ok := b.GetRange(3, len(vals))
	if !ok {
		t.Fatal("GetRange rejected valid range")
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("GetRange()[%d] = %v, want %v", i, got[i], vals[i])
		}
	}
}

func TestNewBanksCapacities(t *testing.T) {
	b := NewBanks()
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"PDIn1", b.PDIn1.Capacity(), PDWordCount1},
		{"PDOut1", b.PDOut1.Capacity(), PDWordCount1},
		{"PDIn2", b.PDIn2.Capacity(), PDWordCount2},
		{"CoilIn1", b.CoilIn1.Capacity(), CoilBitCount1},
		{"CoilIn2", b.CoilIn2.Capacity(), CoilBitCount2},
		{"Watchdog", b.Watchdog.Capacity(), WatchdogWords},
		{"KBUSInfo", b.KBUSInfo.Capacity(), KBUSInfoWords},
		{"MAC", b.MAC.Capacity(), MACWords},
		{"Const", b.Const.Capacity(), ConstWords},
		{"Descr", b.Descr.Capacity(), DescrWords},
		{"Assembly1", b.Assembly[0].Capacity(), AssemblySlab1Cap},
		{"Assembly2", b.Assembly[1].Capacity(), AssemblySlab2Cap},
		{"Assembly3", b.Assembly[2].Capacity(), AssemblySlab3Cap},
		{"Assembly4", b.Assembly[3].Capacity(), AssemblySlab4Cap},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s.Capacity() = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestNewBanksConstValues(t *testing.T) {
	b := NewBanks()
	want := []uint16{0x0000, 0xFFFF, 0x1234, 0xAAAA, 0x5555, 0x7FFF, 0x8000, 0x3FFF, 0x4000}
	for i, w := range want {
		if v, _ := b.Const.Get(i); v != w {
			t.Errorf("Const[%d] = %#04x, want %#04x", i, v, w)
		}
	}
}

func TestNewBanksCouplerIdentifier(t *testing.T) {
	b := NewBanks()
	if v, _ := b.Assembly[0].Get(0); v != CouplerIdentifier {
		t.Errorf("Assembly[0][0] = %d, want %d (coupler identifier)", v, CouplerIdentifier)
	}
}

func TestSetAssemblyTerminalsRouting(t *testing.T) {
	b := NewBanks()
	ids := make([]uint16, 255)
	for i := range ids {
		ids[i] = uint16(i + 1)
	}
	b.SetAssemblyTerminals(ids)

	// Terminal 1 -> slab1[1], terminal 64 -> slab1[64].
	if v, _ := b.Assembly[0].Get(1); v != 1 {
		t.Errorf("terminal 1 routed to slab1[1] = %d, want 1", v)
	}
	if v, _ := b.Assembly[0].Get(64); v != 64 {
		t.Errorf("terminal 64 routed to slab1[64] = %d, want 64", v)
	}
	// Terminal 65 -> slab2[0], terminal 128 -> slab2[63].
	if v, _ := b.Assembly[1].Get(0); v != 65 {
		t.Errorf("terminal 65 routed to slab2[0] = %d, want 65", v)
	}
	if v, _ := b.Assembly[1].Get(63); v != 128 {
		t.Errorf("terminal 128 routed to slab2[63] = %d, want 128", v)
	}
	// Terminal 129 -> slab3[0], terminal 192 -> slab3[63].
	if v, _ := b.Assembly[2].Get(0); v != 129 {
		t.Errorf("terminal 129 routed to slab3[0] = %d, want 129", v)
	}
	if v, _ := b.Assembly[2].Get(63); v != 192 {
		t.Errorf("terminal 192 routed to slab3[63] = %d, want 192", v)
	}
	// Terminal 193 -> slab4[0], terminal 255 -> slab4[62]. This is the
	// fixed routing: the original driver's loop put these back into
	// slab3, clobbering terminals 129-192.
	if v, _ := b.Assembly[3].Get(0); v != 193 {
		t.Errorf("terminal 193 routed to slab4[0] = %d, want 193 (off-by-one fix)", v)
	}
	if v, _ := b.Assembly[3].Get(62); v != 255 {
		t.Errorf("terminal 255 routed to slab4[62] = %d, want 255", v)
	}
	// slab3 must still hold terminal 192's value untouched.
	if v, _ := b.Assembly[2].Get(63); v != 192 {
		t.Errorf("slab3[63] clobbered: got %d, want 192", v)
	}
}

func TestClearOutputsLeavesInputsAlone(t *testing.T) {
	b := NewBanks()
	b.PDIn1.Set(0, 0x1111)
	b.PDOut1.Set(0, 0x2222)
	b.CoilOut1.Set(0, true)

	b.ClearOutputs()

	if v, _ := b.PDIn1.Get(0); v != 0x1111 {
		t.Errorf("ClearOutputs must not touch PDIn1, got %#04x", v)
	}
	if v, _ := b.PDOut1.Get(0); v != 0 {
		t.Errorf("ClearOutputs must zero PDOut1, got %#04x", v)
	}
	if v, _ := b.CoilOut1.Get(0); v {
		t.Error("ClearOutputs must zero CoilOut1")
	}
}

func TestBanksAreDisjoint(t *testing.T) {
	b := NewBanks()
	b.PDIn1.Set(0, 0xBEEF)
	if v, _ := b.PDOut1.Get(0); v == 0xBEEF {
		t.Fatal("PDIn1 and PDOut1 must be independently backed")
	}
	b.PDIn2.Set(0, 0xBEEF)
	if v, _ := b.PDIn1.Get(0); v == 0xBEEF && b.PDIn1 != b.PDIn2 {
		// distinct banks of differing sizes; sanity check only
		_ = v
	}
}

func TestSetDescription(t *testing.T) {
	b := NewBanks()
	b.SetDescription("1.4.0")
	raw := b.Descr.Bytes()
	want := "MODBUSPFCSLAVE-1.4.0"
	for i := 0; i < len(want); i++ {
		if raw[i] != want[i] {
			t.Fatalf("Descr bytes[%d] = %q, want %q", i, raw[i], want[i])
		}
	}
}
