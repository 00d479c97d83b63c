package process

import (
	"testing"

	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
)

func TestCopyRegisterOutUninitialized(t *testing.T) {
	dest := make([]byte, ImageCapacity)
	if n := CopyRegisterOut(nil, dest); n != 0 {
		t.Fatalf("CopyRegisterOut(nil) = %d, want 0", n)
	}
}

func TestCopyRegisterOutSplitsAcrossBanks(t *testing.T) {
	banks := regbank.NewBanks()
	banks.PDOut1.Set(0, 0xAAAA)
	banks.PDOut1.Set(regbank.PDWordCount1-1, 0xBBBB)
	banks.PDOut2.Set(0, 0xCCCC)

	dest := make([]byte, ImageCapacity)
	n := CopyRegisterOut(banks, dest)
	if n == 0 {
		t.Fatal("CopyRegisterOut copied 0 bytes")
	}
	if dest[0] != 0xAA || dest[1] != 0xAA {
		t.Fatalf("dest[0:2] = %02x %02x, want aa aa", dest[0], dest[1])
	}
	off := regbank.PDWordCount1 * 2
	if dest[off] != 0xCC || dest[off+1] != 0xCC {
		t.Fatalf("dest[%d:%d] = %02x %02x, want cc cc", off, off+2, dest[off], dest[off+1])
	}
}

func TestCopyRegisterInFillsBothBanks(t *testing.T) {
	banks := regbank.NewBanks()
	src := make([]byte, ImageCapacity)
	src[0] = 0x12
	src[1] = 0x34
	src[regbank.PDWordCount1*2] = 0x56
	src[regbank.PDWordCount1*2+1] = 0x78

	CopyRegisterIn(banks, src)

	if v, _ := banks.PDIn1.Get(0); v != 0x1234 {
		t.Errorf("PDIn1[0] = %#04x, want 0x1234", v)
	}
	if v, _ := banks.PDIn2.Get(0); v != 0x5678 {
		t.Errorf("PDIn2[0] = %#04x, want 0x5678", v)
	}
}

func TestMapWriteCoilsToRegisterAlias(t *testing.T) {
	banks := regbank.NewBanks()
	banks.CoilOut1.Set(0, true) // byte 0, bit 0 -> 0x01
	banks.CoilOut1.Set(8, true) // byte 1, bit 0 -> 0x01

	const offset = 4
	const bytesToWrite = 4 + 16 // leaves 16 bytes of coil data to map
	MapWriteCoilsToRegister(banks, bytesToWrite, offset)

	pdOut := banks.PDOut1.Bytes()
	if pdOut[offset] != 0x01 {
		t.Errorf("PDOut1 byte[%d] = %#02x, want 0x01", offset, pdOut[offset])
	}
	if pdOut[offset+1] != 0x01 {
		t.Errorf("PDOut1 byte[%d] = %#02x, want 0x01", offset+1, pdOut[offset+1])
	}
}

func TestMapReadCoilsToRegisterReverse(t *testing.T) {
	banks := regbank.NewBanks()
	pdIn := banks.PDIn1.Bytes()
	pdIn[2] = 0x01

	const offset = 2
	const bytesToRead = 2 + 8
	MapReadCoilsToRegister(banks, bytesToRead, offset)

	if v, _ := banks.CoilIn1.Get(0); !v {
		t.Error("CoilIn1[0] should be set after mapping PDIn1 byte 2 = 0x01")
	}
}

func TestMapWriteCoilsToRegisterNoOpWhenOffsetExceedsBytes(t *testing.T) {
	banks := regbank.NewBanks()
	banks.PDOut1.Set(0, 0xFFFF)
	MapWriteCoilsToRegister(banks, 2, 10) // bytesToWrite < offset
	if v, _ := banks.PDOut1.Get(0); v != 0xFFFF {
		t.Error("MapWriteCoilsToRegister must no-op, not corrupt PDOut1")
	}
}

func TestMapWriteCoilsToRegisterClampsToPDOutCapacity(t *testing.T) {
	banks := regbank.NewBanks()
	pdOut := banks.PDOut1.Bytes()

	// bytesToWrite - digitalOutByteOffset deliberately exceeds both the
	// coil bank's and PD-OUT-1's byte views; the mapping must clamp to
	// whichever is smaller rather than copy out of bounds.
	MapWriteCoilsToRegister(banks, len(pdOut)*4, 0)
}
