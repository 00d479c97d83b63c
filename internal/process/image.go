// Package process implements the two fixed-size process-image buffers
// that sit between the KBUS cycle engine and the register banks, and
// the copy functions that move bytes between them at defined cycle
// boundaries.
package process

import "github.com/kbusgw/kbusmodbusgw/internal/regbank"

// ImageCapacity is the fixed size, in bytes, of each process-image
// buffer. Only the first N bytes are significant in any given cycle,
// where N is derived from the backplane topology.
const ImageCapacity = 4096

// Image holds the two process-image buffers the cycle engine writes
// to and reads from on every bus cycle. Mutated only by the cycle
// engine while holding its cycle mutex.
type Image struct {
	In  [ImageCapacity]byte
	Out [ImageCapacity]byte
}

// NewImage returns a zeroed Image.
func NewImage() *Image { return &Image{} }

// CopyRegisterOut copies the output register banks into dest
// (typically Image.Out[:]), under the bank's write mutex. dest must
// have room for at least (IN_REG_1 + IN_REG_2) words; if it does not,
// nothing is copied. Returns the number of bytes copied, or 0 if banks
// is nil (uninitialized engine) or dest is too small.
func CopyRegisterOut(banks *regbank.Banks, dest []byte) int {
	if banks == nil {
		return 0
	}
	need := (regbank.PDWordCount1 + regbank.PDWordCount2) * 2
	if len(dest) < need {
		return 0
	}

	banks.WriteMu.Lock()
	defer banks.WriteMu.Unlock()

	n := copy(dest, banks.PDOut1.Bytes())
	if len(dest) > regbank.PDWordCount1*2 {
		n += copy(dest[regbank.PDWordCount1*2:], banks.PDOut2.Bytes())
	}
	return n
}

// CopyRegisterIn copies src (typically Image.In[:]) into the input
// register banks. Unlocked: the cycle engine is the sole writer of
// input banks, and dispatcher readers tolerate torn words rather than
// blocking on the bus cycle.
func CopyRegisterIn(banks *regbank.Banks, src []byte) {
	if banks == nil {
		return
	}
	n := copy(banks.PDIn1.Bytes(), src)
	if n < len(src) {
		copy(banks.PDIn2.Bytes(), src[n:])
	}
}

// MapWriteCoilsToRegister copies the leading
// bytesToWrite-digitalOutByteOffset bytes of the COIL-OUT-1 bitmap
// into PD-OUT-1's byte view starting at digitalOutByteOffset, under
// the write mutex. This is the byte-level alias the dispatcher and
// the cycle engine rely on: a coil write becomes visible in the
// process image at the next cycle boundary.
func MapWriteCoilsToRegister(banks *regbank.Banks, bytesToWrite, digitalOutByteOffset int) {
	if banks == nil {
		return
	}
	n := bytesToWrite - digitalOutByteOffset
	if n <= 0 {
		return
	}
	coils := banks.CoilOut1.Bytes()
	if n > len(coils) {
		n = len(coils)
	}
	pdOut := banks.PDOut1.Bytes()
	if digitalOutByteOffset+n > len(pdOut) {
		n = len(pdOut) - digitalOutByteOffset
	}
	if n <= 0 {
		return
	}

	banks.WriteMu.Lock()
	defer banks.WriteMu.Unlock()
	copy(pdOut[digitalOutByteOffset:digitalOutByteOffset+n], coils[:n])
}

// MapReadCoilsToRegister is the reverse, input-side mapping: it
// copies PD-IN-1's byte view starting at digitalInByteOffset into the
// COIL-IN-1 bitmap, unlocked, called on demand by every coil-read
// request rather than once per cycle.
func MapReadCoilsToRegister(banks *regbank.Banks, bytesToRead, digitalInByteOffset int) {
	if banks == nil {
		return
	}
	n := bytesToRead - digitalInByteOffset
	if n <= 0 {
		return
	}
	pdIn := banks.PDIn1.Bytes()
	if digitalInByteOffset+n > len(pdIn) {
		n = len(pdIn) - digitalInByteOffset
	}
	coils := banks.CoilIn1.Bytes()
	if n > len(coils) {
		n = len(coils)
	}
	if n <= 0 {
		return
	}
	copy(coils[:n], pdIn[digitalInByteOffset:digitalInByteOffset+n])
}
