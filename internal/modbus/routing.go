package modbus

import "github.com/kbusgw/kbusmodbusgw/internal/regbank"

// Address windows, word-addressed, per the gateway's register map.
const (
	pdIn1Base   = 0x0000
	pdIn1End    = 0x00FF
	pdOut1Base  = 0x0200
	pdOut1End   = 0x02FF
	pdIn2Base   = 0x6000
	pdIn2End    = 0x62FB
	pdOut2Base  = 0x7000
	pdOut2End   = 0x72FB

	watchdogBase = 0x1000
	watchdogEnd  = 0x100B
	kbusInfoBase = 0x1022
	kbusInfoEnd  = 0x1025
	macBase      = 0x1031
	macEnd       = 0x1033
	constBase    = 0x2000
	constEnd     = 0x2008
	descrBase    = 0x2020
	descrEnd     = 0x202F

	// ASSEMBLY is four variable-length slabs packed contiguously from
	// 0x2030, sized 65/64/64/63 words (see DESIGN.md for why this
	// differs from the four-address shorthand in the bank table).
	assemblyBase = 0x2030
)

// Coil (bit) address windows.
const (
	coilIn1Base  = 0
	coilIn1End   = 511
	coilOut1Base = 0
	coilOut1End  = 511
	coilOut1MirrorBase = 512
	coilOut1MirrorEnd  = 1023

	coilIn2Base  = 0x8000
	coilIn2End   = 0x85F7
	coilOut2Base = 0x8000
	coilOut2End  = 0x85F7
	coilOut2MirrorBase = 0x9000
	coilOut2MirrorEnd  = 0x95F7
)

func assemblySlabWindow(slab int) (base, end int) {
	caps := []int{regbank.AssemblySlab1Cap, regbank.AssemblySlab2Cap, regbank.AssemblySlab3Cap, regbank.AssemblySlab4Cap}
	base = assemblyBase
	for i := 0; i < slab; i++ {
		base += caps[i]
	}
	end = base + caps[slab] - 1
	return base, end
}

// registerReadMapping resolves a register-read address (FC 0x03,
// 0x04, 0x17's read half, 0x42) to its backing bank and local index.
// It implements the documented quirk: the 512-767 alias of PD-OUT-1
// reads back the *output* bank, not an input bank.
func registerReadMapping(banks *regbank.Banks, addr int) (*regbank.WordBank, int, bool) {
	switch {
	case addr >= pdIn1Base && addr <= pdIn1End:
		return banks.PDIn1, addr - pdIn1Base, true
	case addr >= pdOut1Base && addr <= pdOut1End:
		return banks.PDOut1, addr - pdOut1Base, true
	case addr >= pdIn2Base && addr <= pdIn2End:
		return banks.PDIn2, addr - pdIn2Base, true
	case addr >= pdOut2Base && addr <= pdOut2End:
		return banks.PDOut2, addr - pdOut2Base, true
	case addr >= watchdogBase && addr <= watchdogEnd:
		return banks.Watchdog, addr - watchdogBase, true
	case addr >= kbusInfoBase && addr <= kbusInfoEnd:
		return banks.KBUSInfo, addr - kbusInfoBase, true
	case addr >= macBase && addr <= macEnd:
		return banks.MAC, addr - macBase, true
	case addr >= constBase && addr <= constEnd:
		return banks.Const, addr - constBase, true
	case addr >= descrBase && addr <= descrEnd:
		return banks.Descr, addr - descrBase, true
	}
	if bank, local, ok := assemblyMapping(banks, addr); ok {
		return bank, local, true
	}
	return nil, 0, false
}

// registerWriteMapping resolves a register-write address (FC 0x06,
// 0x10, 0x17's write half, 0x16) to its backing bank and local index.
// Unlike the read side, addresses 0-255 route to PD-OUT-1 (there is
// no way to write PD-IN directly) and 512-767 aliases the same array.
func registerWriteMapping(banks *regbank.Banks, addr int) (*regbank.WordBank, int, bool) {
	switch {
	case addr >= pdIn1Base && addr <= pdIn1End:
		return banks.PDOut1, addr - pdIn1Base, true
	case addr >= pdOut1Base && addr <= pdOut1End:
		return banks.PDOut1, addr - pdOut1Base, true
	case addr >= pdOut2Base && addr <= pdOut2End:
		return banks.PDOut2, addr - pdOut2Base, true
	case addr >= watchdogBase && addr <= watchdogEnd:
		return banks.Watchdog, addr - watchdogBase, true
	}
	return nil, 0, false
}

func assemblyMapping(banks *regbank.Banks, addr int) (*regbank.WordBank, int, bool) {
	for slab := 0; slab < 4; slab++ {
		base, end := assemblySlabWindow(slab)
		if addr >= base && addr <= end {
			return banks.Assembly[slab], addr - base, true
		}
	}
	return nil, 0, false
}

// coilReadMapping resolves a coil/discrete-input read address (FC
// 0x01, 0x02) to its backing bit bank and local index, preserving the
// same output-mirror quirk as the register side.
func coilReadMapping(banks *regbank.Banks, addr int) (*regbank.BitBank, int, bool) {
	switch {
	case addr >= coilIn1Base && addr <= coilIn1End:
		return banks.CoilIn1, addr - coilIn1Base, true
	case addr >= coilOut1MirrorBase && addr <= coilOut1MirrorEnd:
		return banks.CoilOut1, addr - coilOut1MirrorBase, true
	case addr >= coilIn2Base && addr <= coilIn2End:
		return banks.CoilIn2, addr - coilIn2Base, true
	case addr >= coilOut2MirrorBase && addr <= coilOut2MirrorEnd:
		return banks.CoilOut2, addr - coilOut2MirrorBase, true
	}
	return nil, 0, false
}

// coilWriteMapping resolves a coil write address (FC 0x05, 0x0F) to
// its backing bit bank and local index. 0-511 and 512-1023 are a true
// alias of the same COIL-OUT-1 array; likewise for area 2.
func coilWriteMapping(banks *regbank.Banks, addr int) (*regbank.BitBank, int, bool) {
	switch {
	case addr >= coilOut1Base && addr <= coilOut1End:
		return banks.CoilOut1, addr - coilOut1Base, true
	case addr >= coilOut1MirrorBase && addr <= coilOut1MirrorEnd:
		return banks.CoilOut1, addr - coilOut1MirrorBase, true
	case addr >= coilOut2Base && addr <= coilOut2End:
		return banks.CoilOut2, addr - coilOut2Base, true
	case addr >= coilOut2MirrorBase && addr <= coilOut2MirrorEnd:
		return banks.CoilOut2, addr - coilOut2MirrorBase, true
	}
	return nil, 0, false
}

// isWatchdogAddr reports whether addr falls in the WATCHDOG bank's
// address window, so the dispatcher can route writes through the
// watchdog's special per-word semantics instead of a plain Set.
func isWatchdogAddr(addr int) bool {
	return addr >= watchdogBase && addr <= watchdogEnd
}
