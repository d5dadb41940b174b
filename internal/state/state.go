// Package state holds the guest (ARM64) architectural state that
// translated host code reads and writes directly: the 31 general-purpose
// registers, SP, PC, the NZCV condition flags, and the vector register
// file. Translated code addresses this struct by fixed field offset, so
// its layout must not be reordered without re-deriving every offset the
// builder's memory translators bake into emitted code.
package state

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/holiman/uint256"
)

// NZCV bit positions within the Flags word, matching ARM64 PSTATE.
const (
	FlagV = 1 << 28 // overflow
	FlagC = 1 << 29 // carry
	FlagZ = 1 << 30 // zero
	FlagN = 1 << 31 // negative
)

// NumGPR is the guest's general-purpose register count (X0-X30; X31 is
// context-dependent SP/XZR and is not stored here — SP has its own field,
// and XZR is synthesized by the builder rather than backed by storage).
const NumGPR = 31

// NumVector is the guest vector register count (V0-V31).
const NumVector = 32

// Reason codes a translated block (or the interpreter) leaves in
// State.Reason before returning to the runtime loop, telling the loop why
// control came back instead of continuing to another block.
const (
	ReasonNone = iota
	ReasonSyscall
	ReasonBreakpoint
)

// State is the full guest register file. Translated code and the
// interpreter both operate on the same struct so execution can hand off
// between them at any block boundary.
type State struct {
	GPR   [NumGPR]uint64
	SP    uint64
	PC    uint64
	Flags uint32 // NZCV in the top 4 bits; low bits reserved, always zero

	// Reason is written by block epilogues that end at an SVC or BRK, and
	// cleared by the runtime once it has acted on it.
	Reason uint64

	// Syscall scratch: the runtime snapshots the call number (guest X8)
	// here before dispatching, and the dispatcher leaves the result here
	// for the runtime to write back into guest X0.
	SyscallNum uint64
	SyscallRes uint64

	Vector [NumVector]uint256.Int
}

// New returns a zeroed guest state with PC set to entry.
func New(entry uint64) *State {
	return &State{PC: entry}
}

// Reg returns GPR n (0..30) or, for n==31, XZR as the constant 0 — the
// zero register is never storage-backed.
func (s *State) Reg(n int) uint64 {
	if n == 31 {
		return 0
	}
	return s.GPR[n]
}

// SetReg writes GPR n. Writes to XZR (n==31) are silently discarded,
// matching the guest ISA's treatment of the zero register as a sink.
func (s *State) SetReg(n int, v uint64) {
	if n == 31 {
		return
	}
	s.GPR[n] = v
}

func (s *State) flagBool(mask uint32) bool { return s.Flags&mask != 0 }

// N, Z, C, V read the individual condition flags.
func (s *State) N() bool { return s.flagBool(FlagN) }
func (s *State) Z() bool { return s.flagBool(FlagZ) }
func (s *State) C() bool { return s.flagBool(FlagC) }
func (s *State) V() bool { return s.flagBool(FlagV) }

func (s *State) setFlag(mask uint32, v bool) {
	if v {
		s.Flags |= mask
	} else {
		s.Flags &^= mask
	}
}

// UpdateFlagsAdd sets NZCV for a 64-bit or 32-bit addition a+b=result,
// following the standard ARM64 ADDS definitions: C is the unsigned carry
// out, V is the signed overflow.
func (s *State) UpdateFlagsAdd(a, b, result uint64, is64 bool) {
	if !is64 {
		a, b, result = uint64(uint32(a)), uint64(uint32(b)), uint64(uint32(result))
	}
	s.setFlag(FlagN, signBit(result, is64))
	s.setFlag(FlagZ, result == 0)
	s.setFlag(FlagC, result < a) // unsigned overflow iff the sum wrapped
	s.setFlag(FlagV, addOverflow(a, b, result, is64))
}

// UpdateFlagsSub sets NZCV for a-b=result (SUBS/CMP), where carry set
// means "no borrow" per ARM64 convention (the inverse of x86).
func (s *State) UpdateFlagsSub(a, b, result uint64, is64 bool) {
	if !is64 {
		a, b, result = uint64(uint32(a)), uint64(uint32(b)), uint64(uint32(result))
	}
	s.setFlag(FlagN, signBit(result, is64))
	s.setFlag(FlagZ, result == 0)
	s.setFlag(FlagC, a >= b)
	s.setFlag(FlagV, subOverflow(a, b, result, is64))
}

// UpdateFlagsLogical sets NZ from result and clears C and V, matching
// ARM64's ANDS/TST (logical ops never set carry or overflow).
func (s *State) UpdateFlagsLogical(result uint64, is64 bool) {
	if !is64 {
		result = uint64(uint32(result))
	}
	s.setFlag(FlagN, signBit(result, is64))
	s.setFlag(FlagZ, result == 0)
	s.setFlag(FlagC, false)
	s.setFlag(FlagV, false)
}

func signBit(v uint64, is64 bool) bool {
	if is64 {
		return v&(1<<63) != 0
	}
	return v&(1<<31) != 0
}

func addOverflow(a, b, result uint64, is64 bool) bool {
	bit := uint(63)
	if !is64 {
		bit = 31
	}
	return (a>>bit)&1 == (b>>bit)&1 && (result>>bit)&1 != (a>>bit)&1
}

func subOverflow(a, b, result uint64, is64 bool) bool {
	bit := uint(63)
	if !is64 {
		bit = 31
	}
	return (a>>bit)&1 != (b>>bit)&1 && (result>>bit)&1 != (a>>bit)&1
}

// EvalCond reports whether the given ARM64 condition holds against the
// current flags, per the standard A64 condition-code truth table.
func (s *State) EvalCond(cond byte) bool {
	n, z, c, v := s.N(), s.Z(), s.C(), s.V()
	switch cond & 0xF {
	case 0x0:
		return z // EQ
	case 0x1:
		return !z // NE
	case 0x2:
		return c // CS/HS
	case 0x3:
		return !c // CC/LO
	case 0x4:
		return n // MI
	case 0x5:
		return !n // PL
	case 0x6:
		return v // VS
	case 0x7:
		return !v // VC
	case 0x8:
		return c && !z // HI
	case 0x9:
		return !c || z // LS
	case 0xA:
		return n == v // GE
	case 0xB:
		return n != v // LT
	case 0xC:
		return !z && n == v // GT
	case 0xD:
		return z || n != v // LE
	case 0xE:
		return true // AL
	default:
		return true
	}
}

// Vec returns vector register i as its low and high 64-bit words.
func (s *State) Vec(i int) (lo, hi uint64) {
	return s.Vector[i][0], s.Vector[i][1]
}

// SetVec writes vector register i from two 64-bit words. The upper 128
// bits of the backing value stay zero; only vector *storage* is modeled
// here, SIMD arithmetic is out of scope.
func (s *State) SetVec(i int, lo, hi uint64) {
	s.Vector[i] = uint256.Int{lo, hi, 0, 0}
}

// DumpRegisters renders the full register file for diagnostics. Nothing
// in the module calls it; errors and test failures do not attach it.
func (s *State) DumpRegisters() string {
	return fmt.Sprintf("PC=%#x SP=%#x Flags=%#x\n%s", s.PC, s.SP, s.Flags, spew.Sdump(s.GPR))
}
