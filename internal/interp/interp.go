// Package interp executes one decoded guest instruction at a time
// directly against the guest state, without emitting host code. It is the
// startup path before a block is translated, the run loop's fallback when
// a block cannot be built at its first instruction (those are unrecognized
// bytes and general bitfield moves, which Interpret rejects as well with
// ErrUnknown and ErrUnsupported), and the reference semantics the
// translator is tested against: for every supported kind, interpreting an
// instruction must leave the state byte-identical to executing a
// one-instruction translated block.
package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/arm64x/dbt/internal/decoder"
	"github.com/arm64x/dbt/internal/state"
)

var (
	// ErrUnknown is returned for bytes the decoder cannot classify.
	ErrUnknown = errors.New("interp: unknown instruction")
	// ErrUnsupported is returned for decoded-but-unimplemented forms
	// (general bitfield moves outside the recognized aliases).
	ErrUnsupported = errors.New("interp: unsupported instruction form")
)

// Memory is the guest data-memory access the interpreter needs. The
// runtime's GuestMemory satisfies it.
type Memory interface {
	ReadAt(addr uint64, p []byte) error
	WriteAt(addr uint64, p []byte) error
}

// Interpret executes insn against s, returning the PC of the next
// instruction: the branch target for control transfers, pc+length for
// everything else.
func Interpret(insn decoder.DecodedInsn, s *state.State, mem Memory, pc uint64) (uint64, error) {
	next := pc + uint64(insn.Length)

	switch insn.Kind {
	case decoder.KindUnknown:
		return pc, ErrUnknown

	case decoder.KindNop:

	case decoder.KindArithRR:
		if insn.ArithOp == decoder.OpSdiv || insn.ArithOp == decoder.OpUdiv {
			divide(insn, s)
			break
		}
		a := narrow(s.Reg(int(insn.Rn)), insn.Is64)
		b := narrow(shiftedOperand(s.Reg(int(insn.Rm)), insn), insn.Is64)
		var r uint64
		if insn.ArithOp == decoder.OpAdd {
			r = narrow(a+b, insn.Is64)
			if insn.SetFlags {
				s.UpdateFlagsAdd(a, b, r, insn.Is64)
			}
		} else {
			r = narrow(a-b, insn.Is64)
			if insn.SetFlags {
				s.UpdateFlagsSub(a, b, r, insn.Is64)
			}
		}
		s.SetReg(int(insn.Rd), r)

	case decoder.KindArithRI:
		a := narrow(readSP(s, insn.Rn), insn.Is64)
		b := narrow(uint64(insn.Imm), insn.Is64)
		var r uint64
		if insn.ArithOp == decoder.OpAdd {
			r = narrow(a+b, insn.Is64)
			if insn.SetFlags {
				s.UpdateFlagsAdd(a, b, r, insn.Is64)
			}
		} else {
			r = narrow(a-b, insn.Is64)
			if insn.SetFlags {
				s.UpdateFlagsSub(a, b, r, insn.Is64)
			}
		}
		if insn.SetFlags {
			s.SetReg(int(insn.Rd), r) // Rd==31 is XZR in the S form
		} else {
			writeSP(s, insn.Rd, r)
		}

	case decoder.KindLogicalRR:
		a := s.Reg(int(insn.Rn))
		b := shiftedOperand(s.Reg(int(insn.Rm)), insn)
		var r uint64
		switch insn.LogicalOp {
		case decoder.OpAnd:
			r = a & b
		case decoder.OpOr:
			r = a | b
		case decoder.OpXor:
			r = a ^ b
		}
		r = narrow(r, insn.Is64)
		if insn.SetFlags {
			s.UpdateFlagsLogical(r, insn.Is64)
		}
		s.SetReg(int(insn.Rd), r)

	case decoder.KindShiftRR:
		a := narrow(s.Reg(int(insn.Rn)), insn.Is64)
		var amt uint
		if insn.SetFlags {
			amt = uint(insn.Imm) // immediate-form marker
		} else {
			amt = uint(s.Reg(int(insn.Rm)))
		}
		width := uint(64)
		if !insn.Is64 {
			width = 32
		}
		amt %= width
		var r uint64
		switch insn.ShiftOp {
		case decoder.OpLsl:
			r = a << amt
		case decoder.OpLsr:
			r = a >> amt
		case decoder.OpAsr:
			if insn.Is64 {
				r = uint64(int64(a) >> amt)
			} else {
				r = uint64(uint32(int32(uint32(a)) >> amt))
			}
		case decoder.OpRor:
			if insn.Is64 {
				r = bits.RotateLeft64(a, -int(amt))
			} else {
				r = uint64(bits.RotateLeft32(uint32(a), -int(amt)))
			}
		}
		s.SetReg(int(insn.Rd), narrow(r, insn.Is64))

	case decoder.KindMulAdd:
		n := s.Reg(int(insn.Rn))
		m := s.Reg(int(insn.Rm))
		acc := s.Reg(int(insn.Ra))
		var r uint64
		if insn.ArithOp == decoder.OpAdd {
			r = acc + n*m
		} else {
			r = acc - n*m
		}
		s.SetReg(int(insn.Rd), narrow(r, insn.Is64))

	case decoder.KindMoveWide:
		chunk := uint64(insn.Imm) << uint(insn.ShiftAmt)
		var r uint64
		switch {
		case insn.Keep: // MOVK
			mask := uint64(0xFFFF) << uint(insn.ShiftAmt)
			r = (s.Reg(int(insn.Rd)) &^ mask) | chunk
		case insn.Signed: // MOVN
			r = ^chunk
		default: // MOVZ
			r = chunk
		}
		s.SetReg(int(insn.Rd), narrow(r, insn.Is64))

	case decoder.KindMoveReg:
		s.SetReg(int(insn.Rd), narrow(s.Reg(int(insn.Rm)), insn.Is64))

	case decoder.KindExtend:
		v := s.Reg(int(insn.Rn))
		var r uint64
		switch insn.ExtendOp {
		case decoder.ExtUXTB:
			r = v & 0xFF
		case decoder.ExtUXTH:
			r = v & 0xFFFF
		case decoder.ExtUXTW:
			r = v & 0xFFFFFFFF
		case decoder.ExtSXTB:
			r = uint64(int64(int8(v)))
		case decoder.ExtSXTH:
			r = uint64(int64(int16(v)))
		case decoder.ExtSXTW:
			r = uint64(int64(int32(v)))
		}
		s.SetReg(int(insn.Rd), narrow(r, insn.Is64))

	case decoder.KindLea:
		target := pc + uint64(insn.Imm)
		if insn.SetFlags { // ADRP
			target = (pc &^ 0xFFF) + uint64(insn.Imm)
		}
		s.SetReg(int(insn.Rd), target)

	case decoder.KindLoad:
		addr, err := memAddr(insn, s, insn.Rn, int(insn.Rm))
		if err != nil {
			return pc, err
		}
		v, err := loadWidth(mem, addr, insn.Width)
		if err != nil {
			return pc, err
		}
		if insn.Signed {
			v = signExtendWidth(v, insn.Width)
			if !insn.Is64 {
				v = uint64(uint32(v))
			}
		}
		s.SetReg(int(insn.Rd), v)

	case decoder.KindStore:
		addr, err := memAddr(insn, s, insn.Rd, int(insn.Ra))
		if err != nil {
			return pc, err
		}
		if err := storeWidth(mem, addr, insn.Width, s.Reg(int(insn.Rm))); err != nil {
			return pc, err
		}

	case decoder.KindLoadPair:
		addr, err := memAddr(insn, s, insn.Rn, -1)
		if err != nil {
			return pc, err
		}
		lo, err := loadWidth(mem, addr, decoder.MemW64)
		if err != nil {
			return pc, err
		}
		hi, err := loadWidth(mem, addr+8, decoder.MemW64)
		if err != nil {
			return pc, err
		}
		s.SetReg(int(insn.Rd), lo)
		s.SetReg(int(insn.Rm), hi)

	case decoder.KindStorePair:
		addr, err := memAddr(insn, s, insn.Rn, -1)
		if err != nil {
			return pc, err
		}
		if err := storeWidth(mem, addr, decoder.MemW64, s.Reg(int(insn.Rd))); err != nil {
			return pc, err
		}
		if err := storeWidth(mem, addr+8, decoder.MemW64, s.Reg(int(insn.Rm))); err != nil {
			return pc, err
		}

	case decoder.KindCompare:
		if insn.ArithOp == decoder.OpSub {
			var a, b uint64
			if insn.Mode == decoder.AddrRegOffset {
				a = narrow(s.Reg(int(insn.Rn)), insn.Is64)
				b = narrow(shiftedOperand(s.Reg(int(insn.Rm)), insn), insn.Is64)
			} else {
				a = narrow(readSP(s, insn.Rn), insn.Is64)
				b = narrow(uint64(insn.Imm), insn.Is64)
			}
			s.UpdateFlagsSub(a, b, narrow(a-b, insn.Is64), insn.Is64)
		} else {
			a := s.Reg(int(insn.Rn))
			b := shiftedOperand(s.Reg(int(insn.Rm)), insn)
			s.UpdateFlagsLogical(narrow(a&b, insn.Is64), insn.Is64)
		}

	case decoder.KindCondSet:
		var r uint64
		if s.EvalCond(byte(insn.Cond)) {
			r = 1
		}
		s.SetReg(int(insn.Rd), r)

	case decoder.KindCount:
		v := s.Reg(int(insn.Rn))
		var r uint64
		if insn.Is64 {
			r = uint64(bits.LeadingZeros64(v))
		} else {
			r = uint64(bits.LeadingZeros32(uint32(v)))
		}
		s.SetReg(int(insn.Rd), r)

	case decoder.KindBitfield:
		return pc, fmt.Errorf("%w: ubfm/sbfm immr=%d imms=%d", ErrUnsupported, insn.Imm>>8, insn.Imm&0xFF)

	case decoder.KindBranch:
		if insn.SetFlags { // BL
			s.SetReg(30, pc+4)
		}
		return pc + uint64(insn.Imm), nil

	case decoder.KindBranchReg:
		target := s.Reg(int(insn.Rn))
		if insn.SetFlags { // BLR
			s.SetReg(30, pc+4)
		}
		return target, nil

	case decoder.KindBranchCond:
		if insn.Cond == decoder.CondAL || insn.Cond == decoder.CondNV || s.EvalCond(byte(insn.Cond)) {
			return pc + uint64(insn.Imm), nil
		}
		return pc + 4, nil

	case decoder.KindCompareBranch:
		v := narrow(s.Reg(int(insn.Rd)), insn.Is64)
		taken := v == 0
		if insn.SetFlags { // CBNZ
			taken = !taken
		}
		if taken {
			return pc + uint64(insn.Imm), nil
		}
		return pc + 4, nil

	case decoder.KindTestBranch:
		bit := s.Reg(int(insn.Rd)) >> uint(insn.ShiftAmt) & 1
		taken := bit == 0
		if insn.SetFlags { // TBNZ
			taken = !taken
		}
		if taken {
			return pc + uint64(insn.Imm), nil
		}
		return pc + 4, nil

	case decoder.KindSyscall:
		s.Reason = state.ReasonSyscall
		return pc + 4, nil

	case decoder.KindBreakpoint:
		s.Reason = state.ReasonBreakpoint
		return pc + 4, nil

	default:
		return pc, fmt.Errorf("%w: kind %v", ErrUnsupported, insn.Kind)
	}

	return next, nil
}

// divide implements SDIV/UDIV with the guest's corner cases: x/0 == 0 and
// most-negative/-1 == most-negative, neither of which traps.
func divide(insn decoder.DecodedInsn, s *state.State) {
	n := s.Reg(int(insn.Rn))
	m := s.Reg(int(insn.Rm))
	var r uint64
	if insn.ArithOp == decoder.OpUdiv {
		if insn.Is64 {
			if m != 0 {
				r = n / m
			}
		} else {
			n32, m32 := uint32(n), uint32(m)
			if m32 != 0 {
				r = uint64(n32 / m32)
			}
		}
	} else {
		if insn.Is64 {
			a, b := int64(n), int64(m)
			switch {
			case b == 0:
				r = 0
			case a == -1<<63 && b == -1:
				r = uint64(a)
			default:
				r = uint64(a / b)
			}
		} else {
			a, b := int32(uint32(n)), int32(uint32(m))
			switch {
			case b == 0:
				r = 0
			case a == -1<<31 && b == -1:
				r = uint64(uint32(a))
			default:
				r = uint64(uint32(a / b))
			}
		}
	}
	s.SetReg(int(insn.Rd), r)
}

// memAddr computes the guest effective address for any addressing mode
// and performs pre/post-index base writeback, mirroring the builder's
// memSetup byte for byte.
func memAddr(insn decoder.DecodedInsn, s *state.State, base uint8, idx int) (uint64, error) {
	b := readSP(s, base)
	switch insn.Mode {
	case decoder.AddrRegOffset:
		return b + s.Reg(idx)<<uint(insn.ShiftAmt), nil
	case decoder.AddrUnsignedOffset:
		return b + uint64(insn.Imm), nil
	case decoder.AddrPreIndex:
		addr := b + uint64(insn.Imm)
		writeSP(s, base, addr)
		return addr, nil
	case decoder.AddrPostIndex:
		writeSP(s, base, b+uint64(insn.Imm))
		return b, nil
	default:
		return 0, fmt.Errorf("%w: addressing mode %d", ErrUnsupported, insn.Mode)
	}
}

func loadWidth(mem Memory, addr uint64, w decoder.MemWidth) (uint64, error) {
	var buf [8]byte
	p := buf[:w/8]
	if err := mem.ReadAt(addr, p); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func storeWidth(mem Memory, addr uint64, w decoder.MemWidth, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return mem.WriteAt(addr, buf[:w/8])
}

func signExtendWidth(v uint64, w decoder.MemWidth) uint64 {
	switch w {
	case decoder.MemW8:
		return uint64(int64(int8(v)))
	case decoder.MemW16:
		return uint64(int64(int16(v)))
	case decoder.MemW32:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

// shiftedOperand applies the decoded second-operand shift (LSL-only in
// the register data-processing forms this decoder recognizes).
func shiftedOperand(v uint64, insn decoder.DecodedInsn) uint64 {
	if insn.ShiftAmt == 0 {
		return v
	}
	if !insn.Is64 {
		// The W form shifts the 32-bit view of the register.
		v = uint64(uint32(v))
		switch insn.ShiftOp {
		case decoder.OpLsl:
			v <<= uint(insn.ShiftAmt)
		case decoder.OpLsr:
			v >>= uint(insn.ShiftAmt)
		case decoder.OpAsr:
			v = uint64(uint32(int32(uint32(v)) >> uint(insn.ShiftAmt)))
		}
		return uint64(uint32(v))
	}
	switch insn.ShiftOp {
	case decoder.OpLsl:
		v <<= uint(insn.ShiftAmt)
	case decoder.OpLsr:
		v >>= uint(insn.ShiftAmt)
	case decoder.OpAsr:
		v = uint64(int64(v) >> uint(insn.ShiftAmt))
	}
	return v
}

// narrow truncates to the 32-bit register form when is64 is false.
func narrow(v uint64, is64 bool) uint64 {
	if is64 {
		return v
	}
	return uint64(uint32(v))
}

// readSP reads guest register r with the SP interpretation of r==31.
func readSP(s *state.State, r uint8) uint64 {
	if r == 31 {
		return s.SP
	}
	return s.Reg(int(r))
}

// writeSP writes guest register r with the SP interpretation of r==31.
func writeSP(s *state.State, r uint8, v uint64) {
	if r == 31 {
		s.SP = v
		return
	}
	s.SetReg(int(r), v)
}
