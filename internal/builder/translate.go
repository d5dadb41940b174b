package builder

import (
	"fmt"

	"github.com/arm64x/dbt/internal/decoder"
	"github.com/arm64x/dbt/internal/emitter"
	"github.com/arm64x/dbt/internal/state"
)

// translator carries the per-block emission context: the emitter, the
// block record collecting chain fixups, and the guest-memory relocation
// delta baked into every emitted load and store.
type translator struct {
	em    *emitter.Emitter
	blk   *Block
	delta int64
}

// translate dispatches insn to its per-kind translator routine, appending
// host bytes through t.em. It returns true if insn is a terminator (the
// caller must stop the build loop).
func (t *translator) translate(insn decoder.DecodedInsn, pc uint64) bool {
	switch insn.Kind {
	case decoder.KindArithRR:
		t.arithRR(insn)
	case decoder.KindArithRI:
		t.arithRI(insn)
	case decoder.KindLogicalRR:
		t.logicalRR(insn)
	case decoder.KindShiftRR:
		t.shiftRR(insn)
	case decoder.KindMulAdd:
		t.mulAdd(insn)
	case decoder.KindMoveWide:
		t.moveWide(insn)
	case decoder.KindMoveReg:
		t.moveReg(insn)
	case decoder.KindExtend:
		t.extend(insn)
	case decoder.KindLea:
		t.lea(insn, pc)
	case decoder.KindLoad:
		t.load(insn)
	case decoder.KindStore:
		t.store(insn)
	case decoder.KindLoadPair:
		t.loadPair(insn)
	case decoder.KindStorePair:
		t.storePair(insn)
	case decoder.KindCompare:
		t.compare(insn)
	case decoder.KindCondSet:
		t.condSet(insn)
	case decoder.KindCount:
		t.count(insn)
	case decoder.KindNop:
		// Nothing to emit; the guest NOP has no architectural effect.
	case decoder.KindBranch:
		t.branch(insn, pc)
		return true
	case decoder.KindBranchReg:
		t.branchReg(insn, pc)
		return true
	case decoder.KindBranchCond:
		t.branchCond(insn, pc)
		return true
	case decoder.KindCompareBranch:
		t.compareBranch(insn, pc)
		return true
	case decoder.KindTestBranch:
		t.testBranch(insn, pc)
		return true
	case decoder.KindSyscall:
		t.syscallExit(pc)
		return true
	case decoder.KindBreakpoint:
		t.breakpointExit(pc)
		return true
	default:
		// Build filters unknown/bitfield kinds before dispatch, so a
		// kind landing here means the decoder and this switch disagree.
		panic(fmt.Errorf("%w: undispatchable kind %v at %#x", ErrInvariant, insn.Kind, pc))
	}
	return false
}

// === Guest register access under the residency protocol ===

// readReg returns a host register holding guest register r's current
// value, with r==31 read as XZR. Register-resident guests come back as
// their home register (callers must not modify it); the rest are loaded
// into tmp.
func (t *translator) readReg(r uint8, tmp int) int {
	switch {
	case r == 31:
		t.em.MovImm64(tmp, 0)
		return tmp
	case int(r) < len(guestToHost):
		return guestToHost[r]
	default:
		t.em.LoadMem(emitter.W64, tmp, hostStateReg, gprDisp(r))
		return tmp
	}
}

// loadInto copies guest register r's value into host register dst,
// which the caller is then free to clobber. spForm selects the SP
// reading of r==31 (used by the add/sub-immediate and memory-address
// contexts) over the XZR reading.
func (t *translator) loadInto(r uint8, dst int, spForm bool) {
	switch {
	case r == 31 && spForm:
		t.em.LoadMem(emitter.W64, dst, hostStateReg, int32(spOffset))
	case r == 31:
		t.em.MovImm64(dst, 0)
	case int(r) < len(guestToHost):
		if guestToHost[r] != dst {
			t.em.MovRR(dst, guestToHost[r])
		}
	default:
		t.em.LoadMem(emitter.W64, dst, hostStateReg, gprDisp(r))
	}
}

// writeReg commits the value in host register src to guest register r,
// discarding writes to XZR. spForm selects the SP interpretation of r==31.
// Emits only moves, so host flags survive (translators rely on that to
// commit results between an ALU op and its flag capture).
func (t *translator) writeReg(r uint8, src int, spForm bool) {
	switch {
	case r == 31 && spForm:
		t.em.StoreMem(emitter.W64, hostStateReg, src, int32(spOffset))
	case r == 31:
		// XZR: discard.
	case int(r) < len(guestToHost):
		if guestToHost[r] != src {
			t.em.MovRR(guestToHost[r], src)
		}
	default:
		t.em.StoreMem(emitter.W64, hostStateReg, src, gprDisp(r))
	}
}

// readShifted places guest register r's value, pre-shifted by the
// decoded operand shift, into tmp and returns tmp; with no shift it
// behaves as readReg (no copy for register-resident guests).
func (t *translator) readShifted(r uint8, tmp int, insn decoder.DecodedInsn) int {
	if insn.ShiftAmt == 0 {
		return t.readReg(r, tmp)
	}
	t.loadInto(r, tmp, false)
	amt := byte(insn.ShiftAmt)
	if insn.Is64 {
		switch insn.ShiftOp {
		case decoder.OpLsl:
			t.em.ShlImm(tmp, amt)
		case decoder.OpLsr:
			t.em.ShrImm(tmp, amt)
		case decoder.OpAsr:
			t.em.SarImm(tmp, amt)
		}
	} else {
		switch insn.ShiftOp {
		case decoder.OpLsl:
			t.em.ShlImm32(tmp, amt)
		case decoder.OpLsr:
			t.em.ShrImm32(tmp, amt)
		case decoder.OpAsr:
			t.em.SarImm32(tmp, amt)
		}
	}
	return tmp
}

// === Data-processing translators ===

func (t *translator) arithRR(insn decoder.DecodedInsn) {
	if insn.ArithOp == decoder.OpSdiv || insn.ArithOp == decoder.OpUdiv {
		t.divide(insn)
		return
	}
	op := emitter.Add
	if insn.ArithOp == decoder.OpSub {
		op = emitter.Sub
	}
	t.loadInto(insn.Rn, scratch1, false)
	b := t.readShifted(insn.Rm, scratch2, insn)
	if insn.Is64 {
		t.em.ArithRR(op, scratch1, b)
	} else {
		t.em.ArithRR32(op, scratch1, b)
	}
	t.writeReg(insn.Rd, scratch1, false)
	if insn.SetFlags {
		t.captureFlagsArith(op == emitter.Sub)
	}
}

func (t *translator) arithRI(insn decoder.DecodedInsn) {
	op := emitter.Add
	if insn.ArithOp == decoder.OpSub {
		op = emitter.Sub
	}
	t.loadInto(insn.Rn, scratch1, true) // Rn==31 reads SP in the immediate form
	if insn.Is64 {
		t.em.ArithRI(op, scratch1, int32(insn.Imm))
	} else {
		t.em.ArithRI32(op, scratch1, int32(insn.Imm))
	}
	// Rd==31 writes SP only in the non-flag-setting form; the flag-setting
	// form with Rd==31 is CMP and never reaches here.
	t.writeReg(insn.Rd, scratch1, !insn.SetFlags)
	if insn.SetFlags {
		t.captureFlagsArith(op == emitter.Sub)
	}
}

func (t *translator) logicalRR(insn decoder.DecodedInsn) {
	var op emitter.ArithOp
	switch insn.LogicalOp {
	case decoder.OpAnd:
		op = emitter.And
	case decoder.OpOr:
		op = emitter.Or
	case decoder.OpXor:
		op = emitter.Xor
	}
	t.loadInto(insn.Rn, scratch1, false)
	b := t.readShifted(insn.Rm, scratch2, insn)
	if insn.Is64 {
		t.em.ArithRR(op, scratch1, b)
	} else {
		t.em.ArithRR32(op, scratch1, b)
	}
	t.writeReg(insn.Rd, scratch1, false)
	if insn.SetFlags {
		t.captureFlagsLogical()
	}
}

func (t *translator) shiftRR(insn decoder.DecodedInsn) {
	t.loadInto(insn.Rn, scratch1, false)
	if insn.SetFlags {
		// Immediate-amount form produced by decodeBitfield's LSL/LSR/ASR
		// aliases: insn.Imm carries the constant shift amount.
		amt := byte(insn.Imm)
		if insn.Is64 {
			switch insn.ShiftOp {
			case decoder.OpLsl:
				t.em.ShlImm(scratch1, amt)
			case decoder.OpLsr:
				t.em.ShrImm(scratch1, amt)
			case decoder.OpAsr:
				t.em.SarImm(scratch1, amt)
			}
		} else {
			switch insn.ShiftOp {
			case decoder.OpLsl:
				t.em.ShlImm32(scratch1, amt)
			case decoder.OpLsr:
				t.em.ShrImm32(scratch1, amt)
			case decoder.OpAsr:
				t.em.SarImm32(scratch1, amt)
			}
		}
		t.writeReg(insn.Rd, scratch1, false)
		return
	}

	// Variable shift amount must be in CL; RCX is a guest home register,
	// so preserve it across the sequence.
	cnt := t.readReg(insn.Rm, scratch2)
	t.em.Push(emitter.RCX)
	t.em.MovRR(emitter.RCX, cnt)
	if insn.Is64 {
		switch insn.ShiftOp {
		case decoder.OpLsl:
			t.em.ShlCL(scratch1)
		case decoder.OpLsr:
			t.em.ShrCL(scratch1)
		case decoder.OpAsr:
			t.em.SarCL(scratch1)
		case decoder.OpRor:
			t.em.RorCL(scratch1)
		}
	} else {
		switch insn.ShiftOp {
		case decoder.OpLsl:
			t.em.ShlCL32(scratch1)
		case decoder.OpLsr:
			t.em.ShrCL32(scratch1)
		case decoder.OpAsr:
			t.em.SarCL32(scratch1)
		case decoder.OpRor:
			t.em.RorCL32(scratch1)
		}
	}
	t.em.Pop(emitter.RCX)
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) mulAdd(insn decoder.DecodedInsn) {
	// MADD: Rd = Ra + Rn*Rm; MSUB: Rd = Ra - Rn*Rm.
	t.loadInto(insn.Rn, scratch1, false)
	b := t.readReg(insn.Rm, scratch2)
	t.em.MulRR(scratch1, b)
	t.loadInto(insn.Ra, scratch2, false)
	if insn.ArithOp == decoder.OpAdd {
		t.em.ArithRR(emitter.Add, scratch2, scratch1)
	} else {
		t.em.ArithRR(emitter.Sub, scratch2, scratch1)
	}
	if !insn.Is64 {
		t.em.MovRR32(scratch2, scratch2)
	}
	t.writeReg(insn.Rd, scratch2, false)
}

// divide lowers SDIV/UDIV with the guest's corner-case semantics:
// division by zero yields zero (no trap), and the signed
// most-negative/-1 case yields the most-negative value. The host idiv
// traps on both, so each gets an explicit guard.
func (t *translator) divide(insn decoder.DecodedInsn) {
	signed := insn.ArithOp == decoder.OpSdiv
	t.loadInto(insn.Rn, scratch1, false) // dividend
	t.loadInto(insn.Rm, scratch2, false) // divisor
	t.em.Push(emitter.RAX)
	t.em.Push(emitter.RDX)

	t.em.MovImm64(emitter.RAX, 0) // quotient for the divisor==0 path
	if insn.Is64 {
		t.em.ArithRR(emitter.Test, scratch2, scratch2)
	} else {
		t.em.ArithRR32(emitter.Test, scratch2, scratch2)
	}
	jzDone := t.em.Jcc(emitter.CondE)

	var jOverflowDone int
	if signed {
		intMin := uint64(1) << 63
		if !insn.Is64 {
			intMin = 1 << 31
		}
		t.em.MovImm64(emitter.RAX, intMin)
		if insn.Is64 {
			t.em.ArithRR(emitter.Cmp, scratch1, emitter.RAX)
		} else {
			t.em.ArithRR32(emitter.Cmp, scratch1, emitter.RAX)
		}
		jne1 := t.em.Jcc(emitter.CondNE)
		if insn.Is64 {
			t.em.ArithRI(emitter.Cmp, scratch2, -1)
		} else {
			t.em.ArithRI32(emitter.Cmp, scratch2, -1)
		}
		jne2 := t.em.Jcc(emitter.CondNE)
		// Most-negative / -1: the result (intMin) is already in RAX.
		jOverflowDone = t.em.Jmp()
		t.em.PatchToHere(jne1)
		t.em.PatchToHere(jne2)
	}

	t.em.MovRR(emitter.RAX, scratch1)
	switch {
	case signed && insn.Is64:
		t.em.Cqo()
		t.em.IDiv(scratch2)
	case signed:
		t.em.Cdq()
		t.em.IDiv32(scratch2)
	case insn.Is64:
		t.em.ClearRDX()
		t.em.Div(scratch2)
	default:
		t.em.ClearRDX()
		t.em.Div32(scratch2)
	}

	if signed {
		t.em.PatchToHere(jOverflowDone)
	}
	t.em.PatchToHere(jzDone)
	if !insn.Is64 {
		t.em.MovRR32(emitter.RAX, emitter.RAX)
	}
	t.em.MovRR(scratch1, emitter.RAX)
	t.em.Pop(emitter.RDX)
	t.em.Pop(emitter.RAX)
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) moveWide(insn decoder.DecodedInsn) {
	chunk := uint64(insn.Imm) << uint(insn.ShiftAmt)
	mask := uint64(0xFFFF) << uint(insn.ShiftAmt)
	switch {
	case insn.Keep:
		// MOVK: clear the 16-bit field and OR in the new chunk.
		t.loadInto(insn.Rd, scratch1, false)
		t.em.MovImm64(scratch2, ^mask)
		t.em.ArithRR(emitter.And, scratch1, scratch2)
		t.em.MovImm64(scratch2, chunk)
		t.em.ArithRR(emitter.Or, scratch1, scratch2)
		if !insn.Is64 {
			t.em.MovRR32(scratch1, scratch1)
		}
		t.writeReg(insn.Rd, scratch1, false)
	case insn.Signed:
		// MOVN: Rd = ~(imm16 << shift)
		val := ^chunk
		if !insn.Is64 {
			val = uint64(uint32(val))
		}
		t.em.MovImm64(scratch1, val)
		t.writeReg(insn.Rd, scratch1, false)
	default:
		// MOVZ: Rd = imm16 << shift (other chunks zero)
		t.em.MovImm64(scratch1, chunk)
		t.writeReg(insn.Rd, scratch1, false)
	}
}

func (t *translator) moveReg(insn decoder.DecodedInsn) {
	t.loadInto(insn.Rm, scratch1, false)
	if !insn.Is64 {
		t.em.MovRR32(scratch1, scratch1)
	}
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) extend(insn decoder.DecodedInsn) {
	src := t.readReg(insn.Rn, scratch2)
	switch insn.ExtendOp {
	case decoder.ExtUXTB:
		t.em.MovzxRR(emitter.W8, scratch1, src)
	case decoder.ExtUXTH:
		t.em.MovzxRR(emitter.W16, scratch1, src)
	case decoder.ExtUXTW:
		t.em.MovRR32(scratch1, src)
	case decoder.ExtSXTB:
		t.em.MovsxRR(emitter.W8, scratch1, src)
	case decoder.ExtSXTH:
		t.em.MovsxRR(emitter.W16, scratch1, src)
	case decoder.ExtSXTW:
		t.em.MovsxRR(emitter.W32, scratch1, src)
	}
	if !insn.Is64 {
		t.em.MovRR32(scratch1, scratch1)
	}
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) lea(insn decoder.DecodedInsn, pc uint64) {
	target := pc + uint64(insn.Imm)
	if insn.SetFlags { // ADRP: page-align pc before adding the offset
		target = (pc &^ 0xFFF) + uint64(insn.Imm)
	}
	t.em.MovImm64(scratch1, target)
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) condSet(insn decoder.DecodedInsn) {
	// CSET: Rd = cond ? 1 : 0, evaluated against the stored guest flags.
	t.restoreFlags()
	t.em.Setcc(hostCond(insn.Cond), scratch1)
	t.em.MovzxRR(emitter.W8, scratch1, scratch1)
	t.writeReg(insn.Rd, scratch1, false)
}

func (t *translator) count(insn decoder.DecodedInsn) {
	// CLZ: leading-zero count, with the source==0 case pinned to the
	// operand width (BSR leaves its destination undefined there).
	src := t.readReg(insn.Rn, scratch2)
	width := 64
	if !insn.Is64 {
		width = 32
	}
	if insn.Is64 {
		t.em.ArithRR(emitter.Test, src, src)
	} else {
		t.em.ArithRR32(emitter.Test, src, src)
	}
	t.em.MovImm64(scratch1, uint64(width))
	jzDone := t.em.Jcc(emitter.CondE)
	if insn.Is64 {
		t.em.BsrRR(scratch1, src)
		t.em.ArithRI(emitter.Xor, scratch1, 63) // 63-bsr == 63^bsr for bsr in 0..63
	} else {
		t.em.BsrRR32(scratch1, src)
		t.em.ArithRI(emitter.Xor, scratch1, 31)
	}
	t.em.PatchToHere(jzDone)
	t.writeReg(insn.Rd, scratch1, false)
}

// === Memory translators ===

// emitAddr computes the host address of a guest memory access into
// scratch1: the guest base (SP reading for 31), plus an optional
// (possibly scaled) index register, plus the immediate and the
// guest-to-host relocation delta. Clobbers scratch2 when the combined
// displacement does not fit in 32 bits.
func (t *translator) emitAddr(base uint8, idx int, idxShift int, imm int64) {
	t.loadInto(base, scratch1, true)
	if idx >= 0 {
		h := t.readReg(uint8(idx), scratch2)
		if idxShift != 0 {
			if h != scratch2 {
				t.em.MovRR(scratch2, h)
				h = scratch2
			}
			t.em.ShlImm(h, byte(idxShift))
		}
		t.em.ArithRR(emitter.Add, scratch1, h)
	}
	t.addDisp(imm + t.delta)
}

// addDisp adds a constant displacement to the address accumulating in
// scratch1.
func (t *translator) addDisp(total int64) {
	if total == 0 {
		return
	}
	if total >= -(1<<31) && total < 1<<31 {
		t.em.ArithRI(emitter.Add, scratch1, int32(total))
		return
	}
	t.em.MovImm64(scratch2, uint64(total))
	t.em.ArithRR(emitter.Add, scratch1, scratch2)
}

// writeback commits a pre/post-index base update. For pre-index the
// updated address is already in scratch1 (before the delta is applied);
// for post-index it is recomputed into scratch2.
func (t *translator) writeback(insn decoder.DecodedInsn, base uint8) {
	switch insn.Mode {
	case decoder.AddrPreIndex:
		t.writeReg(base, scratch1, true)
	case decoder.AddrPostIndex:
		t.em.MovRR(scratch2, scratch1)
		t.em.ArithRI(emitter.Add, scratch2, int32(insn.Imm))
		t.writeReg(base, scratch2, true)
	}
}

// memSetup computes the guest effective address for any addressing mode
// into scratch1, performs base writeback when the mode requires it, and
// then relocates scratch1 into a host address. Callers then access
// [scratch1 + 0].
func (t *translator) memSetup(insn decoder.DecodedInsn, base uint8, idx int) {
	switch insn.Mode {
	case decoder.AddrRegOffset:
		t.emitAddr(base, idx, insn.ShiftAmt, 0)
	case decoder.AddrUnsignedOffset:
		t.emitAddr(base, -1, 0, insn.Imm)
	case decoder.AddrPreIndex:
		t.loadInto(base, scratch1, true)
		t.em.ArithRI(emitter.Add, scratch1, int32(insn.Imm))
		t.writeback(insn, base)
		t.addDisp(t.delta)
	case decoder.AddrPostIndex:
		t.loadInto(base, scratch1, true)
		t.writeback(insn, base)
		t.addDisp(t.delta)
	}
}

func (t *translator) load(insn decoder.DecodedInsn) {
	idx := -1
	if insn.Mode == decoder.AddrRegOffset {
		idx = int(insn.Rm)
	}
	t.memSetup(insn, insn.Rn, idx)
	width := hostWidth(insn.Width)
	if insn.Signed {
		t.em.LoadMemSigned(width, scratch2, scratch1, 0)
		if !insn.Is64 {
			// LDRSB/LDRSH to a W register: sign-extend to 32 bits, zero
			// the upper half.
			t.em.MovRR32(scratch2, scratch2)
		}
	} else {
		t.em.LoadMem(width, scratch2, scratch1, 0)
	}
	t.writeReg(insn.Rd, scratch2, false)
}

func (t *translator) store(insn decoder.DecodedInsn) {
	// Decoder convention for stores: Rd=base, Rm=source value, Ra=index.
	idx := -1
	if insn.Mode == decoder.AddrRegOffset {
		idx = int(insn.Ra)
	}
	t.memSetup(insn, insn.Rd, idx)
	val := t.readReg(insn.Rm, scratch2)
	t.em.StoreMem(hostWidth(insn.Width), scratch1, val, 0)
}

func (t *translator) loadPair(insn decoder.DecodedInsn) {
	t.memSetup(insn, insn.Rn, -1)
	// insn.Rd and insn.Rm are the two destination registers.
	t.em.LoadMem(emitter.W64, scratch2, scratch1, 0)
	t.writeReg(insn.Rd, scratch2, false)
	t.em.LoadMem(emitter.W64, scratch2, scratch1, 8)
	t.writeReg(insn.Rm, scratch2, false)
}

func (t *translator) storePair(insn decoder.DecodedInsn) {
	// Pair decode keeps the load convention for both directions:
	// Rn=base, Rd/Rm=the register pair.
	t.memSetup(insn, insn.Rn, -1)
	v := t.readReg(insn.Rd, scratch2)
	t.em.StoreMem(emitter.W64, scratch1, v, 0)
	v = t.readReg(insn.Rm, scratch2)
	t.em.StoreMem(emitter.W64, scratch1, v, 8)
}

func (t *translator) compare(insn decoder.DecodedInsn) {
	if insn.ArithOp == decoder.OpSub {
		if insn.Mode == decoder.AddrRegOffset {
			// CMP (shifted register): Rn uses the XZR reading.
			t.loadInto(insn.Rn, scratch1, false)
			b := t.readShifted(insn.Rm, scratch2, insn)
			if insn.Is64 {
				t.em.ArithRR(emitter.Cmp, scratch1, b)
			} else {
				t.em.ArithRR32(emitter.Cmp, scratch1, b)
			}
		} else {
			// CMP (immediate): Rn uses the SP reading.
			t.loadInto(insn.Rn, scratch1, true)
			if insn.Is64 {
				t.em.ArithRI(emitter.Cmp, scratch1, int32(insn.Imm))
			} else {
				t.em.ArithRI32(emitter.Cmp, scratch1, int32(insn.Imm))
			}
		}
		t.captureFlagsArith(true)
		return
	}
	// TST (ANDS XZR, Rn, Rm)
	t.loadInto(insn.Rn, scratch1, false)
	b := t.readShifted(insn.Rm, scratch2, insn)
	if insn.Is64 {
		t.em.ArithRR(emitter.Test, scratch1, b)
	} else {
		t.em.ArithRR32(emitter.Test, scratch1, b)
	}
	t.captureFlagsLogical()
}

// === Terminators and block exits ===

// flushRegs stores every register-resident guest register back into the
// state struct. Emits only moves, preserving host flags.
func (t *translator) flushRegs() {
	for i, host := range guestToHost {
		t.em.StoreMem(emitter.W64, hostStateReg, host, gprDisp(uint8(i)))
	}
}

// exitTail ends one control path: stores the continuation PC, restores
// RDI as the state-pointer argument for a possible chained successor,
// and emits a chainable `jmp +0` falling through to a final ret. Callers
// must already have flushed registers.
func (t *translator) exitTail(target uint64, slot ChainSlot) {
	t.em.MovImm64(scratch1, target)
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(pcOffset))
	t.em.MovRR(emitter.RDI, hostStateReg)
	off := t.em.Jmp()
	t.blk.Fixups = append(t.blk.Fixups, ChainFixup{Offset: off, Slot: slot, TargetGuestPC: target})
	t.em.Ret()
}

// emitTrapReturn flushes state and returns to the runtime with the guest
// PC pointing at the instruction that could not be translated, so the
// runtime can retry it via the interpreter or surface the failure.
func (t *translator) emitTrapReturn(pc uint64) {
	t.flushRegs()
	t.em.MovImm64(scratch1, pc)
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(pcOffset))
	t.em.Ret()
}

// emitFallthroughReturn ends a block that hit the instruction bound
// without a terminator; the continuation is chainable like any direct
// branch.
func (t *translator) emitFallthroughReturn(pc uint64) {
	t.flushRegs()
	t.exitTail(pc, SlotFallthrough)
}

func (t *translator) branch(insn decoder.DecodedInsn, pc uint64) {
	if insn.SetFlags { // BL: link register gets the return address
		t.em.MovImm64(scratch1, pc+4)
		t.writeReg(30, scratch1, false)
	}
	t.flushRegs()
	t.exitTail(pc+uint64(insn.Imm), SlotFallthrough)
}

func (t *translator) branchReg(insn decoder.DecodedInsn, pc uint64) {
	t.loadInto(insn.Rn, scratch1, false)
	if insn.SetFlags { // BLR
		t.em.MovImm64(scratch2, pc+4)
		t.writeReg(30, scratch2, false)
	}
	t.flushRegs()
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(pcOffset))
	t.em.Ret()
}

func (t *translator) branchCond(insn decoder.DecodedInsn, pc uint64) {
	taken := pc + uint64(insn.Imm)
	if insn.Cond == decoder.CondAL || insn.Cond == decoder.CondNV {
		// Both encode "always" in A64.
		t.flushRegs()
		t.exitTail(taken, SlotTaken)
		return
	}
	t.flushRegs()
	t.restoreFlags()
	jccOff := t.em.Jcc(hostCond(insn.Cond))
	t.exitTail(pc+4, SlotFallthrough)
	t.em.PatchToHere(jccOff)
	t.exitTail(taken, SlotTaken)
}

func (t *translator) compareBranch(insn decoder.DecodedInsn, pc uint64) {
	rt := t.readReg(insn.Rd, scratch1)
	if insn.Is64 {
		t.em.ArithRI(emitter.Cmp, rt, 0)
	} else {
		t.em.ArithRI32(emitter.Cmp, rt, 0)
	}
	t.flushRegs()
	cc := emitter.CondE
	if insn.SetFlags { // CBNZ
		cc = emitter.CondNE
	}
	jccOff := t.em.Jcc(cc)
	t.exitTail(pc+4, SlotFallthrough)
	t.em.PatchToHere(jccOff)
	t.exitTail(pc+uint64(insn.Imm), SlotTaken)
}

func (t *translator) testBranch(insn decoder.DecodedInsn, pc uint64) {
	t.loadInto(insn.Rd, scratch1, false)
	if insn.ShiftAmt != 0 {
		t.em.ShrImm(scratch1, byte(insn.ShiftAmt))
	}
	t.em.ArithRI(emitter.And, scratch1, 1) // ZF = bit clear
	t.flushRegs()
	cc := emitter.CondE
	if insn.SetFlags { // TBNZ
		cc = emitter.CondNE
	}
	jccOff := t.em.Jcc(cc)
	t.exitTail(pc+4, SlotFallthrough)
	t.em.PatchToHere(jccOff)
	t.exitTail(pc+uint64(insn.Imm), SlotTaken)
}

func (t *translator) syscallExit(pc uint64) {
	t.flushRegs()
	t.storeConst(reasonOffset, state.ReasonSyscall)
	t.em.MovImm64(scratch1, pc+4)
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(pcOffset))
	t.em.Ret()
}

func (t *translator) breakpointExit(pc uint64) {
	t.flushRegs()
	t.storeConst(reasonOffset, state.ReasonBreakpoint)
	t.em.MovImm64(scratch1, pc+4)
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(pcOffset))
	t.em.Ret()
}

// storeConst materializes a 64-bit constant and stores it at the given
// state-struct offset.
func (t *translator) storeConst(offset uintptr, val uint64) {
	t.em.MovImm64(scratch1, val)
	t.em.StoreMem(emitter.W64, hostStateReg, scratch1, int32(offset))
}

func hostWidth(w decoder.MemWidth) emitter.Width {
	switch w {
	case decoder.MemW8:
		return emitter.W8
	case decoder.MemW16:
		return emitter.W16
	case decoder.MemW32:
		return emitter.W32
	default:
		return emitter.W64
	}
}

// hostCond maps an A64 condition code onto the x86-64 condition that
// tests the same predicate against flags restored by restoreFlags. The
// unsigned conditions work out because restoreFlags sets host CF to the
// *complement* of guest C (guest carry means "no borrow" after
// subtraction, the inverse of the host's convention).
func hostCond(c decoder.CondCode) emitter.Cond {
	switch c {
	case decoder.CondEQ:
		return emitter.CondE
	case decoder.CondNE:
		return emitter.CondNE
	case decoder.CondCS:
		return emitter.CondAE
	case decoder.CondCC:
		return emitter.CondB
	case decoder.CondMI:
		return emitter.CondS
	case decoder.CondPL:
		return emitter.CondNS
	case decoder.CondVS:
		return emitter.CondO
	case decoder.CondVC:
		return emitter.CondNO
	case decoder.CondHI:
		return emitter.CondA
	case decoder.CondLS:
		return emitter.CondBE
	case decoder.CondGE:
		return emitter.CondGE
	case decoder.CondLT:
		return emitter.CondL
	case decoder.CondGT:
		return emitter.CondG
	case decoder.CondLE:
		return emitter.CondLE
	default:
		return emitter.CondE
	}
}
