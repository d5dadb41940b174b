package builder

import "github.com/arm64x/dbt/internal/emitter"

// Guest NZCV lives in state.Flags between instructions; host RFLAGS are
// never relied on across a guest-instruction boundary. The two directions
// of the mapping:
//
//	capture:  host RFLAGS (CF@0, ZF@6, SF@7, OF@11) → guest NZCV@31..28
//	restore:  guest NZCV@31..28 → a synthetic RFLAGS image fed to popfq
//
// Guest C after a subtraction means "no borrow" — the complement of host
// CF — so capture inverts CF for subtraction-family ops, and restore
// always writes the complement of guest C into host CF. With that
// convention, every A64 condition maps onto the structurally matching
// x86 condition (see hostCond).

// captureFlagsArith packs NZCV from the host ALU flags just produced by
// an add/sub/cmp into state.Flags. Must be emitted while the ALU op's
// flags are still live (intervening movs are fine, they preserve flags).
func (t *translator) captureFlagsArith(isSub bool) {
	em := t.em
	em.Pushfq()
	em.Pushfq()
	em.Pop(scratch1)

	// N and Z: SF and ZF sit at bits 7:6; shifted up 24 they land at 31:30.
	em.MovRR(scratch2, scratch1)
	em.ArithRI(emitter.And, scratch2, 0xC0)
	em.ShlImm(scratch2, 24)

	// C: host CF at bit 0, inverted for the subtraction family.
	em.ArithRI(emitter.And, scratch1, 1)
	if isSub {
		em.ArithRI(emitter.Xor, scratch1, 1)
	}
	em.ShlImm(scratch1, 29)
	em.ArithRR(emitter.Or, scratch2, scratch1)

	// V: host OF at bit 11.
	em.Pop(scratch1)
	em.ShrImm(scratch1, 11)
	em.ArithRI(emitter.And, scratch1, 1)
	em.ShlImm(scratch1, 28)
	em.ArithRR(emitter.Or, scratch2, scratch1)

	em.StoreMem(emitter.W32, hostStateReg, scratch2, int32(flagsOffset))
}

// captureFlagsLogical stores N and Z from the host flags and clears C and
// V, matching the guest's ANDS/TST semantics (logical ops never set carry
// or overflow — conveniently, the host AND/TEST clear CF and OF too, so
// only the NZ bits need to move).
func (t *translator) captureFlagsLogical() {
	em := t.em
	em.Pushfq()
	em.Pop(scratch1)
	em.ArithRI(emitter.And, scratch1, 0xC0)
	em.ShlImm(scratch1, 24)
	em.StoreMem(emitter.W32, hostStateReg, scratch1, int32(flagsOffset))
}

// restoreFlags rebuilds host RFLAGS from the stored guest NZCV so a
// following Jcc/Setcc evaluates the guest condition natively. Clobbers
// both scratch registers and, via popfq, every host arithmetic flag.
func (t *translator) restoreFlags() {
	em := t.em

	// N and Z: NZCV bits 31:30 down to SF/ZF at 7:6.
	em.LoadMem(emitter.W32, scratch2, hostStateReg, int32(flagsOffset))
	em.ShrImm(scratch2, 24)
	em.ArithRI(emitter.And, scratch2, 0xC0)

	// C: complement of guest C into host CF (bit 0).
	em.LoadMem(emitter.W32, scratch1, hostStateReg, int32(flagsOffset))
	em.ShrImm(scratch1, 29)
	em.ArithRI(emitter.And, scratch1, 1)
	em.ArithRI(emitter.Xor, scratch1, 1)
	em.ArithRR(emitter.Or, scratch2, scratch1)

	// V: guest V into host OF (bit 11).
	em.LoadMem(emitter.W32, scratch1, hostStateReg, int32(flagsOffset))
	em.ShrImm(scratch1, 28)
	em.ArithRI(emitter.And, scratch1, 1)
	em.ShlImm(scratch1, 11)
	em.ArithRR(emitter.Or, scratch2, scratch1)

	em.Push(scratch2)
	em.Popfq()
}
