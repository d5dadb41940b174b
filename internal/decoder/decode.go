package decoder

import "encoding/binary"

// Decode extracts one A64 instruction from bytes[0:4] (pc does not affect
// decoding since A64 has no PC-relative addressing mode this decoder
// resolves eagerly — branch/CBZ/TBZ targets are reported as Imm offsets
// *relative to* pc, for the builder to resolve).
// An instruction the decoder does not recognize decodes as KindUnknown with
// Length 4: the fixed width means "truncated" only applies when fewer than
// 4 bytes remain, never to a malformed opcode.
func Decode(bytes []byte, pc uint64) DecodedInsn {
	if len(bytes) < 4 {
		return DecodedInsn{Kind: KindUnknown, Length: len(bytes)}
	}
	w := binary.LittleEndian.Uint32(bytes[:4])
	d := decodeWord(w, pc)
	d.Length = 4
	return d
}

func decodeWord(w uint32, pc uint64) DecodedInsn {
	rd := uint8(w & 0x1f)
	rn := uint8((w >> 5) & 0x1f)
	rm := uint8((w >> 16) & 0x1f)
	is64 := (w>>31)&1 == 1

	switch {
	case w&0xFC000000 == 0x94000000:
		// BL imm26
		imm := signExtend(int64(w&0x03FFFFFF), 26) * 4
		return DecodedInsn{Kind: KindBranch, Imm: imm, Rd: 30 /* LR */, SetFlags: true}
	case w&0xFC000000 == 0x14000000:
		// B imm26
		imm := signExtend(int64(w&0x03FFFFFF), 26) * 4
		return DecodedInsn{Kind: KindBranch, Imm: imm}
	case w&0xFF000010 == 0x54000000:
		// B.cond imm19
		imm := signExtend(int64((w>>5)&0x7FFFF), 19) * 4
		return DecodedInsn{Kind: KindBranchCond, Imm: imm, Cond: CondCode(w & 0xF)}
	case w&0xFFFFFC1F == 0xD63F0000:
		return DecodedInsn{Kind: KindBranchReg, Rn: rn, SetFlags: true} // BLR Xn
	case w&0xFFFFFC1F == 0xD61F0000:
		return DecodedInsn{Kind: KindBranchReg, Rn: rn} // BR Xn
	case w&0xFFFFFC1F == 0xD65F0000:
		return DecodedInsn{Kind: KindBranchReg, Rn: rn} // RET {Xn}
	case w&0x7E000000 == 0x34000000:
		// CBZ/CBNZ Rt, imm19 — sf bit 31 selects 32/64-bit compare
		imm := signExtend(int64((w>>5)&0x7FFFF), 19) * 4
		notZero := (w>>24)&1 == 1
		return DecodedInsn{Kind: KindCompareBranch, Rd: rd, Imm: imm, Is64: is64, SetFlags: notZero}
	case w&0x7E000000 == 0x36000000:
		// TBZ/TBNZ Rt, #bit, imm14
		bitHi := (w >> 31) & 1
		bitLo := (w >> 19) & 0x1f
		bit := (bitHi << 5) | bitLo
		imm := signExtend(int64((w>>5)&0x3FFF), 14) * 4
		notZero := (w>>24)&1 == 1
		return DecodedInsn{Kind: KindTestBranch, Rd: rd, Imm: imm, ShiftAmt: int(bit), SetFlags: notZero}
	case w&0xFFE0001F == 0xD4000001:
		// SVC #imm16
		imm := int64((w >> 5) & 0xFFFF)
		return DecodedInsn{Kind: KindSyscall, Imm: imm}
	case w&0xFFE0001F == 0xD4200000:
		return DecodedInsn{Kind: KindBreakpoint, Imm: int64((w >> 5) & 0xFFFF)}
	case w == 0xD503201F:
		return DecodedInsn{Kind: KindNop}

	// === Move wide: MOVZ/MOVK/MOVN, distinguished by opc (bits 30:29) ===
	case w&0x7F800000 == 0x52800000:
		return decodeMoveWide(w, rd, false, false)
	case w&0x7F800000 == 0x72800000:
		return decodeMoveWide(w, rd, true, false)
	case w&0x7F800000 == 0x12800000:
		return decodeMoveWide(w, rd, false, true)

	// === Arithmetic shifted-register: ADD/SUB (S), LSL-shifted form only
	// (the masks pin the shift-type bits 23:22 to 00; other shift types
	// and the extended-register family decode as unknown) ===
	case w&0x7FE00000 == 0x0B000000 || w&0x7FE00000 == 0x2B000000:
		setFlags := (w>>29)&1 == 1
		amt := int((w >> 10) & 0x3F)
		return DecodedInsn{Kind: KindArithRR, ArithOp: OpAdd, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, SetFlags: setFlags, Is64: is64}
	case w&0x7FE00000 == 0x4B000000 || w&0x7FE00000 == 0x6B000000:
		setFlags := (w>>29)&1 == 1
		amt := int((w >> 10) & 0x3F)
		if rd == 31 && setFlags {
			return DecodedInsn{Kind: KindCompare, ArithOp: OpSub, Rn: rn, Rm: rm,
				ShiftOp: OpLsl, ShiftAmt: amt, Mode: AddrRegOffset, Is64: is64}
		}
		return DecodedInsn{Kind: KindArithRR, ArithOp: OpSub, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, SetFlags: setFlags, Is64: is64}

	// === Arithmetic register-immediate: ADD/SUB(S) #imm12 ===
	case w&0x7F800000 == 0x11000000 || w&0x7F800000 == 0x31000000:
		setFlags := (w>>29)&1 == 1
		imm := int64((w >> 10) & 0xFFF)
		if (w>>22)&1 == 1 {
			imm <<= 12
		}
		return DecodedInsn{Kind: KindArithRI, ArithOp: OpAdd, Rd: rd, Rn: rn, Imm: imm, SetFlags: setFlags, Is64: is64}
	case w&0x7F800000 == 0x51000000 || w&0x7F800000 == 0x71000000:
		setFlags := (w>>29)&1 == 1
		imm := int64((w >> 10) & 0xFFF)
		if (w>>22)&1 == 1 {
			imm <<= 12
		}
		if rd == 31 && setFlags {
			return DecodedInsn{Kind: KindCompare, ArithOp: OpSub, Rn: rn, Imm: imm, Mode: AddrUnsignedOffset, Is64: is64}
		}
		return DecodedInsn{Kind: KindArithRI, ArithOp: OpSub, Rd: rd, Rn: rn, Imm: imm, SetFlags: setFlags, Is64: is64}

	// === Logical shifted-register: AND/ORR/EOR/ANDS, LSL form ===
	case w&0x7FE00000 == 0x0A000000:
		amt := int((w >> 10) & 0x3F)
		return DecodedInsn{Kind: KindLogicalRR, LogicalOp: OpAnd, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, Is64: is64}
	case w&0x7FE00000 == 0x6A000000:
		amt := int((w >> 10) & 0x3F)
		if rd == 31 {
			return DecodedInsn{Kind: KindCompare, LogicalOp: OpAnd, Rn: rn, Rm: rm,
				ShiftOp: OpLsl, ShiftAmt: amt, Mode: AddrRegOffset, Is64: is64}
		}
		return DecodedInsn{Kind: KindLogicalRR, LogicalOp: OpAnd, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, SetFlags: true, Is64: is64}
	case w&0x7FE00000 == 0x2A000000:
		amt := int((w >> 10) & 0x3F)
		if rn == 31 && amt == 0 {
			return DecodedInsn{Kind: KindMoveReg, Rd: rd, Rm: rm, Is64: is64}
		}
		return DecodedInsn{Kind: KindLogicalRR, LogicalOp: OpOr, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, Is64: is64}
	case w&0x7FE00000 == 0x4A000000:
		amt := int((w >> 10) & 0x3F)
		return DecodedInsn{Kind: KindLogicalRR, LogicalOp: OpXor, Rd: rd, Rn: rn, Rm: rm,
			ShiftOp: OpLsl, ShiftAmt: amt, Is64: is64}

	// === Shift register-register: LSLV/LSRV/ASRV/RORV ===
	case w&0x7FE0FC00 == 0x1AC02000:
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: OpLsl, Rd: rd, Rn: rn, Rm: rm, Is64: is64}
	case w&0x7FE0FC00 == 0x1AC02400:
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: OpLsr, Rd: rd, Rn: rn, Rm: rm, Is64: is64}
	case w&0x7FE0FC00 == 0x1AC02800:
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: OpAsr, Rd: rd, Rn: rn, Rm: rm, Is64: is64}
	case w&0x7FE0FC00 == 0x1AC02C00:
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: OpRor, Rd: rd, Rn: rn, Rm: rm, Is64: is64}

	// === Multiply-accumulate and divide: MADD/MSUB/SDIV/UDIV ===
	case w&0x7FE08000 == 0x1B000000:
		ra := uint8((w >> 10) & 0x1f)
		return DecodedInsn{Kind: KindMulAdd, ArithOp: OpAdd, Rd: rd, Rn: rn, Rm: rm, Ra: ra, Is64: is64}
	case w&0x7FE08000 == 0x1B008000:
		ra := uint8((w >> 10) & 0x1f)
		return DecodedInsn{Kind: KindMulAdd, ArithOp: OpSub, Rd: rd, Rn: rn, Rm: rm, Ra: ra, Is64: is64}
	case w&0x7FE0FC00 == 0x1AC00C00:
		return DecodedInsn{Kind: KindArithRR, ArithOp: OpSdiv, Rd: rd, Rn: rn, Rm: rm, Is64: is64}
	case w&0x7FE0FC00 == 0x1AC00800:
		return DecodedInsn{Kind: KindArithRR, ArithOp: OpUdiv, Rd: rd, Rn: rn, Rm: rm, Is64: is64}

	// === CSET (CSINC Rd, XZR, XZR, cond — the only conditional-select
	// alias this decoder recognizes) ===
	case w&0x7FE00C00 == 0x1A800400 && rm == 31 && rn == 31:
		inv := uint8((w >> 12) & 0xF)
		return DecodedInsn{Kind: KindCondSet, Rd: rd, Cond: CondCode(inv ^ 1), Is64: is64}

	// === CLZ ===
	case w&0x7FFFFC00 == 0x5AC01000:
		return DecodedInsn{Kind: KindCount, Rd: rd, Rn: rn, Is64: is64}

	// === Bitfield: UBFM/SBFM (covers LSL/LSR/ASR-by-immediate, UXTB/UXTH/SXTW) ===
	case w&0x7F800000 == 0x53000000:
		immr := uint8((w >> 16) & 0x3F)
		imms := uint8((w >> 10) & 0x3F)
		return decodeBitfield(rd, rn, immr, imms, false, is64)
	case w&0x7F800000 == 0x13000000:
		immr := uint8((w >> 16) & 0x3F)
		imms := uint8((w >> 10) & 0x3F)
		return decodeBitfield(rd, rn, immr, imms, true, is64)

	// === Memory: LDR/STR (unsigned immediate, scaled), size in bits 31:30 ===
	case w&0x3B000000 == 0x39000000:
		return decodeUnsignedOffset(w, rd, rn)
	case w&0x3B200C00 == 0x38200800:
		return decodeRegOffset(w, rd, rn, rm)
	case w&0x3B200000 == 0x38000000:
		return decodeImm9(w, rd, rn)

	// === LDP/STP (load/store pair, 64-bit, pre/post-index and signed offset) ===
	case w&0xFFC00000 == 0xA9800000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindStorePair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrPreIndex}
	case w&0xFFC00000 == 0xA9C00000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindLoadPair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrPreIndex}
	case w&0xFFC00000 == 0xA8800000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindStorePair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrPostIndex}
	case w&0xFFC00000 == 0xA8C00000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindLoadPair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrPostIndex}
	case w&0xFFC00000 == 0xA9000000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindStorePair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrUnsignedOffset}
	case w&0xFFC00000 == 0xA9400000:
		rt2 := uint8((w >> 10) & 0x1f)
		imm := signExtend(int64((w>>15)&0x7F), 7) * 8
		return DecodedInsn{Kind: KindLoadPair, Rd: rd, Rn: rn, Rm: rt2, Imm: imm, Mode: AddrUnsignedOffset}

	// === ADRP/ADR (PC-relative address materialization) ===
	case w&0x9F000000 == 0x90000000:
		immlo := int64((w >> 29) & 0x3)
		immhi := int64((w >> 5) & 0x7FFFF)
		imm := signExtend((immhi<<2)|immlo, 21) << 12
		return DecodedInsn{Kind: KindLea, Rd: rd, Imm: imm, SetFlags: true} // SetFlags here marks "page-aligned" (ADRP)
	case w&0x9F000000 == 0x10000000:
		immlo := int64((w >> 29) & 0x3)
		immhi := int64((w >> 5) & 0x7FFFF)
		imm := signExtend((immhi<<2)|immlo, 21)
		return DecodedInsn{Kind: KindLea, Rd: rd, Imm: imm}

	default:
		return DecodedInsn{Kind: KindUnknown}
	}
}

func decodeMoveWide(w uint32, rd uint8, keep, negate bool) DecodedInsn {
	hw := (w >> 21) & 0x3
	imm16 := int64((w >> 5) & 0xFFFF)
	shift := int(hw) * 16
	return DecodedInsn{
		Kind:     KindMoveWide,
		Rd:       rd,
		Imm:      imm16,
		ShiftAmt: shift,
		Keep:     keep,
		Signed:   negate,
		Is64:     (w>>31)&1 == 1,
	}
}

// decodeBitfield recognizes the UBFM/SBFM aliases this translator needs:
// LSL/LSR/ASR-by-immediate and the UXTB/UXTH/SXTB/SXTH/SXTW extend forms.
// Other UBFM/SBFM immr/imms combinations decode as KindBitfield with the
// raw fields packed into Imm so a translator could still implement the
// general case.
func decodeBitfield(rd, rn, immr, imms uint8, signed, is64 bool) DecodedInsn {
	bits := uint8(63)
	if !is64 {
		bits = 31
	}
	if !signed && imms != bits && imms+1 == immr {
		shift := (bits + 1) - immr
		// LSL #shift alias; SetFlags doubles as the immediate-form marker
		// on KindShiftRR (the register form never sets it).
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: OpLsl, Rd: rd, Rn: rn, Imm: int64(shift), Is64: is64, SetFlags: true}
	}
	if immr == 0 {
		switch imms {
		case 7:
			ext := ExtUXTB
			if signed {
				ext = ExtSXTB
			}
			return DecodedInsn{Kind: KindExtend, ExtendOp: ext, Rd: rd, Rn: rn, Is64: is64}
		case 15:
			ext := ExtUXTH
			if signed {
				ext = ExtSXTH
			}
			return DecodedInsn{Kind: KindExtend, ExtendOp: ext, Rd: rd, Rn: rn, Is64: is64}
		case 31:
			if signed && is64 {
				return DecodedInsn{Kind: KindExtend, ExtendOp: ExtSXTW, Rd: rd, Rn: rn, Is64: is64}
			}
		}
	}
	if imms == bits {
		op := OpLsr
		if signed {
			op = OpAsr
		}
		return DecodedInsn{Kind: KindShiftRR, ShiftOp: op, Rd: rd, Rn: rn, Imm: int64(immr), Is64: is64, SetFlags: true}
	}
	return DecodedInsn{Kind: KindBitfield, Rd: rd, Rn: rn, Imm: int64(immr)<<8 | int64(imms), Is64: is64, Signed: signed}
}

func decodeUnsignedOffset(w uint32, rd, rn uint8) DecodedInsn {
	size := (w >> 30) & 0x3
	opc := (w >> 22) & 0x3
	imm12 := int64((w >> 10) & 0xFFF)
	width := widthFromSize(size)
	scale := int64(1) << size
	if !validMemOpc(size, opc) {
		return DecodedInsn{Kind: KindUnknown}
	}
	if opc == 0 {
		return DecodedInsn{Kind: KindStore, Rd: rn, Rm: rd, Imm: imm12 * scale, Width: width, Mode: AddrUnsignedOffset}
	}
	return DecodedInsn{Kind: KindLoad, Rd: rd, Rn: rn, Imm: imm12 * scale, Width: width, Mode: AddrUnsignedOffset,
		Signed: opc >= 2, Is64: opc != 3}
}

// decodeImm9 covers the simm9 addressing family: unscaled offset (LDUR/
// STUR), post-index and pre-index scalar forms, split on bits 11:10.
func decodeImm9(w uint32, rd, rn uint8) DecodedInsn {
	size := (w >> 30) & 0x3
	opc := (w >> 22) & 0x3
	imm9 := signExtend(int64((w>>12)&0x1FF), 9)
	width := widthFromSize(size)
	if !validMemOpc(size, opc) {
		return DecodedInsn{Kind: KindUnknown}
	}
	var mode AddrMode
	switch (w >> 10) & 0x3 {
	case 0:
		mode = AddrUnsignedOffset // unscaled: same translation, byte offset
	case 1:
		mode = AddrPostIndex
	case 3:
		mode = AddrPreIndex
	default:
		return DecodedInsn{Kind: KindUnknown} // unprivileged LDTR/STTR family
	}
	if opc == 0 {
		return DecodedInsn{Kind: KindStore, Rd: rn, Rm: rd, Imm: imm9, Width: width, Mode: mode}
	}
	return DecodedInsn{Kind: KindLoad, Rd: rd, Rn: rn, Imm: imm9, Width: width, Mode: mode,
		Signed: opc >= 2, Is64: opc != 3}
}

func decodeRegOffset(w uint32, rd, rn, rm uint8) DecodedInsn {
	size := (w >> 30) & 0x3
	opc := (w >> 22) & 0x3
	width := widthFromSize(size)
	if !validMemOpc(size, opc) {
		return DecodedInsn{Kind: KindUnknown}
	}
	// Only the LSL option is recognized; the sign/zero-extending index
	// options decode as unknown. With S set the index is scaled by the
	// access size, reported via ShiftAmt.
	if (w>>13)&0x7 != 0x3 {
		return DecodedInsn{Kind: KindUnknown}
	}
	shift := 0
	if (w>>12)&1 == 1 {
		shift = int(size)
	}
	if opc == 0 {
		// Rd=base, Rm=source value (matching decodeUnsignedOffset's
		// convention), Ra=index register — kept distinct from Rm so
		// every store form agrees on which field holds the value.
		return DecodedInsn{Kind: KindStore, Rd: rn, Rm: rd, Ra: rm, Width: width, Mode: AddrRegOffset, ShiftAmt: shift}
	}
	return DecodedInsn{Kind: KindLoad, Rd: rd, Rn: rn, Rm: rm, Width: width, Mode: AddrRegOffset,
		Signed: opc >= 2, Is64: opc != 3, ShiftAmt: shift}
}

// validMemOpc rejects the opc/size combinations that are not plain scalar
// loads or stores (prefetch, and the sign-extend forms that do not exist
// at that width).
func validMemOpc(size, opc uint32) bool {
	switch opc {
	case 0, 1:
		return true
	case 2:
		return size != 3 // LDRSB/LDRSH/LDRSW to X; no 64-bit signed form
	default:
		return size <= 1 // LDRSB/LDRSH to W only
	}
}

func widthFromSize(size uint32) MemWidth {
	switch size {
	case 0:
		return MemW8
	case 1:
		return MemW16
	case 2:
		return MemW32
	default:
		return MemW64
	}
}

func signExtend(v int64, bits int) int64 {
	shift := uint(64 - bits)
	return (v << shift) >> shift
}
