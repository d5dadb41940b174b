package emitter

// Memory load/store forms: register+immediate and register+register
// addressing, each width, with sign/zero-extending sub-word loads.
// Adapted from the teacher's loadMem/storeMem/loadMemByte (x64.go), scaled
// up to all four scalar widths the spec requires.

// LoadMem emits `mov dst, [base+off]` for the given width, zero-extending
// sub-word widths into the full 64-bit register. off must fit in int32.
func (e *Emitter) LoadMem(width Width, dst, base int, off int32) {
	if !in16(dst) || !in16(base) {
		e.fail()
		return
	}
	switch width {
	case W64:
		e.emitLoadStoreDisp(true, 0x8b, dst, base, off, false)
	case W32:
		e.emitLoadStoreDisp(false, 0x8b, dst, base, off, false)
	case W16:
		e.emitModRMOpcodeExt(rex(false, dst >= 8, false, base >= 8), []byte{0x0f, 0xb7}, dst, base, off)
	case W8:
		e.emitModRMOpcodeExt(rex(true, dst >= 8, false, base >= 8), []byte{0x0f, 0xb6}, dst, base, off)
	default:
		e.fail()
	}
}

// LoadMemSigned emits a sign-extending load of the given sub-word width
// (8/16/32) into the full 64-bit dst.
func (e *Emitter) LoadMemSigned(width Width, dst, base int, off int32) {
	if !in16(dst) || !in16(base) {
		e.fail()
		return
	}
	switch width {
	case W32:
		e.emitModRMOpcodeExt(rex(true, dst >= 8, false, base >= 8), []byte{0x63}, dst, base, off)
	case W16:
		e.emitModRMOpcodeExt(rex(true, dst >= 8, false, base >= 8), []byte{0x0f, 0xbf}, dst, base, off)
	case W8:
		e.emitModRMOpcodeExt(rex(true, dst >= 8, false, base >= 8), []byte{0x0f, 0xbe}, dst, base, off)
	default:
		e.fail()
	}
}

// StoreMem emits `mov [base+off], src` for the given width.
func (e *Emitter) StoreMem(width Width, base, src int, off int32) {
	if !in16(base) || !in16(src) {
		e.fail()
		return
	}
	switch width {
	case W64:
		e.emitLoadStoreDisp(true, 0x89, src, base, off, false)
	case W32:
		e.emitLoadStoreDisp(false, 0x89, src, base, off, false)
	case W16:
		e.buf.EmitU8(0x66)
		e.emitLoadStoreDisp(false, 0x89, src, base, off, false)
	case W8:
		e.emitLoadStoreDisp(true, 0x88, src, base, off, true)
	default:
		e.fail()
	}
}

// LoadMemIndexed emits `mov dst, [base+index]` (register+register
// addressing, scale 1), zero-extending sub-word widths.
func (e *Emitter) LoadMemIndexed(width Width, dst, base, index int) {
	if !in16(dst) || !in16(base) || !in16(index) {
		e.fail()
		return
	}
	switch width {
	case W64:
		e.emitSIB(rex(true, dst >= 8, index >= 8, base >= 8), 0x8b, dst, base, index)
	case W32:
		e.emitSIB(rex(false, dst >= 8, index >= 8, base >= 8), 0x8b, dst, base, index)
	case W16:
		e.emitSIBExt(rex(false, dst >= 8, index >= 8, base >= 8), []byte{0x0f, 0xb7}, dst, base, index)
	case W8:
		e.emitSIBExt(rex(true, dst >= 8, index >= 8, base >= 8), []byte{0x0f, 0xb6}, dst, base, index)
	default:
		e.fail()
	}
}

// StoreMemIndexed emits `mov [base+index], src` (register+register
// addressing, scale 1).
func (e *Emitter) StoreMemIndexed(width Width, base, index, src int) {
	if !in16(base) || !in16(index) || !in16(src) {
		e.fail()
		return
	}
	switch width {
	case W64:
		e.emitSIB(rex(true, src >= 8, index >= 8, base >= 8), 0x89, src, base, index)
	case W32:
		e.emitSIB(rex(false, src >= 8, index >= 8, base >= 8), 0x89, src, base, index)
	case W16:
		e.buf.EmitU8(0x66)
		e.emitSIB(rex(false, src >= 8, index >= 8, base >= 8), 0x89, src, base, index)
	case W8:
		e.emitSIB(rex(true, src >= 8, index >= 8, base >= 8), 0x88, src, base, index)
	default:
		e.fail()
	}
}

// LoadPair emits two consecutive LoadMem(W64) calls at off and off+8,
// synthesizing ARM64's LDP (the host has no single pair-load instruction).
func (e *Emitter) LoadPair(dst1, dst2, base int, off int32) {
	e.LoadMem(W64, dst1, base, off)
	e.LoadMem(W64, dst2, base, off+8)
}

// StorePair emits two consecutive StoreMem(W64) calls at off and off+8,
// synthesizing ARM64's STP.
func (e *Emitter) StorePair(base, src1, src2 int, off int32) {
	e.StoreMem(W64, base, src1, off)
	e.StoreMem(W64, base, src2, off+8)
}

// emitLoadStoreDisp emits REX(if w or either reg>=8)+opcode+ModRM(+SIB for
// RSP base)+disp for a single-opcode-byte form, choosing disp0/disp8/disp32.
// byteOp indicates an 8-bit operand (rex always emitted to distinguish
// %spl/%bpl/%sil/%dil from the legacy high-byte registers).
func (e *Emitter) emitLoadStoreDisp(w bool, opcode byte, reg, base int, off int32, byteOp bool) {
	r := rex(w, reg >= 8, false, base >= 8)
	if byteOp || r != 0x40 {
		e.buf.EmitU8(r)
	}
	e.buf.EmitU8(opcode)
	e.emitModRMDisp(reg, base, off)
}

// emitModRMOpcodeExt emits a REX prefix followed by a multi-byte opcode and
// a ModRM+disp, used by movzx/movsx/movsxd forms.
func (e *Emitter) emitModRMOpcodeExt(r byte, opcode []byte, reg, base int, off int32) {
	e.buf.EmitU8(r)
	e.buf.EmitBytes(opcode...)
	e.emitModRMDisp(reg, base, off)
}

// emitModRMDisp emits the ModRM byte (and SIB if base is RSP/R12) plus the
// chosen displacement encoding for [base+off].
func (e *Emitter) emitModRMDisp(reg, base int, off int32) {
	needsSIB := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		e.buf.EmitU8(modrmReg(0, byte(reg), byte(base)))
		if needsSIB {
			e.buf.EmitU8(0x24)
		}
	case off >= -128 && off <= 127:
		e.buf.EmitU8(modrmReg(1, byte(reg), byte(base)))
		if needsSIB {
			e.buf.EmitU8(0x24)
		}
		e.buf.EmitU8(byte(off))
	default:
		e.buf.EmitU8(modrmReg(2, byte(reg), byte(base)))
		if needsSIB {
			e.buf.EmitU8(0x24)
		}
		e.buf.EmitU32LE(uint32(off))
	}
}

// emitSIB emits a single-byte-opcode instruction addressing [base+index]
// with scale 1 (always present SIB byte, disp0/disp8 as needed for RBP
// base quirks).
func (e *Emitter) emitSIB(r, opcode byte, reg, base, index int) {
	e.buf.EmitU8(r)
	e.buf.EmitU8(opcode)
	e.emitSIBModRM(reg, base, index)
}

func (e *Emitter) emitSIBExt(r byte, opcode []byte, reg, base, index int) {
	e.buf.EmitU8(r)
	e.buf.EmitBytes(opcode...)
	e.emitSIBModRM(reg, base, index)
}

func (e *Emitter) emitSIBModRM(reg, base, index int) {
	if (base & 7) == RBP {
		e.buf.EmitU8(modrmReg(1, byte(reg), 4))
		e.buf.EmitU8(byte((index&7)<<3) | byte(base&7))
		e.buf.EmitU8(0)
		return
	}
	e.buf.EmitU8(modrmReg(0, byte(reg), 4))
	e.buf.EmitU8(byte((index&7)<<3) | byte(base&7))
}
