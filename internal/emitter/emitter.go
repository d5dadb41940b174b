package emitter

import "github.com/arm64x/dbt/internal/codebuf"

// Emitter writes x86-64 instruction bytes into a codebuf.Buffer. Every
// method documents the operand ranges it accepts; out-of-range operands
// set the underlying buffer's error bit rather than panicking, so a
// malformed translator routine fails the block the same way a buffer
// overflow does (builder inspects Buffer.Error() once per block).
type Emitter struct {
	buf *codebuf.Buffer
}

// New wraps buf in an Emitter. buf's lifetime is owned by the caller.
func New(buf *codebuf.Buffer) *Emitter { return &Emitter{buf: buf} }

// fail sets the buffer's sticky error bit by driving it past capacity,
// used when an operand is out of its documented range. This keeps a
// single error signal (Buffer.Error) for both overflow and malformed
// operands, matching §4.B's "sets error on the buffer if called with
// out-of-range operands".
func (e *Emitter) fail() {
	// Emit one byte beyond remaining capacity to flip the sticky bit
	// without guessing how many bytes the caller intended to write.
	for e.buf.Size() < e.buf.Capacity() {
		e.buf.EmitU8(0)
	}
	e.buf.EmitU8(0)
}

func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrmReg(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 7) << 3) | (rm & 7)
}

// === Immediate load ===

// MovImm64 emits `movabs reg, imm64` (REX.W + B8+rd + imm64). reg must be
// in 0..15.
func (e *Emitter) MovImm64(reg int, val uint64) {
	if reg < 0 || reg > 15 {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xb8 + byte(reg&7))
	e.buf.EmitU64LE(val)
}

// MovImm32Z emits `mov reg32, imm32` which the CPU zero-extends into the
// full 64-bit register — the cheapest way to materialize a small unsigned
// constant. reg must be in 0..15.
func (e *Emitter) MovImm32Z(reg int, val uint32) {
	if reg < 0 || reg > 15 {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xb8 + byte(reg&7))
	e.buf.EmitU32LE(val)
}

// MovRR emits `mov dst, src` (64-bit). Both registers must be in 0..15.
func (e *Emitter) MovRR(dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, src >= 8, false, dst >= 8))
	e.buf.EmitU8(0x89)
	e.buf.EmitU8(modrmReg(3, byte(src), byte(dst)))
}

func in16(r int) bool { return r >= 0 && r <= 15 }

// ArithOp names a register-register/register-immediate ALU operation.
type ArithOp int

const (
	Add ArithOp = iota
	Sub
	And
	Or
	Xor
	Cmp
	Test
)

var rrOpcode = map[ArithOp]byte{
	Add: 0x01, Sub: 0x29, And: 0x21, Or: 0x09, Xor: 0x31, Cmp: 0x39, Test: 0x85,
}

// ArithRR emits `op dst, src` for add/sub/and/or/xor/cmp/test (64-bit).
// Cmp and Test update flags without writing dst (their x86-64 encodings are
// already non-destructive to the implicit destination: CMP computes
// dst-src and discards the result; TEST computes dst&src and discards it).
func (e *Emitter) ArithRR(op ArithOp, dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	opcode, ok := rrOpcode[op]
	if !ok {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, src >= 8, false, dst >= 8))
	e.buf.EmitU8(opcode)
	e.buf.EmitU8(modrmReg(3, byte(src), byte(dst)))
}

// ArithRR32 is the 32-bit operand-size form of ArithRR; the destination's
// upper 32 bits are zeroed by the CPU, matching the guest's W-register
// writeback rule, and the host flags reflect the 32-bit result.
func (e *Emitter) ArithRR32(op ArithOp, dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	opcode, ok := rrOpcode[op]
	if !ok {
		e.fail()
		return
	}
	r := rex(false, src >= 8, false, dst >= 8)
	if r != 0x40 {
		e.buf.EmitU8(r)
	}
	e.buf.EmitU8(opcode)
	e.buf.EmitU8(modrmReg(3, byte(src), byte(dst)))
}

// MovRR32 emits `mov dst32, src32`, zero-extending into the full dst —
// doubling as the cheapest 32→64 zero-extend when dst == src.
func (e *Emitter) MovRR32(dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	r := rex(false, src >= 8, false, dst >= 8)
	if r != 0x40 {
		e.buf.EmitU8(r)
	}
	e.buf.EmitU8(0x89)
	e.buf.EmitU8(modrmReg(3, byte(src), byte(dst)))
}

// MovzxRR emits a zero-extending register-to-register move of the given
// sub-word source width into the full 64-bit dst.
func (e *Emitter) MovzxRR(width Width, dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	switch width {
	case W8:
		e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
		e.buf.EmitBytes(0x0f, 0xb6)
	case W16:
		e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
		e.buf.EmitBytes(0x0f, 0xb7)
	case W32:
		e.MovRR32(dst, src)
		return
	default:
		e.fail()
		return
	}
	e.buf.EmitU8(modrmReg(3, byte(dst), byte(src)))
}

// MovsxRR emits a sign-extending register-to-register move of the given
// sub-word source width into the full 64-bit dst.
func (e *Emitter) MovsxRR(width Width, dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	switch width {
	case W8:
		e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
		e.buf.EmitBytes(0x0f, 0xbe)
	case W16:
		e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
		e.buf.EmitBytes(0x0f, 0xbf)
	case W32:
		e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
		e.buf.EmitU8(0x63)
	default:
		e.fail()
		return
	}
	e.buf.EmitU8(modrmReg(3, byte(dst), byte(src)))
}

// MulRR emits `imul dst, src` (two-byte opcode 0F AF), signed 64-bit
// multiply with the result truncated into dst.
func (e *Emitter) MulRR(dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
	e.buf.EmitBytes(0x0f, 0xaf)
	e.buf.EmitU8(modrmReg(3, byte(dst), byte(src)))
}

// BsrRR emits `bsr dst, src` (bit scan reverse, 64-bit): dst receives the
// index of src's highest set bit. dst is undefined when src is zero — the
// caller must guard that case.
func (e *Emitter) BsrRR(dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, dst >= 8, false, src >= 8))
	e.buf.EmitBytes(0x0f, 0xbd)
	e.buf.EmitU8(modrmReg(3, byte(dst), byte(src)))
}

// BsrRR32 is the 32-bit operand-size form of BsrRR.
func (e *Emitter) BsrRR32(dst, src int) {
	if !in16(dst) || !in16(src) {
		e.fail()
		return
	}
	r := rex(false, dst >= 8, false, src >= 8)
	if r != 0x40 {
		e.buf.EmitU8(r)
	}
	e.buf.EmitBytes(0x0f, 0xbd)
	e.buf.EmitU8(modrmReg(3, byte(dst), byte(src)))
}

// Not emits `not reg` (one's complement in place).
func (e *Emitter) Not(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xf7)
	e.buf.EmitU8(byte(0xd0 | (reg & 7)))
}

// Neg emits `neg reg` (two's complement negation in place).
func (e *Emitter) Neg(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xf7)
	e.buf.EmitU8(byte(0xd8 | (reg & 7)))
}

// Cqo emits `cqo`, sign-extending RAX into RDX:RAX ahead of a signed IDiv.
func (e *Emitter) Cqo() {
	e.buf.EmitBytes(0x48, 0x99)
}

// ClearRDX emits `xor edx, edx`, zeroing RDX:RAX's high half ahead of an
// unsigned Div.
func (e *Emitter) ClearRDX() {
	e.buf.EmitBytes(0x31, 0xd2)
}

// Cdq emits `cdq`, sign-extending EAX into EDX:EAX ahead of a 32-bit
// signed IDiv32.
func (e *Emitter) Cdq() {
	e.buf.EmitU8(0x99)
}

// IDiv emits `idiv reg`: signed divide RDX:RAX by reg, quotient in RAX,
// remainder in RDX. Caller must have emitted Cqo first.
func (e *Emitter) IDiv(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xf7)
	e.buf.EmitU8(byte(0xf8 | (reg & 7)))
}

// Div emits `div reg`: unsigned divide RDX:RAX by reg, quotient in RAX,
// remainder in RDX. Caller must have emitted ClearRDX first.
func (e *Emitter) Div(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xf7)
	e.buf.EmitU8(byte(0xf0 | (reg & 7)))
}

// immGroup is the ModRM /digit selecting the operation within the 81/83
// immediate-group encodings.
var immGroup = map[ArithOp]byte{
	Add: 0, Or: 1, And: 4, Sub: 5, Xor: 6, Cmp: 7,
}

// ArithRI emits `op reg, imm32` for add/sub/and/or/xor/cmp, auto-selecting
// the imm8 encoding when val fits in a signed byte. Note the immediate is
// sign-extended to 64 bits by the CPU, so a mask like 0xFFFFFFFF cannot be
// expressed through this form.
func (e *Emitter) ArithRI(op ArithOp, reg int, val int32) {
	e.arithRI(true, op, reg, val)
}

// ArithRI32 is the 32-bit operand-size form of ArithRI; the destination's
// upper 32 bits are zeroed by the CPU.
func (e *Emitter) ArithRI32(op ArithOp, reg int, val int32) {
	e.arithRI(false, op, reg, val)
}

func (e *Emitter) arithRI(w bool, op ArithOp, reg int, val int32) {
	if !in16(reg) {
		e.fail()
		return
	}
	grp, ok := immGroup[op]
	if !ok {
		e.fail()
		return
	}
	r := rex(w, false, false, reg >= 8)
	if r != 0x40 {
		e.buf.EmitU8(r)
	}
	if val >= -128 && val <= 127 {
		e.buf.EmitU8(0x83)
		e.buf.EmitU8(byte(0xc0 | (grp << 3) | byte(reg&7)))
		e.buf.EmitU8(byte(val))
	} else {
		e.buf.EmitU8(0x81)
		e.buf.EmitU8(byte(0xc0 | (grp << 3) | byte(reg&7)))
		e.buf.EmitU32LE(uint32(val))
	}
}

// IDiv32 emits `idiv reg32`: signed divide EDX:EAX by reg's low 32 bits,
// used for the guest's 32-bit divide form. Caller must have emitted Cdq.
func (e *Emitter) IDiv32(reg int) { e.divR32(reg, 0xf8) }

// Div32 emits `div reg32`: unsigned 32-bit divide. Caller must have
// emitted ClearRDX.
func (e *Emitter) Div32(reg int) { e.divR32(reg, 0xf0) }

func (e *Emitter) divR32(reg int, ext byte) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xf7)
	e.buf.EmitU8(byte(ext | byte(reg&7)))
}

// Shl/Shr/Sar by CL (the shift amount is taken from CL, as required by the
// x86-64 shift-by-variable-amount encoding).

// ShlCL emits `shl reg, cl`.
func (e *Emitter) ShlCL(reg int) { e.shiftCL(reg, 4) }

// ShrCL emits `shr reg, cl` (logical).
func (e *Emitter) ShrCL(reg int) { e.shiftCL(reg, 5) }

// SarCL emits `sar reg, cl` (arithmetic).
func (e *Emitter) SarCL(reg int) { e.shiftCL(reg, 7) }

// RorCL emits `ror reg, cl` (rotate right).
func (e *Emitter) RorCL(reg int) { e.shiftCL(reg, 1) }

func (e *Emitter) shiftCL(reg int, ext byte) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xd3)
	e.buf.EmitU8(byte(0xc0 | (ext << 3) | byte(reg&7)))
}

// ShlImm emits `shl reg, imm8`.
func (e *Emitter) ShlImm(reg int, amount byte) { e.shiftImm(reg, 4, amount) }

// ShrImm emits `shr reg, imm8` (logical).
func (e *Emitter) ShrImm(reg int, amount byte) { e.shiftImm(reg, 5, amount) }

// SarImm emits `sar reg, imm8` (arithmetic).
func (e *Emitter) SarImm(reg int, amount byte) { e.shiftImm(reg, 7, amount) }

func (e *Emitter) shiftImm(reg int, ext byte, amount byte) {
	if !in16(reg) {
		e.fail()
		return
	}
	e.buf.EmitU8(rex(true, false, false, reg >= 8))
	e.buf.EmitU8(0xc1)
	e.buf.EmitU8(byte(0xc0 | (ext << 3) | byte(reg&7)))
	e.buf.EmitU8(amount)
}

// 32-bit operand-size shift forms: the CPU masks the count mod 32 and
// zeroes the destination's upper half, matching the guest's W-register
// shift semantics.

// ShlCL32 emits `shl reg32, cl`.
func (e *Emitter) ShlCL32(reg int) { e.shiftCL32(reg, 4) }

// ShrCL32 emits `shr reg32, cl`.
func (e *Emitter) ShrCL32(reg int) { e.shiftCL32(reg, 5) }

// SarCL32 emits `sar reg32, cl`.
func (e *Emitter) SarCL32(reg int) { e.shiftCL32(reg, 7) }

// RorCL32 emits `ror reg32, cl`.
func (e *Emitter) RorCL32(reg int) { e.shiftCL32(reg, 1) }

func (e *Emitter) shiftCL32(reg int, ext byte) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xd3)
	e.buf.EmitU8(byte(0xc0 | (ext << 3) | byte(reg&7)))
}

// ShlImm32 emits `shl reg32, imm8`.
func (e *Emitter) ShlImm32(reg int, amount byte) { e.shiftImm32(reg, 4, amount) }

// ShrImm32 emits `shr reg32, imm8`.
func (e *Emitter) ShrImm32(reg int, amount byte) { e.shiftImm32(reg, 5, amount) }

// SarImm32 emits `sar reg32, imm8`.
func (e *Emitter) SarImm32(reg int, amount byte) { e.shiftImm32(reg, 7, amount) }

func (e *Emitter) shiftImm32(reg int, ext byte, amount byte) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xc1)
	e.buf.EmitU8(byte(0xc0 | (ext << 3) | byte(reg&7)))
	e.buf.EmitU8(amount)
}

// Pushfq emits `pushfq`, capturing RFLAGS on the host stack — the first
// half of materializing guest NZCV from a just-executed host ALU op.
func (e *Emitter) Pushfq() { e.buf.EmitU8(0x9c) }

// Popfq emits `popfq`, loading RFLAGS from the host stack — used to
// re-materialize host condition flags from a stored guest NZCV word just
// before a conditional branch.
func (e *Emitter) Popfq() { e.buf.EmitU8(0x9d) }

// Setcc emits `setCC reg8` storing the condition as 0/1 in the low byte of
// reg, high bits of reg are left undefined by the hardware (the translator
// must not rely on them without a following zero-extend).
func (e *Emitter) Setcc(cc Cond, reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitBytes(0x0f, byte(0x90|cc))
	e.buf.EmitU8(byte(0xc0 | (reg & 7)))
}

// Push emits `push reg`.
func (e *Emitter) Push(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0x50 + byte(reg&7))
}

// Pop emits `pop reg`.
func (e *Emitter) Pop(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0x58 + byte(reg&7))
}

// Ret emits `ret`, the block-ending instruction that returns control from
// translated code to the runtime glue.
func (e *Emitter) Ret() { e.buf.EmitU8(0xc3) }

// Nop emits a single-byte `nop`.
func (e *Emitter) Nop() { e.buf.EmitU8(0x90) }

// Int3 emits a breakpoint trap. The builder does not emit it: an
// unrecognized guest instruction ends the block with a return to the
// runtime instead.
func (e *Emitter) Int3() { e.buf.EmitU8(0xcc) }

// Syscall emits the `syscall` instruction.
func (e *Emitter) Syscall() { e.buf.EmitBytes(0x0f, 0x05) }

// Jmp emits `jmp rel32` with a zero placeholder and returns the buffer
// offset of the rel32 field for later patching via codebuf.PatchU32LE.
func (e *Emitter) Jmp() int {
	e.buf.EmitU8(0xe9)
	off := e.buf.Size()
	e.buf.EmitU32LE(0)
	return off
}

// Jcc emits `jCC rel32` with a zero placeholder and returns the rel32
// offset for later patching.
func (e *Emitter) Jcc(cc Cond) int {
	e.buf.EmitBytes(0x0f, byte(0x80|cc))
	off := e.buf.Size()
	e.buf.EmitU32LE(0)
	return off
}

// Call emits `call rel32` with a zero placeholder and returns the rel32
// offset for later patching.
func (e *Emitter) Call() int {
	e.buf.EmitU8(0xe8)
	off := e.buf.Size()
	e.buf.EmitU32LE(0)
	return off
}

// CallReg emits `call reg` (indirect call through a register).
func (e *Emitter) CallReg(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xff)
	e.buf.EmitU8(byte(0xd0 | (reg & 7)))
}

// PatchToHere patches the rel32 at the given Jmp/Jcc/Call offset so it
// branches to the buffer's current end — used to resolve a forward
// branch to the instruction emitted immediately after it.
func (e *Emitter) PatchToHere(off int) {
	here := e.buf.Size()
	rel := int32(here - (off + 4))
	e.buf.PatchU32LE(off, uint32(rel))
}

// PatchRel32 patches the rel32 field at byte offset off within an
// already-finalized code slice (not a codebuf.Buffer) so that it jumps to
// target, given the slice's own base address baseAddr. Used by the
// runtime to chain one translated block directly into another after both
// have been committed to the code cache.
func PatchRel32(code []byte, off int, baseAddr, target uint64) {
	siteAddr := baseAddr + uint64(off) + 4
	rel := int32(int64(target) - int64(siteAddr))
	code[off] = byte(rel)
	code[off+1] = byte(rel >> 8)
	code[off+2] = byte(rel >> 16)
	code[off+3] = byte(rel >> 24)
}

// JmpReg emits `jmp reg` (indirect jump through a register). The builder
// does not emit it: guest indirect branches store the target into the
// guest PC and return to the runtime.
func (e *Emitter) JmpReg(reg int) {
	if !in16(reg) {
		e.fail()
		return
	}
	if reg >= 8 {
		e.buf.EmitU8(rex(false, false, false, true))
	}
	e.buf.EmitU8(0xff)
	e.buf.EmitU8(byte(0xe0 | (reg & 7)))
}
