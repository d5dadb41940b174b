// Package guestasm is a small A64 encoder used by tests to construct
// guest code sequences and by the decode round-trip property to re-encode
// what the decoder extracted. The encodings are the same words the
// decoder's masks recover fields from, written from the field side.
package guestasm

// XZR is the zero-register index (and the SP index, per context).
const XZR = 31

// Program accumulates little-endian A64 instruction words.
type Program struct {
	code []byte
}

// New returns an empty program.
func New() *Program { return &Program{} }

// Bytes returns the encoded instruction stream.
func (p *Program) Bytes() []byte { return p.code }

// Len returns the encoded length in bytes.
func (p *Program) Len() int { return len(p.code) }

// Word appends one raw 32-bit instruction word.
func (p *Program) Word(inst uint32) {
	p.code = append(p.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

func reg(r int) uint32 { return uint32(r & 0x1f) }

// === Immediate loading ===

// MovZ emits MOVZ Xd, #imm16, LSL #shift (shift = 0,16,32,48).
func (p *Program) MovZ(rd int, imm16 uint16, shift int) {
	p.Word(0xD2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// MovK emits MOVK Xd, #imm16, LSL #shift.
func (p *Program) MovK(rd int, imm16 uint16, shift int) {
	p.Word(0xF2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// MovN emits MOVN Xd, #imm16, LSL #shift.
func (p *Program) MovN(rd int, imm16 uint16, shift int) {
	p.Word(0x92800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | reg(rd))
}

// LoadImm64 loads an arbitrary 64-bit constant with a MOVZ/MOVK run.
func (p *Program) LoadImm64(rd int, val uint64) {
	p.MovZ(rd, uint16(val), 0)
	p.MovK(rd, uint16(val>>16), 16)
	p.MovK(rd, uint16(val>>32), 32)
	p.MovK(rd, uint16(val>>48), 48)
}

// === Arithmetic ===

// AddRR emits ADD Xd, Xn, Xm.
func (p *Program) AddRR(rd, rn, rm int) {
	p.Word(0x8B000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AddsRR emits ADDS Xd, Xn, Xm (flag-setting).
func (p *Program) AddsRR(rd, rn, rm int) {
	p.Word(0xAB000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// SubRR emits SUB Xd, Xn, Xm.
func (p *Program) SubRR(rd, rn, rm int) {
	p.Word(0xCB000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// SubsRR emits SUBS Xd, Xn, Xm (flag-setting).
func (p *Program) SubsRR(rd, rn, rm int) {
	p.Word(0xEB000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AddImm emits ADD Xd, Xn, #imm12.
func (p *Program) AddImm(rd, rn int, imm12 uint32) {
	p.Word(0x91000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// SubImm emits SUB Xd, Xn, #imm12.
func (p *Program) SubImm(rd, rn int, imm12 uint32) {
	p.Word(0xD1000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// SubsImm emits SUBS Xd, Xn, #imm12.
func (p *Program) SubsImm(rd, rn int, imm12 uint32) {
	p.Word(0xF1000000 | (imm12&0xFFF)<<10 | reg(rn)<<5 | reg(rd))
}

// Mul emits MUL Xd, Xn, Xm (MADD with XZR accumulator).
func (p *Program) Mul(rd, rn, rm int) {
	p.Word(0x9B007C00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Madd emits MADD Xd, Xn, Xm, Xa.
func (p *Program) Madd(rd, rn, rm, ra int) {
	p.Word(0x9B000000 | reg(rm)<<16 | reg(ra)<<10 | reg(rn)<<5 | reg(rd))
}

// Msub emits MSUB Xd, Xn, Xm, Xa (Xd = Xa - Xn*Xm).
func (p *Program) Msub(rd, rn, rm, ra int) {
	p.Word(0x9B008000 | reg(rm)<<16 | reg(ra)<<10 | reg(rn)<<5 | reg(rd))
}

// Sdiv emits SDIV Xd, Xn, Xm.
func (p *Program) Sdiv(rd, rn, rm int) {
	p.Word(0x9AC00C00 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// Udiv emits UDIV Xd, Xn, Xm.
func (p *Program) Udiv(rd, rn, rm int) {
	p.Word(0x9AC00800 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// === Logic and shifts ===

// AndRR emits AND Xd, Xn, Xm.
func (p *Program) AndRR(rd, rn, rm int) {
	p.Word(0x8A000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AndsRR emits ANDS Xd, Xn, Xm (flag-setting).
func (p *Program) AndsRR(rd, rn, rm int) {
	p.Word(0xEA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// OrrRR emits ORR Xd, Xn, Xm.
func (p *Program) OrrRR(rd, rn, rm int) {
	p.Word(0xAA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// EorRR emits EOR Xd, Xn, Xm.
func (p *Program) EorRR(rd, rn, rm int) {
	p.Word(0xCA000000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// MovRR emits MOV Xd, Xm (ORR Xd, XZR, Xm).
func (p *Program) MovRR(rd, rm int) {
	p.OrrRR(rd, XZR, rm)
}

// LslRR emits LSLV Xd, Xn, Xm.
func (p *Program) LslRR(rd, rn, rm int) {
	p.Word(0x9AC02000 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// LsrRR emits LSRV Xd, Xn, Xm.
func (p *Program) LsrRR(rd, rn, rm int) {
	p.Word(0x9AC02400 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// AsrRR emits ASRV Xd, Xn, Xm.
func (p *Program) AsrRR(rd, rn, rm int) {
	p.Word(0x9AC02800 | reg(rm)<<16 | reg(rn)<<5 | reg(rd))
}

// LslImm emits LSL Xd, Xn, #shift (UBFM alias).
func (p *Program) LslImm(rd, rn int, shift uint32) {
	immr := (64 - shift) & 0x3F
	imms := (63 - shift) & 0x3F
	p.Word(0xD3400000 | immr<<16 | imms<<10 | reg(rn)<<5 | reg(rd))
}

// LsrImm emits LSR Xd, Xn, #shift (UBFM alias).
func (p *Program) LsrImm(rd, rn int, shift uint32) {
	p.Word(0xD3400000 | (shift&0x3F)<<16 | 63<<10 | reg(rn)<<5 | reg(rd))
}

// AsrImm emits ASR Xd, Xn, #shift (SBFM alias).
func (p *Program) AsrImm(rd, rn int, shift uint32) {
	p.Word(0x93400000 | (shift&0x3F)<<16 | 63<<10 | reg(rn)<<5 | reg(rd))
}

// Uxtb emits UXTB Wd, Wn.
func (p *Program) Uxtb(rd, rn int) {
	p.Word(0x53001C00 | reg(rn)<<5 | reg(rd))
}

// Uxth emits UXTH Wd, Wn.
func (p *Program) Uxth(rd, rn int) {
	p.Word(0x53003C00 | reg(rn)<<5 | reg(rd))
}

// Sxtw emits SXTW Xd, Wn.
func (p *Program) Sxtw(rd, rn int) {
	p.Word(0x93407C00 | reg(rn)<<5 | reg(rd))
}

// Clz emits CLZ Xd, Xn.
func (p *Program) Clz(rd, rn int) {
	p.Word(0xDAC01000 | reg(rn)<<5 | reg(rd))
}

// === Compare and conditional ===

// CmpRR emits CMP Xn, Xm (SUBS XZR, Xn, Xm).
func (p *Program) CmpRR(rn, rm int) {
	p.SubsRR(XZR, rn, rm)
}

// CmpImm emits CMP Xn, #imm12.
func (p *Program) CmpImm(rn int, imm12 uint32) {
	p.SubsImm(XZR, rn, imm12)
}

// TstRR emits TST Xn, Xm (ANDS XZR, Xn, Xm).
func (p *Program) TstRR(rn, rm int) {
	p.AndsRR(XZR, rn, rm)
}

// Cset emits CSET Xd, cond (CSINC Xd, XZR, XZR, invert(cond)).
func (p *Program) Cset(rd int, cond int) {
	p.Word(0x9A9F07E0 | uint32(cond^1)<<12 | reg(rd))
}

// === Memory ===

// Ldr emits LDR Xt, [Xn, #offset] (offset must be a multiple of 8 in
// 0..32760).
func (p *Program) Ldr(rt, rn int, offset int) {
	p.Word(0xF9400000 | uint32(offset/8)<<10 | reg(rn)<<5 | reg(rt))
}

// Str emits STR Xt, [Xn, #offset] (offset constraints as Ldr).
func (p *Program) Str(rt, rn int, offset int) {
	p.Word(0xF9000000 | uint32(offset/8)<<10 | reg(rn)<<5 | reg(rt))
}

// LdrW emits LDR Wt, [Xn, #offset] (32-bit, offset multiple of 4).
func (p *Program) LdrW(rt, rn int, offset int) {
	p.Word(0xB9400000 | uint32(offset/4)<<10 | reg(rn)<<5 | reg(rt))
}

// StrW emits STR Wt, [Xn, #offset].
func (p *Program) StrW(rt, rn int, offset int) {
	p.Word(0xB9000000 | uint32(offset/4)<<10 | reg(rn)<<5 | reg(rt))
}

// Ldrh emits LDRH Wt, [Xn, #offset] (offset multiple of 2).
func (p *Program) Ldrh(rt, rn int, offset int) {
	p.Word(0x79400000 | uint32(offset/2)<<10 | reg(rn)<<5 | reg(rt))
}

// Strh emits STRH Wt, [Xn, #offset].
func (p *Program) Strh(rt, rn int, offset int) {
	p.Word(0x79000000 | uint32(offset/2)<<10 | reg(rn)<<5 | reg(rt))
}

// Ldrb emits LDRB Wt, [Xn, #offset].
func (p *Program) Ldrb(rt, rn int, offset int) {
	p.Word(0x39400000 | uint32(offset)<<10 | reg(rn)<<5 | reg(rt))
}

// Strb emits STRB Wt, [Xn, #offset].
func (p *Program) Strb(rt, rn int, offset int) {
	p.Word(0x39000000 | uint32(offset)<<10 | reg(rn)<<5 | reg(rt))
}

// Ldrsb emits LDRSB Xt, [Xn, #offset] (sign-extend to 64 bits).
func (p *Program) Ldrsb(rt, rn int, offset int) {
	p.Word(0x39800000 | uint32(offset)<<10 | reg(rn)<<5 | reg(rt))
}

// Ldrsw emits LDRSW Xt, [Xn, #offset] (offset multiple of 4).
func (p *Program) Ldrsw(rt, rn int, offset int) {
	p.Word(0xB9800000 | uint32(offset/4)<<10 | reg(rn)<<5 | reg(rt))
}

// LdrRegOffset emits LDR Xt, [Xn, Xm].
func (p *Program) LdrRegOffset(rt, rn, rm int) {
	p.Word(0xF8606800 | reg(rm)<<16 | reg(rn)<<5 | reg(rt))
}

// StrRegOffset emits STR Xt, [Xn, Xm].
func (p *Program) StrRegOffset(rt, rn, rm int) {
	p.Word(0xF8206800 | reg(rm)<<16 | reg(rn)<<5 | reg(rt))
}

// Stp emits STP Xt1, Xt2, [Xn, #offset] (signed offset, multiple of 8 in
// -512..504).
func (p *Program) Stp(rt1, rt2, rn int, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	p.Word(0xA9000000 | imm7<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// Ldp emits LDP Xt1, Xt2, [Xn, #offset].
func (p *Program) Ldp(rt1, rt2, rn int, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	p.Word(0xA9400000 | imm7<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// StpPre emits STP Xt1, Xt2, [Xn, #offset]! (pre-index with writeback).
func (p *Program) StpPre(rt1, rt2, rn int, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	p.Word(0xA9800000 | imm7<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// LdpPost emits LDP Xt1, Xt2, [Xn], #offset (post-index with writeback).
func (p *Program) LdpPost(rt1, rt2, rn int, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	p.Word(0xA8C00000 | imm7<<15 | reg(rt2)<<10 | reg(rn)<<5 | reg(rt1))
}

// === Control transfer ===

// B emits B with a byte offset relative to this instruction.
func (p *Program) B(offset int) {
	p.Word(0x14000000 | uint32(offset/4)&0x03FFFFFF)
}

// Bl emits BL with a byte offset relative to this instruction.
func (p *Program) Bl(offset int) {
	p.Word(0x94000000 | uint32(offset/4)&0x03FFFFFF)
}

// BCond emits B.cond with a byte offset relative to this instruction.
func (p *Program) BCond(cond int, offset int) {
	p.Word(0x54000000 | (uint32(offset/4)&0x7FFFF)<<5 | uint32(cond&0xF))
}

// Cbz emits CBZ Xt, offset.
func (p *Program) Cbz(rt int, offset int) {
	p.Word(0xB4000000 | (uint32(offset/4)&0x7FFFF)<<5 | reg(rt))
}

// Cbnz emits CBNZ Xt, offset.
func (p *Program) Cbnz(rt int, offset int) {
	p.Word(0xB5000000 | (uint32(offset/4)&0x7FFFF)<<5 | reg(rt))
}

// Tbz emits TBZ Xt, #bit, offset.
func (p *Program) Tbz(rt, bit int, offset int) {
	b5 := uint32(bit>>5) & 1
	p.Word(0x36000000 | b5<<31 | uint32(bit&0x1F)<<19 | (uint32(offset/4)&0x3FFF)<<5 | reg(rt))
}

// Tbnz emits TBNZ Xt, #bit, offset.
func (p *Program) Tbnz(rt, bit int, offset int) {
	b5 := uint32(bit>>5) & 1
	p.Word(0x37000000 | b5<<31 | uint32(bit&0x1F)<<19 | (uint32(offset/4)&0x3FFF)<<5 | reg(rt))
}

// Br emits BR Xn.
func (p *Program) Br(rn int) {
	p.Word(0xD61F0000 | reg(rn)<<5)
}

// Blr emits BLR Xn.
func (p *Program) Blr(rn int) {
	p.Word(0xD63F0000 | reg(rn)<<5)
}

// Ret emits RET (X30).
func (p *Program) Ret() {
	p.Word(0xD65F03C0)
}

// Svc emits SVC #imm16.
func (p *Program) Svc(imm16 uint16) {
	p.Word(0xD4000001 | uint32(imm16)<<5)
}

// Brk emits BRK #imm16.
func (p *Program) Brk(imm16 uint16) {
	p.Word(0xD4200000 | uint32(imm16)<<5)
}

// Nop emits NOP.
func (p *Program) Nop() {
	p.Word(0xD503201F)
}

// Condition codes, matching the A64 cond field.
const (
	CondEQ = 0x0
	CondNE = 0x1
	CondCS = 0x2
	CondCC = 0x3
	CondMI = 0x4
	CondPL = 0x5
	CondVS = 0x6
	CondVC = 0x7
	CondHI = 0x8
	CondLS = 0x9
	CondGE = 0xA
	CondLT = 0xB
	CondGT = 0xC
	CondLE = 0xD
)
