// Package emitter encodes x86-64 host instructions into a codebuf.Buffer.
// It is purely syntactic: it never looks at guest state, only at the
// operand fields it is given. Encodings are adapted from the teacher's
// std/compiler/x64.go and backend.go CodeGen helpers.
package emitter

// Host general-purpose register indices, in x86-64 encoding order.
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// Cond is an x86-64 condition code, used for Jcc/Setcc. Values are the low
// nibble of the Jcc/SETcc opcode (0F 8x / 0F 9x).
type Cond byte

const (
	CondE  Cond = 0x4 // equal / zero
	CondNE Cond = 0x5 // not equal / not zero
	CondL  Cond = 0xC // less (signed)
	CondGE Cond = 0xD // greater or equal (signed)
	CondLE Cond = 0xE // less or equal (signed)
	CondG  Cond = 0xF // greater (signed)
	CondB  Cond = 0x2 // below (unsigned) / carry set
	CondAE Cond = 0x3 // above or equal (unsigned) / carry clear
	CondA  Cond = 0x7 // above (unsigned)
	CondBE Cond = 0x6 // below or equal (unsigned)
	CondS  Cond = 0x8 // sign (negative)
	CondNS Cond = 0x9 // not sign
	CondO  Cond = 0x0 // overflow
	CondNO Cond = 0x1 // not overflow
)

// Width is a scalar memory-access width in bits.
type Width int

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)
