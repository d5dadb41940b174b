// Package decoder recognizes one ARM64 (AArch64 A64) guest instruction at a
// time and extracts its operands. Bit layouts mirror the encoders in the
// teacher's std/compiler/aarch64.go run in reverse: aarch64.go builds
// MOVZ/MOVK/ADD/SUB/LDR/STR/B.cond words from fields, Decode recovers the
// fields from the word.
package decoder

import "errors"

// ErrTruncated names the condition of fewer than 4 bytes being available
// at pc. Decode itself returns no error: it reports a truncated tail as
// KindUnknown with Length set to the bytes available, never reading past
// them.
var ErrTruncated = errors.New("decoder: truncated instruction")

// Kind is the closed enum of guest instruction classes §4.C requires.
type Kind int

const (
	KindUnknown Kind = iota
	KindArithRR
	KindArithRI
	KindLogicalRR
	KindShiftRR
	KindMulAdd  // MADD/MSUB (three source registers)
	KindMoveWide // MOVZ/MOVK/MOVN
	KindMoveReg  // MOV (alias of ORR with zero register)
	KindExtend
	KindLea // ADR/ADRP
	KindLoad
	KindStore
	KindLoadPair
	KindStorePair
	KindCompare // CMP/TST (flags-only)
	KindCondSet // CSET/CSINC XZR,XZR alias
	KindCount   // CLZ
	KindBranch  // B, BL
	KindBranchReg // BR, BLR, RET
	KindBranchCond // B.cond
	KindCompareBranch // CBZ/CBNZ
	KindTestBranch    // TBZ/TBNZ
	KindSyscall       // SVC
	KindBreakpoint    // BRK
	KindBitfield      // general UBFM/SBFM not covered by an alias
	KindNop
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindArithRR:
		return "arith_rr"
	case KindArithRI:
		return "arith_ri"
	case KindLogicalRR:
		return "logical_rr"
	case KindShiftRR:
		return "shift_rr"
	case KindMulAdd:
		return "mul_add"
	case KindMoveWide:
		return "move_wide"
	case KindMoveReg:
		return "move_reg"
	case KindExtend:
		return "extend"
	case KindLea:
		return "lea"
	case KindLoad:
		return "load"
	case KindStore:
		return "store"
	case KindLoadPair:
		return "load_pair"
	case KindStorePair:
		return "store_pair"
	case KindCompare:
		return "compare"
	case KindCondSet:
		return "cond_set"
	case KindCount:
		return "count"
	case KindBranch:
		return "branch"
	case KindBranchReg:
		return "branch_reg"
	case KindBranchCond:
		return "branch_cond"
	case KindCompareBranch:
		return "compare_branch"
	case KindTestBranch:
		return "test_branch"
	case KindSyscall:
		return "syscall"
	case KindBreakpoint:
		return "breakpoint"
	case KindBitfield:
		return "bitfield"
	case KindNop:
		return "nop"
	default:
		return "invalid"
	}
}

// ArithOp and LogicalOp name the specific operation within KindArithRR/RI
// and KindLogicalRR/KindShiftRR, since the spec's enum is of *classes*
// but the translator still needs to know which operation within a class.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpSdiv
	OpUdiv
)

type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
	OpXor
)

type ShiftOp int

const (
	OpLsl ShiftOp = iota
	OpLsr
	OpAsr
	OpRor
)

// ExtendOp distinguishes sign- vs zero-extension and the source width.
type ExtendOp int

const (
	ExtUXTB ExtendOp = iota
	ExtUXTH
	ExtUXTW
	ExtSXTB
	ExtSXTH
	ExtSXTW
)

// CondCode is an ARM64 condition field (b.cond's cond, 0..15).
type CondCode byte

const (
	CondEQ CondCode = 0x0
	CondNE CondCode = 0x1
	CondCS CondCode = 0x2
	CondCC CondCode = 0x3
	CondMI CondCode = 0x4
	CondPL CondCode = 0x5
	CondVS CondCode = 0x6
	CondVC CondCode = 0x7
	CondHI CondCode = 0x8
	CondLS CondCode = 0x9
	CondGE CondCode = 0xA
	CondLT CondCode = 0xB
	CondGT CondCode = 0xC
	CondLE CondCode = 0xD
	CondAL CondCode = 0xE
	CondNV CondCode = 0xF
)

// MemWidth is a scalar memory-access width in bits, mirroring emitter.Width
// but kept independent so decoder has no dependency on emitter.
type MemWidth int

const (
	MemW8 MemWidth = 8
	MemW16 MemWidth = 16
	MemW32 MemWidth = 32
	MemW64 MemWidth = 64
)

// AddrMode distinguishes the ARM64 addressing forms the decoder recognizes.
type AddrMode int

const (
	AddrUnsignedOffset AddrMode = iota // [Xn, #imm] (also the unscaled simm9 form)
	AddrRegOffset                      // [Xn, Xm]
	AddrPreIndex                       // [Xn, #simm9]!
	AddrPostIndex                      // [Xn], #simm9
)

// DecodedInsn is the tagged record Decode produces. Only the fields
// relevant to Kind are meaningful; the rest are zero. Length is 4 for
// every complete instruction of this fixed-width guest ISA; a truncated
// input reports the number of bytes that were available.
type DecodedInsn struct {
	Kind   Kind
	Length int

	Rd, Rn, Rm, Ra uint8 // register operands, meaning depends on Kind
	Imm            int64 // sign-extended immediate / PC-relative offset in bytes
	SetFlags       bool  // "S" suffix: ADDS/SUBS/ANDS update flags

	ArithOp   ArithOp
	LogicalOp LogicalOp
	ShiftOp   ShiftOp
	ExtendOp  ExtendOp
	Cond      CondCode
	Width     MemWidth
	Mode      AddrMode
	Signed    bool // sign- vs zero-extending sub-word load
	Is64      bool // operating on the 64-bit (X) vs 32-bit (W) register form

	// ShiftAmt is overloaded per kind: for KindMoveWide it is the
	// MOVZ/MOVK/MOVN hw shift (0,16,32,48); for KindArithRR/KindLogicalRR
	// it is the second operand's shift amount (ShiftOp gives the type);
	// for KindTestBranch it is the bit number under test.
	ShiftAmt int
	Keep     bool // MOVK: keep other bits (vs MOVZ/MOVN which overwrite)
}

// IsTerminator reports whether the decoded instruction ends a basic block.
func (d DecodedInsn) IsTerminator() bool {
	switch d.Kind {
	case KindBranch, KindBranchReg, KindBranchCond, KindCompareBranch,
		KindTestBranch, KindSyscall, KindBreakpoint, KindUnknown:
		return true
	default:
		return false
	}
}
