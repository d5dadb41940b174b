package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arm64x/dbt/internal/decoder"
	"github.com/arm64x/dbt/internal/guestasm"
	"github.com/arm64x/dbt/internal/state"
)

// fakeMem is a sparse guest memory for interpreter tests.
type fakeMem map[uint64]byte

func (m fakeMem) ReadAt(addr uint64, p []byte) error {
	for i := range p {
		p[i] = m[addr+uint64(i)]
	}
	return nil
}

func (m fakeMem) WriteAt(addr uint64, p []byte) error {
	for i, b := range p {
		m[addr+uint64(i)] = b
	}
	return nil
}

const pc = uint64(0x1000)

// step assembles one instruction via emit and interprets it.
func step(t *testing.T, s *state.State, mem Memory, emit func(p *guestasm.Program)) uint64 {
	t.Helper()
	p := guestasm.New()
	emit(p)
	insn := decoder.Decode(p.Bytes(), pc)
	require.NotEqual(t, decoder.KindUnknown, insn.Kind)
	next, err := Interpret(insn, s, mem, pc)
	require.NoError(t, err)
	return next
}

func TestAddSubFlags(t *testing.T) {
	s := state.New(pc)
	s.SetReg(1, 42)
	s.SetReg(2, 42)
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.SubsRR(0, 1, 2) })
	require.Equal(t, pc+4, next)
	require.Equal(t, uint64(0), s.Reg(0))
	require.True(t, s.Z(), "42-42 sets Z")
	require.True(t, s.C(), "no borrow sets C")
	require.False(t, s.N())
	require.False(t, s.V())
}

func TestMovWideSequenceBuildsConstant(t *testing.T) {
	s := state.New(pc)
	mem := fakeMem{}
	step(t, s, mem, func(p *guestasm.Program) { p.MovZ(5, 0xF00D, 0) })
	step(t, s, mem, func(p *guestasm.Program) { p.MovK(5, 0xCAFE, 16) })
	step(t, s, mem, func(p *guestasm.Program) { p.MovK(5, 0xBEEF, 32) })
	step(t, s, mem, func(p *guestasm.Program) { p.MovK(5, 0xDEAD, 48) })
	require.Equal(t, uint64(0xDEADBEEFCAFEF00D), s.Reg(5))
}

func TestMovNegated(t *testing.T) {
	s := state.New(pc)
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.MovN(3, 0, 0) })
	require.Equal(t, ^uint64(0), s.Reg(3))
}

func TestLoadStoreRoundTrip(t *testing.T) {
	s := state.New(pc)
	mem := fakeMem{}
	s.SetReg(1, 0x2000)
	s.SetReg(2, 0x1122334455667788)
	step(t, s, mem, func(p *guestasm.Program) { p.Str(2, 1, 16) })
	step(t, s, mem, func(p *guestasm.Program) { p.Ldr(3, 1, 16) })
	require.Equal(t, s.Reg(2), s.Reg(3))

	// Sub-word: byte store then zero-extending byte load.
	s.SetReg(4, 0xAB)
	step(t, s, mem, func(p *guestasm.Program) { p.Strb(4, 1, 0) })
	s.SetReg(5, ^uint64(0))
	step(t, s, mem, func(p *guestasm.Program) { p.Ldrb(5, 1, 0) })
	require.Equal(t, uint64(0xAB), s.Reg(5))
}

func TestLoadSignedByte(t *testing.T) {
	s := state.New(pc)
	mem := fakeMem{0x3000: 0x80}
	s.SetReg(1, 0x3000)
	step(t, s, mem, func(p *guestasm.Program) { p.Ldrsb(0, 1, 0) })
	require.Equal(t, uint64(0xFFFFFFFFFFFFFF80), s.Reg(0))
}

func TestPairWriteback(t *testing.T) {
	s := state.New(pc)
	mem := fakeMem{}
	s.SP = 0x8000
	s.SetReg(0, 111)
	s.SetReg(1, 222)
	// STP x0, x1, [sp, #-16]!
	step(t, s, mem, func(p *guestasm.Program) { p.StpPre(0, 1, guestasm.XZR, -16) })
	require.Equal(t, uint64(0x8000-16), s.SP)
	// LDP x2, x3, [sp], #16
	step(t, s, mem, func(p *guestasm.Program) { p.LdpPost(2, 3, guestasm.XZR, 16) })
	require.Equal(t, uint64(0x8000), s.SP)
	require.Equal(t, uint64(111), s.Reg(2))
	require.Equal(t, uint64(222), s.Reg(3))
}

func TestBranchAndLink(t *testing.T) {
	s := state.New(pc)
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Bl(0x40) })
	require.Equal(t, pc+0x40, next)
	require.Equal(t, pc+4, s.Reg(30), "BL records the return address in LR")

	next = step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Ret() })
	require.Equal(t, pc+4, next, "RET jumps to LR")
}

func TestConditionalBranch(t *testing.T) {
	s := state.New(pc)
	s.Flags = state.FlagZ
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.BCond(guestasm.CondEQ, 0x20) })
	require.Equal(t, pc+0x20, next, "B.EQ taken when Z set")

	s.Flags = 0
	next = step(t, s, fakeMem{}, func(p *guestasm.Program) { p.BCond(guestasm.CondEQ, 0x20) })
	require.Equal(t, pc+4, next, "B.EQ falls through when Z clear")
}

func TestCompareBranchZero(t *testing.T) {
	s := state.New(pc)
	s.SetReg(7, 0)
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Cbz(7, 0x10) })
	require.Equal(t, pc+0x10, next)

	s.SetReg(7, 5)
	next = step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Cbz(7, 0x10) })
	require.Equal(t, pc+4, next)
}

func TestTestBitBranch(t *testing.T) {
	s := state.New(pc)
	s.SetReg(2, 1<<40)
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Tbnz(2, 40, 0x30) })
	require.Equal(t, pc+0x30, next)
	next = step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Tbz(2, 40, 0x30) })
	require.Equal(t, pc+4, next)
}

func TestDivideCornerCases(t *testing.T) {
	s := state.New(pc)
	mem := fakeMem{}

	s.SetReg(1, 100)
	s.SetReg(2, 0)
	step(t, s, mem, func(p *guestasm.Program) { p.Udiv(0, 1, 2) })
	require.Equal(t, uint64(0), s.Reg(0), "divide by zero yields zero, no trap")

	s.SetReg(1, 1<<63) // most-negative
	s.SetReg(2, ^uint64(0))
	step(t, s, mem, func(p *guestasm.Program) { p.Sdiv(0, 1, 2) })
	require.Equal(t, uint64(1<<63), s.Reg(0), "INT_MIN/-1 yields INT_MIN")

	s.SetReg(1, ^uint64(0)) // -1
	s.SetReg(2, 2)
	step(t, s, mem, func(p *guestasm.Program) { p.Sdiv(0, 1, 2) })
	require.Equal(t, uint64(0), s.Reg(0), "-1/2 truncates toward zero")
}

func TestMulAccumulate(t *testing.T) {
	s := state.New(pc)
	s.SetReg(1, 6)
	s.SetReg(2, 7)
	s.SetReg(3, 100)
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Madd(0, 1, 2, 3) })
	require.Equal(t, uint64(142), s.Reg(0))
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Msub(0, 1, 2, 3) })
	require.Equal(t, uint64(58), s.Reg(0))
}

func TestCountLeadingZeros(t *testing.T) {
	s := state.New(pc)
	s.SetReg(1, 1)
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Clz(0, 1) })
	require.Equal(t, uint64(63), s.Reg(0))
	s.SetReg(1, 0)
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Clz(0, 1) })
	require.Equal(t, uint64(64), s.Reg(0))
}

func TestCondSet(t *testing.T) {
	s := state.New(pc)
	s.Flags = state.FlagZ
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Cset(4, guestasm.CondEQ) })
	require.Equal(t, uint64(1), s.Reg(4))
	step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Cset(4, guestasm.CondNE) })
	require.Equal(t, uint64(0), s.Reg(4))
}

func TestSyscallSetsReason(t *testing.T) {
	s := state.New(pc)
	next := step(t, s, fakeMem{}, func(p *guestasm.Program) { p.Svc(0) })
	require.Equal(t, pc+4, next)
	require.Equal(t, uint64(state.ReasonSyscall), s.Reason)
}

func TestUnknownInstructionErrors(t *testing.T) {
	s := state.New(pc)
	insn := decoder.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF}, pc)
	_, err := Interpret(insn, s, fakeMem{}, pc)
	require.ErrorIs(t, err, ErrUnknown)
}
