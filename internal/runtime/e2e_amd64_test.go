package runtime

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arm64x/dbt/internal/guestasm"
	"github.com/arm64x/dbt/internal/state"
)

const (
	testBase = uint64(0x400000)
	testMem  = 1 << 20
	dataAddr = testBase + 0x8000
)

// newTestRuntime builds a runtime over fresh state and flat memory and
// loads the program at the base address.
func newTestRuntime(t *testing.T, p *guestasm.Program) *Runtime {
	t.Helper()
	mem, err := NewFlatGuestMemory(testBase, testMem)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAt(testBase, p.Bytes()))
	st := state.New(testBase)
	st.SP = testBase + testMem - 16
	r, err := New(st, mem, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// TestE2EConstantAdd: reg0 = reg1 + reg2 through a translated block.
func TestE2EConstantAdd(t *testing.T) {
	p := guestasm.New()
	p.AddsRR(0, 1, 2)
	p.Brk(0)
	r := newTestRuntime(t, p)
	r.st.GPR[1] = 5
	r.st.GPR[2] = 7

	require.NoError(t, r.Run(testBase))
	require.Equal(t, uint64(12), r.st.GPR[0])
	require.False(t, r.st.Z())
	require.False(t, r.st.N())
	require.Equal(t, testBase+8, r.st.PC, "PC points past the BRK")
}

// TestE2ESubtractToZero: flags after 42-42.
func TestE2ESubtractToZero(t *testing.T) {
	p := guestasm.New()
	p.SubsRR(0, 1, 2)
	p.Brk(0)
	r := newTestRuntime(t, p)
	r.st.GPR[1] = 42
	r.st.GPR[2] = 42

	require.NoError(t, r.Run(testBase))
	require.Equal(t, uint64(0), r.st.GPR[0])
	require.True(t, r.st.Z())
	require.True(t, r.st.C(), "no borrow: carry set")
	require.False(t, r.st.N())
	require.False(t, r.st.V())
}

// TestE2ECachedRerun: the second run of the same PC is a cache hit and
// leaves identical guest state.
func TestE2ECachedRerun(t *testing.T) {
	p := guestasm.New()
	p.AddsRR(0, 1, 2)
	p.Brk(0)
	r := newTestRuntime(t, p)
	r.st.GPR[1] = 3
	r.st.GPR[2] = 4

	require.NoError(t, r.Run(testBase))
	first := *r.st
	var s1 Stats
	r.StatsGet(&s1)
	require.Equal(t, uint64(1), s1.Translations)
	require.Equal(t, uint64(1), s1.CacheMisses)
	require.Equal(t, uint64(0), s1.CacheHits)

	require.NoError(t, r.Run(testBase))
	var s2 Stats
	r.StatsGet(&s2)
	require.Equal(t, uint64(1), s2.Translations, "no retranslation on rerun")
	require.Equal(t, uint64(1), s2.CacheHits)
	require.Equal(t, first, *r.st, "guest state identical after both runs")
}

// TestE2EConditionalBranch drives both arms of B.EQ via Translate and
// Execute with preset flags.
func TestE2EConditionalBranch(t *testing.T) {
	p := guestasm.New()
	p.BCond(guestasm.CondEQ, 0x40)
	r := newTestRuntime(t, p)

	e, err := r.Translate(testBase)
	require.NoError(t, err)
	entry := entryAddr(e.Code)

	r.st.Flags = state.FlagZ
	require.NoError(t, r.Execute(entry))
	require.Equal(t, testBase+0x40, r.st.PC, "Z=1 takes the branch")

	r.st.Flags = 0
	require.NoError(t, r.Execute(entry))
	require.Equal(t, testBase+4, r.st.PC, "Z=0 falls through")
}

// TestE2ELoadStoreRoundTrip: a byte written through guest memory is seen
// zero-extended by a translated load.
func TestE2ELoadStoreRoundTrip(t *testing.T) {
	p := guestasm.New()
	p.Ldrb(0, 1, 0)
	p.Brk(0)
	r := newTestRuntime(t, p)
	require.NoError(t, r.mem.WriteAt(dataAddr, []byte{0xAB}))
	r.st.GPR[0] = ^uint64(0) // must be fully overwritten
	r.st.GPR[1] = dataAddr

	require.NoError(t, r.Run(testBase))
	require.Equal(t, uint64(0xAB), r.st.GPR[0])
}

// TestE2EInvalidateThenRebuild: invalidation forces a distinct host
// entry, and both entries execute correctly.
func TestE2EInvalidateThenRebuild(t *testing.T) {
	p := guestasm.New()
	p.AddImm(0, 0, 1)
	p.Brk(0)
	r := newTestRuntime(t, p)

	e1, err := r.Translate(testBase)
	require.NoError(t, err)
	entry1 := entryAddr(e1.Code)
	require.NoError(t, r.Execute(entry1))
	require.Equal(t, uint64(1), r.st.GPR[0])

	r.Invalidate(testBase)
	e2, err := r.Translate(testBase)
	require.NoError(t, err)
	entry2 := entryAddr(e2.Code)
	require.NotEqual(t, entry1, entry2, "rebuild allocates fresh code in the region")
	require.NoError(t, r.Execute(entry2))
	require.Equal(t, uint64(2), r.st.GPR[0])
}

// TestE2ECountdownLoopChains runs a multi-block loop end to end and
// verifies block chaining kicked in.
func TestE2ECountdownLoopChains(t *testing.T) {
	p := guestasm.New()
	p.MovZ(0, 5, 0)             // x0 = 5
	p.SubsImm(0, 0, 1)          // loop: x0 -= 1, set flags
	p.BCond(guestasm.CondNE, -4) // b.ne loop
	p.Brk(0)
	r := newTestRuntime(t, p)

	require.NoError(t, r.Run(testBase))
	require.Equal(t, uint64(0), r.st.GPR[0])
	require.True(t, r.st.Z())
	var s Stats
	r.StatsGet(&s)
	require.GreaterOrEqual(t, s.Chains, uint64(1), "loop edges should chain")
}

// TestE2ESyscallDispatch: SVC traps into the registered dispatcher with
// the number from X8, and X0 receives the result.
func TestE2ESyscallDispatch(t *testing.T) {
	p := guestasm.New()
	p.MovZ(8, 1234, 0)
	p.Svc(0)
	p.Brk(0)
	r := newTestRuntime(t, p)

	var got uint64
	r.SetSyscallDispatcher(dispatcherFunc(func(s *state.State) error {
		got = s.SyscallNum
		s.SyscallRes = 777
		return nil
	}))

	require.NoError(t, r.Run(testBase))
	require.Equal(t, uint64(1234), got)
	require.Equal(t, uint64(777), r.st.GPR[0])
}

type dispatcherFunc func(*state.State) error

func (f dispatcherFunc) Dispatch(s *state.State) error { return f(s) }

// TestE2EFaultDelivery: a fault recorded by the signal collaborator is
// converted through the registered handler and surfaces from Execute as
// ErrTranslationFault, with the guest PC moved to the handler's resume
// point.
func TestE2EFaultDelivery(t *testing.T) {
	p := guestasm.New()
	p.Brk(0)
	r := newTestRuntime(t, p)
	e, err := r.Translate(testBase)
	require.NoError(t, err)

	var gotKind FaultKind
	var gotAddr uint64
	r.SetFaultHandler(faultHandlerFunc(func(kind FaultKind, addr uint64) (uint64, bool) {
		gotKind, gotAddr = kind, addr
		return testBase + 0x100, true
	}))
	r.DeliverFault(FaultAccess, 0xdead)

	err = r.Execute(entryAddr(e.Code))
	require.ErrorIs(t, err, ErrTranslationFault)
	require.Equal(t, FaultAccess, gotKind)
	require.Equal(t, uint64(0xdead), gotAddr)
	require.Equal(t, testBase+0x100, r.st.PC, "handler's resume PC wins")

	// The fault is consumed: the next Execute is clean.
	require.NoError(t, r.Execute(entryAddr(e.Code)))
}

// TestE2EFaultWithoutHandlerStillSurfaces: no conversion hook registered
// is still a translation fault, not a silent success.
func TestE2EFaultWithoutHandlerStillSurfaces(t *testing.T) {
	p := guestasm.New()
	p.Brk(0)
	r := newTestRuntime(t, p)
	e, err := r.Translate(testBase)
	require.NoError(t, err)

	r.DeliverFault(FaultIllegal, 0xbad0)
	err = r.Execute(entryAddr(e.Code))
	require.ErrorIs(t, err, ErrTranslationFault)
}

type faultHandlerFunc func(FaultKind, uint64) (uint64, bool)

func (f faultHandlerFunc) HandleFault(kind FaultKind, addr uint64) (uint64, bool) {
	return f(kind, addr)
}

// TestE2EFlushCache: after a flush every prior PC misses.
func TestE2EFlushCache(t *testing.T) {
	p := guestasm.New()
	p.AddImm(0, 0, 1)
	p.Brk(0)
	r := newTestRuntime(t, p)

	_, err := r.Translate(testBase)
	require.NoError(t, err)
	r.FlushCache()
	_, ok := r.cache.Peek(testBase)
	require.False(t, ok)
}

// sample is one instruction plus its initial-state setup for the
// interpreter-vs-translation equivalence property.
type sample struct {
	name  string
	emit  func(p *guestasm.Program)
	setup func(s *state.State)
}

// TestInterpreterMatchesTranslation is the §8 equivalence property: a
// one-instruction translated block and the interpreter must leave the
// guest state identically, kind by kind.
func TestInterpreterMatchesTranslation(t *testing.T) {
	samples := []sample{
		{"adds_rr", func(p *guestasm.Program) { p.AddsRR(0, 1, 2) }, nil},
		{"subs_rr", func(p *guestasm.Program) { p.SubsRR(3, 4, 5) }, nil},
		{"sub_rr", func(p *guestasm.Program) { p.SubRR(20, 21, 22) }, nil},
		{"and_rr", func(p *guestasm.Program) { p.AndRR(6, 7, 8) }, nil},
		{"ands_rr", func(p *guestasm.Program) { p.AndsRR(6, 7, 8) }, nil},
		{"orr_rr", func(p *guestasm.Program) { p.OrrRR(9, 10, 11) }, nil},
		{"eor_rr", func(p *guestasm.Program) { p.EorRR(12, 13, 14) }, nil},
		{"mov_rr", func(p *guestasm.Program) { p.MovRR(15, 16) }, nil},
		{"add_imm", func(p *guestasm.Program) { p.AddImm(17, 18, 999) }, nil},
		{"subs_imm", func(p *guestasm.Program) { p.SubsImm(19, 20, 1) }, nil},
		{"movz", func(p *guestasm.Program) { p.MovZ(21, 0xABCD, 32) }, nil},
		{"movk", func(p *guestasm.Program) { p.MovK(22, 0x1111, 16) }, nil},
		{"movn", func(p *guestasm.Program) { p.MovN(23, 7, 0) }, nil},
		{"lsl_rr", func(p *guestasm.Program) { p.LslRR(24, 25, 26) },
			func(s *state.State) { s.GPR[26] = 7 }},
		{"lsr_rr", func(p *guestasm.Program) { p.LsrRR(24, 25, 26) },
			func(s *state.State) { s.GPR[26] = 13 }},
		{"asr_rr", func(p *guestasm.Program) { p.AsrRR(24, 25, 26) },
			func(s *state.State) { s.GPR[26] = 21 }},
		{"lsl_imm", func(p *guestasm.Program) { p.LslImm(27, 28, 5) }, nil},
		{"lsr_imm", func(p *guestasm.Program) { p.LsrImm(27, 28, 17) }, nil},
		{"asr_imm", func(p *guestasm.Program) { p.AsrImm(27, 28, 17) }, nil},
		{"madd", func(p *guestasm.Program) { p.Madd(0, 1, 2, 3) }, nil},
		{"msub", func(p *guestasm.Program) { p.Msub(0, 1, 2, 3) }, nil},
		{"mul", func(p *guestasm.Program) { p.Mul(4, 5, 6) }, nil},
		{"sdiv", func(p *guestasm.Program) { p.Sdiv(0, 1, 2) },
			func(s *state.State) { s.GPR[2] = 3 }},
		{"sdiv_zero", func(p *guestasm.Program) { p.Sdiv(0, 1, 2) },
			func(s *state.State) { s.GPR[2] = 0 }},
		{"sdiv_overflow", func(p *guestasm.Program) { p.Sdiv(0, 1, 2) },
			func(s *state.State) { s.GPR[1] = 1 << 63; s.GPR[2] = ^uint64(0) }},
		{"udiv", func(p *guestasm.Program) { p.Udiv(0, 1, 2) },
			func(s *state.State) { s.GPR[2] = 7 }},
		{"clz", func(p *guestasm.Program) { p.Clz(7, 8) }, nil},
		{"clz_zero", func(p *guestasm.Program) { p.Clz(7, 8) },
			func(s *state.State) { s.GPR[8] = 0 }},
		{"cset_eq", func(p *guestasm.Program) { p.Cset(9, guestasm.CondEQ) },
			func(s *state.State) { s.Flags = state.FlagZ }},
		{"cset_lt", func(p *guestasm.Program) { p.Cset(9, guestasm.CondLT) },
			func(s *state.State) { s.Flags = state.FlagN }},
		{"cmp_rr", func(p *guestasm.Program) { p.CmpRR(10, 11) }, nil},
		{"cmp_imm", func(p *guestasm.Program) { p.CmpImm(12, 200) }, nil},
		{"tst_rr", func(p *guestasm.Program) { p.TstRR(13, 14) }, nil},
		{"uxtb", func(p *guestasm.Program) { p.Uxtb(15, 16) }, nil},
		{"uxth", func(p *guestasm.Program) { p.Uxth(15, 16) }, nil},
		{"sxtw", func(p *guestasm.Program) { p.Sxtw(15, 16) }, nil},
		{"ldr", func(p *guestasm.Program) { p.Ldr(0, 1, 16) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"ldrb", func(p *guestasm.Program) { p.Ldrb(0, 1, 3) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"ldrsb", func(p *guestasm.Program) { p.Ldrsb(0, 1, 2) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"ldrsw", func(p *guestasm.Program) { p.Ldrsw(0, 1, 4) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"ldr_regoffset", func(p *guestasm.Program) { p.LdrRegOffset(0, 1, 2) },
			func(s *state.State) { s.GPR[1] = dataAddr; s.GPR[2] = 24 }},
		{"str", func(p *guestasm.Program) { p.Str(3, 1, 32) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"strb", func(p *guestasm.Program) { p.Strb(3, 1, 5) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"stp", func(p *guestasm.Program) { p.Stp(3, 4, 1, 16) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"ldp", func(p *guestasm.Program) { p.Ldp(3, 4, 1, 16) },
			func(s *state.State) { s.GPR[1] = dataAddr }},
		{"stp_pre", func(p *guestasm.Program) { p.StpPre(3, 4, guestasm.XZR, -16) }, nil},
		{"ldp_post", func(p *guestasm.Program) { p.LdpPost(3, 4, guestasm.XZR, 16) }, nil},
		{"b", func(p *guestasm.Program) { p.B(0x100) }, nil},
		{"bl", func(p *guestasm.Program) { p.Bl(0x80) }, nil},
		{"br", func(p *guestasm.Program) { p.Br(5) },
			func(s *state.State) { s.GPR[5] = testBase + 0x200 }},
		{"ret", func(p *guestasm.Program) { p.Ret() },
			func(s *state.State) { s.GPR[30] = testBase + 0x300 }},
		{"b_eq_taken", func(p *guestasm.Program) { p.BCond(guestasm.CondEQ, 0x20) },
			func(s *state.State) { s.Flags = state.FlagZ }},
		{"b_lt", func(p *guestasm.Program) { p.BCond(guestasm.CondLT, 0x20) },
			func(s *state.State) { s.Flags = state.FlagN }},
		{"b_hi", func(p *guestasm.Program) { p.BCond(guestasm.CondHI, 0x20) },
			func(s *state.State) { s.Flags = state.FlagC }},
		{"cbz", func(p *guestasm.Program) { p.Cbz(6, 0x40) },
			func(s *state.State) { s.GPR[6] = 0 }},
		{"cbnz", func(p *guestasm.Program) { p.Cbnz(6, 0x40) }, nil},
		{"tbz", func(p *guestasm.Program) { p.Tbz(7, 33, 0x40) }, nil},
		{"tbnz", func(p *guestasm.Program) { p.Tbnz(7, 2, 0x40) }, nil},
		{"nop", func(p *guestasm.Program) { p.Nop() }, nil},
		{"svc", func(p *guestasm.Program) { p.Svc(0) }, nil},
		{"brk", func(p *guestasm.Program) { p.Brk(0) }, nil},
	}

	for _, tc := range samples {
		t.Run(tc.name, func(t *testing.T) {
			seed := func(s *state.State) {
				rng := rand.New(rand.NewSource(7))
				for i := range s.GPR {
					s.GPR[i] = rng.Uint64()
				}
				s.SP = dataAddr + 0x100
				s.Flags = 0
				if tc.setup != nil {
					tc.setup(s)
				}
			}
			data := make([]byte, 64)
			for i := range data {
				data[i] = byte(0x30 + i)
			}
			data[2] = 0x80 // negative byte for the sign-extending load

			p := guestasm.New()
			tc.emit(p)

			// Translated path.
			rt := newTestRuntime(t, p)
			require.NoError(t, rt.mem.WriteAt(dataAddr, data))
			seed(rt.st)
			e, err := rt.Translate(testBase)
			require.NoError(t, err)
			require.NoError(t, rt.Execute(entryAddr(e.Code)))

			// Interpreter path, over an independent state and memory.
			im, err := NewFlatGuestMemory(testBase, testMem)
			require.NoError(t, err)
			require.NoError(t, im.WriteAt(testBase, p.Bytes()))
			require.NoError(t, im.WriteAt(dataAddr, data))
			is := state.New(testBase)
			seed(is)
			ir, err := New(is, im, 1<<16)
			require.NoError(t, err)
			defer ir.Close()
			next, err := ir.Interpret(p.Bytes(), testBase)
			require.NoError(t, err)
			is.PC = next

			require.Equal(t, is.GPR, rt.st.GPR, "general registers diverge")
			require.Equal(t, is.SP, rt.st.SP, "stack pointer diverges")
			require.Equal(t, is.PC, rt.st.PC, "next PC diverges")
			require.Equal(t, is.Flags, rt.st.Flags, "flags diverge")
			require.Equal(t, is.Reason, rt.st.Reason, "exit reason diverges")

			// Memory effects must match too.
			got := make([]byte, len(data))
			want := make([]byte, len(data))
			require.NoError(t, rt.mem.ReadAt(dataAddr, got))
			require.NoError(t, im.ReadAt(dataAddr, want))
			require.Equal(t, want, got, "guest memory diverges")
		})
	}
}
