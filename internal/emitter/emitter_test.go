package emitter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arm64x/dbt/internal/codebuf"
)

// emit runs f against a fresh buffer and returns the bytes produced.
func emit(t *testing.T, f func(e *Emitter)) []byte {
	t.Helper()
	buf := codebuf.New(256)
	f(New(buf))
	require.False(t, buf.Error(), "emitter flagged an error")
	return append([]byte(nil), buf.Bytes()...)
}

// TestKnownEncodings pins a representative instruction of each form to
// its hand-assembled byte sequence.
func TestKnownEncodings(t *testing.T) {
	cases := []struct {
		name string
		f    func(e *Emitter)
		want []byte
	}{
		{"movabs_rax", func(e *Emitter) { e.MovImm64(RAX, 0x11) },
			[]byte{0x48, 0xb8, 0x11, 0, 0, 0, 0, 0, 0, 0}},
		{"movabs_r12", func(e *Emitter) { e.MovImm64(R12, 1) },
			[]byte{0x49, 0xbc, 0x01, 0, 0, 0, 0, 0, 0, 0}},
		{"mov_rr", func(e *Emitter) { e.MovRR(RBP, RDI) },
			[]byte{0x48, 0x89, 0xfd}},
		{"add_rr", func(e *Emitter) { e.ArithRR(Add, RAX, RCX) },
			[]byte{0x48, 0x01, 0xc8}},
		{"sub_rr", func(e *Emitter) { e.ArithRR(Sub, RDX, RBX) },
			[]byte{0x48, 0x29, 0xda}},
		{"cmp_rr", func(e *Emitter) { e.ArithRR(Cmp, RSI, RDI) },
			[]byte{0x48, 0x39, 0xfe}},
		{"test_rr", func(e *Emitter) { e.ArithRR(Test, R13, R13) },
			[]byte{0x4d, 0x85, 0xed}},
		{"add_imm8", func(e *Emitter) { e.ArithRI(Add, RCX, 1) },
			[]byte{0x48, 0x83, 0xc1, 0x01}},
		{"and_imm32", func(e *Emitter) { e.ArithRI(And, R12, 0xC0) },
			[]byte{0x49, 0x81, 0xe4, 0xc0, 0, 0, 0}},
		{"xor_imm8", func(e *Emitter) { e.ArithRI(Xor, R12, 1) },
			[]byte{0x49, 0x83, 0xf4, 0x01}},
		{"load64_rbp", func(e *Emitter) { e.LoadMem(W64, RAX, RBP, 0) },
			[]byte{0x48, 0x8b, 0x45, 0x00}},
		{"load64_rsp_disp8", func(e *Emitter) { e.LoadMem(W64, RAX, RSP, 8) },
			[]byte{0x48, 0x8b, 0x44, 0x24, 0x08}},
		{"store8", func(e *Emitter) { e.StoreMem(W8, RAX, RCX, 0) },
			[]byte{0x48, 0x88, 0x08}},
		{"movzx8_rr", func(e *Emitter) { e.MovzxRR(W8, RBX, RAX) },
			[]byte{0x48, 0x0f, 0xb6, 0xd8}},
		{"movsxd_rr", func(e *Emitter) { e.MovsxRR(W32, RBX, RAX) },
			[]byte{0x48, 0x63, 0xd8}},
		{"setcc_e", func(e *Emitter) { e.Setcc(CondE, RAX) },
			[]byte{0x0f, 0x94, 0xc0}},
		{"shl_imm", func(e *Emitter) { e.ShlImm(RAX, 24) },
			[]byte{0x48, 0xc1, 0xe0, 0x18}},
		{"push_r12", func(e *Emitter) { e.Push(R12) },
			[]byte{0x41, 0x54}},
		{"pushfq", func(e *Emitter) { e.Pushfq() }, []byte{0x9c}},
		{"popfq", func(e *Emitter) { e.Popfq() }, []byte{0x9d}},
		{"cqo", func(e *Emitter) { e.Cqo() }, []byte{0x48, 0x99}},
		{"ret", func(e *Emitter) { e.Ret() }, []byte{0xc3}},
		{"nop", func(e *Emitter) { e.Nop() }, []byte{0x90}},
		{"int3", func(e *Emitter) { e.Int3() }, []byte{0xcc}},
		{"jmp_placeholder", func(e *Emitter) { e.Jmp() },
			[]byte{0xe9, 0, 0, 0, 0}},
		{"je_placeholder", func(e *Emitter) { e.Jcc(CondE) },
			[]byte{0x0f, 0x84, 0, 0, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, emit(t, tc.f))
		})
	}
}

func TestOutOfRangeOperandSetsBufferError(t *testing.T) {
	buf := codebuf.New(64)
	e := New(buf)
	e.MovImm64(16, 0) // register index out of range
	require.True(t, buf.Error())
}

func TestPatchToHereResolvesForwardBranch(t *testing.T) {
	buf := codebuf.New(64)
	e := New(buf)
	off := e.Jmp()
	e.Nop()
	e.Nop()
	e.PatchToHere(off)
	code := buf.Bytes()
	// rel32 must equal the distance from the end of the jmp to here (2).
	require.Equal(t, byte(2), code[off])
	require.Equal(t, byte(0), code[off+1])
}

func TestPatchRel32ComputesRelativeDisplacement(t *testing.T) {
	code := make([]byte, 16)
	// Site at offset 4, base 0x1000: next-insn address 0x1008, target
	// 0x1000 → rel32 = -8.
	PatchRel32(code, 4, 0x1000, 0x1000)
	require.Equal(t, []byte{0xf8, 0xff, 0xff, 0xff}, code[4:8])
}
