// Package builder implements the basic-block builder: it walks guest
// bytes from a starting PC, decodes one instruction at a time, dispatches
// each to a per-kind translator that emits host bytes, and stops at a
// terminator or at the block-length bound.
//
// Translated code follows a fixed register protocol. RBP holds the
// *state.State pointer for the whole block. Guest registers X0..X11 are
// register-resident: the block prologue loads them from the state struct
// into their mapped host registers and every exit path flushes them back.
// Guest registers X12..X30 and SP stay memory-resident in the state
// struct, XZR is synthesized, and all per-instruction computation happens
// in two scratch registers so no translator can clobber a live guest
// value mid-instruction. Guest NZCV lives in state.Flags between
// instructions; flag-setting translations capture the host RFLAGS with
// pushfq immediately after their ALU op, and conditional branches
// re-materialize host flags from state.Flags with popfq.
package builder

import (
	"errors"
	"fmt"
	"unsafe"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arm64x/dbt/internal/codebuf"
	"github.com/arm64x/dbt/internal/decoder"
	"github.com/arm64x/dbt/internal/emitter"
	"github.com/arm64x/dbt/internal/state"
)

// MaxBlockInstructions bounds a single block's length.
const MaxBlockInstructions = 64

// BufferCapacity is the working code-buffer size allotted to one block
// build, chosen generously above the worst case of
// MaxBlockInstructions * (largest single-instruction translation).
const BufferCapacity = 64 * 1024

// decodeMemoCapacity bounds the decode-memoization cache: re-decoding the
// same guest bytes after an invalidate-then-rebuild is pure overhead since
// decode(bytes) is a pure function of its input.
const decodeMemoCapacity = 8192

var (
	// ErrUnknownInstruction is returned when the build fails before
	// emitting any host bytes because the very first instruction at the
	// block's guest PC is unrecognized.
	ErrUnknownInstruction = errors.New("builder: unknown instruction at block entry")
	// ErrBufferOverflow is returned when the code buffer's sticky error
	// bit was set during emission.
	ErrBufferOverflow = errors.New("builder: code buffer overflow during build")
	// ErrInvariant marks a pipeline invariant violation. It is only ever
	// raised through panic: a corrupted build pipeline cannot be
	// recovered from, only fixed.
	ErrInvariant = errors.New("builder: invariant violation")
)

// CodeReader supplies the raw guest bytes a block is built from. The
// builder never caches or owns guest memory; it only reads through this
// interface, so the caller (internal/runtime) controls the backing store.
type CodeReader interface {
	ReadCode(pc uint64, n int) ([]byte, error)
}

// BuildState is the block's lifecycle state.
type BuildState int

const (
	StateBuilding BuildState = iota
	StateComplete
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// ChainSlot names which branch path a fixup belongs to, so the runtime's
// chain/unchain can tell the taken path from the fall-through path.
type ChainSlot int

const (
	SlotFallthrough ChainSlot = iota
	SlotTaken
)

// ChainFixup is one rel32 branch site left as `jmp +0` (fall through to
// the block's final ret), eligible to be patched to jump directly at
// another block's host entry once that block exists (see
// internal/runtime's chain/unchain).
type ChainFixup struct {
	Offset        int // byte offset of the rel32 field within Block.Code
	Slot          ChainSlot
	TargetGuestPC uint64
}

// Block is the result of a successful build: raw host bytes not yet
// copied into the code cache, plus the chain fixup sites within them.
type Block struct {
	GuestPC   uint64
	GuestSize int // total guest bytes consumed
	Code      []byte
	Fixups    []ChainFixup
	State     BuildState
}

// Builder walks guest instructions and emits translated host code. The
// memDelta field is the constant hostAddr-guestAddr offset of the flat
// guest memory every emitted load/store adds to its computed guest
// address (see internal/runtime.GuestMemory).
type Builder struct {
	memo     *lru.Cache[uint64, decoder.DecodedInsn]
	memDelta int64
	buf      *codebuf.Buffer // reused across Build calls
}

// New returns a Builder whose emitted loads and stores relocate guest
// addresses by memDelta, with its decode-memoization cache sized per
// decodeMemoCapacity.
func New(memDelta int64) *Builder {
	memo, err := lru.New[uint64, decoder.DecodedInsn](decodeMemoCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// decodeMemoCapacity never is.
		panic(fmt.Errorf("%w: lru.New: %v", ErrInvariant, err))
	}
	return &Builder{memo: memo, memDelta: memDelta, buf: codebuf.New(BufferCapacity)}
}

// decode consults the memoization cache before calling the decoder, and
// populates it on miss. The cache is purely an optimization: its presence
// or absence cannot change Build's output, only its cost (the decode
// transparency testable property).
func (b *Builder) decode(code []byte, pc uint64) decoder.DecodedInsn {
	if d, ok := b.memo.Get(pc); ok {
		return d
	}
	d := decoder.Decode(code, pc)
	b.memo.Add(pc, d)
	return d
}

// InvalidateRange drops any memoized decodes overlapping [pc, pc+n) —
// called when guest code may have changed underneath a previously built
// block (self-modifying code detection is outside this core's scope, but
// an explicit invalidate still needs to evict stale decode memo entries).
func (b *Builder) InvalidateRange(pc uint64, n int) {
	for p := pc; p < pc+uint64(n); p += 4 {
		b.memo.Remove(p)
	}
}

// Build walks guest bytes starting at guestPC until a terminator or the
// MaxBlockInstructions bound, translating each instruction into host code.
func (b *Builder) Build(guestPC uint64, code CodeReader) (*Block, error) {
	b.buf.Reset()
	em := emitter.New(b.buf)

	emitPrologue(em)

	blk := &Block{GuestPC: guestPC, State: StateBuilding}
	tr := &translator{em: em, blk: blk, delta: b.memDelta}
	pcCursor := guestPC
	n := 0

	for {
		bytes, err := code.ReadCode(pcCursor, 4)
		if err != nil {
			if n == 0 {
				blk.State = StateFailed
				return nil, fmt.Errorf("builder: read guest code at %#x: %w", pcCursor, err)
			}
			tr.emitTrapReturn(pcCursor)
			break
		}
		insn := b.decode(bytes, pcCursor)
		if insn.Kind == decoder.KindUnknown || insn.Kind == decoder.KindBitfield {
			// Unrecognized bytes, or a general UBFM/SBFM outside the
			// recognized aliases: not translatable. At the block entry
			// that is a build failure the runtime can react to; mid-block
			// the completed prefix is still usable and the runtime
			// resumes at this PC.
			if n == 0 {
				blk.State = StateFailed
				return nil, ErrUnknownInstruction
			}
			tr.emitTrapReturn(pcCursor)
			break
		}

		terminator := tr.translate(insn, pcCursor)
		pcCursor += uint64(insn.Length)
		n++

		if terminator {
			break
		}
		if n == MaxBlockInstructions {
			tr.emitFallthroughReturn(pcCursor)
			break
		}
	}

	if b.buf.Error() {
		blk.State = StateFailed
		return nil, ErrBufferOverflow
	}

	blk.State = StateComplete
	blk.GuestSize = int(pcCursor - guestPC)
	blk.Code = append([]byte(nil), b.buf.Bytes()...)
	return blk, nil
}

// emitPrologue establishes the block's register protocol: RDI carries the
// *state.State argument in from the runtime (or from a chained
// predecessor's exit path), RBP pins it for the block's lifetime, and the
// register-resident guest registers are loaded from the state struct.
func emitPrologue(em *emitter.Emitter) {
	em.MovRR(hostStateReg, emitter.RDI)
	for i, host := range guestToHost {
		em.LoadMem(emitter.W64, host, hostStateReg, gprDisp(uint8(i)))
	}
}

// Field offsets within state.State, computed once so translators never
// hardcode a struct layout assumption.
var (
	pcOffset     = unsafe.Offsetof(state.State{}.PC)
	spOffset     = unsafe.Offsetof(state.State{}.SP)
	flagsOffset  = unsafe.Offsetof(state.State{}.Flags)
	gprOffset    = unsafe.Offsetof(state.State{}.GPR)
	reasonOffset = unsafe.Offsetof(state.State{}.Reason)
)

// gprDisp returns the displacement of guest register r's slot within the
// state struct.
func gprDisp(r uint8) int32 {
	return int32(gprOffset) + int32(r)*8
}
