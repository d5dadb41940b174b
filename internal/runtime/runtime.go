// Package runtime is the glue between the translation pipeline and
// executing guest code: the outer run loop, the transfer of control into
// translated blocks, block chaining, and invalidation. One Runtime owns
// one guest thread's state, translation cache, and code cache; nothing
// here is safe for concurrent use.
package runtime

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/arm64x/dbt/internal/builder"
	"github.com/arm64x/dbt/internal/codecache"
	"github.com/arm64x/dbt/internal/decoder"
	"github.com/arm64x/dbt/internal/emitter"
	"github.com/arm64x/dbt/internal/golog"
	"github.com/arm64x/dbt/internal/interp"
	"github.com/arm64x/dbt/internal/state"
	"github.com/arm64x/dbt/internal/transcache"
)

var (
	// ErrGuestExit is the sentinel a SyscallDispatcher returns (possibly
	// wrapped) to end Run cleanly, e.g. on the guest's exit syscall.
	ErrGuestExit = errors.New("runtime: guest requested exit")
	// ErrNoSyscallDispatcher is returned when a block traps into a
	// syscall and no dispatcher was registered.
	ErrNoSyscallDispatcher = errors.New("runtime: no syscall dispatcher registered")
	// ErrCodeCacheFull is returned when an allocation fails even after a
	// full code-cache reset — the single block is larger than the arena.
	ErrCodeCacheFull = errors.New("runtime: code cache full after reset")
	// ErrTranslationFault is returned by Execute (and surfaced through
	// Run) when the executing block terminated because of a delivered
	// host fault. When a registered FaultHandler accepted the fault, the
	// guest PC is already at its chosen resume point; with no handler, or
	// one that declines, the guest PC is left as the block set it.
	ErrTranslationFault = errors.New("runtime: translation fault")
)

// SyscallDispatcher handles a guest SVC trap. It reads the call number
// from SyscallNum (snapshotted from guest X8) and the arguments from
// GPR[0..5], and leaves the result in SyscallRes, which the runtime
// writes back to guest X0.
type SyscallDispatcher interface {
	Dispatch(s *state.State) error
}

// Stats are the cumulative counters §6's stats_get surfaces.
type Stats struct {
	Translations    uint64
	Executions      uint64
	CacheHits       uint64
	CacheMisses     uint64
	InterpFallbacks uint64
	CodeCacheResets uint64
	Chains          uint64
}

// chainSite records one rel32 patch made into a block's code so it can
// be undone when the chained-to block is invalidated — even if the
// patched block has itself been evicted from the cache by then (its
// bytes stay executable in the region).
type chainSite struct {
	code   []byte
	offset int
	fromPC uint64
	slot   int
}

// Runtime drives translation and execution for a single guest thread.
type Runtime struct {
	st      *state.State
	mem     GuestMemory
	cache   *transcache.Cache
	region  *codecache.Region
	builder *builder.Builder
	sys     SyscallDispatcher
	fault   FaultHandler
	log     golog.Logger

	stats     Stats
	stop      atomic.Bool
	chainRefs map[uint64][]chainSite
	pending   pendingFault
}

// New assembles a Runtime over the given guest state and memory, with a
// code cache of codeCacheSize bytes.
func New(st *state.State, mem GuestMemory, codeCacheSize int) (*Runtime, error) {
	region, err := codecache.New(codeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		st:        st,
		mem:       mem,
		cache:     transcache.New(),
		region:    region,
		builder:   builder.New(mem.HostDelta()),
		log:       golog.New("module", "runtime"),
		chainRefs: make(map[uint64][]chainSite),
	}, nil
}

// Close releases the code cache. The Runtime must not be used afterward.
func (r *Runtime) Close() error {
	return r.region.Close()
}

// GuestState exposes the register file shared by translated code and the
// interpreter.
func (r *Runtime) GuestState() *state.State { return r.st }

// Memory exposes the guest memory this runtime translates against.
func (r *Runtime) Memory() GuestMemory { return r.mem }

// SetSyscallDispatcher registers the collaborator invoked when a block
// traps with the syscall reason.
func (r *Runtime) SetSyscallDispatcher(d SyscallDispatcher) { r.sys = d }

// Stop requests that Run return at the next block boundary. A block in
// flight runs to its terminator first.
func (r *Runtime) Stop() { r.stop.Store(true) }

// StatsGet copies the cumulative counters into out.
func (r *Runtime) StatsGet(out *Stats) { *out = r.stats }

// StatsReset zeroes the cumulative counters.
func (r *Runtime) StatsReset() { r.stats = Stats{} }

// Translate returns the translated block for guestPC, building and
// caching it on a miss.
func (r *Runtime) Translate(guestPC uint64) (*transcache.Entry, error) {
	if e, ok := r.cache.Lookup(guestPC); ok {
		r.stats.CacheHits++
		return e, nil
	}
	r.stats.CacheMisses++

	blk, err := r.builder.Build(guestPC, r.mem)
	if err != nil {
		return nil, err
	}

	dst, off, err := r.region.Alloc(blk.Code)
	if errors.Is(err, codecache.ErrNoSpace) {
		r.log.Warn("code cache exhausted, resetting", "used", r.region.Used(), "size", r.region.Size())
		r.resetCodeCache()
		r.stats.CodeCacheResets++
		dst, off, err = r.region.Alloc(blk.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: block of %d bytes, region %d", ErrCodeCacheFull, len(blk.Code), r.region.Size())
		}
	} else if err != nil {
		return nil, err
	}
	r.region.MarkExecutable(off, len(dst))

	e := r.cache.Insert(guestPC, dst, off)
	e.GuestSize = blk.GuestSize
	for _, f := range blk.Fixups {
		e.Fixups[f.Slot] = transcache.Fixup{Offset: f.Offset, TargetPC: f.TargetGuestPC}
		e.Present[f.Slot] = true
	}
	r.stats.Translations++
	r.log.Debug("translated block", "pc", fmt.Sprintf("%#x", guestPC),
		"guest_bytes", blk.GuestSize, "host_bytes", len(dst))
	return e, nil
}

// entryAddr returns the host entry point of a committed block.
func entryAddr(code []byte) uintptr {
	return uintptr(unsafe.Pointer(&code[0]))
}

// Execute runs exactly one translated block at the given host entry and
// returns when its final ret fires. The entry must come from a live (or
// at least not-yet-reset) block. If the signal collaborator delivered a
// host fault while the block ran, the registered FaultHandler converts
// it into guest terms (resume PC, vector) and Execute reports
// ErrTranslationFault.
func (r *Runtime) Execute(entry uintptr) error {
	r.stats.Executions++
	jitcall(entry, unsafe.Pointer(r.st))
	if !r.pending.present {
		return nil
	}
	f := r.pending
	r.pending = pendingFault{}
	vector := FaultVector[f.kind]
	if r.fault != nil {
		if resumePC, ok := r.fault.HandleFault(f.kind, f.addr); ok {
			r.st.PC = resumePC
			r.log.Debug("host fault converted to guest exception",
				"host_addr", fmt.Sprintf("%#x", f.addr), "vector", vector,
				"resume", fmt.Sprintf("%#x", resumePC))
			return fmt.Errorf("%w: host addr %#x, guest vector %d", ErrTranslationFault, f.addr, vector)
		}
	}
	return fmt.Errorf("%w: unattributed host fault at %#x (guest vector %d)", ErrTranslationFault, f.addr, vector)
}

// Run translates and executes from guestPC until the guest breaks (BRK),
// the dispatcher reports guest exit, Stop is called, or an error
// surfaces. On return the guest PC names the next guest instruction to
// execute.
func (r *Runtime) Run(guestPC uint64) error {
	r.st.PC = guestPC
	var prev *transcache.Entry
	var prevPC uint64

	for {
		if r.stop.Load() {
			r.stop.Store(false)
			return nil
		}
		pc := r.st.PC
		e, err := r.Translate(pc)
		if err != nil {
			if errors.Is(err, builder.ErrUnknownInstruction) {
				// One-instruction interpreter fallback, then back to
				// translated execution. The builder refuses only
				// unrecognized bytes and general bitfield moves, and
				// the interpreter rejects both, so this path returns
				// the interpreter's error.
				if err := r.interpretOne(); err != nil {
					return err
				}
				prev = nil
				if done, err := r.handleReason(); done || err != nil {
					return err
				}
				continue
			}
			return err
		}
		if prev != nil && prev.Valid && prev.PC == prevPC {
			r.maybeChain(prev, e)
		}
		if err := r.Execute(entryAddr(e.Code)); err != nil {
			return err
		}
		prev, prevPC = e, pc
		if done, err := r.handleReason(); done || err != nil {
			return err
		}
	}
}

// handleReason acts on the reason code a block (or the interpreter) left
// behind. It reports done=true when Run should return.
func (r *Runtime) handleReason() (done bool, err error) {
	switch r.st.Reason {
	case state.ReasonNone:
		return false, nil
	case state.ReasonSyscall:
		r.st.Reason = state.ReasonNone
		if r.sys == nil {
			return true, ErrNoSyscallDispatcher
		}
		r.st.SyscallNum = r.st.GPR[8]
		if err := r.sys.Dispatch(r.st); err != nil {
			if errors.Is(err, ErrGuestExit) {
				return true, nil
			}
			return true, err
		}
		r.st.GPR[0] = r.st.SyscallRes
		return false, nil
	case state.ReasonBreakpoint:
		r.st.Reason = state.ReasonNone
		return true, nil
	default:
		return true, fmt.Errorf("runtime: unknown block exit reason %d", r.st.Reason)
	}
}

// interpretOne decodes and interprets the single instruction at the
// current guest PC.
func (r *Runtime) interpretOne() error {
	pc := r.st.PC
	bytes, err := r.mem.ReadCode(pc, 4)
	if err != nil {
		return err
	}
	insn := decoder.Decode(bytes, pc)
	next, err := interp.Interpret(insn, r.st, r.mem, pc)
	if err != nil {
		return fmt.Errorf("runtime: interpreter fallback at %#x: %w", pc, err)
	}
	r.stats.InterpFallbacks++
	r.st.PC = next
	return nil
}

// Interpret decodes insnBytes at pc and interprets the instruction
// against this runtime's guest state and memory, returning the next PC.
func (r *Runtime) Interpret(insnBytes []byte, pc uint64) (uint64, error) {
	insn := decoder.Decode(insnBytes, pc)
	return interp.Interpret(insn, r.st, r.mem, pc)
}

// maybeChain links prev's matching exit directly to next's entry,
// bypassing the cache lookup on the next traversal of that edge.
func (r *Runtime) maybeChain(prev, next *transcache.Entry) {
	for slot := 0; slot < 2; slot++ {
		if prev.Present[slot] && prev.Chain[slot] == 0 && prev.Fixups[slot].TargetPC == next.PC {
			r.Chain(prev, next, slot)
		}
	}
}

// Chain patches from's exit in the given slot to jump straight at to's
// entry. Valid only while both blocks' code is live in the region.
func (r *Runtime) Chain(from, to *transcache.Entry, slot int) {
	if slot < 0 || slot > 1 || !from.Present[slot] || from.Chain[slot] != 0 {
		return
	}
	target := uint64(entryAddr(to.Code))
	emitter.PatchRel32(from.Code, from.Fixups[slot].Offset, uint64(entryAddr(from.Code)), target)
	from.Chain[slot] = target
	r.chainRefs[to.PC] = append(r.chainRefs[to.PC], chainSite{
		code:   from.Code,
		offset: from.Fixups[slot].Offset,
		fromPC: from.PC,
		slot:   slot,
	})
	r.stats.Chains++
	r.log.Trace("chained blocks", "from", fmt.Sprintf("%#x", from.PC), "to", fmt.Sprintf("%#x", to.PC), "slot", slot)
}

// Unchain removes all outgoing chains from e, restoring each patched
// exit to its fall-through-to-ret form.
func (r *Runtime) Unchain(e *transcache.Entry) {
	for slot := range e.Chain {
		if e.Chain[slot] == 0 {
			continue
		}
		zeroRel32(e.Code, e.Fixups[slot].Offset)
		target := e.Fixups[slot].TargetPC
		refs := r.chainRefs[target][:0]
		for _, site := range r.chainRefs[target] {
			if site.fromPC == e.PC && site.slot == slot && sameCode(site.code, e.Code) {
				continue
			}
			refs = append(refs, site)
		}
		r.chainRefs[target] = refs
		e.Chain[slot] = 0
	}
}

// Invalidate drops the translation for guestPC: unchains its outgoing
// edges, unpatches every chain that points into it (the §3 invariant
// that no live block may chain at an invalidated entry), and clears its
// cache slot and memoized decodes.
func (r *Runtime) Invalidate(guestPC uint64) {
	e, ok := r.cache.Peek(guestPC)
	if !ok {
		return
	}
	r.Unchain(e)
	for _, site := range r.chainRefs[guestPC] {
		zeroRel32(site.code, site.offset)
		if from, ok := r.cache.Peek(site.fromPC); ok && sameCode(from.Code, site.code) {
			from.Chain[site.slot] = 0
		}
	}
	delete(r.chainRefs, guestPC)
	r.builder.InvalidateRange(guestPC, e.GuestSize)
	r.cache.Invalidate(guestPC)
	r.log.Debug("invalidated block", "pc", fmt.Sprintf("%#x", guestPC))
}

// FlushCache clears the whole translation cache. Code bytes already in
// the region stay allocated (they are reclaimed only by a code-cache
// reset) but become unreachable through lookup.
func (r *Runtime) FlushCache() {
	r.cache.Flush()
	r.chainRefs = make(map[uint64][]chainSite)
}

// resetCodeCache reclaims the whole code region, which forces a full
// translation-cache flush since every cached entry now dangles.
func (r *Runtime) resetCodeCache() {
	r.FlushCache()
	r.region.Reset()
}

// zeroRel32 restores a chainable exit to `jmp +0`, the unlinked form
// that falls through to the block's ret.
func zeroRel32(code []byte, off int) {
	code[off] = 0
	code[off+1] = 0
	code[off+2] = 0
	code[off+3] = 0
}

// sameCode reports whether two code slices are the same allocation, not
// merely equal bytes — needed to tell a live block from a later
// same-slot occupant.
func sameCode(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
