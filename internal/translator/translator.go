// Package translator is the public surface of the dynamic binary
// translator: one Translator value owns a guest register file, a flat
// guest memory, a translation cache, and an executable code arena, and
// exposes the translate/execute/run/interpret operations plus register
// accessors. Independent Translator values share no guest state, memory
// or caches; the log verbosity is process-wide, and each New sets it.
package translator

import (
	"unsafe"

	"github.com/arm64x/dbt/internal/config"
	"github.com/arm64x/dbt/internal/golog"
	rt "github.com/arm64x/dbt/internal/runtime"
	"github.com/arm64x/dbt/internal/state"
	"github.com/arm64x/dbt/internal/transcache"
)

// Stats re-exports the runtime's cumulative counters.
type Stats = rt.Stats

// SyscallDispatcher re-exports the syscall collaborator interface.
type SyscallDispatcher = rt.SyscallDispatcher

// FaultHandler and FaultKind re-export the host-fault conversion
// collaborator types.
type (
	FaultHandler = rt.FaultHandler
	FaultKind    = rt.FaultKind
)

// ErrGuestExit re-exports the clean-exit sentinel for dispatchers.
var ErrGuestExit = rt.ErrGuestExit

// ErrTranslationFault re-exports the delivered-host-fault sentinel
// Execute and Run surface.
var ErrTranslationFault = rt.ErrTranslationFault

// Translator is a single-guest-thread ARM64-on-x86-64 binary translator
// instance.
type Translator struct {
	cfg config.Config
	st  *state.State
	mem *rt.FlatGuestMemory
	rt  *rt.Runtime
	log golog.Logger
}

// New creates a Translator with its own guest state, guest memory, code
// cache, and translation cache.
func New(opts ...config.Option) (*Translator, error) {
	cfg := config.Resolve(opts...)
	golog.SetVerbosity(cfg.Verbosity)

	mem, err := rt.NewFlatGuestMemory(cfg.GuestMemBase, cfg.GuestMemSize)
	if err != nil {
		return nil, err
	}
	st := state.New(cfg.GuestMemBase)
	run, err := rt.New(st, mem, cfg.CodeCacheSize)
	if err != nil {
		return nil, err
	}
	t := &Translator{
		cfg: cfg,
		st:  st,
		mem: mem,
		rt:  run,
		log: golog.New("module", "translator"),
	}
	t.log.Debug("translator created",
		"guest_base", cfg.GuestMemBase, "guest_size", cfg.GuestMemSize, "code_cache", cfg.CodeCacheSize)
	return t, nil
}

// Close releases the code cache. The Translator must not be used
// afterward.
func (t *Translator) Close() error {
	return t.rt.Close()
}

// SetSyscallDispatcher registers the collaborator that services guest
// SVC traps.
func (t *Translator) SetSyscallDispatcher(d SyscallDispatcher) {
	t.rt.SetSyscallDispatcher(d)
}

// SetFaultHandler registers the collaborator that converts delivered
// host faults into guest terms.
func (t *Translator) SetFaultHandler(h FaultHandler) {
	t.rt.SetFaultHandler(h)
}

// DeliverFault records a host fault observed inside translated code;
// called by the installed signal handler before it resumes the faulting
// block's return path.
func (t *Translator) DeliverFault(kind FaultKind, hostAddr uint64) {
	t.rt.DeliverFault(kind, hostAddr)
}

// === Register file accessors ===

// GetReg reads guest general register i (0..31; 31 reads as zero).
func (t *Translator) GetReg(i int) uint64 { return t.st.Reg(i) }

// SetReg writes guest general register i (writes to 31 are discarded).
func (t *Translator) SetReg(i int, v uint64) { t.st.SetReg(i, v) }

// GetPC returns the guest program counter.
func (t *Translator) GetPC() uint64 { return t.st.PC }

// SetPC sets the guest program counter.
func (t *Translator) SetPC(pc uint64) { t.st.PC = pc }

// GetSP returns the guest stack pointer.
func (t *Translator) GetSP() uint64 { return t.st.SP }

// SetSP sets the guest stack pointer.
func (t *Translator) SetSP(v uint64) { t.st.SP = v }

// GetFlags returns the NZCV flags word.
func (t *Translator) GetFlags() uint64 { return uint64(t.st.Flags) }

// SetFlags sets the NZCV flags word.
func (t *Translator) SetFlags(v uint64) { t.st.Flags = uint32(v) }

// GetVec reads vector register i as two 64-bit words.
func (t *Translator) GetVec(i int) (lo, hi uint64) { return t.st.Vec(i) }

// SetVec writes vector register i from two 64-bit words.
func (t *Translator) SetVec(i int, lo, hi uint64) { t.st.SetVec(i, lo, hi) }

// === Guest memory ===

// WriteGuest copies p into guest memory at addr — the loader's interface
// for placing guest code and data.
func (t *Translator) WriteGuest(addr uint64, p []byte) error {
	return t.mem.WriteAt(addr, p)
}

// ReadGuest copies len(p) bytes of guest memory at addr into p.
func (t *Translator) ReadGuest(addr uint64, p []byte) error {
	return t.mem.ReadAt(addr, p)
}

// GuestMemBase returns the lowest mapped guest address.
func (t *Translator) GuestMemBase() uint64 { return t.mem.Base() }

// === Translation and execution ===

// Translate returns the host entry point for the block at guestPC,
// translating on a miss and serving repeats from the cache.
func (t *Translator) Translate(guestPC uint64) (uintptr, error) {
	e, err := t.rt.Translate(guestPC)
	if err != nil {
		return 0, err
	}
	return entryOf(e), nil
}

// Execute runs exactly one translated block at hostEntry. The guest PC
// afterward names the continuation point. A delivered host fault is
// converted by the registered fault handler and surfaces as
// runtime.ErrTranslationFault.
func (t *Translator) Execute(hostEntry uintptr) error {
	return t.rt.Execute(hostEntry)
}

// Run translates and executes from guestPC until the guest stops (BRK or
// exit syscall), Stop is called, or an error surfaces.
func (t *Translator) Run(guestPC uint64) error {
	return t.rt.Run(guestPC)
}

// Stop asks Run to return at the next block boundary.
func (t *Translator) Stop() { t.rt.Stop() }

// Interpret executes the single guest instruction in insnBytes at pc via
// the interpreter, returning the next PC.
func (t *Translator) Interpret(insnBytes []byte, pc uint64) (uint64, error) {
	return t.rt.Interpret(insnBytes, pc)
}

// Invalidate drops the cached translation for guestPC, if any.
func (t *Translator) Invalidate(guestPC uint64) {
	t.rt.Invalidate(guestPC)
}

// FlushCache drops every cached translation.
func (t *Translator) FlushCache() {
	t.rt.FlushCache()
}

// StatsGet copies the cumulative counters into out.
func (t *Translator) StatsGet(out *Stats) { t.rt.StatsGet(out) }

// StatsReset zeroes the cumulative counters.
func (t *Translator) StatsReset() { t.rt.StatsReset() }

func entryOf(e *transcache.Entry) uintptr {
	if len(e.Code) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&e.Code[0]))
}
