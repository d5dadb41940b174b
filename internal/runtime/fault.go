package runtime

// Host-fault integration. Installing the actual SIGSEGV/SIGBUS/SIGILL
// handlers is outside the core (a signal collaborator owns process signal
// state); the core's side of the contract has three parts. The installed
// handler records the fault through DeliverFault and resumes the host at
// the faulting block's return (the resumption option §9 allows). Execute
// then observes the pending fault once the block is back, asks the
// registered FaultHandler to convert it into guest terms using the
// FaultVector table, and surfaces ErrTranslationFault to the caller of
// Run — who may re-enter Run at the resume PC the handler chose.

// FaultKind classifies a host fault observed inside translated code.
type FaultKind int

const (
	FaultAccess  FaultKind = iota // SIGSEGV: unmapped or protected address
	FaultAlign                    // SIGBUS: misaligned or device-backed access
	FaultIllegal                  // SIGILL: bad host bytes (invariant breach)
)

// FaultVector maps a host fault kind to the guest exception vector index
// delivered at the block boundary. The assignments follow the AArch64
// synchronous-exception vector layout.
var FaultVector = map[FaultKind]int{
	FaultAccess:  4, // data abort
	FaultAlign:   4,
	FaultIllegal: 0, // undefined instruction
}

// FaultHandler converts a delivered host fault back into guest terms.
// resumePC is where guest execution continues (typically the faulting
// guest PC, for re-entry through Run after the guest's handler runs);
// ok=false means the fault could not be attributed and the run aborts.
type FaultHandler interface {
	HandleFault(kind FaultKind, hostAddr uint64) (resumePC uint64, ok bool)
}

// SetFaultHandler registers the conversion hook Execute calls when a
// block terminated with a delivered fault. The core never installs
// signal handlers itself.
func (r *Runtime) SetFaultHandler(h FaultHandler) { r.fault = h }

// pendingFault is the one-deep mailbox between the signal collaborator
// and Execute. Single guest thread, so depth one suffices: a block can
// fault at most once before control is back in Execute.
type pendingFault struct {
	kind    FaultKind
	addr    uint64
	present bool
}

// DeliverFault records a host fault observed inside the currently
// executing block. Called by the installed signal handler before it
// resumes the host at the block's return path; Execute consumes the
// record as soon as the block is back.
func (r *Runtime) DeliverFault(kind FaultKind, hostAddr uint64) {
	r.pending = pendingFault{kind: kind, addr: hostAddr, present: true}
}
