package builder

import "github.com/arm64x/dbt/internal/emitter"

// The low guest registers are mapped onto host registers by a fixed
// low-index table, per the contract that translator routines "map guest
// register indices to host register indices by a fixed identity (or
// low-nibble) mapping". x86-64 only has 16 general registers and four of
// them are reserved (state pointer, two scratches, the host stack
// pointer), so only guest X0..X11 are register-resident: the block
// prologue loads them from the state struct and every exit flushes them
// back. X12..X30 and SP stay memory-resident in the state struct and are
// accessed through the scratch registers per instruction; XZR is
// synthesized. Nothing aliases, so the mapping is total and lossless —
// the register-resident window just makes the hot low registers cheap.
var guestToHost = [...]int{
	emitter.RAX, emitter.RCX, emitter.RDX, emitter.RBX,
	emitter.RSI, emitter.RDI, emitter.R8, emitter.R9,
	emitter.R10, emitter.R11, emitter.R14, emitter.R15,
}

// hostStateReg holds the *state.State pointer for the lifetime of a
// translated block, established by the block prologue. RBP is never used
// for guest-register residency so it is free for this role.
const hostStateReg = emitter.RBP

// Scratch registers available to a translator routine mid-instruction.
// Never used to carry a live guest register value across instruction
// boundaries — only within the handful of host instructions a single
// guest instruction lowers to.
const (
	scratch1 = emitter.R12
	scratch2 = emitter.R13
)
