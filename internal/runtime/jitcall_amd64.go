package runtime

import "unsafe"

// jitcall transfers control into a translated block at entry with the
// guest state pointer in RDI, the argument register the block prologue
// expects. Implemented in assembly (jitcall_amd64.s); it saves the
// callee-saved registers translated code is allowed to clobber and
// returns when the block's final ret executes.
//
//go:noescape
func jitcall(entry uintptr, st unsafe.Pointer)
