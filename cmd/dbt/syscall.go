package main

import (
	"fmt"
	"os"

	"github.com/arm64x/dbt/internal/state"
	"github.com/arm64x/dbt/internal/translator"
)

// Linux/ARM64 syscall numbers for the minimal set this front end serves.
const (
	sysWrite = 64
	sysExit  = 93
)

// linuxMini is a just-enough syscall dispatcher: write to stdout/stderr
// and exit. Anything else fails the run, which is the honest behavior for
// a demonstration front end — full syscall emulation is an external
// collaborator by design.
type linuxMini struct {
	t *translator.Translator
}

func (d *linuxMini) Dispatch(s *state.State) error {
	switch s.SyscallNum {
	case sysWrite:
		fd, addr, n := s.GPR[0], s.GPR[1], s.GPR[2]
		if fd != 1 && fd != 2 {
			s.SyscallRes = ^uint64(8) // -EBADF
			return nil
		}
		buf := make([]byte, n)
		if err := d.t.ReadGuest(addr, buf); err != nil {
			s.SyscallRes = ^uint64(13) // -EFAULT
			return nil
		}
		out := os.Stdout
		if fd == 2 {
			out = os.Stderr
		}
		w, err := out.Write(buf)
		if err != nil {
			s.SyscallRes = ^uint64(4) // -EIO
			return nil
		}
		s.SyscallRes = uint64(w)
		return nil
	case sysExit:
		return fmt.Errorf("exit status %d: %w", s.GPR[0], translator.ErrGuestExit)
	default:
		return fmt.Errorf("unhandled guest syscall %d", s.SyscallNum)
	}
}
