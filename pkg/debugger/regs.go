package debugger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ArgumentRegisters are the System V AMD64 integer argument registers,
// in calling-convention order. These are the registers worth probing
// for a function argument at a call-site breakpoint.
var ArgumentRegisters = []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}

// RegisterValue returns the named argument register from a register
// snapshot. Names are lowercase ("rsi"). Returns ErrUnknownRegister
// for anything outside ArgumentRegisters.
func RegisterValue(regs *unix.PtraceRegs, name string) (uint64, error) {
	switch name {
	case "rdi":
		return regs.Rdi, nil
	case "rsi":
		return regs.Rsi, nil
	case "rdx":
		return regs.Rdx, nil
	case "rcx":
		return regs.Rcx, nil
	case "r8":
		return regs.R8, nil
	case "r9":
		return regs.R9, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
}

// ValidRegister reports whether name is an accepted argument register
// name. Used to reject bad configuration before attaching.
func ValidRegister(name string) bool {
	for _, r := range ArgumentRegisters {
		if r == name {
			return true
		}
	}
	return false
}
