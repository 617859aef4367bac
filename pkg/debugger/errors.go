package debugger

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrAttach means the tracer could not take control of the
	// target process.
	ErrAttach = errors.New("attach failed")

	// ErrInstall means a breakpoint could not be written into the
	// target's text.
	ErrInstall = errors.New("breakpoint install failed")

	// ErrTargetExited means the target process is gone. Once
	// returned, the session cannot continue.
	ErrTargetExited = errors.New("target process exited")

	// ErrNotAttached means a tracer operation was called outside an
	// active ptrace session.
	ErrNotAttached = errors.New("tracer not attached")

	// ErrUnknownRegister means a register name is not one of the
	// supported argument registers.
	ErrUnknownRegister = errors.New("unknown register")
)

// errnoCause translates the usual ptrace errnos into something a
// person can act on.
func errnoCause(pid int, err error) string {
	switch {
	case errors.Is(err, unix.ESRCH):
		return fmt.Sprintf("process %d does not exist or exited", pid)
	case errors.Is(err, unix.EPERM):
		return fmt.Sprintf("permission denied for process %d (need root or a relaxed kernel.yama.ptrace_scope)", pid)
	case errors.Is(err, unix.EBUSY):
		return fmt.Sprintf("process %d is busy", pid)
	default:
		return fmt.Sprintf("process %d: %v", pid, err)
	}
}
