package debugger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadMemory reads size bytes from the target's address space.
//
// process_vm_readv is tried first: it moves the whole range in one
// syscall and works regardless of the target's run state. Kernels or
// security modules that refuse it (and short reads across unmapped
// gaps) fall back to word-by-word PTRACE_PEEKDATA, which must go
// through a task in ptrace-stop; setup and trap handlers always have
// one.
func (t *Tracer) ReadMemory(addr uint64, size int) ([]byte, error) {
	if !t.attached {
		return nil, ErrNotAttached
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid read size %d", size)
	}

	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(size)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	if n, err := unix.ProcessVMReadv(t.pid, local, remote, 0); err == nil && n == size {
		return buf, nil
	}

	if _, err := unix.PtracePeekData(t.stoppedTid(), uintptr(addr), buf); err != nil {
		return nil, fmt.Errorf("reading %d bytes at 0x%x: %v", size, addr, err)
	}
	return buf, nil
}
