package debugger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// int3 is the x86 single-byte software breakpoint instruction.
const int3 = 0xCC

// Breakpoint is an INT3 patch installed in the target's text. The
// byte it replaced is kept so the site can be restored on removal and
// for the step-over dance when execution must pass through it.
type Breakpoint struct {
	Addr     uintptr
	original byte
	enabled  bool
	hits     int
}

// Hits returns how many times the target has trapped on this
// breakpoint.
func (bp *Breakpoint) Hits() int {
	return bp.hits
}

// Enabled reports whether the INT3 byte is currently in place.
func (bp *Breakpoint) Enabled() bool {
	return bp.enabled
}

// enable saves the original byte at the site and writes INT3 over it.
// tid is any ptrace-stopped task of the target; the write lands in
// text shared by the whole group.
func (bp *Breakpoint) enable(tid int) error {
	if bp.enabled {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := unix.PtracePeekData(tid, bp.Addr, buf); err != nil {
		return fmt.Errorf("reading original byte at 0x%x: %v", bp.Addr, err)
	}
	bp.original = buf[0]
	if _, err := unix.PtracePokeData(tid, bp.Addr, []byte{int3}); err != nil {
		return fmt.Errorf("writing trap byte at 0x%x: %v", bp.Addr, err)
	}
	bp.enabled = true
	return nil
}

// disable restores the saved original byte.
func (bp *Breakpoint) disable(tid int) error {
	if !bp.enabled {
		return nil
	}
	if _, err := unix.PtracePokeData(tid, bp.Addr, []byte{bp.original}); err != nil {
		return fmt.Errorf("restoring byte at 0x%x: %v", bp.Addr, err)
	}
	bp.enabled = false
	return nil
}

// breakpointSet tracks the breakpoints installed in one target.
type breakpointSet struct {
	byAddr map[uintptr]*Breakpoint
}

func newBreakpointSet() *breakpointSet {
	return &breakpointSet{byAddr: make(map[uintptr]*Breakpoint)}
}

func (s *breakpointSet) add(bp *Breakpoint) {
	s.byAddr[bp.Addr] = bp
}

func (s *breakpointSet) at(addr uintptr) (*Breakpoint, bool) {
	bp, ok := s.byAddr[addr]
	return bp, ok
}

func (s *breakpointSet) remove(addr uintptr) {
	delete(s.byAddr, addr)
}

func (s *breakpointSet) all() []*Breakpoint {
	bps := make([]*Breakpoint, 0, len(s.byAddr))
	for _, bp := range s.byAddr {
		bps = append(bps, bp)
	}
	return bps
}
