// Package debugger drives a ptrace session against a running process:
// attach, software breakpoints, a wait/resume event loop, and detach.
//
// It is deliberately not symbol-aware. Callers hand it raw addresses
// (typically module base + file offset) and get back trap events with
// a register snapshot and memory access; what the address means and
// what to do with the registers is the caller's business.
package debugger

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// TrapEvent describes one breakpoint hit. The task that trapped is in
// ptrace-stop for the duration of the handler, so memory reads
// through the event are safe.
type TrapEvent struct {
	// Addr is the breakpoint address that fired, already rewound
	// past the trap byte.
	Addr uintptr
	// Regs is the register snapshot at the trap, with Rip pointing
	// at Addr.
	Regs unix.PtraceRegs
	// Tid is the task that executed the trap. Breakpoints patch
	// shared text, so any thread of the target can be the one to
	// hit one.
	Tid int
	// Hit is the 1-based count of traps on this breakpoint.
	Hit int

	tracer *Tracer
}

// ReadMemory reads from the stopped target's address space.
func (e *TrapEvent) ReadMemory(addr uint64, size int) ([]byte, error) {
	return e.tracer.ReadMemory(addr, size)
}

// TrapHandler is invoked for every breakpoint hit. The target resumes
// transparently when it returns; a handler that wants the session to
// end calls RequestStop (directly or via Post) instead of blocking.
type TrapHandler func(*TrapEvent)

// thread is one task of the target's thread group. stopped tracks
// whether the task is in ptrace-stop; pending holds a signal observed
// at its last stop that must be delivered on its next resume.
type thread struct {
	tid     int
	stopped bool
	pending unix.Signal
}

// Tracer owns a ptrace session with one target process. Every task of
// the target is traced, not just the main thread: an INT3 in shared
// text can be executed by whichever thread runs through the site, and
// the resulting SIGTRAP kills an untraced thread instead of stopping
// it.
//
// ptrace ties a tracee to the OS thread that attached it, so Attach
// pins the calling goroutine to its thread and every subsequent call
// (SetBreakpoint, Run, Close) must come from that same goroutine.
// Trap handlers and posted tasks already run on it.
type Tracer struct {
	pid      int
	attached bool
	locked   bool
	bps      *breakpointSet
	threads  map[int]*thread
	posted   []func()
	stopReq  bool
}

// Attach takes control of a running process and waits for every one
// of its tasks to stop. The target keeps running its own life
// afterwards; nothing about its fate is tied to ours (no
// PTRACE_O_EXITKILL), so a crash or kill of the tracer leaves the
// target alive.
func Attach(pid int) (*Tracer, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, fmt.Errorf("%w: process %d does not exist", ErrAttach, pid)
	}
	if tp := tracerPid(pid); tp != 0 {
		return nil, fmt.Errorf("%w: process %d is already traced by pid %d", ErrAttach, pid, tp)
	}

	// All ptrace requests for a tracee must come from the attaching
	// thread. Pin before PTRACE_ATTACH and stay pinned until detach.
	runtime.LockOSThread()

	t := &Tracer{pid: pid, locked: true, bps: newBreakpointSet(), threads: make(map[int]*thread)}
	if err := t.attachAll(); err != nil {
		for tid := range t.threads {
			_ = unix.PtraceDetach(tid)
		}
		runtime.UnlockOSThread()
		t.locked = false
		return nil, err
	}
	t.attached = true
	return t, nil
}

// attachAll traces every task in the target's thread group. The task
// list is re-read until a pass turns up nothing new: a thread spawned
// while we walk the list is caught either by the next pass or, once
// its creator carries PTRACE_O_TRACECLONE, by the kernel handing it
// to us at birth.
func (t *Tracer) attachAll() error {
	for {
		tids, err := t.listTasks()
		if err != nil {
			return fmt.Errorf("%w: listing tasks of process %d: %v", ErrAttach, t.pid, err)
		}
		before := len(t.threads)
		for _, tid := range tids {
			if _, ok := t.threads[tid]; ok {
				continue
			}
			if err := t.attachTask(tid); err != nil {
				return err
			}
		}
		if len(t.threads) == before {
			break
		}
	}
	if _, ok := t.threads[t.pid]; !ok {
		return fmt.Errorf("%w: initial stop: %v", ErrAttach, ErrTargetExited)
	}
	return nil
}

// attachTask attaches one task, waits out its attach stop, and turns
// on clone tracing. A task that vanishes mid-attach is skipped, as is
// one the kernel already handed us through a traced sibling's
// PTRACE_O_TRACECLONE (its birth stop is adopted by the wait loop).
func (t *Tracer) attachTask(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		if err == unix.ESRCH || (err == unix.EPERM && tid != t.pid) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAttach, errnoCause(tid, err))
	}
	th := &thread{tid: tid}
	_, ws, err := t.wait(tid)
	if err != nil {
		_ = unix.PtraceDetach(tid)
		return fmt.Errorf("%w: initial stop of task %d: %v", ErrAttach, tid, err)
	}
	if ws.Exited() || ws.Signaled() {
		return nil
	}
	// The stop that follows PTRACE_ATTACH is our own injected
	// SIGSTOP; swallow it. Anything else was already pending in the
	// task and must be delivered on its first resume.
	if sig := ws.StopSignal(); sig != unix.SIGSTOP {
		th.pending = sig
	}
	th.stopped = true
	if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil && err != unix.ESRCH {
		_ = unix.PtraceDetach(tid)
		return fmt.Errorf("%w: tracing clones of task %d: %v", ErrAttach, tid, err)
	}
	t.threads[tid] = th
	return nil
}

// listTasks returns the target's current task ids from /proc.
func (t *Tracer) listTasks() ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", t.pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// Pid returns the target process id.
func (t *Tracer) Pid() int {
	return t.pid
}

// stoppedTid returns a task of the target currently in ptrace-stop,
// preferring the main thread. PEEK and POKE address a task, but the
// memory they touch is shared by the whole group, so any stopped one
// serves.
func (t *Tracer) stoppedTid() int {
	if th, ok := t.threads[t.pid]; ok && th.stopped {
		return t.pid
	}
	for _, th := range t.threads {
		if th.stopped {
			return th.tid
		}
	}
	return t.pid
}

// SetBreakpoint installs an INT3 breakpoint at addr. The target must
// be attached and stopped (it is, between Attach and Run).
func (t *Tracer) SetBreakpoint(addr uintptr) (*Breakpoint, error) {
	if !t.attached {
		return nil, ErrNotAttached
	}
	if _, ok := t.bps.at(addr); ok {
		return nil, fmt.Errorf("%w: already set at 0x%x", ErrInstall, addr)
	}
	bp := &Breakpoint{Addr: addr}
	if err := bp.enable(t.stoppedTid()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstall, err)
	}
	t.bps.add(bp)
	return bp, nil
}

// ClearBreakpoint restores the original byte at addr and forgets the
// breakpoint.
func (t *Tracer) ClearBreakpoint(addr uintptr) error {
	if !t.attached {
		return ErrNotAttached
	}
	bp, ok := t.bps.at(addr)
	if !ok {
		return fmt.Errorf("no breakpoint at 0x%x", addr)
	}
	err := bp.disable(t.stoppedTid())
	t.bps.remove(addr)
	return err
}

// Post queues fn to run on the tracer goroutine after the in-flight
// trap handler returns, before the target is resumed. This is how a
// handler schedules teardown without tearing down the session it is
// currently standing on. Post must be called from a trap handler or
// from a previously posted task.
func (t *Tracer) Post(fn func()) {
	t.posted = append(t.posted, fn)
}

// RequestStop makes Run return after the current trap handler and its
// posted tasks finish. The trapping task is left stopped; Close
// completes the teardown.
func (t *Tracer) RequestStop() {
	t.stopReq = true
}

func (t *Tracer) drainPosted() {
	for len(t.posted) > 0 {
		fn := t.posted[0]
		t.posted = t.posted[1:]
		fn()
	}
}

// Run resumes the target and dispatches breakpoint hits to handler
// until RequestStop is honored (returns nil, the trapping task left
// stopped) or the target exits (returns ErrTargetExited). Signals
// that are not our traps are forwarded to the task they stopped;
// foreign SIGTRAPs are swallowed and execution continues. Threads
// born during the session arrive through clone tracing and join
// transparently.
func (t *Tracer) Run(handler TrapHandler) error {
	if !t.attached {
		return ErrNotAttached
	}
	if err := t.resumeAll(); err != nil {
		return err
	}
	for {
		if t.stopReq {
			return nil
		}
		tid, ws, err := t.wait(-1)
		if err != nil {
			return err
		}
		th, known := t.threads[tid]

		if ws.Exited() || ws.Signaled() {
			if !known {
				continue
			}
			delete(t.threads, tid)
			if tid == t.pid || len(t.threads) == 0 {
				t.attached = false
				return ErrTargetExited
			}
			continue
		}
		if !ws.Stopped() {
			continue
		}
		if !known {
			// A thread born under clone tracing arrives already
			// traced, stopped with an injected SIGSTOP and our
			// options inherited.
			th = &thread{tid: tid, stopped: true}
			if sig := ws.StopSignal(); sig != unix.SIGSTOP && sig != unix.SIGTRAP {
				th.pending = sig
			}
			t.threads[tid] = th
			if err := t.resumeThread(th); err != nil {
				return err
			}
			continue
		}
		th.stopped = true

		if sig := ws.StopSignal(); sig != unix.SIGTRAP {
			th.pending = sig
			if err := t.resumeThread(th); err != nil {
				return err
			}
			continue
		}
		if ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
			// The creating side of a thread birth; the new task
			// reports in on its own.
			if err := t.resumeThread(th); err != nil {
				return err
			}
			continue
		}

		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			return t.opError("read registers", err)
		}
		// After an INT3 the reported Rip is one past the trap byte.
		site := uintptr(regs.Rip - 1)
		bp, ok := t.bps.at(site)
		if !ok {
			if err := t.resumeThread(th); err != nil {
				return err
			}
			continue
		}
		regs.Rip = uint64(site)
		if err := unix.PtraceSetRegs(tid, &regs); err != nil {
			return t.opError("rewind rip", err)
		}
		bp.hits++

		handler(&TrapEvent{Addr: site, Regs: regs, Tid: tid, Hit: bp.hits, tracer: t})
		t.drainPosted()
		if t.stopReq {
			return nil
		}

		if err := t.stepOver(bp, th); err != nil {
			return err
		}
		if err := t.resumeThread(th); err != nil {
			return err
		}
	}
}

// resumeAll sets every stopped task running; after this, tasks stop
// and resume individually as their events arrive.
func (t *Tracer) resumeAll() error {
	for _, th := range t.threads {
		if !th.stopped {
			continue
		}
		if err := t.resumeThread(th); err != nil {
			return err
		}
	}
	return nil
}

// resumeThread continues one stopped task, delivering any signal held
// back at its last stop. A task that proves to be gone is dropped
// from the session; losing the main thread or the last task means the
// target itself is gone.
func (t *Tracer) resumeThread(th *thread) error {
	sig := int(th.pending)
	th.pending = 0
	err := unix.PtraceCont(th.tid, sig)
	if err == nil {
		th.stopped = false
		return nil
	}
	if err == unix.ESRCH {
		delete(t.threads, th.tid)
		if th.tid == t.pid || len(t.threads) == 0 {
			t.attached = false
			return ErrTargetExited
		}
		return nil
	}
	return t.opError("continue", err)
}

// stepOver executes the original instruction under a breakpoint on
// the task that trapped: restore the byte, single-step that task,
// re-arm. Rip was already rewound. Other tasks keep running while the
// byte is out; a hit lost to that window re-fires once the trap byte
// is back.
func (t *Tracer) stepOver(bp *Breakpoint, th *thread) error {
	if err := bp.disable(th.tid); err != nil {
		return err
	}
	if err := unix.PtraceSingleStep(th.tid); err != nil {
		return t.opError("single-step", err)
	}
	_, ws, err := t.wait(th.tid)
	if err != nil {
		return err
	}
	if ws.Exited() || ws.Signaled() {
		// A task cannot leave on its own while stepping one user
		// instruction; the whole group is dying.
		delete(t.threads, th.tid)
		t.attached = false
		return ErrTargetExited
	}
	if ws.Stopped() && ws.StopSignal() != unix.SIGTRAP {
		th.pending = ws.StopSignal()
	}
	return bp.enable(th.tid)
}

// wait blocks until the given task changes state, or until any task
// does for pid -1. WALL is required to see tasks that entered the
// group as clone children, which threads of a foreign process are.
func (t *Tracer) wait(pid int) (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wid, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, ws, fmt.Errorf("wait on process %d: %v", t.pid, err)
		}
		return wid, ws, nil
	}
}

// opError classifies a ptrace failure mid-session. A vanished target
// becomes ErrTargetExited so callers see one error for that case
// regardless of which call noticed it.
func (t *Tracer) opError(op string, err error) error {
	if err == unix.ESRCH {
		t.attached = false
		return ErrTargetExited
	}
	return fmt.Errorf("%s: %s", op, errnoCause(t.pid, err))
}

// Close removes any remaining breakpoints, detaches every task, and
// unpins the goroutine. Patched text is restored first so that a
// still running thread cannot land on a trap byte mid-teardown; tasks
// still running are then stopped with a directed SIGSTOP, which the
// detach consumes rather than delivers. Cleanup continues past
// individual failures; the collected errors come back as one. Safe to
// call more than once and after the target has exited.
func (t *Tracer) Close() error {
	if t.locked {
		defer func() {
			runtime.UnlockOSThread()
			t.locked = false
		}()
	}
	if !t.attached {
		return nil
	}
	t.attached = false

	var errs []string
	for _, bp := range t.bps.all() {
		if err := bp.disable(t.stoppedTid()); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, th := range t.threads {
		if th.stopped {
			continue
		}
		if err := t.stopThread(th); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, bp := range t.bps.all() {
		t.bps.remove(bp.Addr)
	}
	for tid := range t.threads {
		if err := unix.PtraceDetach(tid); err != nil && err != unix.ESRCH {
			errs = append(errs, fmt.Sprintf("detach task %d: %s", tid, errnoCause(t.pid, err)))
		}
		delete(t.threads, tid)
	}
	if len(errs) > 0 {
		return fmt.Errorf("detaching from process %d: %s", t.pid, strings.Join(errs, "; "))
	}
	return nil
}

// stopThread brings one running task into ptrace-stop with a directed
// SIGSTOP so it can be detached. Stops that get there first are dealt
// with on the way: a trap left over from one of our sites has its pc
// rewound so the task re-executes the real instruction after detach,
// and foreign signals are delivered to the task. The SIGSTOP itself
// is consumed here, not left pending to freeze the target afterwards.
func (t *Tracer) stopThread(th *thread) error {
	if err := unix.Tgkill(t.pid, th.tid, unix.SIGSTOP); err != nil {
		if err == unix.ESRCH {
			delete(t.threads, th.tid)
			return nil
		}
		return fmt.Errorf("stopping task %d: %v", th.tid, err)
	}
	for {
		_, ws, err := t.wait(th.tid)
		if err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			delete(t.threads, th.tid)
			return nil
		}
		if !ws.Stopped() {
			continue
		}
		sig := ws.StopSignal()
		if sig == unix.SIGSTOP {
			th.stopped = true
			return nil
		}
		deliver := 0
		if sig == unix.SIGTRAP {
			t.rewindIfTrapped(th.tid)
		} else {
			deliver = int(sig)
		}
		if err := unix.PtraceCont(th.tid, deliver); err != nil {
			if err == unix.ESRCH {
				delete(t.threads, th.tid)
				return nil
			}
			return t.opError("continue", err)
		}
	}
}

// rewindIfTrapped backs a task's pc up over a trap byte when it sits
// one past a site of ours. Best effort: teardown keeps going
// regardless.
func (t *Tracer) rewindIfTrapped(tid int) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return
	}
	site := uintptr(regs.Rip - 1)
	if _, ok := t.bps.at(site); !ok {
		return
	}
	regs.Rip = uint64(site)
	_ = unix.PtraceSetRegs(tid, &regs)
}

// tracerPid reads the TracerPid field from /proc/<pid>/status. Zero
// means untraced (or unreadable, which attach will surface anyway).
func tracerPid(pid int) int {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			n, _ := strconv.Atoi(strings.TrimSpace(rest))
			return n
		}
	}
	return 0
}
