// Package extract turns breakpoint traps in a running WeChat process
// into a persisted database cipher key.
//
// The session attaches to the target, arms a one-shot breakpoint at
// the key-setting call inside the bundled WCDB, and on each hit reads
// the buffer descriptor the call received. The first validated key is
// committed and persisted; the session then removes its traps and
// detaches, leaving the target running as if nothing happened.
package extract

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/PigeonCoders/MimicWX-Linux/pkg/debugger"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/journal"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/logging"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/procfs"
)

// DefaultRegister is the argument register holding the descriptor
// pointer at the trapped call. The WCDB setCipherKey method receives
// the key descriptor as its first non-this argument: rsi under the
// System V AMD64 convention.
const DefaultRegister = "rsi"

// State tracks a session through its life. Transitions only move
// forward, with one exception: a hit that resolves nothing returns
// from Resolving to Waiting.
type State int

const (
	StateInitializing State = iota
	StateWaiting
	StateResolving
	StateCaptured
	StateDetached
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaiting:
		return "waiting_for_trap"
	case StateResolving:
		return "resolving"
	case StateCaptured:
		return "captured"
	case StateDetached:
		return "detached"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a capture session. Zero values fall back to the
// defaults for the known WeChat builds.
type Options struct {
	// ModuleSubstring identifies the target module among the
	// process's mappings.
	ModuleSubstring string
	// Offset is the file-relative offset of the key-setting call
	// inside the module.
	Offset uint64
	// Register names the argument register carrying the descriptor
	// pointer. Default "rsi".
	Register string
	// Layouts are the descriptor shapes to probe, in priority
	// order; the first is the designated default.
	Layouts []CandidateLayout
	// KeySize is the trusted key length. Default 32.
	KeySize int
	// KeyFile is where the captured key is persisted. Default
	// DefaultKeyFile.
	KeyFile string
	// Journal, when non-nil, receives an event per observable step.
	Journal *journal.Writer
	// Logger receives the session narrative. Defaults to a plain
	// stderr logger.
	Logger *logging.Logger
	// Notify, when non-nil, observes each accepted state transition.
	// It runs on the session goroutine and must not block.
	Notify func(State)
}

// Session is one attach-capture-detach run against a target process.
// Not safe for concurrent use; everything happens on the goroutine
// that calls Run.
type Session struct {
	opts    Options
	log     *logging.Logger
	journal *journal.Writer
	sink    *Sink
	tracer  *debugger.Tracer

	state  State
	hits   int
	keyHex string
}

// NewSession builds a session from opts, filling defaults.
func NewSession(opts Options) *Session {
	if opts.Register == "" {
		opts.Register = DefaultRegister
	}
	if len(opts.Layouts) == 0 {
		opts.Layouts = DefaultLayouts()
	}
	if opts.KeySize == 0 {
		opts.KeySize = DefaultKeySize
	}
	if opts.KeyFile == "" {
		opts.KeyFile = DefaultKeyFile
	}
	if opts.Logger == nil {
		opts.Logger = &logging.Logger{}
	}
	return &Session{
		opts:    opts,
		log:     opts.Logger,
		journal: opts.Journal,
		sink:    &Sink{Path: opts.KeyFile},
		state:   StateInitializing,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// Key returns the committed key as lowercase hex, if one was
// captured.
func (s *Session) Key() (string, bool) {
	return s.keyHex, s.keyHex != ""
}

// Hits returns how many traps the session has handled.
func (s *Session) Hits() int {
	return s.hits
}

// Run locates the module inside process pid, attaches, arms the
// breakpoint, and services traps until a key is captured or the
// target goes away. On return the tracer is gone from the target
// either way. A nil error means a key was committed; the persisted
// file may still have failed, which is reported in the log only.
func (s *Session) Run(pid int) error {
	s.record(journal.Event{Type: journal.SessionStart, PID: pid, Detail: s.opts.ModuleSubstring})

	mod, err := procfs.ResolveModuleBase(pid, s.opts.ModuleSubstring)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	trapAddr := mod.Start + s.opts.Offset
	s.log.Infof("module base 0x%x (%s %s)", mod.Start, mod.Perms, mod.Path)
	s.log.Infof("trap address 0x%x (base + 0x%x)", trapAddr, s.opts.Offset)
	s.record(journal.Event{Type: journal.ModuleResolved, PID: pid, Addr: hexAddr(mod.Start), Detail: mod.Path})

	tracer, err := debugger.Attach(pid)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.tracer = tracer
	s.log.Infof("attached to process %d", pid)

	s.disassembleSite(trapAddr)

	if _, err := tracer.SetBreakpoint(uintptr(trapAddr)); err != nil {
		s.setState(StateFailed)
		if cerr := tracer.Close(); cerr != nil {
			s.log.Warnf("detach after failed install: %v", cerr)
		}
		return err
	}
	s.record(journal.Event{Type: journal.TrapArmed, PID: pid, Addr: hexAddr(trapAddr)})
	s.log.Infof("breakpoint armed; waiting for a login to trigger the key-setting call")
	s.setState(StateWaiting)

	runErr := tracer.Run(s.handleTrap)
	if errors.Is(runErr, debugger.ErrTargetExited) {
		s.record(journal.Event{Type: journal.TargetExited, PID: pid})
	}

	// Detach trouble is reported but never outranks the capture
	// outcome: by now the key is either committed or it isn't.
	closeErr := tracer.Close()
	if closeErr != nil {
		s.log.Warnf("cleanup: %v", closeErr)
	}
	s.record(journal.Event{Type: journal.Detached, PID: pid, Error: errText(closeErr)})

	if s.keyHex != "" {
		s.setState(StateDetached)
		s.log.Infof("detached; target left running")
		return nil
	}
	s.setState(StateFailed)
	if runErr == nil {
		runErr = errors.New("session stopped before a key was captured")
	}
	return runErr
}

// handleTrap runs inside the tracer loop with the trapping thread
// stopped.
func (s *Session) handleTrap(ev *debugger.TrapEvent) {
	s.processHit(&ev.Regs, ev)
}

// processHit is the capture pipeline for one trap: read the argument
// register, probe the candidate layouts, commit the first validated
// key, and schedule teardown. Split from handleTrap so tests can
// drive it with fake memory.
func (s *Session) processHit(regs *unix.PtraceRegs, mem MemoryReader) {
	s.hits++
	s.setState(StateResolving)
	s.log.Infof("trap hit #%d at 0x%x", s.hits, regs.Rip)
	dump := registerDump(regs)
	s.record(journal.Event{Type: journal.TrapHit, Hit: s.hits, Addr: hexAddr(regs.Rip), Detail: dump})
	s.log.Debugf("registers: %s", dump)

	base, err := debugger.RegisterValue(regs, s.opts.Register)
	if err != nil {
		s.log.Warnf("hit #%d: %v", s.hits, err)
		s.setState(StateWaiting)
		return
	}
	s.log.Debugf("descriptor base %s=0x%x", s.opts.Register, base)

	chosen, attempts := resolveKey(mem, base, s.opts.Layouts, s.opts.KeySize)
	for _, a := range attempts {
		s.logAttempt(a)
	}

	if chosen == nil {
		s.log.Warnf("hit #%d produced no usable candidate; waiting for the next call", s.hits)
		s.setState(StateWaiting)
		return
	}

	if s.keyHex != "" {
		// First capture wins. Later hits are observed and logged
		// above but never displace it.
		s.log.Infof("key already captured; ignoring hit #%d", s.hits)
		return
	}

	s.keyHex = hex.EncodeToString(chosen.Key)
	s.setState(StateCaptured)
	s.log.Infof("captured %d-byte key via layout %s: %s", len(chosen.Key), chosen.Layout, s.keyHex)
	s.record(journal.Event{Type: journal.KeyCommitted, Hit: s.hits, Layout: chosen.Layout.String(), Length: chosen.Length, Key: s.keyHex})

	if err := s.sink.Persist(s.keyHex); err != nil {
		s.log.Warnf("%v; key remains available above and in the journal", err)
		s.record(journal.Event{Type: journal.KeyPersisted, Detail: s.sink.Path, Error: err.Error()})
	} else {
		s.log.Infof("key written to %s", s.sink.Path)
		s.record(journal.Event{Type: journal.KeyPersisted, Detail: s.sink.Path})
	}

	// Teardown happens on the tracer queue, after this handler has
	// returned: the trap machinery we are standing on cannot be torn
	// down from inside its own callback.
	if s.tracer != nil {
		s.tracer.Post(func() {
			s.log.Infof("capture complete; removing trap and detaching")
			s.tracer.RequestStop()
		})
	}
}

// logAttempt reports one layout probe to the log and journal. Every
// attempt is recorded, accepted or not: when a new build shifts the
// descriptor, the rejected reads are the evidence that says where.
func (s *Session) logAttempt(a Attempt) {
	ev := journal.Event{
		Type:   journal.Candidate,
		Hit:    s.hits,
		Layout: a.Layout.String(),
		Length: a.Length,
		Addr:   hexAddr(a.Pointer),
	}
	switch {
	case a.Err != nil:
		s.log.Warnf("layout %s: %v", a.Layout, a.Err)
		ev.Error = a.Err.Error()
	case a.Reject != RejectNone:
		s.log.Debugf("layout %s rejected: %s (ptr=0x%x len=%d)", a.Layout, a.Reject, a.Pointer, a.Length)
		ev.Detail = "rejected: " + a.Reject.String()
	default:
		s.log.Infof("layout %s candidate: %d bytes at 0x%x", a.Layout, len(a.Key), a.Pointer)
		ev.Key = hex.EncodeToString(a.Key)
	}
	s.record(ev)
}

// disassembleSite decodes the instruction about to be patched, before
// the trap byte goes in. Debug-level only; a mismatched offset shows
// up here as a nonsensical instruction.
func (s *Session) disassembleSite(addr uint64) {
	if !s.log.Debug {
		return
	}
	code, err := s.tracer.ReadMemory(addr, 16)
	if err != nil {
		s.log.Debugf("cannot read trap site: %v", err)
		return
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		s.log.Debugf("trap site bytes % x: not decodable: %v", code, err)
		return
	}
	s.log.Debugf("instruction at 0x%x: %s", addr, inst)
}

// setState moves the session state machine. Backward motion is
// refused apart from the Resolving to Waiting retreat after a barren
// hit, so a captured session can never unreport its capture.
func (s *Session) setState(next State) {
	if next == s.state {
		return
	}
	if next > s.state || (s.state == StateResolving && next == StateWaiting) {
		s.log.Debugf("state %s -> %s", s.state, next)
		s.state = next
		if s.opts.Notify != nil {
			s.opts.Notify(next)
		}
		return
	}
	s.log.Debugf("suppressing state change %s -> %s", s.state, next)
}

func (s *Session) record(e journal.Event) {
	if err := s.journal.Record(e); err != nil {
		s.log.Warnf("journal: %v", err)
	}
}

// registerDump formats the argument registers of one hit. The same
// string goes to the debug log and the journal, so every hit's
// register state is on record even when no candidate resolves.
func registerDump(regs *unix.PtraceRegs) string {
	return fmt.Sprintf("rdi=0x%x rsi=0x%x rdx=0x%x rcx=0x%x r8=0x%x r9=0x%x",
		regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx, regs.R8, regs.R9)
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
