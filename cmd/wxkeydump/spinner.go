package main

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"

	"github.com/PigeonCoders/MimicWX-Linux/pkg/extract"
)

// newWaitSpinner returns a stderr spinner for the waiting-for-trap
// phase, or nil when one would misbehave: stderr not a terminal, or
// debug output on (the spinner's line rewriting would mangle the
// probe traces).
func newWaitSpinner(debug bool) *spinner.Spinner {
	if debug || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " waiting for the key-setting call (log in to the target now)"
	_ = s.Color("cyan")
	return s
}

// spinnerNotify adapts session state transitions to the spinner: spin
// while the session waits on the trap, clear the line for everything
// else so log output prints on a clean line.
func spinnerNotify(s *spinner.Spinner) func(extract.State) {
	if s == nil {
		return nil
	}
	return func(st extract.State) {
		if st == extract.StateWaiting {
			s.Start()
		} else {
			s.Stop()
		}
	}
}
