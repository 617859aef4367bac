// Package logging provides leveled diagnostics for the key extractor.
//
// Every line goes to stderr. Stdout is never written to, so the tool
// stays safe to run under wrappers that capture or pipe its output;
// the extracted key itself only ever lands in the key file.
package logging

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

func init() {
	// Severity markers are colored only when stderr is a real
	// terminal. Redirected runs (cron, CI, docker logs) get plain
	// text.
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
}

var (
	infoMark  = color.New(color.FgCyan).SprintFunc()
	debugMark = color.New(color.FgMagenta).SprintFunc()
	warnMark  = color.New(color.FgYellow).SprintFunc()
	errorMark = color.New(color.FgRed).SprintFunc()
)

// Logger writes leveled log lines to stderr.
type Logger struct {
	// Debug enables Debugf output (register dumps, per-candidate
	// probe traces, disassembly).
	Debug bool
}

// Infof logs a progress line. Progress is always shown; the tool's
// whole session is a handful of lines and silence would hide the
// "waiting for target" phase.
func (l *Logger) Infof(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", infoMark("[info]"), fmt.Sprintf(format, args...))
}

// Debugf logs a verbose diagnostic line. Shown only when Debug is set.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", debugMark("[debug]"), fmt.Sprintf(format, args...))
}

// Warnf logs a recoverable problem (a rejected candidate, a failed
// journal write). The session keeps going.
func (l *Logger) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warnMark("[warn]"), fmt.Sprintf(format, args...))
}

// Errorf logs a failure that ends the session.
func (l *Logger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorMark("[error]"), fmt.Sprintf(format, args...))
}
