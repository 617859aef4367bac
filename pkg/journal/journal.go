// Package journal records a capture session's observable steps as
// JSON lines, optionally zstd-compressed, so a run can be inspected
// after the fact without rerunning it against a live target.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// EventType labels one kind of journal entry.
type EventType string

const (
	SessionStart   EventType = "session_start"
	ModuleResolved EventType = "module_resolved"
	TrapArmed      EventType = "trap_armed"
	TrapHit        EventType = "trap_hit"
	Candidate      EventType = "candidate"
	KeyCommitted   EventType = "key_committed"
	KeyPersisted   EventType = "key_persisted"
	TargetExited   EventType = "target_exited"
	Detached       EventType = "detached"
)

// Event is one journal entry. Fields are filled as they apply to the
// event type; addresses are recorded pre-formatted ("0x...") so the
// journal reads naturally in a pager.
type Event struct {
	Time   time.Time `json:"time"`
	Type   EventType `json:"type"`
	PID    int       `json:"pid,omitempty"`
	Addr   string    `json:"addr,omitempty"`
	Hit    int       `json:"hit,omitempty"`
	Layout string    `json:"layout,omitempty"`
	Length uint64    `json:"length,omitempty"`
	Key    string    `json:"key,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// redactedKey replaces key material in redacted journals. The Length
// field still tells the reader what was found.
const redactedKey = "***REDACTED***"

// Options configures a journal writer.
type Options struct {
	// Compress wraps the journal in a zstd stream.
	Compress bool
	// RedactKeys strips key material from entries, for journals that
	// will be shared or archived.
	RedactKeys bool
}

// Writer appends events to a journal file. Each event is flushed as
// it is written, so a killed session still leaves a readable journal.
type Writer struct {
	f    *os.File
	bufw *bufio.Writer
	enc  *zstd.Encoder
	out  io.Writer
	opts Options
}

// NewWriter creates (or truncates) the journal at path. The file is
// created 0600: an unredacted journal holds the extracted key.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %v", path, err)
	}
	w := &Writer{f: f, bufw: bufio.NewWriter(f), opts: opts}
	w.out = w.bufw
	if opts.Compress {
		enc, err := zstd.NewWriter(w.bufw)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("creating zstd writer: %v", err)
		}
		w.enc = enc
		w.out = enc
	}
	return w, nil
}

// Record writes one event. A nil Writer discards the event, so
// callers can journal unconditionally whether or not a journal was
// requested. The event time is stamped here unless already set.
func (w *Writer) Record(e Event) error {
	if w == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if w.opts.RedactKeys && e.Key != "" {
		e.Key = redactedKey
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling journal event: %v", err)
	}
	if _, err := w.out.Write(data); err != nil {
		return err
	}
	if _, err := w.out.Write([]byte{'\n'}); err != nil {
		return err
	}
	if w.enc != nil {
		if err := w.enc.Flush(); err != nil {
			return err
		}
	}
	return w.bufw.Flush()
}

// Close flushes and closes the journal.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	var firstErr error
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			firstErr = err
		}
	}
	if err := w.bufw.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// zstdMagic starts every zstd frame; used to autodetect compressed
// journals on read.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Read loads all events from a journal, decompressing automatically.
// Lines that do not parse are skipped rather than failing the whole
// read; a truncated tail from a killed session should not hide the
// events before it.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %v", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, err := br.Peek(4); err == nil && bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	}

	var events []Event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scanning journal: %v", err)
	}
	return events, nil
}
