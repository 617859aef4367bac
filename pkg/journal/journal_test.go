package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	w, err := NewWriter(path, Options{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	events := []Event{
		{Type: SessionStart, PID: 4242},
		{Type: ModuleResolved, Addr: "0x55d6e8a00000", Detail: "/opt/wechat/wechat"},
		{Type: TrapHit, Hit: 1, Addr: "0x55d6ef186c90"},
		{Type: KeyCommitted, Key: "deadbeef", Length: 4},
	}
	for _, e := range events {
		if err := w.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("Expected %d events, got %d", len(events), len(got))
	}
	for i, e := range got {
		if e.Type != events[i].Type {
			t.Errorf("Event %d: expected type %q, got %q", i, events[i].Type, e.Type)
		}
		if e.Time.IsZero() {
			t.Errorf("Event %d: expected timestamp to be set", i)
		}
	}
	if got[3].Key != "deadbeef" {
		t.Errorf("Expected key to survive round trip, got %q", got[3].Key)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl.zst")

	w, err := NewWriter(path, Options{Compress: true})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Record(Event{Type: TrapHit, Hit: i + 1}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The file must actually be a zstd stream.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(raw) < 4 || raw[0] != 0x28 || raw[1] != 0xb5 {
		t.Error("Expected zstd magic at start of compressed journal")
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("Expected 10 events, got %d", len(got))
	}
	if got[9].Hit != 10 {
		t.Errorf("Expected hit 10 in last event, got %d", got[9].Hit)
	}
}

func TestRedaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	w, err := NewWriter(path, Options{RedactKeys: true})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Record(Event{Type: KeyCommitted, Key: "deadbeef", Length: 4}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Key != redactedKey {
		t.Errorf("Expected key to be redacted, got %q", got[0].Key)
	}
	if got[0].Length != 4 {
		t.Errorf("Expected length to survive redaction, got %d", got[0].Length)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("deadbeef")) {
		t.Error("Key material must not appear in a redacted journal")
	}
}

func TestNilWriterDiscards(t *testing.T) {
	var w *Writer
	if err := w.Record(Event{Type: SessionStart}); err != nil {
		t.Errorf("Nil writer Record should be a no-op, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Nil writer Close should be a no-op, got %v", err)
	}
}

func TestReadSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	content := `{"time":"2026-08-24T10:00:00Z","type":"session_start","pid":1}
this line is not json
{"time":"2026-08-24T10:00:01Z","type":"detached"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != SessionStart || got[1].Type != Detached {
		t.Errorf("Expected session_start and detached, got %q and %q", got[0].Type, got[1].Type)
	}
}
