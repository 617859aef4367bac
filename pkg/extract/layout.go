package extract

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultKeySize is the length of the cipher key the targeted
	// WCDB builds use. A candidate of exactly this size is trusted
	// over any other.
	DefaultKeySize = 32

	// MaxKeyLength bounds a plausible key buffer. Descriptor reads
	// are heuristic; without this cap a misread length field would
	// have us copying megabytes out of the target.
	MaxKeyLength = 256

	// minPointer is the lowest address accepted as a buffer pointer.
	// The first 64KiB of userspace is never mapped on Linux, so
	// anything below is a misparsed descriptor, not data.
	minPointer = 0x10000
)

// CandidateLayout is a guess at the shape of the buffer descriptor a
// trapped call receives: at which offset the data pointer lives and
// at which the length. Builds differ, so several are tried per hit.
type CandidateLayout struct {
	PointerOffset uint64
	LengthOffset  uint64
}

func (l CandidateLayout) String() string {
	return fmt.Sprintf("(%d,%d)", l.PointerOffset, l.LengthOffset)
}

// defaultLayouts orders the descriptor shapes seen across WeChat
// builds. The first entry is the designated default: it alone may
// commit a key of unexpected size.
var defaultLayouts = []CandidateLayout{
	{PointerOffset: 8, LengthOffset: 16},
	{PointerOffset: 0, LengthOffset: 8},
}

// DefaultLayouts returns a fresh copy of the built-in layout order.
func DefaultLayouts() []CandidateLayout {
	return append([]CandidateLayout(nil), defaultLayouts...)
}

// RejectReason says why a candidate failed validation.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectZeroLength
	RejectTooLong
	RejectBadPointer
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "accepted"
	case RejectZeroLength:
		return "length is zero"
	case RejectTooLong:
		return "length exceeds maximum"
	case RejectBadPointer:
		return "pointer below valid userspace"
	default:
		return "unknown"
	}
}

// MemoryReader reads from the target's address space. Satisfied by
// debugger.TrapEvent during a real session and by fakes in tests.
type MemoryReader interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Attempt is the outcome of probing one layout against one trap hit.
// Exactly one of Key, Reject or Err describes the result.
type Attempt struct {
	Layout  CandidateLayout
	Pointer uint64
	Length  uint64
	Key     []byte
	Reject  RejectReason
	Err     error
}

// Accepted reports whether the attempt produced key bytes.
func (a Attempt) Accepted() bool {
	return a.Err == nil && a.Reject == RejectNone && a.Key != nil
}

// probe reads the two descriptor fields the layout names, validates
// them, and only then reads the buffer they describe. Validation
// before the buffer read matters: a rejected candidate must never
// cause a dereference of its untrusted pointer.
func (l CandidateLayout) probe(mem MemoryReader, base uint64) Attempt {
	a := Attempt{Layout: l}

	ptrField, err := mem.ReadMemory(base+l.PointerOffset, 8)
	if err != nil {
		a.Err = fmt.Errorf("reading pointer field at +%d: %v", l.PointerOffset, err)
		return a
	}
	lenField, err := mem.ReadMemory(base+l.LengthOffset, 8)
	if err != nil {
		a.Err = fmt.Errorf("reading length field at +%d: %v", l.LengthOffset, err)
		return a
	}
	a.Pointer = binary.LittleEndian.Uint64(ptrField)
	a.Length = binary.LittleEndian.Uint64(lenField)

	switch {
	case a.Length == 0:
		a.Reject = RejectZeroLength
		return a
	case a.Length > MaxKeyLength:
		a.Reject = RejectTooLong
		return a
	case a.Pointer < minPointer:
		a.Reject = RejectBadPointer
		return a
	}

	key, err := mem.ReadMemory(a.Pointer, int(a.Length))
	if err != nil {
		a.Err = fmt.Errorf("reading %d-byte buffer at 0x%x: %v", a.Length, a.Pointer, err)
		return a
	}
	a.Key = key
	return a
}

// resolveKey probes every layout against one hit and picks the
// winner: the first candidate of exactly keySize bytes, or failing
// that, whatever the default (first) layout produced. Later layouts
// with off-size results never commit; an unexpected size is only
// trusted from the shape known to match the build.
//
// All attempts are returned so the caller can log them; diagnosing a
// new build means seeing what every layout read, not just the winner.
func resolveKey(mem MemoryReader, base uint64, layouts []CandidateLayout, keySize int) (*Attempt, []Attempt) {
	attempts := make([]Attempt, 0, len(layouts))
	for _, l := range layouts {
		attempts = append(attempts, l.probe(mem, base))
	}
	for i := range attempts {
		if attempts[i].Accepted() && len(attempts[i].Key) == keySize {
			return &attempts[i], attempts
		}
	}
	if len(attempts) > 0 && attempts[0].Accepted() {
		return &attempts[0], attempts
	}
	return nil, attempts
}
