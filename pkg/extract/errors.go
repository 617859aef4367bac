package extract

import "errors"

var (
	// ErrPersist means the captured key could not be written to the
	// key file. The capture itself stands; the key is still in the
	// session log and journal.
	ErrPersist = errors.New("key file write failed")
)
