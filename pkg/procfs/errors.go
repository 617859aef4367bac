package procfs

import "errors"

var (
	// ErrModuleNotFound means no mapping source produced a region
	// backed by the requested module. Covers the module-not-loaded,
	// process-gone and permission-denied cases alike: all the caller
	// can do is report that the base address is unknown.
	ErrModuleNotFound = errors.New("module not found in process mappings")

	// ErrProcessNotFound means no running process matched the
	// requested executable name.
	ErrProcessNotFound = errors.New("process not found")
)
