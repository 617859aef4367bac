package procfs

import (
	"fmt"
	"strings"
)

// mappingSource is one way of obtaining a process's region list.
// Sources are tried in order; a source that errors or yields nothing
// is skipped in favor of the next.
type mappingSource struct {
	name string
	read func(pid int) ([]Mapping, error)
}

// defaultSources orders smaps before maps: smaps carries the same
// region headers plus per-region detail, but can be compiled out of
// the kernel or restricted where plain maps is still readable.
var defaultSources = []mappingSource{
	{"smaps", func(pid int) ([]Mapping, error) { return readMappingFile(pid, "smaps") }},
	{"maps", func(pid int) ([]Mapping, error) { return readMappingFile(pid, "maps") }},
}

// ResolveModuleBase finds where a module is loaded inside process pid.
// A region belongs to the module when its backing path contains
// substring. Among matching regions the lowest-addressed executable
// one wins; if the module has no executable region, the lowest match
// overall is used. The returned Mapping's Start is the module base.
//
// Returns ErrModuleNotFound when every source fails or no region
// matches.
func ResolveModuleBase(pid int, substring string) (Mapping, error) {
	return resolveModuleBase(defaultSources, pid, substring)
}

func resolveModuleBase(sources []mappingSource, pid int, substring string) (Mapping, error) {
	var lastErr error
	for _, src := range sources {
		maps, err := src.read(pid)
		if err != nil {
			lastErr = fmt.Errorf("%s: %v", src.name, err)
			continue
		}
		if len(maps) == 0 {
			continue
		}
		if m, ok := selectModuleBase(maps, substring); ok {
			return m, nil
		}
	}
	if lastErr != nil {
		return Mapping{}, fmt.Errorf("%w: %q (pid %d, last source error: %v)", ErrModuleNotFound, substring, pid, lastErr)
	}
	return Mapping{}, fmt.Errorf("%w: %q (pid %d)", ErrModuleNotFound, substring, pid)
}

// selectModuleBase applies the selection rule to one source's region
// list. /proc mapping files are sorted by address, so the first match
// in each class is the lowest.
func selectModuleBase(maps []Mapping, substring string) (Mapping, bool) {
	var fallback Mapping
	haveFallback := false
	for _, m := range maps {
		if m.Path == "" || !strings.Contains(m.Path, substring) {
			continue
		}
		if m.Executable() {
			return m, true
		}
		if !haveFallback {
			fallback = m
			haveFallback = true
		}
	}
	return fallback, haveFallback
}
