package procfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FindProcess scans /proc for a process whose executable basename
// equals name and returns its pid. The first match in directory order
// wins; the calling process itself is never matched.
//
// Readlink on /proc/<pid>/exe needs ptrace-read access to the target,
// so unreadable entries fall back to /proc/<pid>/comm. comm is
// truncated to 15 characters by the kernel, which is fine for the
// short names this tool targets.
func FindProcess(name string) (int, error) {
	return findProcessIn("/proc", name)
}

func findProcessIn(procRoot, name string) (int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %v", procRoot, err)
	}

	self := os.Getpid()
	for _, entry := range entries {
		if !entry.IsDir() || !isDigits(entry.Name()) {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if exe, err := os.Readlink(filepath.Join(procRoot, entry.Name(), "exe")); err == nil {
			if filepath.Base(exe) == name {
				return pid, nil
			}
			continue
		}
		if comm, err := os.ReadFile(filepath.Join(procRoot, entry.Name(), "comm")); err == nil {
			if strings.TrimSpace(string(comm)) == name {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrProcessNotFound, name)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
