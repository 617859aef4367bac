// Package procfs locates target processes and their in-memory modules
// through the /proc filesystem.
//
// Address-space layout randomization means a module's link-time
// addresses are useless at runtime; everything here exists to answer
// one question, where the loader actually put the binary, so that a
// file-relative offset can be turned into a live address.
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Mapping is one region of a process address space, as reported by
// /proc/<pid>/maps or /proc/<pid>/smaps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the region is mapped with execute
// permission.
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %s %x %s", m.Start, m.End, m.Perms, m.Offset, m.Path)
}

// mapEntry matches a region header line:
//
//	55d6e8a00000-55d6ef000000 r-xp 00200000 103:02 1835339 /opt/wechat/wechat
//
// smaps uses the same header grammar with detail lines (Size:, Rss:,
// VmFlags: ...) interleaved; those do not match and are skipped, so
// one parser serves both files.
var mapEntry = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]+)\s+([0-9a-f]+)\s+([0-9a-f]+:[0-9a-f]+)\s+(\d+)(?:\s+(.*))?$`)

// parseMappings reads region entries from r until EOF. Lines that do
// not look like region headers are ignored.
func parseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		match := mapEntry.FindStringSubmatch(scanner.Text())
		if len(match) < 7 {
			continue
		}
		start, _ := strconv.ParseUint(match[1], 16, 64)
		end, _ := strconv.ParseUint(match[2], 16, 64)
		offset, _ := strconv.ParseUint(match[4], 16, 64)
		path := ""
		if len(match) > 7 {
			path = strings.TrimSpace(match[7])
		}
		maps = append(maps, Mapping{
			Start:  start,
			End:    end,
			Perms:  match[3],
			Offset: offset,
			Path:   path,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning mappings: %v", err)
	}
	return maps, nil
}

// readMappingFile opens /proc/<pid>/<name> and parses it as a set of
// region entries.
func readMappingFile(pid int, name string) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMappings(f)
}
