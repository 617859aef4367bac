package procfs

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521 /usr/bin/dbus-daemon
00e03000-00e24000 rw-p 00000000 00:00 0 [heap]
7f0e8c000000-7f0e8c021000 rw-p 00000000 00:00 0
7fffb2b3c000-7fffb2b5d000 rw-p 00000000 00:00 0 [stack]
`

func TestParseMappings(t *testing.T) {
	maps, err := parseMappings(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(maps) != 5 {
		t.Fatalf("Expected 5 mappings, got %d", len(maps))
	}

	first := maps[0]
	if first.Start != 0x400000 || first.End != 0x452000 {
		t.Errorf("Expected range 400000-452000, got %x-%x", first.Start, first.End)
	}
	if first.Perms != "r-xp" {
		t.Errorf("Expected perms r-xp, got %q", first.Perms)
	}
	if !first.Executable() {
		t.Error("Expected first mapping to be executable")
	}
	if first.Path != "/usr/bin/dbus-daemon" {
		t.Errorf("Expected dbus-daemon path, got %q", first.Path)
	}

	if maps[1].Offset != 0x51000 {
		t.Errorf("Expected offset 51000, got %x", maps[1].Offset)
	}

	// Anonymous mapping has no path.
	if maps[3].Path != "" {
		t.Errorf("Expected empty path for anonymous mapping, got %q", maps[3].Path)
	}
}

func TestParseMappingsSkipsGarbage(t *testing.T) {
	content := `not a mapping line
00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/true
also garbage
`
	maps, err := parseMappings(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(maps) != 1 {
		t.Errorf("Expected 1 mapping, got %d", len(maps))
	}
}

func TestParseMappingsSmapsFormat(t *testing.T) {
	// smaps interleaves detail lines with the same region headers
	// that maps uses; the parser must keep the headers and drop the
	// details.
	content := `55d6e8800000-55d6e8a00000 r--p 00000000 103:02 1835339 /opt/wechat/wechat
Size:               2048 kB
KernelPageSize:        4 kB
Rss:                1024 kB
VmFlags: rd mr mw me sd
55d6e8a00000-55d6ef000000 r-xp 00200000 103:02 1835339 /opt/wechat/wechat
Size:             104448 kB
Rss:               51200 kB
VmFlags: rd ex mr mw me sd
`
	maps, err := parseMappings(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(maps) != 2 {
		t.Fatalf("Expected 2 mappings, got %d", len(maps))
	}
	if maps[0].Executable() {
		t.Error("First region should not be executable")
	}
	if !maps[1].Executable() {
		t.Error("Second region should be executable")
	}
	if maps[1].Start != 0x55d6e8a00000 {
		t.Errorf("Expected start 55d6e8a00000, got %x", maps[1].Start)
	}
}

func TestSelectModuleBase(t *testing.T) {
	testCases := []struct {
		name      string
		maps      []Mapping
		substring string
		wantStart uint64
		wantFound bool
	}{
		{
			name: "Executable region preferred over lower data region",
			maps: []Mapping{
				{Start: 0x1000, End: 0x2000, Perms: "r--p", Path: "/opt/wechat/wechat"},
				{Start: 0x5000, End: 0x9000, Perms: "r-xp", Path: "/opt/wechat/wechat"},
			},
			substring: "/opt/wechat/wechat",
			wantStart: 0x5000,
			wantFound: true,
		},
		{
			name: "No executable region falls back to lowest match",
			maps: []Mapping{
				{Start: 0x1000, End: 0x2000, Perms: "r--p", Path: "/opt/wechat/wechat"},
				{Start: 0x3000, End: 0x4000, Perms: "rw-p", Path: "/opt/wechat/wechat"},
			},
			substring: "/opt/wechat/wechat",
			wantStart: 0x1000,
			wantFound: true,
		},
		{
			name: "Other modules are ignored",
			maps: []Mapping{
				{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/usr/lib/libc.so.6"},
				{Start: 0x7000, End: 0x8000, Perms: "r-xp", Path: "/opt/wechat/wechat"},
			},
			substring: "wechat",
			wantStart: 0x7000,
			wantFound: true,
		},
		{
			name: "Anonymous regions never match",
			maps: []Mapping{
				{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: ""},
			},
			substring: "wechat",
			wantFound: false,
		},
		{
			name:      "No match at all",
			maps:      []Mapping{{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/bin/true"}},
			substring: "wechat",
			wantFound: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, found := selectModuleBase(tc.maps, tc.substring)
			if found != tc.wantFound {
				t.Fatalf("Expected found=%v, got %v", tc.wantFound, found)
			}
			if found && m.Start != tc.wantStart {
				t.Errorf("Expected base %x, got %x", tc.wantStart, m.Start)
			}
		})
	}
}

func TestResolveModuleBaseSourceFallback(t *testing.T) {
	wechat := []Mapping{{Start: 0x5000, End: 0x9000, Perms: "r-xp", Path: "/opt/wechat/wechat"}}

	failing := mappingSource{"failing", func(int) ([]Mapping, error) {
		return nil, errors.New("permission denied")
	}}
	empty := mappingSource{"empty", func(int) ([]Mapping, error) {
		return nil, nil
	}}
	good := mappingSource{"good", func(int) ([]Mapping, error) {
		return wechat, nil
	}}

	// First source errors: second serves.
	m, err := resolveModuleBase([]mappingSource{failing, good}, 1234, "wechat")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Start != 0x5000 {
		t.Errorf("Expected base 5000, got %x", m.Start)
	}

	// First source yields nothing: second serves.
	m, err = resolveModuleBase([]mappingSource{empty, good}, 1234, "wechat")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Start != 0x5000 {
		t.Errorf("Expected base 5000, got %x", m.Start)
	}

	// All sources fail: ErrModuleNotFound.
	_, err = resolveModuleBase([]mappingSource{failing, empty}, 1234, "wechat")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}

	// Sources fine but module absent: ErrModuleNotFound.
	_, err = resolveModuleBase([]mappingSource{good}, 1234, "telegram")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}
}

// TestResolveModuleBaseSelf runs the real resolver chain against this
// test process's own mappings.
func TestResolveModuleBaseSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable failed: %v", err)
	}
	name := filepath.Base(exe)

	m, err := ResolveModuleBase(os.Getpid(), name)
	if err != nil {
		t.Fatalf("ResolveModuleBase failed: %v", err)
	}
	if m.Start == 0 {
		t.Error("Expected nonzero base address")
	}
	if !strings.Contains(m.Path, name) {
		t.Errorf("Expected path containing %q, got %q", name, m.Path)
	}
	if !m.Executable() {
		t.Errorf("Expected an executable mapping, got perms %q", m.Perms)
	}

	_, err = ResolveModuleBase(os.Getpid(), "/opt/definitely/not/mapped")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound for absent module, got %v", err)
	}
}

func TestFindProcessIn(t *testing.T) {
	root := t.TempDir()

	// A pid directory with a readable exe link.
	mustMkdir(t, filepath.Join(root, "4242"))
	if err := os.Symlink("/opt/wechat/wechat", filepath.Join(root, "4242", "exe")); err != nil {
		t.Fatalf("Failed to create exe link: %v", err)
	}

	// A pid directory without exe, identified by comm.
	mustMkdir(t, filepath.Join(root, "5555"))
	if err := os.WriteFile(filepath.Join(root, "5555", "comm"), []byte("telegram\n"), 0o644); err != nil {
		t.Fatalf("Failed to write comm: %v", err)
	}

	// Non-process entries must be skipped.
	mustMkdir(t, filepath.Join(root, "sys"))

	pid, err := findProcessIn(root, "wechat")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pid != 4242 {
		t.Errorf("Expected pid 4242, got %d", pid)
	}

	pid, err = findProcessIn(root, "telegram")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pid != 5555 {
		t.Errorf("Expected pid 5555, got %d", pid)
	}

	_, err = findProcessIn(root, "signal")
	if !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("Expected ErrProcessNotFound, got %v", err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
}
