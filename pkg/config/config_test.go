package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PigeonCoders/MimicWX-Linux/pkg/extract"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration must validate, got %v", err)
	}

	offset, err := cfg.TrapOffset()
	if err != nil {
		t.Fatalf("TrapOffset failed: %v", err)
	}
	if offset != 0x6586C90 {
		t.Errorf("Expected default offset 0x6586C90, got 0x%x", offset)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `target:
  process_name: wechat-beta
capture:
  build: "4.2.0.3"
  offsets:
    "4.2.0.3": "0x68a1f40"
  register: rdi
output:
  journal: /tmp/wxkeydump.jsonl
  compress_journal: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Target.ProcessName != "wechat-beta" {
		t.Errorf("Expected process name override, got %q", cfg.Target.ProcessName)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Target.ModuleSubstring != "/opt/wechat/wechat" {
		t.Errorf("Expected default module substring to survive, got %q", cfg.Target.ModuleSubstring)
	}
	if cfg.Output.KeyFile != extract.DefaultKeyFile {
		t.Errorf("Expected default key file to survive, got %q", cfg.Output.KeyFile)
	}

	// The offsets table merges: both the built-in and the new build
	// are present.
	builds := cfg.KnownBuilds()
	if len(builds) != 2 || builds[0] != "4.1.0.16" || builds[1] != "4.2.0.3" {
		t.Errorf("Expected merged builds [4.1.0.16 4.2.0.3], got %v", builds)
	}

	offset, err := cfg.TrapOffset()
	if err != nil {
		t.Fatalf("TrapOffset failed: %v", err)
	}
	if offset != 0x68a1f40 {
		t.Errorf("Expected offset 0x68a1f40 for selected build, got 0x%x", offset)
	}

	if cfg.Capture.Register != "rdi" {
		t.Errorf("Expected register rdi, got %q", cfg.Capture.Register)
	}
	if !cfg.Output.CompressJournal {
		t.Error("Expected compress_journal true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Merged configuration must validate, got %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestTrapOffsetUnknownBuild(t *testing.T) {
	cfg := Default()
	cfg.Capture.Build = "9.9.9.9"

	_, err := cfg.TrapOffset()
	if err == nil {
		t.Fatal("Expected error for unknown build")
	}
	if !strings.Contains(err.Error(), "4.1.0.16") {
		t.Errorf("Expected known builds in error, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	testCases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x6586C90", 0x6586C90, false},
		{"0x0", 0, false},
		{"4096", 4096, false},
		{" 0x10 ", 0x10, false},
		{"wechat", 0, true},
		{"", 0, true},
		{"0x", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAddress(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected 0x%x, got 0x%x", tc.want, got)
			}
		})
	}
}

func TestCandidateLayouts(t *testing.T) {
	cfg := Default()
	layouts := cfg.CandidateLayouts()

	if len(layouts) != 2 {
		t.Fatalf("Expected 2 layouts, got %d", len(layouts))
	}
	if layouts[0] != (extract.CandidateLayout{PointerOffset: 8, LengthOffset: 16}) {
		t.Errorf("Expected default layout (8,16), got %s", layouts[0])
	}
	if layouts[1] != (extract.CandidateLayout{PointerOffset: 0, LengthOffset: 8}) {
		t.Errorf("Expected second layout (0,8), got %s", layouts[1])
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "Unknown register",
			mutate: func(c *Config) { c.Capture.Register = "rip" },
			want:   "capture.register",
		},
		{
			name:   "Key size zero",
			mutate: func(c *Config) { c.Capture.KeySize = 0 },
			want:   "capture.key_size",
		},
		{
			name:   "Key size over maximum",
			mutate: func(c *Config) { c.Capture.KeySize = 1024 },
			want:   "capture.key_size",
		},
		{
			name:   "No layouts",
			mutate: func(c *Config) { c.Capture.Layouts = nil },
			want:   "capture.layouts",
		},
		{
			name:   "Empty module substring",
			mutate: func(c *Config) { c.Target.ModuleSubstring = "" },
			want:   "target.module_substring",
		},
		{
			name:   "Bad offset string",
			mutate: func(c *Config) { c.Capture.Offsets[c.Capture.Build] = "not-an-address" },
			want:   "bad address",
		},
		{
			name:   "Empty key file",
			mutate: func(c *Config) { c.Output.KeyFile = "" },
			want:   "output.key_file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
