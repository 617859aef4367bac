// Package config holds the tool's build knowledge: which process and
// module to target, where the key-setting call lives in each known
// build, and how its argument is shaped.
//
// Configuration is a single YAML file loaded over built-in defaults.
// No discovery, no environment overrides: a run is reproducible from
// the file and flags alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PigeonCoders/MimicWX-Linux/pkg/debugger"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/extract"
)

// Config is the full tool configuration.
type Config struct {
	Target  TargetConfig  `yaml:"target"`
	Capture CaptureConfig `yaml:"capture"`
	Output  OutputConfig  `yaml:"output"`
}

// TargetConfig identifies the process to attach to.
type TargetConfig struct {
	// ModuleSubstring matches the module's backing path in the
	// target's memory mappings.
	ModuleSubstring string `yaml:"module_substring"`

	// ProcessName is the executable name used to discover the pid
	// when none is given.
	ProcessName string `yaml:"process_name"`
}

// CaptureConfig describes the key-setting call for the known builds.
type CaptureConfig struct {
	// Build selects which offsets entry applies.
	Build string `yaml:"build"`

	// Offsets maps a build version to the file-relative address of
	// the key-setting call, as a hex string ("0x6586C90"). New
	// builds are added here as they are reversed; entries in the
	// file merge with the built-in table.
	Offsets map[string]string `yaml:"offsets"`

	// Register is the argument register carrying the descriptor
	// pointer at the call.
	Register string `yaml:"register"`

	// KeySize is the trusted key length in bytes.
	KeySize int `yaml:"key_size"`

	// Layouts are [pointer_offset, length_offset] descriptor shapes
	// in probe order; the first is the default.
	Layouts [][2]uint64 `yaml:"layouts"`
}

// OutputConfig says where results land.
type OutputConfig struct {
	// KeyFile receives the captured key as lowercase hex.
	KeyFile string `yaml:"key_file"`

	// Journal, when set, receives a JSONL record of the session.
	Journal string `yaml:"journal"`

	// CompressJournal wraps the journal in zstd.
	CompressJournal bool `yaml:"compress_journal"`

	// RedactJournal strips key material from journal entries.
	RedactJournal bool `yaml:"redact_journal"`
}

// Default returns the built-in configuration for the WeChat builds
// this tool knows about.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			ModuleSubstring: "/opt/wechat/wechat",
			ProcessName:     "wechat",
		},
		Capture: CaptureConfig{
			Build: "4.1.0.16",
			Offsets: map[string]string{
				"4.1.0.16": "0x6586C90",
			},
			Register: extract.DefaultRegister,
			KeySize:  extract.DefaultKeySize,
			Layouts:  [][2]uint64{{8, 16}, {0, 8}},
		},
		Output: OutputConfig{
			KeyFile: extract.DefaultKeyFile,
		},
	}
}

// LoadFile reads path and merges it over the defaults. Offsets for
// builds not mentioned in the file survive the merge.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", path, err)
	}
	return cfg, nil
}

// ParseAddress parses a hex ("0x...") or decimal address string.
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %v", s, err)
	}
	return v, nil
}

// TrapOffset resolves the selected build to its call offset.
func (c *Config) TrapOffset() (uint64, error) {
	raw, ok := c.Capture.Offsets[c.Capture.Build]
	if !ok {
		return 0, fmt.Errorf("no offset known for build %q (known builds: %s)",
			c.Capture.Build, strings.Join(c.KnownBuilds(), ", "))
	}
	return ParseAddress(raw)
}

// KnownBuilds lists the builds with offset entries, sorted.
func (c *Config) KnownBuilds() []string {
	builds := make([]string, 0, len(c.Capture.Offsets))
	for b := range c.Capture.Offsets {
		builds = append(builds, b)
	}
	sort.Strings(builds)
	return builds
}

// CandidateLayouts converts the configured layout pairs into the
// extractor's form.
func (c *Config) CandidateLayouts() []extract.CandidateLayout {
	layouts := make([]extract.CandidateLayout, 0, len(c.Capture.Layouts))
	for _, p := range c.Capture.Layouts {
		layouts = append(layouts, extract.CandidateLayout{PointerOffset: p[0], LengthOffset: p[1]})
	}
	return layouts
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Target.ModuleSubstring == "" {
		errs = append(errs, fmt.Errorf("target.module_substring is required"))
	}
	if c.Capture.Build == "" {
		errs = append(errs, fmt.Errorf("capture.build is required"))
	} else if _, err := c.TrapOffset(); err != nil {
		errs = append(errs, err)
	}
	if !debugger.ValidRegister(c.Capture.Register) {
		errs = append(errs, fmt.Errorf("capture.register must be one of: %s",
			strings.Join(debugger.ArgumentRegisters, ", ")))
	}
	if c.Capture.KeySize < 1 || c.Capture.KeySize > extract.MaxKeyLength {
		errs = append(errs, fmt.Errorf("capture.key_size must be between 1 and %d", extract.MaxKeyLength))
	}
	if len(c.Capture.Layouts) == 0 {
		errs = append(errs, fmt.Errorf("capture.layouts must name at least one descriptor shape"))
	}
	if c.Output.KeyFile == "" {
		errs = append(errs, fmt.Errorf("output.key_file is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
