// Package config loads compiler settings from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the top-level configuration document.
type Config struct {
	Codegen  Codegen  `yaml:"codegen"`
	Workers  int      `yaml:"workers"`
	LogLevel LogLevel `yaml:"log_level"`
}

// Codegen tunes the native code generator.
type Codegen struct {
	// BlockInitThreshold maps an architecture name to the number of 4-byte
	// must-init slots above which the prolog zeroes the region with a loop.
	BlockInitThreshold map[string]int `yaml:"block_init_threshold"`
	// PageSize is the guard page granularity used for stack probing.
	PageSize Size `yaml:"page_size"`
	// ProbeUnrollPages is the largest frame, in pages, probed without a loop.
	ProbeUnrollPages int `yaml:"probe_unroll_pages"`

	FramePointer       FramePointerPolicy `yaml:"frame_pointer"`
	FullyInterruptible bool               `yaml:"fully_interruptible"`
	ShortBranches      bool               `yaml:"short_branches"`
	HotColdSplit       bool               `yaml:"hot_cold_split"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Codegen: Codegen{
			BlockInitThreshold: map[string]int{
				"x86_64": 8,
				"arm64":  4,
			},
			PageSize:         4096,
			ProbeUnrollPages: 3,
			FramePointer:     FramePointerAuto,
			ShortBranches:    true,
			HotColdSplit:     true,
		},
		Workers:  0,
		LogLevel: LogLevel(slog.LevelInfo),
	}
}

// BlockInitThresholdFor returns the threshold configured for arch, falling
// back to 8.
func (c Codegen) BlockInitThresholdFor(arch string) int {
	if v, ok := c.BlockInitThreshold[arch]; ok {
		return v
	}
	return 8
}

// Load reads a YAML document layered over Default.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load on a named file.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (c Config) Validate() error {
	cg := c.Codegen
	if cg.PageSize <= 0 || cg.PageSize&(cg.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d is not a power of two", ErrInvalid, cg.PageSize)
	}
	if cg.ProbeUnrollPages < 0 {
		return fmt.Errorf("%w: negative probe unroll limit", ErrInvalid)
	}
	for arch, v := range cg.BlockInitThreshold {
		if v < 0 {
			return fmt.Errorf("%w: negative block init threshold for %s", ErrInvalid, arch)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: negative worker count", ErrInvalid)
	}
	return nil
}

// Size is a byte count written either as an integer or a human readable
// string such as "4KiB".
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	parsed, err := units.RAMInBytes(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(parsed)
	return nil
}

func (s Size) String() string { return units.BytesSize(float64(s)) }

// FramePointerPolicy decides when methods establish a frame pointer.
type FramePointerPolicy uint8

const (
	// FramePointerAuto uses a frame pointer when the target requires one or
	// the method has exception handling or asks for it.
	FramePointerAuto FramePointerPolicy = iota
	FramePointerAlways
)

func (p FramePointerPolicy) String() string {
	if p == FramePointerAlways {
		return "always"
	}
	return "auto"
}

// UnmarshalYAML implements yaml.Unmarshaler for FramePointerPolicy.
func (p *FramePointerPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "auto":
		*p = FramePointerAuto
	case "always":
		*p = FramePointerAlways
	default:
		return fmt.Errorf("invalid frame pointer policy %q", s)
	}
	return nil
}

// LogLevel wraps slog.Level for YAML unmarshaling.
type LogLevel slog.Level

// UnmarshalYAML implements yaml.Unmarshaler for LogLevel.
func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	*l = LogLevel(lvl)
	return nil
}

// Level returns the slog.Level value.
func (l LogLevel) Level() slog.Level { return slog.Level(l) }
