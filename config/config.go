// Package config holds the options recognized by the heap. They are read once,
// when the heap is initialized.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// EnvSettings is the environment variable read by ApplyEnv. It holds
// space-separated key=value pairs using the YAML key names, for example
// GENGC_SETTINGS="heap_count=2 segment_size=32MB concurrent_enabled=false".
const EnvSettings = "GENGC_SETTINGS"

const (
	minSegmentSize = 256 << 10
	maxSegmentSize = 1 << 30
)

// Config holds all recognized options.
type Config struct {
	// HeapCount is the number of parallel GC workers used for marking,
	// relocation and compaction.
	HeapCount int `yaml:"heap_count"`

	// ConcurrentEnabled allows gen2 collections to mark in the background.
	ConcurrentEnabled bool `yaml:"concurrent_enabled"`

	// SegmentSize is the reservation size of a heap segment. It must be a
	// power of two.
	SegmentSize Size `yaml:"segment_size"`

	// Gen0BudgetHint is the initial gen0 allocation budget.
	Gen0BudgetHint Size `yaml:"gen0_budget_hint"`

	// HeapHardLimit caps committed heap memory. Zero means no limit.
	HeapHardLimit Size `yaml:"heap_hard_limit"`

	// LargeObjectThreshold is the size from which objects are allocated in
	// the large object heap.
	LargeObjectThreshold Size `yaml:"large_object_threshold"`

	// HeapVerify runs the heap verifier before and after every collection.
	HeapVerify bool `yaml:"heap_verify"`

	// PauseTarget is the blocking pause above which a gen2 collection is
	// run in the background instead. Advisory only.
	PauseTarget time.Duration `yaml:"pause_target"`

	// TraceFile, if set, receives one line per collection.
	TraceFile string `yaml:"trace_file"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		HeapCount:            runtime.NumCPU(),
		ConcurrentEnabled:    true,
		SegmentSize:          16 << 20,
		Gen0BudgetHint:       256 << 10,
		LargeObjectThreshold: 85000,
		PauseTarget:          10 * time.Millisecond,
		LogLevel:             "warn",
	}
}

// Load reads a YAML configuration file. Options missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides options from the GENGC_SETTINGS environment variable, if
// it is set.
func (c *Config) ApplyEnv() error {
	s, ok := os.LookupEnv(EnvSettings)
	if !ok {
		return nil
	}
	if err := c.ApplySettings(s); err != nil {
		return fmt.Errorf("config: %s: %w", EnvSettings, err)
	}
	return nil
}

// ApplySettings overrides options from a string of key=value pairs. Values
// may be quoted using shell rules.
func (c *Config) ApplySettings(s string) error {
	fields, err := shlex.Split(s)
	if err != nil {
		return err
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("setting %q is not of the form key=value", field)
		}
		if err := c.set(key, value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "heap_count":
		c.HeapCount, err = strconv.Atoi(value)
	case "concurrent_enabled", "concurrent":
		c.ConcurrentEnabled, err = strconv.ParseBool(value)
	case "segment_size":
		c.SegmentSize, err = ParseSize(value)
	case "gen0_budget_hint", "gen0size":
		c.Gen0BudgetHint, err = ParseSize(value)
	case "heap_hard_limit":
		c.HeapHardLimit, err = ParseSize(value)
	case "large_object_threshold":
		c.LargeObjectThreshold, err = ParseSize(value)
	case "heap_verify":
		c.HeapVerify, err = strconv.ParseBool(value)
	case "pause_target":
		c.PauseTarget, err = time.ParseDuration(value)
	case "trace_file":
		c.TraceFile = value
	case "log_level":
		c.LogLevel = value
	default:
		return errors.New("unknown setting")
	}
	return err
}

// Validate checks the options for consistency and fills in zero values that
// have a derived default.
func (c *Config) Validate() error {
	if c.HeapCount <= 0 {
		c.HeapCount = runtime.NumCPU()
	}
	if c.SegmentSize < minSegmentSize || c.SegmentSize > maxSegmentSize {
		return fmt.Errorf("config: segment_size %s out of range [%s, %s]", c.SegmentSize, Size(minSegmentSize), Size(maxSegmentSize))
	}
	if c.SegmentSize&(c.SegmentSize-1) != 0 {
		return fmt.Errorf("config: segment_size %s is not a power of two", c.SegmentSize)
	}
	if c.Gen0BudgetHint == 0 {
		c.Gen0BudgetHint = Default().Gen0BudgetHint
	}
	if c.Gen0BudgetHint > c.SegmentSize/2 {
		return fmt.Errorf("config: gen0_budget_hint %s must be at most half of segment_size %s", c.Gen0BudgetHint, c.SegmentSize)
	}
	if c.LargeObjectThreshold == 0 {
		c.LargeObjectThreshold = Default().LargeObjectThreshold
	}
	if c.LargeObjectThreshold < 1024 || c.LargeObjectThreshold >= c.SegmentSize/4 {
		return fmt.Errorf("config: large_object_threshold %s out of range", c.LargeObjectThreshold)
	}
	if c.HeapHardLimit != 0 && c.HeapHardLimit < 2*c.SegmentSize {
		return fmt.Errorf("config: heap_hard_limit %s must allow at least two segments of %s", c.HeapHardLimit, c.SegmentSize)
	}
	if c.PauseTarget < 0 {
		return fmt.Errorf("config: negative pause_target %s", c.PauseTarget)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// Size is a number of bytes. In YAML and settings strings it may be written as
// a plain integer or with a unit, like "16MB".
type Size uint64

// ParseSize parses a byte count such as "4096", "64KB" or "1.5GB". Units are
// powers of 1024.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	if b < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return Size(b), nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return uint64(s), nil
}
