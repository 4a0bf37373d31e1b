package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"64KB", 64 << 10},
		{"16MB", 16 << 20},
		{" 2GB ", 2 << 30},
	}
	for _, tc := range tests {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if _, err := ParseSize("lots"); err == nil {
		t.Errorf("ParseSize(lots) did not fail")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	data := []byte(`
heap_count: 3
concurrent_enabled: false
segment_size: 8MB
gen0_budget_hint: 131072
heap_verify: true
pause_target: 5ms
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeapCount != 3 || cfg.ConcurrentEnabled || !cfg.HeapVerify {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.SegmentSize != 8<<20 {
		t.Errorf("SegmentSize = %s, want 8MB", cfg.SegmentSize)
	}
	if cfg.Gen0BudgetHint != 128<<10 {
		t.Errorf("Gen0BudgetHint = %d", cfg.Gen0BudgetHint)
	}
	if cfg.PauseTarget != 5*time.Millisecond {
		t.Errorf("PauseTarget = %s", cfg.PauseTarget)
	}
	// Options not in the file keep their defaults.
	if cfg.LargeObjectThreshold != Default().LargeObjectThreshold {
		t.Errorf("LargeObjectThreshold = %d", cfg.LargeObjectThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	if err := os.WriteFile(path, []byte("heap_cuont: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("Load accepted a misspelled key")
	}
}

func TestApplySettings(t *testing.T) {
	cfg := Default()
	err := cfg.ApplySettings(`heap_count=2 concurrent=false segment_size=32MB trace_file='/tmp/gc trace.log'`)
	if err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if cfg.HeapCount != 2 || cfg.ConcurrentEnabled || cfg.SegmentSize != 32<<20 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.TraceFile != "/tmp/gc trace.log" {
		t.Errorf("TraceFile = %q", cfg.TraceFile)
	}
	if err := cfg.ApplySettings("heap_count"); err == nil {
		t.Errorf("missing value was accepted")
	}
	if err := cfg.ApplySettings("bogus=1"); err == nil {
		t.Errorf("unknown setting was accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvSettings, "gen0_budget_hint=64KB heap_verify=true")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Gen0BudgetHint != 64<<10 || !cfg.HeapVerify {
		t.Errorf("environment not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"segment not a power of two", func(c *Config) { c.SegmentSize = 3 << 20 }},
		{"segment too small", func(c *Config) { c.SegmentSize = 4096 }},
		{"gen0 budget too large", func(c *Config) { c.Gen0BudgetHint = c.SegmentSize }},
		{"hard limit too small", func(c *Config) { c.HeapHardLimit = c.SegmentSize }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range tests {
		cfg := Default()
		tc.modify(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted the config", tc.name)
		}
	}
}
