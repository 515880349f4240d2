package fmq

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != ModeCreate {
		t.Errorf("default mode = %v", cfg.Mode)
	}
	if cfg.Geometry != (Geometry{NumSlots: 1024, BufSize: 1 << 20}) {
		t.Errorf("default geometry = %v", cfg.Geometry)
	}
	if cfg.Lock.Timeout != 5*time.Second {
		t.Errorf("default lock timeout = %v", cfg.Lock.Timeout)
	}
	if cfg.Compression.MinCompressSize != 4096 {
		t.Errorf("default MinCompressSize = %d", cfg.Compression.MinCompressSize)
	}
	if err := validateConfig(&cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigPresets(t *testing.T) {
	ro := ReaderOnlyConfig()
	if ro.Mode != ModeRead || ro.Geometry != (Geometry{}) {
		t.Errorf("reader-only preset = %+v", ro)
	}
	if err := validateConfig(&ro); err != nil {
		t.Errorf("reader-only preset invalid: %v", err)
	}

	ll := LowLatencyConfig()
	if ll.Device.Kind != DeviceMmap || ll.Reader.PollInterval >= time.Millisecond {
		t.Errorf("low-latency preset = %+v", ll)
	}
	if ll.Compression.MinCompressSize != 0 {
		t.Error("low-latency preset should not compress")
	}
	if got := ll.devicePath("orders"); got != filepath.Join(DefaultShmDir, "orders") {
		t.Errorf("mmap path = %s", got)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"create without slots", func(c *Config) { c.Geometry.NumSlots = 0 }, "requires"},
		{"too many slots", func(c *Config) { c.Geometry.NumSlots = maxNumSlots + 1 }, "exceeds"},
		{"tiny buffer", func(c *Config) { c.Geometry.BufSize = 4 }, "smaller"},
		{"negative timeout", func(c *Config) { c.Lock.Timeout = -1 }, "negative"},
		{"unknown device", func(c *Config) { c.Device.Kind = "tape" }, "unknown device"},
		{"unknown mode", func(c *Config) { c.Mode = 9 }, "unknown open mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateConfigFillsDefaults(t *testing.T) {
	cfg := Config{Mode: ModeRead}
	if err := validateConfig(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Lock.Timeout != 5*time.Second || cfg.Reader.PollInterval != 10*time.Millisecond {
		t.Errorf("timeouts not filled: %+v", cfg)
	}
	if cfg.Reader.HeaderRetries != 64 || cfg.Device.Kind != DeviceFile {
		t.Errorf("defaults not filled: %+v", cfg)
	}
}

func TestConfigJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.CursorName = "audit"
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"num_slots":1024`, `"kind":"file"`, `"cursor_name":"audit"`, `"min_compress_size":4096`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("json missing %s: %s", key, data)
		}
	}

	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Geometry != cfg.Geometry || back.Device != cfg.Device || back.Lock != cfg.Lock {
		t.Errorf("json round trip lost settings: %+v", back)
	}
}

func TestDevicePath(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.devicePath("q"); got != "q" {
		t.Errorf("relative without dir = %s", got)
	}
	cfg.Device.Dir = "/var/lib/fmq"
	if got := cfg.devicePath("q"); got != "/var/lib/fmq/q" {
		t.Errorf("relative with dir = %s", got)
	}
	if got := cfg.devicePath("/abs/q"); got != "/abs/q" {
		t.Errorf("absolute = %s", got)
	}
}
