package fmq

import (
	"fmt"
	"path/filepath"
	"time"
)

// DeviceKind selects the Device implementation Open builds
type DeviceKind string

const (
	DeviceFile DeviceKind = "file"
	DeviceMmap DeviceKind = "mmap"
)

// LockConfig controls the writer lock
type LockConfig struct {
	// Timeout bounds a single Lock wait. Writes fail with KindLockTimeout
	// after it; retrying is the caller's decision.
	Timeout time.Duration `json:"timeout"`
}

// ReaderConfig controls cursor behavior
type ReaderConfig struct {
	PollInterval time.Duration `json:"poll_interval"` // Sleep between polls in blocking reads
	// HeaderRetries bounds how often a reader re-reads the status header
	// when both copies fail their checksum, which happens transiently while a
	// writer is mid-commit.
	HeaderRetries int `json:"header_retries"`
}

// DeviceConfig selects and configures the storage backend
type DeviceConfig struct {
	Kind DeviceKind `json:"kind"`
	// Dir is joined with the queue name when the name is relative.
	// MmapDevice defaults to DefaultShmDir.
	Dir string `json:"dir"`
	// CursorName enables a persisted reader cursor for this process
	CursorName string `json:"cursor_name"`
}

// CompressionConfig controls Publisher payload compression
type CompressionConfig struct {
	MinCompressSize int `json:"min_compress_size"` // Payloads smaller than this are stored raw (0 disables)
}

// LogConfig controls logging behavior
type LogConfig struct {
	// Logger overrides Level when set
	Logger Logger `json:"-"`

	// Level is one of "debug", "info", "warn", "error", "none"
	Level string `json:"level"`
}

// Config is the complete queue configuration
type Config struct {
	Mode        OpenMode          `json:"mode"`
	Geometry    Geometry          `json:"geometry"`
	Lock        LockConfig        `json:"lock"`
	Reader      ReaderConfig      `json:"reader"`
	Device      DeviceConfig      `json:"device"`
	Compression CompressionConfig `json:"compression"`
	Log         LogConfig         `json:"log"`

	// SyncOnCommit fsyncs both regions after every committed write
	SyncOnCommit bool `json:"sync_on_commit"`
}

// DefaultConfig returns a create-mode file queue with 1024 slots and a 1MB buffer
func DefaultConfig() Config {
	return Config{
		Mode: ModeCreate,
		Geometry: Geometry{
			NumSlots: 1024,
			BufSize:  1 << 20,
		},
		Lock: LockConfig{
			Timeout: 5 * time.Second,
		},
		Reader: ReaderConfig{
			PollInterval:  10 * time.Millisecond,
			HeaderRetries: 64,
		},
		Device: DeviceConfig{
			Kind: DeviceFile,
		},
		Compression: CompressionConfig{
			MinCompressSize: 4096,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ReaderOnlyConfig attaches read-only and adopts the geometry on disk
func ReaderOnlyConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeRead
	cfg.Geometry = Geometry{}
	return cfg
}

// LowLatencyConfig keeps the queue in shared memory and polls tightly
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	cfg.Device.Kind = DeviceMmap
	cfg.Reader.PollInterval = 100 * time.Microsecond
	cfg.Compression.MinCompressSize = 0
	return cfg
}

// validateConfig fills defaults and rejects values no queue can use
func validateConfig(cfg *Config) error {
	if cfg.Mode < ModeRead || cfg.Mode > ModeCreate {
		return fmt.Errorf("unknown open mode %d", cfg.Mode)
	}
	if cfg.Mode == ModeCreate && (cfg.Geometry.NumSlots == 0 || cfg.Geometry.BufSize == 0) {
		return fmt.Errorf("create mode requires num_slots and buf_size")
	}
	if cfg.Geometry.NumSlots > maxNumSlots {
		return fmt.Errorf("num_slots %d exceeds maximum %d", cfg.Geometry.NumSlots, maxNumSlots)
	}
	if cfg.Geometry.BufSize != 0 && cfg.Geometry.BufSize < padMarkerSize {
		return fmt.Errorf("buf_size %d is smaller than %d bytes", cfg.Geometry.BufSize, padMarkerSize)
	}
	if cfg.Lock.Timeout < 0 {
		return fmt.Errorf("lock timeout cannot be negative")
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = 5 * time.Second
	}
	if cfg.Reader.PollInterval <= 0 {
		cfg.Reader.PollInterval = 10 * time.Millisecond
	}
	if cfg.Reader.HeaderRetries <= 0 {
		cfg.Reader.HeaderRetries = 64
	}
	switch cfg.Device.Kind {
	case "":
		cfg.Device.Kind = DeviceFile
	case DeviceFile, DeviceMmap:
	default:
		return fmt.Errorf("unknown device kind %q", cfg.Device.Kind)
	}
	if cfg.Compression.MinCompressSize < 0 {
		cfg.Compression.MinCompressSize = 0
	}
	return nil
}

// devicePath resolves a queue name against the configured directory
func (c *Config) devicePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	dir := c.Device.Dir
	if dir == "" && c.Device.Kind == DeviceMmap {
		dir = DefaultShmDir
	}
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// newDevice builds the configured Device for name
func (c *Config) newDevice(name string, logger Logger) Device {
	opts := []DeviceOption{WithDeviceLogger(logger)}
	if c.Device.CursorName != "" {
		opts = append(opts, WithCursorName(c.Device.CursorName))
	}
	path := c.devicePath(name)
	if c.Device.Kind == DeviceMmap {
		return NewMmapDevice(path, opts...)
	}
	return NewFileDevice(path, opts...)
}
