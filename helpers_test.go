package fmq

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestLogger captures log output for assertions and mirrors it to t.Logf
type TestLogger struct {
	t      *testing.T
	mu     *sync.Mutex
	buffer *bytes.Buffer
	level  LogLevel
	fields []any
}

func NewTestLogger(t *testing.T, level LogLevel) *TestLogger {
	return &TestLogger{
		t:      t,
		mu:     &sync.Mutex{},
		buffer: &bytes.Buffer{},
		level:  level,
	}
}

func (tl *TestLogger) log(level LogLevel, levelStr, msg string, keysAndValues ...any) {
	if level < tl.level {
		return
	}
	all := append(append([]any{}, tl.fields...), keysAndValues...)
	tl.t.Logf("[%s] %s %v", levelStr, msg, all)

	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.buffer.WriteString("[" + levelStr + "] " + msg)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(tl.buffer, " %v=%v", all[i], all[i+1])
	}
	tl.buffer.WriteString("\n")
}

func (tl *TestLogger) Debug(msg string, kv ...any) { tl.log(LogLevelDebug, "DEBUG", msg, kv...) }
func (tl *TestLogger) Info(msg string, kv ...any)  { tl.log(LogLevelInfo, "INFO", msg, kv...) }
func (tl *TestLogger) Warn(msg string, kv ...any)  { tl.log(LogLevelWarn, "WARN", msg, kv...) }
func (tl *TestLogger) Error(msg string, kv ...any) { tl.log(LogLevelError, "ERROR", msg, kv...) }

func (tl *TestLogger) WithContext(ctx context.Context) Logger { return tl }

func (tl *TestLogger) WithFields(kv ...any) Logger {
	return &TestLogger{
		t:      tl.t,
		mu:     tl.mu,
		buffer: tl.buffer,
		level:  tl.level,
		fields: append(append([]any{}, tl.fields...), kv...),
	}
}

// Contains checks if the log output contains a string
func (tl *TestLogger) Contains(substr string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return strings.Contains(tl.buffer.String(), substr)
}

var deviceKinds = []DeviceKind{DeviceFile, DeviceMmap}

// forEachDevice runs fn once per device implementation
func forEachDevice(t *testing.T, fn func(t *testing.T, kind DeviceKind)) {
	for _, kind := range deviceKinds {
		t.Run(string(kind), func(t *testing.T) {
			fn(t, kind)
		})
	}
}

// testConfig returns a quiet create-mode config rooted in a fresh temp dir
func testConfig(t *testing.T, kind DeviceKind, geo Geometry) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Geometry = geo
	cfg.Device.Kind = kind
	cfg.Device.Dir = t.TempDir()
	cfg.Lock.Timeout = time.Second
	cfg.Reader.PollInterval = time.Millisecond
	cfg.Log.Level = "none"
	return cfg
}

func openTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := Open("q", cfg)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func mustWrite(t *testing.T, q *Queue, payload []byte) uint64 {
	t.Helper()
	id, err := q.Write(context.Background(), 1, 0, payload)
	if err != nil {
		t.Fatalf("write of %d bytes failed: %v", len(payload), err)
	}
	return id
}

func mustCursor(t *testing.T, q *Queue, opts ...CursorOption) *Cursor {
	t.Helper()
	c, err := q.NewCursor(opts...)
	if err != nil {
		t.Fatalf("failed to create cursor: %v", err)
	}
	return c
}

// payloadFor builds a deterministic payload of n bytes for id
func payloadFor(id uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(uint64(i)*31 + id*7)
	}
	return b
}

// faultDevice wraps a Device and fails selected writes
type faultDevice struct {
	Device

	// failWrite returns a non-nil error to fail a WriteAt before it reaches
	// the wrapped device
	failWrite func(id BufferID, off int64, n int) error
	writes    atomic.Int64
}

func (f *faultDevice) WriteAt(id BufferID, p []byte, off int64) (int, error) {
	f.writes.Add(1)
	if f.failWrite != nil {
		if err := f.failWrite(id, off, len(p)); err != nil {
			return 0, err
		}
	}
	return f.Device.WriteAt(id, p, off)
}

var errInjected = newError(KindIO, "write", "", fmt.Errorf("injected fault"))

func newFaultQueue(t *testing.T, kind DeviceKind, geo Geometry) (*Queue, *faultDevice, Config) {
	t.Helper()
	cfg := testConfig(t, kind, geo)
	fd := &faultDevice{Device: cfg.newDevice("q", NoOpLogger{})}
	q, err := OpenWithDevice(fd, cfg)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, fd, cfg
}

func readAll(t *testing.T, c *Cursor) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := c.ReadNext(context.Background(), false)
		if err != nil {
			if KindOf(err) == KindWouldBlock {
				return out
			}
			t.Fatalf("read after id %d failed: %v", c.LastIDRead(), err)
		}
		out = append(out, msg)
	}
}
