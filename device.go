package fmq

import (
	"fmt"
	"sync"
	"time"
)

// BufferID names one of the two logical regions a Device stores
type BufferID int

const (
	// StatusBuffer holds the header copies and the slot ring
	StatusBuffer BufferID = iota
	// DataBuffer holds raw payload bytes, circular over [0, BufSize)
	DataBuffer
)

func (id BufferID) String() string {
	switch id {
	case StatusBuffer:
		return "status"
	case DataBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("BufferID(%d)", int(id))
	}
}

// OpenMode controls how a Device attaches to its storage
type OpenMode int

const (
	// ModeRead attaches read-only; both regions must already exist
	ModeRead OpenMode = iota
	// ModeWrite attaches read-write; both regions must already exist
	ModeWrite
	// ModeCreate attaches read-write, creating and initializing the regions
	// when they do not exist yet
	ModeCreate
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeCreate:
		return "create"
	default:
		return fmt.Sprintf("OpenMode(%d)", int(m))
	}
}

func (m OpenMode) writable() bool {
	return m == ModeWrite || m == ModeCreate
}

// Geometry is fixed when a queue is created and must agree across every
// attached process. A zero field means "adopt whatever is on disk".
type Geometry struct {
	NumSlots uint32 `json:"num_slots"`
	BufSize  uint32 `json:"buf_size"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("slots=%d buf=%d", g.NumSlots, g.BufSize)
}

// Device is the storage medium behind a queue. All offsets are relative to
// the origin of the named buffer, never absolute file offsets.
//
// Read and Write transfer exactly len(p) bytes; a short transfer is a
// KindIO error. Lock guards the writer critical section only and must be
// released automatically when the holding process dies.
type Device interface {
	Open(mode OpenMode, geo Geometry) error
	Close() error

	Seek(id BufferID, offset int64) error
	Read(id BufferID, p []byte) (int, error)
	Write(id BufferID, p []byte) (int, error)
	ReadAt(id BufferID, p []byte, off int64) (int, error)
	WriteAt(id BufferID, p []byte, off int64) (int, error)

	// Lock is reentrant for the same Device value. Nested calls increment a
	// depth that Unlock decrements.
	Lock(timeout time.Duration) error
	Unlock() error

	CheckExists() error
	CheckSize(id BufferID, expected int64) error
	Size(id BufferID) (int64, error)

	// UpdateLastIDRead persists a reader cursor when the device was given a
	// cursor name; otherwise it is a no-op.
	UpdateLastIDRead(id uint64) error
	LastIDRead() (uint64, error)

	Sync() error
	Path() string
}

// positions implements the Seek/Read/Write half of Device on top of
// ReadAt/WriteAt. Each logical buffer keeps its own position.
type positions struct {
	posMu sync.Mutex
	pos   [2]int64
}

func (p *positions) seek(id BufferID, offset int64) error {
	if id != StatusBuffer && id != DataBuffer {
		return errorf(KindInvalidArgument, "seek", "", "unknown buffer %v", id)
	}
	if offset < 0 {
		return errorf(KindInvalidArgument, "seek", "", "negative offset %d", offset)
	}
	p.posMu.Lock()
	p.pos[id] = offset
	p.posMu.Unlock()
	return nil
}

func (p *positions) transfer(id BufferID, b []byte, fn func(BufferID, []byte, int64) (int, error)) (int, error) {
	if id != StatusBuffer && id != DataBuffer {
		return 0, errorf(KindInvalidArgument, "transfer", "", "unknown buffer %v", id)
	}
	p.posMu.Lock()
	defer p.posMu.Unlock()
	n, err := fn(id, b, p.pos[id])
	p.pos[id] += int64(n)
	return n, err
}

// lockDepth tracks reentrant acquisitions of a process-level lock. The
// lock belongs to the handle, not to a goroutine; Queue serializes its own
// writers before calling Lock.
type lockDepth struct {
	mu    sync.Mutex
	depth int
}

// acquire runs fn only for the outermost acquisition
func (l *lockDepth) acquire(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth > 0 {
		l.depth++
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	l.depth = 1
	return nil
}

// release runs fn only when the outermost acquisition is released. Releasing
// a lock that is not held is a no-op.
func (l *lockDepth) release(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return nil
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}
	return fn()
}

func (l *lockDepth) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0
}

func (l *lockDepth) reset() {
	l.mu.Lock()
	l.depth = 0
	l.mu.Unlock()
}
