package fmq

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// headerRetryDelay is the pause between header reads that found no valid copy
const headerRetryDelay = 50 * time.Microsecond

// errUninitialized marks a status region whose header copies were never written
var errUninitialized = errors.New("status header not initialized")

// Queue is a handle on one file message queue. It owns its Device and the
// validated geometry; all protocol state lives on the device.
//
// A Queue is safe for concurrent use. Writes from goroutines sharing one
// Queue are serialized in-process before the device lock is taken.
type Queue struct {
	dev     Device
	cfg     Config
	logger  Logger
	metrics MetricsProvider
	geo     Geometry

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Status is a snapshot of the committed header
type Status struct {
	Geometry
	OldestID     uint64    `json:"oldest_id"`
	YoungestID   uint64    `json:"youngest_id"`
	NextID       uint64    `json:"next_id"`
	OldestSlot   uint32    `json:"oldest_slot"`
	YoungestSlot uint32    `json:"youngest_slot"`
	WriteOffset  uint64    `json:"write_offset"`
	LastWrite    time.Time `json:"last_write"`
	WriterPID    int       `json:"writer_pid"`
	Count        uint64    `json:"count"`
}

// Open attaches to the queue called name using the device kind in cfg.
// Relative names are resolved against cfg.Device.Dir.
func Open(name string, cfg Config) (*Queue, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, newError(KindInvalidArgument, "open", name, fmt.Errorf("invalid configuration: %w", err))
	}
	logger := createLogger(cfg.Log)
	return openQueue(cfg.newDevice(name, logger), cfg, logger)
}

// OpenWithDevice attaches through an unopened, caller-supplied device. The
// queue takes ownership and closes dev on Close or on a failed attach.
func OpenWithDevice(dev Device, cfg Config) (*Queue, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, newError(KindInvalidArgument, "open", dev.Path(), fmt.Errorf("invalid configuration: %w", err))
	}
	return openQueue(dev, cfg, createLogger(cfg.Log))
}

func openQueue(dev Device, cfg Config, logger Logger) (*Queue, error) {
	q := &Queue{
		dev:     dev,
		cfg:     cfg,
		logger:  logger.WithFields("queue", dev.Path()),
		metrics: newAtomicMetrics(),
	}
	if err := q.attach(); err != nil {
		dev.Close()
		return nil, err
	}
	return q, nil
}

// attach opens the device, initializes a fresh queue in create mode and
// validates geometry and header structure. Any failure here is fatal for
// the handle.
func (q *Queue) attach() error {
	const op = "attach"
	path := q.dev.Path()

	if err := q.dev.Open(q.cfg.Mode, q.cfg.Geometry); err != nil {
		return err
	}
	if err := q.dev.CheckExists(); err != nil {
		return err
	}

	if q.cfg.Mode == ModeCreate {
		if err := q.initHeader(); err != nil {
			return err
		}
	}

	h, err := q.loadHeader()
	if errors.Is(err, errUninitialized) {
		return errorf(KindOpenFailed, op, path, "queue has not been initialized by a creator yet")
	}
	if err != nil {
		return err
	}

	want := q.cfg.Geometry
	if (want.NumSlots != 0 && want.NumSlots != h.NumSlots) || (want.BufSize != 0 && want.BufSize != h.BufSize) {
		return errorf(KindGeometryMismatch, op, path, "queue has %v, caller expects %v", h.geometry(), want)
	}
	if err := q.dev.CheckSize(StatusBuffer, statusSize(h.NumSlots)); err != nil {
		return err
	}
	if err := q.dev.CheckSize(DataBuffer, int64(h.BufSize)); err != nil {
		return err
	}
	if reason := h.validate(); reason != "" {
		return errorf(KindCorrupt, op, path, "%s", reason)
	}

	q.geo = h.geometry()
	q.logger.Info("Attached to queue",
		"mode", q.cfg.Mode,
		"numSlots", h.NumSlots,
		"bufSize", h.BufSize,
		"oldestId", h.OldestID,
		"youngestId", h.YoungestID)
	return nil
}

// initHeader writes the first header of a freshly sized status region
func (q *Queue) initHeader() error {
	if err := q.dev.Lock(q.cfg.Lock.Timeout); err != nil {
		return err
	}
	defer q.dev.Unlock()

	raw := make([]byte, slotsOffset)
	if _, err := q.dev.ReadAt(StatusBuffer, raw, 0); err != nil {
		return err
	}
	if !isZero(raw) {
		return nil
	}

	size, err := q.dev.Size(StatusBuffer)
	if err != nil {
		return err
	}
	numSlots := uint32((size - slotsOffset) / slotSize)
	bufSize, err := q.dev.Size(DataBuffer)
	if err != nil {
		return err
	}
	h := newStatusHeader(Geometry{NumSlots: numSlots, BufSize: uint32(bufSize)})
	if err := q.commitHeader(&h); err != nil {
		return err
	}
	q.logger.Debug("Initialized status header", "numSlots", numSlots, "bufSize", bufSize)
	return nil
}

func isZero(b []byte) bool {
	return len(bytes.TrimLeft(b, "\x00")) == 0
}

// loadHeader returns the valid header copy with the highest sequence number.
// A copy may be torn while a writer commits; the other copy then still holds
// the previous commit, so retries only cover pathological interleavings.
func (q *Queue) loadHeader() (statusHeader, error) {
	raw := make([]byte, slotsOffset)
	var reasons [headerCopies]string
	for attempt := 0; attempt < q.cfg.Reader.HeaderRetries; attempt++ {
		if attempt > 0 {
			q.metrics.IncrementHeaderRetries(1)
			time.Sleep(headerRetryDelay)
		}
		if _, err := q.dev.ReadAt(StatusBuffer, raw, 0); err != nil {
			return statusHeader{}, err
		}
		if isZero(raw) {
			return statusHeader{}, errUninitialized
		}

		var best statusHeader
		found := false
		for i := 0; i < headerCopies; i++ {
			var h statusHeader
			ok, reason := h.unmarshal(raw[i*headerSize : (i+1)*headerSize])
			if !ok {
				reasons[i] = reason
				continue
			}
			if !found || h.Seq > best.Seq {
				best = h
				found = true
			}
		}
		if found {
			return best, nil
		}
	}
	return statusHeader{}, errorf(KindCorrupt, "load header", q.dev.Path(),
		"no valid header copy (%s; %s)", reasons[0], reasons[1])
}

// commitHeader publishes h as the next header generation. On failure h is left
// unchanged and the previously committed copy stays authoritative.
func (q *Queue) commitHeader(h *statusHeader) error {
	next := *h
	next.Seq++
	raw := make([]byte, headerSize)
	next.marshal(raw)
	if _, err := q.dev.WriteAt(StatusBuffer, raw, headerPosition(next.Seq)); err != nil {
		return err
	}
	*h = next
	return nil
}

func (q *Queue) readSlot(index uint32) (slot, error) {
	var raw [slotSize]byte
	if _, err := q.dev.ReadAt(StatusBuffer, raw[:], slotPosition(index)); err != nil {
		return slot{}, err
	}
	var s slot
	s.unmarshal(raw[:])
	return s, nil
}

func (q *Queue) writeSlot(index uint32, s *slot) error {
	var raw [slotSize]byte
	s.marshal(raw[:])
	_, err := q.dev.WriteAt(StatusBuffer, raw[:], slotPosition(index))
	return err
}

// Close releases the device. It is safe to call more than once.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.logger.Debug("Closing queue")
	return q.dev.Close()
}

func (q *Queue) checkOpen(op string) error {
	if q.closed.Load() {
		return newError(KindClosed, op, q.dev.Path(), nil)
	}
	return nil
}

// Geometry returns the validated on-disk geometry
func (q *Queue) Geometry() Geometry { return q.geo }

// Path returns the device path prefix
func (q *Queue) Path() string { return q.dev.Path() }

// Device exposes the underlying device
func (q *Queue) Device() Device { return q.dev }

// Stats returns this handle's counters
func (q *Queue) Stats() MetricsSnapshot { return q.metrics.GetStats() }

// Status reads the current committed header without taking the lock
func (q *Queue) Status() (Status, error) {
	if err := q.checkOpen("status"); err != nil {
		return Status{}, err
	}
	h, err := q.loadHeader()
	if err != nil {
		return Status{}, err
	}
	return statusFromHeader(&h), nil
}

func statusFromHeader(h *statusHeader) Status {
	st := Status{
		Geometry:     h.geometry(),
		OldestID:     h.OldestID,
		YoungestID:   h.YoungestID,
		NextID:       h.NextID,
		OldestSlot:   h.OldestSlot,
		YoungestSlot: h.YoungestSlot,
		WriteOffset:  h.WriteOffset,
		WriterPID:    int(h.WriterPID),
		Count:        h.count(),
	}
	if h.LastWrite != 0 {
		st.LastWrite = time.Unix(0, h.LastWrite)
	}
	return st
}

// Verify checks the header and every live slot while holding the lock:
// ids are contiguous, payloads are in bounds, and consecutive payloads are
// laid out back to back or restart at offset 0.
func (q *Queue) Verify() error {
	const op = "verify"
	if err := q.checkOpen(op); err != nil {
		return err
	}

	// The device lock is reentrant per handle, so in-process writers are
	// only excluded by writeMu.
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if err := q.dev.Lock(q.cfg.Lock.Timeout); err != nil {
		return err
	}
	defer q.dev.Unlock()

	h, err := q.loadHeader()
	if err != nil {
		return err
	}
	if reason := h.validate(); reason != "" {
		return errorf(KindCorrupt, op, q.Path(), "%s", reason)
	}

	var prev *slot
	for id := h.OldestID; id <= h.YoungestID; id++ {
		s, err := q.readSlot(h.slotIndex(id))
		if err != nil {
			return err
		}
		switch {
		case s.ID != id:
			return errorf(KindCorrupt, op, q.Path(), "slot %d holds id %d, want %d", h.slotIndex(id), s.ID, id)
		case !s.Active:
			return errorf(KindCorrupt, op, q.Path(), "live id %d is not active", id)
		case s.end() > uint64(h.BufSize):
			return errorf(KindCorrupt, op, q.Path(), "id %d payload [%d, %d) exceeds buffer", id, s.Offset, s.end())
		case prev != nil && s.Offset != prev.end() && s.Offset != 0:
			return errorf(KindCorrupt, op, q.Path(), "id %d starts at %d, previous ends at %d", id, s.Offset, prev.end())
		}
		prev = &s
	}
	if prev != nil && prev.end() != h.WriteOffset {
		return errorf(KindCorrupt, op, q.Path(), "youngest payload ends at %d, write offset is %d", prev.end(), h.WriteOffset)
	}
	return nil
}
