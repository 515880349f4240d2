package fmq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// reservation is the buffer range and slot claimed for one message. Nothing
// references it until commit publishes the slot.
type reservation struct {
	id      uint64
	index   uint32
	offset  uint64
	length  uint64
	wrapped bool
	padAt   uint64
	evicted uint64
}

// Write appends payload as one message and returns its id. The message is
// visible to readers only once Write returns without error.
//
// The writer lock is held for the whole write: reserve (evict and publish
// the new oldest id before any byte is overwritten), write the payload, then
// commit the slot and the header. A failure at any step leaves the last
// committed header authoritative, so no reader ever sees a partial message.
//
// msgType and msgSubtype are stored as given. Setting SubtypeZstd marks the
// payload as zstd-compressed for Subscribers.
func (q *Queue) Write(ctx context.Context, msgType, msgSubtype int32, payload []byte) (uint64, error) {
	const op = "write"
	if err := q.checkOpen(op); err != nil {
		return 0, err
	}
	if !q.cfg.Mode.writable() {
		return 0, errorf(KindInvalidArgument, op, q.Path(), "queue opened %v", q.cfg.Mode)
	}
	if uint64(len(payload)) > uint64(q.geo.BufSize) {
		return 0, errorf(KindInvalidArgument, op, q.Path(),
			"message of %d bytes exceeds buffer of %d bytes", len(payload), q.geo.BufSize)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	start := time.Now()
	if err := q.dev.Lock(q.cfg.Lock.Timeout); err != nil {
		q.metrics.IncrementFailedWrites(1)
		return 0, q.describeLockFailure(err)
	}
	defer q.dev.Unlock()
	q.metrics.AddLockWait(uint64(time.Since(start).Nanoseconds()))

	id, err := q.writeLocked(msgType, msgSubtype, payload)
	if err != nil {
		q.metrics.IncrementFailedWrites(1)
		q.logger.Error("Write failed",
			"len", len(payload),
			"error", err)
		return 0, err
	}

	q.metrics.RecordWrite(uint64(len(payload)), uint64(time.Since(start).Nanoseconds()))
	return id, nil
}

func (q *Queue) writeLocked(msgType, msgSubtype int32, payload []byte) (uint64, error) {
	h, err := q.loadHeader()
	if err != nil {
		return 0, err
	}
	if reason := h.validate(); reason != "" {
		return 0, errorf(KindCorrupt, "write", q.Path(), "%s", reason)
	}

	res, err := q.reserve(&h, uint64(len(payload)))
	if err != nil {
		return 0, err
	}
	if err := q.writePayload(&res, payload); err != nil {
		return 0, err
	}
	if err := q.commit(&h, &res, msgType, msgSubtype); err != nil {
		return 0, err
	}

	if IsDebug() {
		q.logger.Debug("Committed message",
			"id", res.id,
			"offset", res.offset,
			"len", res.length,
			"wrapped", res.wrapped,
			"evicted", res.evicted)
	}
	return res.id, nil
}

// reserve picks the buffer range for n bytes and evicts every slot that is
// in the way, either because the ring is full or because its payload lies in
// the range being claimed. A payload never straddles the physical end: when
// the tail is too short the message restarts at offset 0 and the skipped
// tail is consumed along with it.
//
// Evictions are published before returning, so a reader that copies an
// evicted payload while it is being overwritten detects the eviction when it
// re-reads the header.
func (q *Queue) reserve(h *statusHeader, n uint64) (reservation, error) {
	bufSize := uint64(h.BufSize)
	pos := h.WriteOffset

	res := reservation{
		id:     h.NextID,
		index:  h.slotIndex(h.NextID),
		offset: pos,
		length: n,
	}
	span := n
	if bufSize-pos < n {
		res.wrapped = true
		res.padAt = pos
		res.offset = 0
		span = bufSize - pos + n
	}

	oldest := h.OldestID
	for oldest <= h.YoungestID {
		if h.YoungestID-oldest+1 >= uint64(h.NumSlots) {
			oldest++
			continue
		}
		s, err := q.readSlot(h.slotIndex(oldest))
		if err != nil {
			return res, err
		}
		if s.ID != oldest {
			return res, errorf(KindCorrupt, "reserve", q.Path(),
				"slot %d holds id %d, want %d", h.slotIndex(oldest), s.ID, oldest)
		}
		// Live payloads sit at increasing circular distance from the write
		// position, oldest first, so the first one outside the span ends it.
		if (s.Offset%bufSize+bufSize-pos%bufSize)%bufSize >= span {
			break
		}
		oldest++
	}

	if oldest != h.OldestID {
		res.evicted = oldest - h.OldestID
		evicting := *h
		evicting.OldestID = oldest
		evicting.OldestSlot = evicting.slotIndex(oldest)
		if err := q.commitHeader(&evicting); err != nil {
			return res, err
		}
		*h = evicting
		q.metrics.IncrementEvictions(res.evicted)
	}
	return res, nil
}

// writePayload stores the pad marker, if any, and the message bytes
func (q *Queue) writePayload(res *reservation, payload []byte) error {
	if res.wrapped {
		q.metrics.IncrementWraparounds(1)
		if uint64(q.geo.BufSize)-res.padAt >= padMarkerSize {
			marker := encodePadMarker()
			if _, err := q.dev.WriteAt(DataBuffer, marker[:], int64(res.padAt)); err != nil {
				return err
			}
		}
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := q.dev.WriteAt(DataBuffer, payload, int64(res.offset))
	return err
}

// commit writes the slot record and then the header that makes it visible.
// The header write is the commit point.
func (q *Queue) commit(h *statusHeader, res *reservation, msgType, msgSubtype int32) error {
	now := time.Now().UnixNano()
	s := slot{
		ID:      res.id,
		Time:    now,
		Type:    msgType,
		Subtype: msgSubtype,
		Offset:  res.offset,
		Len:     res.length,
		Active:  true,
	}
	if err := q.writeSlot(res.index, &s); err != nil {
		return err
	}

	next := *h
	next.YoungestID = res.id
	next.YoungestSlot = res.index
	next.NextID = res.id + 1
	next.WriteOffset = res.offset + res.length
	next.LastWrite = now
	next.WriterPID = uint32(os.Getpid())
	if err := q.commitHeader(&next); err != nil {
		return err
	}
	*h = next

	if q.cfg.SyncOnCommit {
		return q.dev.Sync()
	}
	return nil
}

// describeLockFailure names the last committed writer when the lock times out
func (q *Queue) describeLockFailure(err error) error {
	if !errors.Is(err, ErrLockTimeout) {
		return err
	}
	h, herr := q.loadHeader()
	if herr != nil || h.WriterPID == 0 {
		q.logger.Warn("Timed out waiting for writer lock", "timeout", q.cfg.Lock.Timeout)
		return err
	}
	alive := isProcessAlive(int(h.WriterPID))
	q.logger.Warn("Timed out waiting for writer lock",
		"timeout", q.cfg.Lock.Timeout,
		"lastWriterPid", h.WriterPID,
		"lastWriterAlive", alive)
	state := "exited"
	if alive {
		state = "running"
	}
	return &Error{
		Kind: KindLockTimeout,
		Op:   "write",
		Path: q.Path(),
		Msg:  fmt.Sprintf("last writer pid %d (%s)", h.WriterPID, state),
		Err:  err,
	}
}
