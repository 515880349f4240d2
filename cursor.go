package fmq

import (
	"context"
	"sync"
	"time"
)

// Message is one committed queue entry
type Message struct {
	ID      uint64
	Time    time.Time
	Type    int32
	Subtype int32
	Data    []byte
}

// HeartbeatFunc is called on every idle poll of a blocking read so a long
// wait can still report liveness to an external monitor
type HeartbeatFunc func(name string)

// Cursor tracks one consumer's progress. It is not persisted in the status
// region; readers never take the writer lock.
type Cursor struct {
	q *Queue

	mu            sync.Mutex
	lastIDRead    uint64
	heartbeat     HeartbeatFunc
	heartbeatName string
	persist       bool
	pollInterval  time.Duration
}

// CursorOption configures a Cursor
type CursorOption func(*cursorOptions)

type cursorStart int

const (
	startAtBeginning cursorStart = iota
	startAtOldest
	startAtEnd
	startAfterID
	startFromDevice
)

type cursorOptions struct {
	start         cursorStart
	afterID       uint64
	heartbeat     HeartbeatFunc
	heartbeatName string
	persist       bool
	pollInterval  time.Duration
}

// StartAtOldest positions the cursor before the oldest live message, so no
// MissedMessages is reported for ids evicted before the cursor existed
func StartAtOldest() CursorOption {
	return func(o *cursorOptions) { o.start = startAtOldest }
}

// StartAtEnd skips everything already committed
func StartAtEnd() CursorOption {
	return func(o *cursorOptions) { o.start = startAtEnd }
}

// StartAfter positions the cursor so the next read returns id+1
func StartAfter(id uint64) CursorOption {
	return func(o *cursorOptions) {
		o.start = startAfterID
		o.afterID = id
	}
}

// FromPersisted resumes from the device's persisted cursor and keeps it
// updated after every read. NewCursor rejects it when the device has no
// cursor name.
func FromPersisted() CursorOption {
	return func(o *cursorOptions) {
		o.start = startFromDevice
		o.persist = true
	}
}

// WithHeartbeat installs fn, called with name on each idle poll
func WithHeartbeat(name string, fn HeartbeatFunc) CursorOption {
	return func(o *cursorOptions) {
		o.heartbeat = fn
		o.heartbeatName = name
	}
}

// WithPollInterval overrides Config.Reader.PollInterval for this cursor
func WithPollInterval(d time.Duration) CursorOption {
	return func(o *cursorOptions) { o.pollInterval = d }
}

// NewCursor creates a cursor. By default it starts before id 1, so a reader
// attaching to a queue that already evicted messages learns about them.
func (q *Queue) NewCursor(opts ...CursorOption) (*Cursor, error) {
	if err := q.checkOpen("cursor"); err != nil {
		return nil, err
	}
	o := cursorOptions{pollInterval: q.cfg.Reader.PollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = q.cfg.Reader.PollInterval
	}

	if o.persist {
		if named, ok := q.dev.(interface{ CursorName() string }); ok && named.CursorName() == "" {
			return nil, errorf(KindInvalidArgument, "cursor", q.Path(),
				"persisted cursor requires a device cursor name")
		}
	}

	c := &Cursor{
		q:             q,
		heartbeat:     o.heartbeat,
		heartbeatName: o.heartbeatName,
		persist:       o.persist,
		pollInterval:  o.pollInterval,
	}

	switch o.start {
	case startAtOldest, startAtEnd:
		h, err := q.loadHeader()
		if err != nil {
			return nil, err
		}
		if o.start == startAtOldest {
			c.lastIDRead = h.OldestID - 1
		} else {
			c.lastIDRead = h.YoungestID
		}
	case startAfterID:
		c.lastIDRead = o.afterID
	case startFromDevice:
		id, err := q.dev.LastIDRead()
		if err != nil {
			return nil, err
		}
		c.lastIDRead = id
	}
	return c, nil
}

// LastIDRead returns the id of the last message this cursor returned
func (c *Cursor) LastIDRead() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIDRead
}

// Reset repositions the cursor so the next read returns lastIDRead+1
func (c *Cursor) Reset(lastIDRead uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(lastIDRead)
}

// Lag returns how many committed messages the cursor has not read yet
func (c *Cursor) Lag() (uint64, error) {
	h, err := c.q.loadHeader()
	if err != nil {
		return 0, err
	}
	last := c.LastIDRead()
	if h.YoungestID <= last {
		return 0, nil
	}
	if last+1 < h.OldestID {
		return h.count(), nil
	}
	return h.YoungestID - last, nil
}

// ReadNext returns the message after the last one read.
//
// If messages were evicted before the cursor reached them it returns a
// *MissedMessagesError naming the lost range and resynchronizes to the oldest
// live id; the following call reads it. With nothing new, a non-blocking
// call returns an error matching ErrWouldBlock and a blocking call polls
// until a message arrives or ctx is done.
func (c *Cursor) ReadNext(ctx context.Context, blocking bool) (*Message, error) {
	if err := c.q.checkOpen("read"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var timer *time.Timer
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.tryRead()
		if err == nil || !blocking || KindOf(err) != KindWouldBlock {
			return msg, err
		}

		if c.heartbeat != nil {
			c.heartbeat(c.heartbeatName)
		}
		if timer == nil {
			timer = time.NewTimer(c.pollInterval)
			defer timer.Stop()
		} else {
			timer.Reset(c.pollInterval)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryRead performs one bounded read step. Callers hold c.mu.
func (c *Cursor) tryRead() (*Message, error) {
	const op = "read"
	q := c.q

	h, err := q.loadHeader()
	if err != nil {
		return nil, err
	}

	id := c.lastIDRead + 1
	if id < h.OldestID {
		return nil, c.missed(id, h.OldestID-1)
	}
	if id > h.YoungestID {
		return nil, newError(KindWouldBlock, op, q.Path(), nil)
	}

	s, err := q.readSlot(h.slotIndex(id))
	if err != nil {
		return nil, err
	}
	if s.ID != id || !s.Active {
		// The slot was reused after our header read, so the message is gone
		if h2, err := q.loadHeader(); err == nil && id < h2.OldestID {
			return nil, c.missed(id, h2.OldestID-1)
		}
		return nil, errorf(KindCorrupt, op, q.Path(),
			"slot %d holds id %d, want %d", h.slotIndex(id), s.ID, id)
	}

	data, err := c.readPayload(&s, h.BufSize)
	if err != nil {
		return nil, err
	}

	// Evictions are published before bytes are reused, so if our id is
	// still live now the copy is intact.
	h2, err := q.loadHeader()
	if err != nil {
		return nil, err
	}
	if id < h2.OldestID {
		return nil, c.missed(id, h2.OldestID-1)
	}

	if err := c.advance(id); err != nil {
		return nil, err
	}
	q.metrics.RecordRead(s.Len)
	return &Message{
		ID:      s.ID,
		Time:    time.Unix(0, s.Time),
		Type:    s.Type,
		Subtype: s.Subtype,
		Data:    data,
	}, nil
}

// readPayload copies a slot's bytes. A range running past the physical end
// continues at offset 0.
func (c *Cursor) readPayload(s *slot, bufSize uint32) ([]byte, error) {
	q := c.q
	size := uint64(bufSize)
	if s.Offset > size || s.Len > size {
		return nil, errorf(KindCorrupt, "read", q.Path(),
			"id %d references [%d, +%d) in a %d byte buffer", s.ID, s.Offset, s.Len, size)
	}
	data := make([]byte, s.Len)
	if s.Len == 0 {
		return data, nil
	}

	first := s.Len
	if s.Offset+s.Len > size {
		first = size - s.Offset
	}
	if first > 0 {
		if _, err := q.dev.ReadAt(DataBuffer, data[:first], int64(s.Offset)); err != nil {
			return nil, err
		}
	}
	if first < s.Len {
		if _, err := q.dev.ReadAt(DataBuffer, data[first:], 0); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// missed resynchronizes to the oldest live id and reports the gap
func (c *Cursor) missed(from, to uint64) error {
	if err := c.advance(to); err != nil {
		return err
	}
	c.q.metrics.IncrementMissed(to - from + 1)
	c.q.logger.Warn("Reader fell behind eviction",
		"from", from,
		"to", to)
	return &MissedMessagesError{From: from, To: to}
}

func (c *Cursor) advance(id uint64) error {
	c.lastIDRead = id
	if c.persist {
		return c.q.dev.UpdateLastIDRead(id)
	}
	return nil
}
