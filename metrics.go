package fmq

import (
	"sync/atomic"
)

// MetricsProvider tracks per-handle queue activity. Counters are local to the
// process; the on-disk header is the only shared state.
type MetricsProvider interface {
	// Write path
	RecordWrite(bytes uint64, latencyNanos uint64)
	IncrementFailedWrites(count uint64)
	IncrementEvictions(count uint64)
	IncrementWraparounds(count uint64)
	AddLockWait(nanos uint64)

	// Compression
	AddCompressedBytes(original, compressed uint64)

	// Read path
	RecordRead(bytes uint64)
	IncrementMissed(count uint64)
	IncrementHeaderRetries(count uint64)

	GetStats() MetricsSnapshot
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	MessagesWritten uint64 `json:"messages_written"`
	BytesWritten    uint64 `json:"bytes_written"`
	FailedWrites    uint64 `json:"failed_writes"`
	Evictions       uint64 `json:"evictions"`
	Wraparounds     uint64 `json:"wraparounds"`
	LockWaitNanos   uint64 `json:"lock_wait_nanos"`
	MinWriteLatency uint64 `json:"min_write_latency_nanos"`
	MaxWriteLatency uint64 `json:"max_write_latency_nanos"`

	OriginalBytes   uint64 `json:"original_bytes"`
	CompressedBytes uint64 `json:"compressed_bytes"`

	MessagesRead   uint64 `json:"messages_read"`
	BytesRead      uint64 `json:"bytes_read"`
	MissedMessages uint64 `json:"missed_messages"`
	HeaderRetries  uint64 `json:"header_retries"`
}

// CompressionRatio returns compressed/original, or 1 when nothing was compressed
func (s MetricsSnapshot) CompressionRatio() float64 {
	if s.OriginalBytes == 0 {
		return 1.0
	}
	return float64(s.CompressedBytes) / float64(s.OriginalBytes)
}

type atomicMetrics struct {
	messagesWritten atomic.Uint64
	bytesWritten    atomic.Uint64
	failedWrites    atomic.Uint64
	evictions       atomic.Uint64
	wraparounds     atomic.Uint64
	lockWaitNanos   atomic.Uint64
	minWriteLatency atomic.Uint64
	maxWriteLatency atomic.Uint64

	originalBytes   atomic.Uint64
	compressedBytes atomic.Uint64

	messagesRead   atomic.Uint64
	bytesRead      atomic.Uint64
	missedMessages atomic.Uint64
	headerRetries  atomic.Uint64
}

var _ MetricsProvider = (*atomicMetrics)(nil)

func newAtomicMetrics() *atomicMetrics {
	return &atomicMetrics{}
}

func (m *atomicMetrics) RecordWrite(bytes uint64, latencyNanos uint64) {
	m.messagesWritten.Add(1)
	m.bytesWritten.Add(bytes)

	for {
		current := m.minWriteLatency.Load()
		if current != 0 && current <= latencyNanos {
			break
		}
		if m.minWriteLatency.CompareAndSwap(current, latencyNanos) {
			break
		}
	}
	for {
		current := m.maxWriteLatency.Load()
		if current >= latencyNanos {
			break
		}
		if m.maxWriteLatency.CompareAndSwap(current, latencyNanos) {
			break
		}
	}
}

func (m *atomicMetrics) IncrementFailedWrites(count uint64) { m.failedWrites.Add(count) }
func (m *atomicMetrics) IncrementEvictions(count uint64)    { m.evictions.Add(count) }
func (m *atomicMetrics) IncrementWraparounds(count uint64)  { m.wraparounds.Add(count) }
func (m *atomicMetrics) AddLockWait(nanos uint64)           { m.lockWaitNanos.Add(nanos) }

func (m *atomicMetrics) AddCompressedBytes(original, compressed uint64) {
	m.originalBytes.Add(original)
	m.compressedBytes.Add(compressed)
}

func (m *atomicMetrics) RecordRead(bytes uint64) {
	m.messagesRead.Add(1)
	m.bytesRead.Add(bytes)
}

func (m *atomicMetrics) IncrementMissed(count uint64)        { m.missedMessages.Add(count) }
func (m *atomicMetrics) IncrementHeaderRetries(count uint64) { m.headerRetries.Add(count) }

func (m *atomicMetrics) GetStats() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesWritten: m.messagesWritten.Load(),
		BytesWritten:    m.bytesWritten.Load(),
		FailedWrites:    m.failedWrites.Load(),
		Evictions:       m.evictions.Load(),
		Wraparounds:     m.wraparounds.Load(),
		LockWaitNanos:   m.lockWaitNanos.Load(),
		MinWriteLatency: m.minWriteLatency.Load(),
		MaxWriteLatency: m.maxWriteLatency.Load(),
		OriginalBytes:   m.originalBytes.Load(),
		CompressedBytes: m.compressedBytes.Load(),
		MessagesRead:    m.messagesRead.Load(),
		BytesRead:       m.bytesRead.Load(),
		MissedMessages:  m.missedMessages.Load(),
		HeaderRetries:   m.headerRetries.Load(),
	}
}
