package fmq

import (
	"sync"
	"testing"
)

func TestAtomicMetrics(t *testing.T) {
	m := newAtomicMetrics()
	m.RecordWrite(100, 500)
	m.RecordWrite(50, 200)
	m.RecordWrite(10, 900)
	m.IncrementFailedWrites(2)
	m.IncrementEvictions(3)
	m.IncrementWraparounds(1)
	m.AddLockWait(42)
	m.AddCompressedBytes(1000, 250)
	m.RecordRead(64)
	m.IncrementMissed(4)
	m.IncrementHeaderRetries(1)

	s := m.GetStats()
	if s.MessagesWritten != 3 || s.BytesWritten != 160 {
		t.Errorf("write counters %+v", s)
	}
	if s.MinWriteLatency != 200 || s.MaxWriteLatency != 900 {
		t.Errorf("latency bounds min=%d max=%d", s.MinWriteLatency, s.MaxWriteLatency)
	}
	if s.FailedWrites != 2 || s.Evictions != 3 || s.Wraparounds != 1 || s.LockWaitNanos != 42 {
		t.Errorf("event counters %+v", s)
	}
	if s.CompressionRatio() != 0.25 {
		t.Errorf("compression ratio = %f", s.CompressionRatio())
	}
	if s.MessagesRead != 1 || s.BytesRead != 64 || s.MissedMessages != 4 || s.HeaderRetries != 1 {
		t.Errorf("read counters %+v", s)
	}

	if (MetricsSnapshot{}).CompressionRatio() != 1.0 {
		t.Error("ratio without compression should be 1")
	}
}

func TestAtomicMetricsConcurrent(t *testing.T) {
	m := newAtomicMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordWrite(1, uint64(i*1000+j+1))
			}
		}(i)
	}
	wg.Wait()

	s := m.GetStats()
	if s.MessagesWritten != 8000 {
		t.Errorf("messages = %d", s.MessagesWritten)
	}
	if s.MinWriteLatency != 1 || s.MaxWriteLatency != 8000 {
		t.Errorf("latency bounds min=%d max=%d", s.MinWriteLatency, s.MaxWriteLatency)
	}
}
