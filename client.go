package fmq

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SubtypeZstd is set in a message's subtype when Publisher compressed the
// payload. Publisher callers own the remaining bits. Queue.Write does not
// check it: a raw writer that sets the bit owns it, and a Subscriber reports
// a payload it cannot decompress as KindDecode.
const SubtypeZstd int32 = 1 << 30

// Publisher writes to a Queue, compressing large payloads with zstd. Messages
// written through a Publisher are read back transparently by a Subscriber;
// plain Cursor readers see the compressed bytes and the SubtypeZstd flag.
type Publisher struct {
	q          *Queue
	minSize    int
	compressor *zstd.Encoder
}

// NewPublisher wraps q. Compression follows q's Config.Compression.
func NewPublisher(q *Queue) (*Publisher, error) {
	p := &Publisher{
		q:       q,
		minSize: q.cfg.Compression.MinCompressSize,
	}
	if p.minSize > 0 {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		p.compressor = enc
	}
	return p, nil
}

// Publish writes data and returns its id. Compression happens before the
// writer lock is taken.
func (p *Publisher) Publish(ctx context.Context, msgType, msgSubtype int32, data []byte) (uint64, error) {
	if msgSubtype&SubtypeZstd != 0 {
		return 0, errorf(KindInvalidArgument, "publish", p.q.Path(), "subtype bit %#x is reserved", SubtypeZstd)
	}
	payload, subtype := p.compress(data, msgSubtype)
	return p.q.Write(ctx, msgType, subtype, payload)
}

// PublishBatch writes each entry in order and returns the assigned ids. It
// stops at the first failure; ids written before it are returned.
func (p *Publisher) PublishBatch(ctx context.Context, msgType int32, entries [][]byte) ([]uint64, error) {
	ids := make([]uint64, 0, len(entries))
	for _, data := range entries {
		id, err := p.Publish(ctx, msgType, 0, data)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Publisher) compress(data []byte, subtype int32) ([]byte, int32) {
	if p.compressor == nil || len(data) < p.minSize {
		return data, subtype
	}

	start := time.Now()
	compressed := p.compressor.EncodeAll(data, nil)

	// Incompressible input is stored raw
	if len(compressed) >= len(data) {
		return data, subtype
	}
	p.q.metrics.AddCompressedBytes(uint64(len(data)), uint64(len(compressed)))
	if IsDebug() {
		p.q.logger.Debug("Compressed payload",
			"original", len(data),
			"compressed", len(compressed),
			"duration", time.Since(start))
	}
	return compressed, subtype | SubtypeZstd
}

// Close releases the compressor. The queue stays open.
func (p *Publisher) Close() error {
	if p.compressor != nil {
		return p.compressor.Close()
	}
	return nil
}
