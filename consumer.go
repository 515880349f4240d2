package fmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"github.com/klauspost/compress/zstd"
)

// Subscriber reads a Queue through its own Cursor, undoing Publisher
// compression and prefetching messages in batches so a slow handler does not
// poll the status region once per message.
type Subscriber struct {
	cursor       *Cursor
	q            *Queue
	decompressor *zstd.Decoder
	prefetch     *queue.Queue
	pending      error
	batchSize    int
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*subscriberOptions)

type subscriberOptions struct {
	batchSize int
	cursor    []CursorOption
}

// WithBatchSize bounds how many messages one prefetch pulls (default 64)
func WithBatchSize(n int) SubscriberOption {
	return func(o *subscriberOptions) { o.batchSize = n }
}

// WithCursorOptions positions the underlying cursor
func WithCursorOptions(opts ...CursorOption) SubscriberOption {
	return func(o *subscriberOptions) { o.cursor = append(o.cursor, opts...) }
}

// NewSubscriber creates a Subscriber with its own cursor on q
func NewSubscriber(q *Queue, opts ...SubscriberOption) (*Subscriber, error) {
	o := subscriberOptions{batchSize: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = 64
	}

	c, err := q.NewCursor(o.cursor...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return &Subscriber{
		cursor:       c,
		q:            q,
		decompressor: dec,
		prefetch:     queue.New(),
		batchSize:    o.batchSize,
	}, nil
}

// Cursor exposes the underlying cursor. Its LastIDRead runs ahead of Next by
// the number of prefetched messages.
func (s *Subscriber) Cursor() *Cursor { return s.cursor }

// Buffered returns how many prefetched messages Next will return without
// touching the queue
func (s *Subscriber) Buffered() int { return s.prefetch.Length() }

// Next returns the next message, blocking until one is committed or ctx is
// done. A *MissedMessagesError is returned in order, after every message
// prefetched before the gap was detected.
func (s *Subscriber) Next(ctx context.Context) (*Message, error) {
	if s.prefetch.Length() == 0 && s.pending == nil {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	if s.prefetch.Length() == 0 {
		err := s.pending
		s.pending = nil
		return nil, err
	}
	return s.prefetch.Remove().(*Message), nil
}

// fill blocks for one message, then drains whatever else is already
// committed up to the batch size
func (s *Subscriber) fill(ctx context.Context) error {
	for s.prefetch.Length() < s.batchSize {
		blocking := s.prefetch.Length() == 0
		msg, err := s.cursor.ReadNext(ctx, blocking)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			if s.prefetch.Length() == 0 {
				return err
			}
			s.pending = err
			return nil
		}
		if err := s.decode(msg); err != nil {
			if s.prefetch.Length() == 0 {
				return err
			}
			s.pending = err
			return nil
		}
		s.prefetch.Add(msg)
	}
	return nil
}

func (s *Subscriber) decode(msg *Message) error {
	if msg.Subtype&SubtypeZstd == 0 {
		return nil
	}
	data, err := s.decompressor.DecodeAll(msg.Data, nil)
	if err != nil {
		return newError(KindDecode, "decode", s.q.Path(),
			fmt.Errorf("failed to decompress message %d: %w", msg.ID, err))
	}
	msg.Data = data
	msg.Subtype &^= SubtypeZstd
	return nil
}

// ProcessFunc handles one batch of messages. Returning an error retries the
// same batch.
type ProcessFunc func(ctx context.Context, msgs []*Message) error

// ProcessOption configures Process
type ProcessOption func(*processConfig)

type processConfig struct {
	maxRetries int
	retryDelay time.Duration
	onError    func(err error, retryCount int)
	onMissed   func(err *MissedMessagesError)
	onBatch    func(size int, duration time.Duration)
	onDrop     func(msgs []*Message, err error)
}

// WithMaxRetries sets how often a failing batch is retried before it is dropped
func WithMaxRetries(n int) ProcessOption {
	return func(c *processConfig) { c.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries; it grows linearly
func WithRetryDelay(d time.Duration) ProcessOption {
	return func(c *processConfig) { c.retryDelay = d }
}

// WithErrorHandler is called for every handler or read error
func WithErrorHandler(fn func(err error, retryCount int)) ProcessOption {
	return func(c *processConfig) { c.onError = fn }
}

// WithMissedHandler is called when the subscriber fell behind eviction
func WithMissedHandler(fn func(err *MissedMessagesError)) ProcessOption {
	return func(c *processConfig) { c.onMissed = fn }
}

// WithDropHandler is called with a batch the handler still failed after the
// last retry, just before Process moves past it
func WithDropHandler(fn func(msgs []*Message, err error)) ProcessOption {
	return func(c *processConfig) { c.onDrop = fn }
}

// WithBatchCallback is called after each batch is handled
func WithBatchCallback(fn func(size int, duration time.Duration)) ProcessOption {
	return func(c *processConfig) { c.onBatch = fn }
}

// Process feeds batches to handler until ctx is done. Missed messages are
// reported to the missed handler and processing continues.
//
// A failing batch is retried up to the configured retries. After the last
// one it is dropped: the drop handler receives it and the cursor does not go
// back. Messages that cannot be decompressed are passed to the error handler
// as KindDecode and skipped. Only fatal errors stop Process.
func (s *Subscriber) Process(ctx context.Context, handler ProcessFunc, opts ...ProcessOption) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	cfg := processConfig{
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	for {
		start := time.Now()
		batch, err := s.nextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var missed *MissedMessagesError
			if errors.As(err, &missed) {
				if cfg.onMissed != nil {
					cfg.onMissed(missed)
				}
				continue
			}
			if KindOf(err) == KindDecode {
				if cfg.onError != nil {
					cfg.onError(err, 0)
				}
				continue
			}
			if IsFatal(err) {
				return err
			}
			if cfg.onError != nil {
				cfg.onError(err, 0)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cursor.pollInterval):
				continue
			}
		}

		var processErr error
		for retry := 0; retry <= cfg.maxRetries; retry++ {
			processErr = handler(ctx, batch)
			if processErr == nil {
				break
			}
			if cfg.onError != nil {
				cfg.onError(processErr, retry)
			}
			if retry < cfg.maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(cfg.retryDelay * time.Duration(retry+1)):
				}
			}
		}

		if processErr != nil {
			s.q.logger.Warn("Dropping batch after retries",
				"first", batch[0].ID,
				"last", batch[len(batch)-1].ID,
				"error", processErr)
			if cfg.onDrop != nil {
				cfg.onDrop(batch, processErr)
			}
		}

		if cfg.onBatch != nil {
			cfg.onBatch(len(batch), time.Since(start))
		}
	}
}

// nextBatch returns at least one message, plus everything already prefetched
func (s *Subscriber) nextBatch(ctx context.Context) ([]*Message, error) {
	first, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	batch := make([]*Message, 0, s.prefetch.Length()+1)
	batch = append(batch, first)
	for s.prefetch.Length() > 0 {
		batch = append(batch, s.prefetch.Remove().(*Message))
	}
	return batch, nil
}

// Close releases the decompressor. The queue stays open.
func (s *Subscriber) Close() error {
	s.decompressor.Close()
	return nil
}
