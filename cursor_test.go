package fmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestReadNextWouldBlock(t *testing.T) {
	forEachDevice(t, func(t *testing.T, kind DeviceKind) {
		q := openTestQueue(t, testConfig(t, kind, Geometry{NumSlots: 4, BufSize: 256}))
		c := mustCursor(t, q)

		_, err := c.ReadNext(context.Background(), false)
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("expected would-block on empty queue, got %v", err)
		}
		if IsFatal(err) {
			t.Error("would-block must not be fatal")
		}

		mustWrite(t, q, []byte("a"))
		if m, err := c.ReadNext(context.Background(), false); err != nil || string(m.Data) != "a" {
			t.Fatalf("read = %v, %v", m, err)
		}
		if _, err := c.ReadNext(context.Background(), false); !errors.Is(err, ErrWouldBlock) {
			t.Errorf("expected would-block after draining, got %v", err)
		}
		if c.LastIDRead() != 1 {
			t.Errorf("last id read = %d", c.LastIDRead())
		}
	})
}

func TestReadNextBlocksUntilWrite(t *testing.T) {
	forEachDevice(t, func(t *testing.T, kind DeviceKind) {
		q := openTestQueue(t, testConfig(t, kind, Geometry{NumSlots: 4, BufSize: 256}))

		var beats atomic.Int32
		var lastName atomic.Value
		c := mustCursor(t, q, WithHeartbeat("reader-1", func(name string) {
			beats.Add(1)
			lastName.Store(name)
		}))

		go func() {
			time.Sleep(30 * time.Millisecond)
			q.Write(context.Background(), 7, 0, []byte("late"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, err := c.ReadNext(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != 7 || string(m.Data) != "late" {
			t.Errorf("unexpected message %+v", m)
		}
		if beats.Load() == 0 {
			t.Error("heartbeat was never called while waiting")
		}
		if name, _ := lastName.Load().(string); name != "reader-1" {
			t.Errorf("heartbeat name = %q", name)
		}
	})
}

func TestReadNextHonorsContext(t *testing.T) {
	q := openTestQueue(t, testConfig(t, DeviceFile, Geometry{NumSlots: 4, BufSize: 256}))
	c := mustCursor(t, q, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.ReadNext(ctx, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("blocking read ignored its context")
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if _, err := c.ReadNext(cancelled, false); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}

func TestCursorStartPositions(t *testing.T) {
	forEachDevice(t, func(t *testing.T, kind DeviceKind) {
		q := openTestQueue(t, testConfig(t, kind, Geometry{NumSlots: 4, BufSize: 1024}))
		for i := 1; i <= 6; i++ {
			mustWrite(t, q, payloadFor(uint64(i), 10))
		}
		// Live ids are now 3..6

		tests := []struct {
			name      string
			opts      []CursorOption
			wantFirst uint64
			wantGap   bool
		}{
			{"default", nil, 3, true},
			{"oldest", []CursorOption{StartAtOldest()}, 3, false},
			{"after", []CursorOption{StartAfter(4)}, 5, false},
			{"after evicted", []CursorOption{StartAfter(1)}, 3, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c := mustCursor(t, q, tt.opts...)
				m, err := c.ReadNext(context.Background(), false)
				if tt.wantGap {
					if !errors.Is(err, ErrMissedMessages) {
						t.Fatalf("expected missed messages, got %v", err)
					}
					m, err = c.ReadNext(context.Background(), false)
				}
				if err != nil {
					t.Fatal(err)
				}
				if m.ID != tt.wantFirst {
					t.Errorf("first id = %d, want %d", m.ID, tt.wantFirst)
				}
			})
		}

		end := mustCursor(t, q, StartAtEnd())
		if _, err := end.ReadNext(context.Background(), false); !errors.Is(err, ErrWouldBlock) {
			t.Errorf("end cursor should have nothing to read, got %v", err)
		}
		mustWrite(t, q, []byte("new"))
		if m, err := end.ReadNext(context.Background(), false); err != nil || m.ID != 7 {
			t.Errorf("end cursor read %v, %v", m, err)
		}
	})
}

func TestCursorResetAndLag(t *testing.T) {
	q := openTestQueue(t, testConfig(t, DeviceFile, Geometry{NumSlots: 8, BufSize: 1024}))
	for i := 1; i <= 5; i++ {
		mustWrite(t, q, payloadFor(uint64(i), 8))
	}
	c := mustCursor(t, q)
	if lag, err := c.Lag(); err != nil || lag != 5 {
		t.Fatalf("lag = %d, %v", lag, err)
	}
	if err := c.Reset(3); err != nil {
		t.Fatal(err)
	}
	if lag, _ := c.Lag(); lag != 2 {
		t.Errorf("lag after reset = %d", lag)
	}
	m, err := c.ReadNext(context.Background(), false)
	if err != nil || m.ID != 4 {
		t.Fatalf("read after reset = %v, %v", m, err)
	}
	c.Reset(5)
	if lag, _ := c.Lag(); lag != 0 {
		t.Errorf("lag at end = %d", lag)
	}
}

func TestMissedMessagesLogged(t *testing.T) {
	cfg := testConfig(t, DeviceFile, Geometry{NumSlots: 2, BufSize: 256})
	logger := NewTestLogger(t, LogLevelWarn)
	cfg.Log.Logger = logger
	q := openTestQueue(t, cfg)

	for i := 1; i <= 5; i++ {
		mustWrite(t, q, payloadFor(uint64(i), 10))
	}
	c := mustCursor(t, q, StartAfter(1))
	_, err := c.ReadNext(context.Background(), false)
	var missed *MissedMessagesError
	if !errors.As(err, &missed) || missed.From != 2 || missed.To != 3 || missed.Count() != 2 {
		t.Fatalf("expected missed 2..3, got %v", err)
	}
	if c.LastIDRead() != 3 {
		t.Errorf("cursor not resynchronized: %d", c.LastIDRead())
	}
	if q.Stats().MissedMessages != 2 {
		t.Errorf("missed counter = %d", q.Stats().MissedMessages)
	}
	if !logger.Contains("Reader fell behind eviction") {
		t.Error("gap was not logged")
	}
}

func TestReadPayloadAcrossPhysicalEnd(t *testing.T) {
	q := openTestQueue(t, testConfig(t, DeviceFile, Geometry{NumSlots: 4, BufSize: 64}))
	mustWrite(t, q, []byte("x"))

	// A record whose range runs off the end continues at offset 0
	want := []byte("ABCDEFGHIJ")
	if _, err := q.dev.WriteAt(DataBuffer, want[:4], 60); err != nil {
		t.Fatal(err)
	}
	if _, err := q.dev.WriteAt(DataBuffer, want[4:], 0); err != nil {
		t.Fatal(err)
	}
	c := mustCursor(t, q)
	got, err := c.readPayload(&slot{ID: 1, Offset: 60, Len: 10, Active: true}, 64)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("split read = %q", got)
	}

	if _, err := c.readPayload(&slot{ID: 1, Offset: 65, Len: 1}, 64); !errors.Is(err, ErrCorrupt) {
		t.Errorf("out-of-bounds slot accepted: %v", err)
	}
}

func TestPersistedCursorResumes(t *testing.T) {
	forEachDevice(t, func(t *testing.T, kind DeviceKind) {
		cfg := testConfig(t, kind, Geometry{NumSlots: 8, BufSize: 1024})
		cfg.Device.CursorName = "billing"
		q, err := Open("q", cfg)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= 4; i++ {
			mustWrite(t, q, payloadFor(uint64(i), 16))
		}
		c := mustCursor(t, q, FromPersisted())
		for i := 0; i < 2; i++ {
			if _, err := c.ReadNext(context.Background(), false); err != nil {
				t.Fatal(err)
			}
		}
		q.Close()

		rcfg := cfg
		rcfg.Mode = ModeRead
		rcfg.Geometry = Geometry{}
		r := openTestQueue(t, rcfg)
		resumed := mustCursor(t, r, FromPersisted())
		if resumed.LastIDRead() != 2 {
			t.Fatalf("resumed at %d, want 2", resumed.LastIDRead())
		}
		m, err := resumed.ReadNext(context.Background(), false)
		if err != nil || m.ID != 3 {
			t.Errorf("resumed read = %v, %v", m, err)
		}
	})
}

func TestPersistedCursorRequiresName(t *testing.T) {
	q := openTestQueue(t, testConfig(t, DeviceFile, Geometry{NumSlots: 4, BufSize: 256}))
	if _, err := q.NewCursor(FromPersisted()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("persisted cursor without a name accepted: %v", err)
	}
}
