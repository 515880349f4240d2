package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/orbiterhq/fmq"
)

func main() {
	var (
		mode     = flag.String("mode", "inspect", "Mode: create, write, read, inspect, or verify")
		path     = flag.String("queue", "", "Queue path prefix")
		device   = flag.String("device", "file", "Device kind: file or mmap")
		slots    = flag.Uint("slots", 1024, "Number of slots (create)")
		bufSize  = flag.Uint("bufsize", 1<<20, "Buffer size in bytes (create)")
		count    = flag.Int("count", 1000, "Messages to write")
		size     = flag.Int("size", 128, "Payload size for write")
		msgType  = flag.Int("type", 0, "Message type for write")
		duration = flag.Duration("duration", 0, "How long to read; 0 reads until interrupted")
		follow   = flag.Bool("follow", false, "Block for new messages instead of stopping at the end")
		cursor   = flag.String("cursor", "", "Persisted cursor name for read")
		level    = flag.String("log", "warn", "Log level")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("--queue is required")
	}

	cfg := fmq.DefaultConfig()
	cfg.Device.Kind = fmq.DeviceKind(*device)
	cfg.Device.CursorName = *cursor
	cfg.Log.Level = *level

	switch *mode {
	case "create":
		cfg.Geometry = fmq.Geometry{NumSlots: uint32(*slots), BufSize: uint32(*bufSize)}
		runCreate(*path, cfg)
	case "write":
		cfg.Mode = fmq.ModeWrite
		cfg.Geometry = fmq.Geometry{}
		runWriter(*path, cfg, *count, *size, int32(*msgType))
	case "read":
		cfg.Mode = fmq.ModeRead
		cfg.Geometry = fmq.Geometry{}
		runReader(*path, cfg, *duration, *follow)
	case "inspect":
		cfg.Mode = fmq.ModeRead
		cfg.Geometry = fmq.Geometry{}
		runInspect(*path, cfg)
	case "verify":
		cfg.Mode = fmq.ModeWrite
		cfg.Geometry = fmq.Geometry{}
		runVerify(*path, cfg)
	default:
		log.Fatalf("unknown mode: %s", *mode)
	}
}

func openQueue(path string, cfg fmq.Config) *fmq.Queue {
	q, err := fmq.Open(path, cfg)
	if err != nil {
		log.Fatalf("failed to open queue: %v", err)
	}
	return q
}

func runCreate(path string, cfg fmq.Config) {
	q := openQueue(path, cfg)
	defer q.Close()
	log.Printf("Queue %s ready: %v", q.Path(), q.Geometry())
}

func runWriter(path string, cfg fmq.Config, count, size int, msgType int32) {
	q := openQueue(path, cfg)
	defer q.Close()

	pub, err := fmq.NewPublisher(q)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer pub.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	written := 0
	var last uint64
	for i := 0; i < count && ctx.Err() == nil; i++ {
		payload := make([]byte, size)
		n := copy(payload, fmt.Sprintf("pid=%d seq=%d ", os.Getpid(), i))
		for j := n; j < size; j++ {
			payload[j] = byte('a' + j%26)
		}
		id, err := pub.Publish(ctx, msgType, 0, payload)
		if err != nil {
			log.Printf("Write %d failed: %v", i, err)
			if fmq.IsFatal(err) {
				break
			}
			continue
		}
		last = id
		written++
	}

	elapsed := time.Since(start)
	stats := q.Stats()
	log.Printf("Wrote %d messages (last id %d) in %v, %d evictions, %d wraparounds",
		written, last, elapsed, stats.Evictions, stats.Wraparounds)
}

func runReader(path string, cfg fmq.Config, duration time.Duration, follow bool) {
	q := openQueue(path, cfg)
	defer q.Close()

	var cursorOpts []fmq.CursorOption
	if cfg.Device.CursorName != "" {
		cursorOpts = append(cursorOpts, fmq.FromPersisted())
	}
	sub, err := fmq.NewSubscriber(q, fmq.WithCursorOptions(cursorOpts...))
	if err != nil {
		log.Fatalf("failed to create subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	read, missed := 0, uint64(0)
	for ctx.Err() == nil {
		if !follow {
			lag, err := sub.Cursor().Lag()
			if err != nil {
				log.Fatalf("failed to read status: %v", err)
			}
			if lag == 0 && sub.Buffered() == 0 {
				break
			}
		}
		msg, err := sub.Next(ctx)
		if err != nil {
			var gap *fmq.MissedMessagesError
			switch {
			case errors.As(err, &gap):
				missed += gap.Count()
				log.Printf("Missed messages %d..%d", gap.From, gap.To)
				continue
			case ctx.Err() != nil:
			default:
				log.Printf("Read failed: %v", err)
			}
			break
		}
		read++
		fmt.Printf("%d\t%s\t%d\t%d\t%d bytes\n",
			msg.ID, msg.Time.Format(time.RFC3339Nano), msg.Type, msg.Subtype, len(msg.Data))
	}
	log.Printf("Read %d messages, missed %d", read, missed)
}

func runInspect(path string, cfg fmq.Config) {
	q := openQueue(path, cfg)
	defer q.Close()

	st, err := q.Status()
	if err != nil {
		log.Fatalf("failed to read status: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		log.Fatalf("failed to encode status: %v", err)
	}
}

func runVerify(path string, cfg fmq.Config) {
	q := openQueue(path, cfg)
	defer q.Close()

	if err := q.Verify(); err != nil {
		log.Fatalf("verify failed: %v", err)
	}
	log.Printf("Queue %s is consistent", q.Path())
}
