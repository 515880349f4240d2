package fmq

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"
)

const (
	mpWorkers   = 4
	mpPerWorker = 200
)

// TestMultiProcessWriters runs several writer processes against one queue
// and checks that every message lands exactly once, in per-writer order.
func TestMultiProcessWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-process test in short mode")
	}

	if workerID := os.Getenv("FMQ_MP_WORKER"); workerID != "" {
		runWriterWorker(t, workerID)
		return
	}
	if os.Getenv("GO_TEST_SUBPROCESS") == "1" {
		t.Skip("Skipping test in subprocess to prevent recursion")
	}

	forEachDevice(t, func(t *testing.T, kind DeviceKind) {
		cfg := testConfig(t, kind, Geometry{NumSlots: 2048, BufSize: 1 << 18})
		q := openTestQueue(t, cfg)

		executable, err := os.Executable()
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		results := make(chan string, mpWorkers)
		for i := 0; i < mpWorkers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				cmd := exec.CommandContext(ctx, executable, "-test.run", "^TestMultiProcessWriters$", "-test.v")
				cmd.Env = append(os.Environ(),
					fmt.Sprintf("FMQ_MP_WORKER=%d", id),
					fmt.Sprintf("FMQ_MP_DIR=%s", cfg.Device.Dir),
					fmt.Sprintf("FMQ_MP_KIND=%s", kind),
					"GO_TEST_SUBPROCESS=1",
				)
				output, err := cmd.CombinedOutput()
				if err != nil {
					results <- fmt.Sprintf("Worker %d failed: %v\nOutput: %s", id, err, output)
				}
			}(i)
		}
		wg.Wait()
		close(results)
		for failure := range results {
			t.Error(failure)
		}

		msgs := readAll(t, mustCursor(t, q))
		if len(msgs) != mpWorkers*mpPerWorker {
			t.Fatalf("read %d messages, want %d", len(msgs), mpWorkers*mpPerWorker)
		}
		next := make(map[int32]int32)
		pids := make(map[string]bool)
		for i, m := range msgs {
			if m.ID != uint64(i+1) {
				t.Fatalf("ids not contiguous at %d: %d", i, m.ID)
			}
			if m.Subtype != next[m.Type] {
				t.Fatalf("worker %d out of order: got %d want %d", m.Type, m.Subtype, next[m.Type])
			}
			next[m.Type]++
			pids[string(m.Data)] = true
		}
		if len(pids) != mpWorkers {
			t.Errorf("messages came from %d processes, want %d", len(pids), mpWorkers)
		}
		if err := q.Verify(); err != nil {
			t.Errorf("verify: %v", err)
		}
	})
}

func runWriterWorker(t *testing.T, workerID string) {
	id, err := strconv.Atoi(workerID)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Mode = ModeWrite
	cfg.Geometry = Geometry{}
	cfg.Device.Kind = DeviceKind(os.Getenv("FMQ_MP_KIND"))
	cfg.Device.Dir = os.Getenv("FMQ_MP_DIR")
	cfg.Log.Level = "none"

	q, err := Open("q", cfg)
	if err != nil {
		t.Fatalf("worker %d: open: %v", id, err)
	}
	defer q.Close()

	payload := []byte(strconv.Itoa(os.Getpid()))
	for i := 0; i < mpPerWorker; i++ {
		if _, err := q.Write(context.Background(), int32(id), int32(i), payload); err != nil {
			t.Fatalf("worker %d: write %d: %v", id, i, err)
		}
	}
	t.Logf("worker %d (pid %d) wrote %d messages", id, os.Getpid(), mpPerWorker)
}
