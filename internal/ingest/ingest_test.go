package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueue_SerialWhenSingleWorker(t *testing.T) {
	q := New(1, 10)

	var mu sync.Mutex
	var order []string
	started := make(chan struct{})

	q.Enqueue("a", func() error {
		mu.Lock()
		order = append(order, "a-start")
		mu.Unlock()
		<-started
		mu.Lock()
		order = append(order, "a-end")
		mu.Unlock()
		return nil
	})
	q.Enqueue("b", func() error {
		mu.Lock()
		order = append(order, "b-start")
		mu.Unlock()
		return nil
	})

	close(started)
	q.Drain()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a-start", "a-end", "b-start"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEnqueue_DropsOldestPendingOnOverflow(t *testing.T) {
	q := New(1, 2)

	block := make(chan struct{})
	var ran sync.Map

	task := func(name string) TaskFunc {
		return func() error {
			ran.Store(name, true)
			return nil
		}
	}

	// Occupy the single worker so subsequent enqueues stay pending.
	q.Enqueue("inflight", func() error {
		<-block
		return nil
	})
	waitFor(t, func() bool { return q.Inflight() == 1 })

	q.Enqueue("p1", task("p1"))
	q.Enqueue("p2", task("p2"))
	q.Enqueue("p3", task("p3")) // depth 2 exceeded: p1 is dropped

	if got := q.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	close(block)
	q.Drain()

	if _, ok := ran.Load("p1"); ok {
		t.Error("p1 should have been dropped")
	}
	for _, name := range []string{"p2", "p3"} {
		if _, ok := ran.Load(name); !ok {
			t.Errorf("%s should have run", name)
		}
	}
}

func TestDrain_ImmediateWhenEmpty(t *testing.T) {
	q := New(2, 10)

	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return on an empty queue")
	}
}

func TestDrain_WaitsForInflight(t *testing.T) {
	q := New(2, 10)

	var finished atomic.Bool
	block := make(chan struct{})
	q.Enqueue("slow", func() error {
		<-block
		finished.Store(true)
		return nil
	})
	waitFor(t, func() bool { return q.Inflight() == 1 })

	drained := make(chan struct{})
	go func() {
		q.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned while a task was inflight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-drained
	if !finished.Load() {
		t.Error("Drain returned before the task finished")
	}
	if q.Pending() != 0 || q.Inflight() != 0 {
		t.Errorf("counters after drain = %d/%d, want 0/0", q.Pending(), q.Inflight())
	}
}

func TestEnqueue_FailureIsolation(t *testing.T) {
	q := New(1, 10)

	var ran atomic.Int32
	q.Enqueue("fails", func() error { return fmt.Errorf("boom") })
	q.Enqueue("panics", func() error { panic("boom") })
	q.Enqueue("ok", func() error {
		ran.Add(1)
		return nil
	})
	q.Drain()

	if ran.Load() != 1 {
		t.Errorf("sibling task ran %d times, want 1", ran.Load())
	}
}

func TestEnqueue_ConcurrencyCeiling(t *testing.T) {
	q := New(3, 50)

	var current, peak atomic.Int32
	block := make(chan struct{})
	for i := 0; i < 20; i++ {
		q.Enqueue(fmt.Sprintf("t%d", i), func() error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-block
			current.Add(-1)
			return nil
		})
	}

	waitFor(t, func() bool { return q.Inflight() == 3 })
	close(block)
	q.Drain()

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
