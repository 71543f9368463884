package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain, %d left", q.Len())
		}
		time.Sleep(time.Millisecond)
	}
	// The final item may still be executing after Len hits zero.
	time.Sleep(10 * time.Millisecond)
}

func TestQueueFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := NewQueue(func() bool { return true })

	// Enqueue order wins even when timestamps disagree.
	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		q.Enqueue(Item{MessageID: id, TimestampMs: 1000 - int64(len(order)), Run: func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}})
	}

	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("ran %d items, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestQueueSingleConsumer(t *testing.T) {
	var active, maxActive, runs int32

	q := NewQueue(func() bool { return true })

	for i := 0; i < 20; i++ {
		q.Enqueue(Item{Run: func() {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&runs, 1)
		}})
	}

	waitIdle(t, q)

	if got := atomic.LoadInt32(&runs); got != 20 {
		t.Fatalf("ran %d items, want 20", got)
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("observed %d concurrent items, want 1", got)
	}
}

func TestQueueStopsBetweenItems(t *testing.T) {
	var running atomic.Bool
	running.Store(true)

	var ran int32
	q := NewQueue(running.Load)

	q.Enqueue(Item{Run: func() {
		atomic.AddInt32(&ran, 1)
		running.Store(false) // stop request mid-drain
	}})
	q.Enqueue(Item{Run: func() { atomic.AddInt32(&ran, 1) }})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&ran) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&ran); got != 1 {
		t.Fatalf("ran %d items after stop, want 1", got)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 leftover", q.Len())
	}

	// Resuming drains the leftover.
	running.Store(true)
	q.Kick()
	waitIdle(t, q)
	if got := atomic.LoadInt32(&ran); got != 2 {
		t.Fatalf("ran %d items after resume, want 2", got)
	}
}

func TestQueueNotStartedWhileStopped(t *testing.T) {
	var ran int32
	q := NewQueue(func() bool { return false })

	q.Enqueue(Item{Run: func() { atomic.AddInt32(&ran, 1) }})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("item ran while stopped")
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestQueueRecoversFromPanic(t *testing.T) {
	var ran int32
	q := NewQueue(func() bool { return true })

	q.Enqueue(Item{MessageID: "boom", Run: func() { panic("boom") }})
	q.Enqueue(Item{Run: func() { atomic.AddInt32(&ran, 1) }})

	waitIdle(t, q)
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("item after panic did not run")
	}
}
