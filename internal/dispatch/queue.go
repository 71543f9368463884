// Package dispatch owns the strict-FIFO work queue and the fixed-window
// rate gate shared by live and backlog message processing.
//
// One drain loop at most is ever active; items execute synchronously in
// enqueue order, never concurrently. That single-consumer discipline is
// what makes exactly-once actions and a single global rate counter
// possible without further coordination.
package dispatch

import (
	"log/slog"
	"sync"
)

// Item is one message queued for normalization, matching and possible
// action. Immutable once enqueued; consumed exactly once.
type Item struct {
	ChatID      string
	ChatName    string
	MessageID   string
	TimestampMs int64
	Text        string
	// Run executes the full processing step for this item. It is called
	// from the single drain goroutine and may block on cooldown or
	// rate-limit waits.
	Run func()
}

// Queue is a single-consumer FIFO. Producers may append concurrently;
// the drain loop is started at most once and exits when the queue is
// empty or the running predicate turns false.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	draining bool
	running  func() bool
}

// NewQueue creates a queue gated by the given running predicate. The
// predicate is consulted between items only: a stop request takes effect
// after the current item finishes, never mid-item.
func NewQueue(running func() bool) *Queue {
	return &Queue{running: running}
}

// Enqueue appends an item and starts the drain loop if it is idle.
// Safe for concurrent use.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	start := !q.draining && q.running()
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Kick starts the drain loop if items are pending and no loop is
// active. Called when the watcher transitions to running with leftover
// queued work.
func (q *Queue) Kick() {
	q.mu.Lock()
	start := !q.draining && len(q.items) > 0 && q.running()
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Len returns the number of queued items not yet executed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain pops and runs items head-first until the queue empties or the
// running predicate turns false, then flips back to idle.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if !q.running() || len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(item)
	}
}

func (q *Queue) run(item Item) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("work item panicked", "chat_id", item.ChatID, "message_id", item.MessageID, "panic", r)
		}
	}()
	item.Run()
}
