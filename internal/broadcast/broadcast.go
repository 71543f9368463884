// Package broadcast implements the bulk sender: a paced, resumable
// delivery of a prepared message series to one chat. Progress is
// checkpointed through the progress store after every send so an
// interrupted job can be resumed after restart.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/store"
	"github.com/nextlevelbuilder/namewatch/internal/transport"
)

const sendRetryDelay = 1500 * time.Millisecond

// Job describes one bulk send.
type Job struct {
	ID       string   `json:"id"`
	ChatID   string   `json:"chat_id"`
	Messages []string `json:"messages"`
	// DelaySec is the pause between consecutive sends.
	DelaySec int `json:"delay_sec"`
	// RPM caps sends per fixed 60-second window.
	RPM int `json:"rpm"`
}

// Status is a snapshot of the active (or last) job.
type Status struct {
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
	JobID   string `json:"job_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
}

// Broadcaster runs at most one job at a time.
type Broadcaster struct {
	client   transport.Client
	progress store.Progress
	events   bus.Publisher

	mu      sync.Mutex
	job     *Job
	index   int
	running bool
	paused  bool
	cancel  context.CancelFunc

	// fixed-window send accounting, mirroring the watcher's rate gate
	windowStart time.Time
	windowCount int
}

// New creates a Broadcaster.
func New(client transport.Client, progress store.Progress, events bus.Publisher) *Broadcaster {
	return &Broadcaster{client: client, progress: progress, events: events}
}

// Resumable returns the stored checkpoint of an interrupted job, if
// any. The caller decides whether to restart it; nothing resumes
// automatically.
func (b *Broadcaster) Resumable() (store.BroadcastCheckpoint, bool) {
	return b.progress.BroadcastCheckpoint()
}

// Start begins a new job. Fails while another job is running or when
// the transport session is down. The job runs on a context owned by
// the broadcaster; it outlives the caller and stops only via Cancel.
func (b *Broadcaster) Start(job Job) (string, error) {
	if !b.client.Ready() {
		return "", transport.ErrNotReady
	}
	if job.ChatID == "" {
		return "", fmt.Errorf("chat_id required")
	}
	if len(job.Messages) == 0 {
		return "", fmt.Errorf("messages required")
	}
	if job.RPM < 1 {
		job.RPM = 1
	}
	if job.DelaySec < 0 {
		job.DelaySec = 0
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return "", fmt.Errorf("broadcast already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.job = &job
	b.index = 0
	b.running = true
	b.paused = false
	b.cancel = cancel
	b.windowStart = time.Now()
	b.windowCount = 0
	b.mu.Unlock()

	b.progress.SetBroadcastCheckpoint(store.BroadcastCheckpoint{
		JobID: job.ID, ChatID: job.ChatID, Index: 0, Total: len(job.Messages),
	})

	go b.run(runCtx)

	slog.Info("broadcast started", "job_id", job.ID, "chat_id", job.ChatID, "total", len(job.Messages))
	return job.ID, nil
}

// Pause suspends sending after the in-flight message.
func (b *Broadcaster) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.paused = true
	}
}

// Resume continues a paused job.
func (b *Broadcaster) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Cancel stops the job and clears its checkpoint.
func (b *Broadcaster) Cancel() {
	b.mu.Lock()
	cancel := b.cancel
	b.running = false
	b.paused = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.progress.ClearBroadcastCheckpoint()
}

// Status returns a snapshot of the broadcaster.
func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{Running: b.running, Paused: b.paused, Index: b.index}
	if b.job != nil {
		st.JobID = b.job.ID
		st.ChatID = b.job.ChatID
		st.Total = len(b.job.Messages)
	}
	return st
}

func (b *Broadcaster) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.stopRun()
			return
		default:
		}

		b.mu.Lock()
		if !b.running {
			b.mu.Unlock()
			return
		}
		if b.paused {
			b.mu.Unlock()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		job := b.job
		idx := b.index
		if idx >= len(job.Messages) {
			b.running = false
			b.mu.Unlock()
			b.finish(job)
			return
		}

		// Fixed window: reset the counter once 60s have passed, wait
		// out the remainder when the cap is hit.
		now := time.Now()
		if now.Sub(b.windowStart) >= time.Minute {
			b.windowStart = now
			b.windowCount = 0
		}
		if b.windowCount >= job.RPM {
			wait := time.Minute - now.Sub(b.windowStart)
			b.mu.Unlock()
			if wait < 500*time.Millisecond {
				wait = 500 * time.Millisecond
			}
			time.Sleep(wait)
			continue
		}
		text := job.Messages[idx]
		b.mu.Unlock()

		if err := b.client.SendText(ctx, job.ChatID, text); err != nil {
			slog.Warn("broadcast send failed, will retry", "job_id", job.ID, "index", idx, "error", err)
			time.Sleep(sendRetryDelay)
			continue
		}

		b.mu.Lock()
		b.index++
		b.windowCount++
		idx = b.index
		b.mu.Unlock()

		b.progress.SetBroadcastCheckpoint(store.BroadcastCheckpoint{
			JobID: job.ID, ChatID: job.ChatID, Index: idx, Total: len(job.Messages),
		})

		if job.DelaySec > 0 {
			select {
			case <-ctx.Done():
				b.stopRun()
				return
			case <-time.After(time.Duration(job.DelaySec) * time.Second):
			}
		}
	}
}

// stopRun clears the running flag on a context-cancelled exit so the
// broadcaster can accept a new job.
func (b *Broadcaster) stopRun() {
	b.mu.Lock()
	b.running = false
	b.paused = false
	b.mu.Unlock()
}

func (b *Broadcaster) finish(job *Job) {
	b.progress.ClearBroadcastCheckpoint()
	slog.Info("broadcast finished", "job_id", job.ID, "total", len(job.Messages))
	if b.events != nil {
		b.events.Broadcast(bus.Event{
			Name:    bus.EventBroadcast,
			Payload: map[string]interface{}{"job_id": job.ID, "done": true},
		})
	}
}
