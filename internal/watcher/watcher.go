// Package watcher wires the message pipeline together: live and backlog
// messages flow into one strict-FIFO queue whose single worker
// normalizes, matches and reacts under global rate and per-chat
// cooldown limits, recording durable progress after every step.
package watcher

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/dispatch"
	"github.com/nextlevelbuilder/namewatch/internal/match"
	"github.com/nextlevelbuilder/namewatch/internal/store"
	"github.com/nextlevelbuilder/namewatch/internal/transport"
)

// ErrNotReady is returned when an operation needs an authenticated
// platform session. Alias of the transport sentinel so callers check
// one error either way.
var ErrNotReady = transport.ErrNotReady

// Status is the snapshot exposed on the control API.
type Status struct {
	Ready          bool            `json:"ready"`
	Running        bool            `json:"running"`
	QueueSize      int             `json:"queue_size"`
	Settings       config.Settings `json:"settings"`
	LastActivityMs int64           `json:"last_activity_ms"`
}

// Watcher owns the processing pipeline. One Watcher serves one platform
// session; its queue worker is the sole writer of the progress store.
type Watcher struct {
	progress store.Progress
	client   transport.Client
	events   bus.Publisher

	mu       sync.RWMutex // guards settings, rules, name sources, selected
	settings config.Settings
	names    []match.TrackedName
	lists    []match.NameList
	selected map[string]bool
	rules    *match.RuleSet

	pageSize     int
	limitPerChat int

	queue  *dispatch.Queue
	window *dispatch.Window

	running      atomic.Bool
	lastActivity atomic.Int64

	backlogMu sync.Mutex // one backlog scan at a time

	// clock hooks, swapped in tests
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Watcher and registers itself on the transport's live
// feed. Call before starting the transport.
func New(cfg *config.Config, progress store.Progress, client transport.Client, events bus.Publisher) *Watcher {
	w := &Watcher{
		progress:     progress,
		client:       client,
		events:       events,
		pageSize:     cfg.Watch.BacklogPageSize,
		limitPerChat: cfg.Watch.BacklogLimitPerChat,
		window:       dispatch.NewWindow(time.Minute),
		now:          time.Now,
		sleep:        time.Sleep,
	}
	w.queue = dispatch.NewQueue(w.running.Load)

	w.SetSettings(cfg.Watch.Settings)
	w.SetTrackedNames(cfg.Names)
	w.SetNameLists(cfg.NameLists)
	w.SetSelectedChats(cfg.Watch.SelectedChats)

	client.OnMessage(w.handleLive)
	client.OnDisconnect(w.handleDisconnect)

	return w
}

// Start enables processing. Idempotent. Fails with ErrNotReady until
// the platform session is authenticated.
func (w *Watcher) Start() error {
	if !w.client.Ready() {
		return ErrNotReady
	}
	if w.running.Swap(true) {
		return nil
	}
	w.logf("info", "watcher started")
	// Resume any work left queued from before the stop.
	w.queue.Kick()
	return nil
}

// Stop disables processing. Idempotent; takes effect after the current
// item finishes.
func (w *Watcher) Stop() {
	if w.running.Swap(false) {
		w.logf("info", "watcher stopped")
	}
}

// Running reports whether the pipeline is accepting and draining work.
func (w *Watcher) Running() bool { return w.running.Load() }

// Status returns a point-in-time snapshot for status reporting.
// Readers tolerate eventually-consistent values.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	settings := w.settings
	w.mu.RUnlock()

	return Status{
		Ready:          w.client.Ready(),
		Running:        w.running.Load(),
		QueueSize:      w.queue.Len(),
		Settings:       settings,
		LastActivityMs: w.lastActivity.Load(),
	}
}

// LastCheckedMap snapshots all per-chat checkpoints.
func (w *Watcher) LastCheckedMap() map[string]int64 {
	return w.progress.LastCheckedMap()
}

// ListStats snapshots the persisted name-list hit counters.
func (w *Watcher) ListStats() ([]store.ListStat, error) {
	return w.progress.ListStats()
}

// SetSettings replaces the runtime settings and recompiles patterns,
// since the normalization flag changes every compiled form.
func (w *Watcher) SetSettings(s config.Settings) {
	if s.RatePerMinute < 1 {
		s.RatePerMinute = 1
	}
	if s.CooldownSec < 0 {
		s.CooldownSec = 0
	}
	if s.Mode != config.ModeText {
		s.Mode = config.ModeEmoji
	}

	w.mu.Lock()
	w.settings = s
	w.recompileLocked()
	w.mu.Unlock()

	slog.Info("settings applied",
		"mode", s.Mode,
		"rpm", s.RatePerMinute,
		"cooldown_sec", s.CooldownSec,
		"normalize", s.NormalizeArabic,
	)
}

// SetTrackedNames replaces the flat tracked names and recompiles.
func (w *Watcher) SetTrackedNames(names []match.TrackedName) {
	w.mu.Lock()
	w.names = names
	w.recompileLocked()
	listItems, flat := w.rules.Size()
	w.mu.Unlock()

	slog.Info("tracked names loaded", "flat", flat, "list_items", listItems)
}

// SetNameLists replaces the name-lists and recompiles.
func (w *Watcher) SetNameLists(lists []match.NameList) {
	w.mu.Lock()
	w.lists = lists
	w.recompileLocked()
	listItems, flat := w.rules.Size()
	w.mu.Unlock()

	slog.Info("name lists loaded", "lists", len(lists), "flat", flat, "list_items", listItems)
}

// SetSelectedChats restricts processing to the given chat IDs. Empty
// means all group chats.
func (w *Watcher) SetSelectedChats(ids []string) {
	sel := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			sel[id] = true
		}
	}

	w.mu.Lock()
	w.selected = sel
	w.mu.Unlock()
}

// ApplyConfig applies a reloaded config file to the running watcher.
func (w *Watcher) ApplyConfig(cfg *config.Config) {
	w.SetSettings(cfg.Watch.Settings)
	w.SetTrackedNames(cfg.Names)
	w.SetNameLists(cfg.NameLists)
	w.SetSelectedChats(cfg.Watch.SelectedChats)

	w.mu.Lock()
	w.pageSize = cfg.Watch.BacklogPageSize
	w.limitPerChat = cfg.Watch.BacklogLimitPerChat
	w.mu.Unlock()
}

// recompileLocked rebuilds the rule set from the current sources.
// Caller holds w.mu.
func (w *Watcher) recompileLocked() {
	w.rules = match.NewRuleSet(w.names, w.lists, w.settings.NormalizeArabic)
}

// chatSelected reports whether the chat passes the selected-chat filter.
func (w *Watcher) chatSelected(chatID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.selected) == 0 || w.selected[chatID]
}

// handleLive receives one live message from the transport and, when
// eligible, enqueues it for the worker.
func (w *Watcher) handleLive(msg transport.Message) {
	if !w.running.Load() {
		return
	}
	if msg.FromMe || !msg.IsGroup {
		return
	}
	if !w.chatSelected(msg.ChatID) {
		return
	}

	tsMs := msg.TimestampMs()
	if tsMs <= 0 {
		tsMs = w.now().UnixMilli()
	}

	// Already acted upon (e.g. before a restart): only advance the
	// checkpoint.
	if w.progress.IsDone(msg.ID) {
		w.progress.SetLastChecked(msg.ChatID, tsMs)
		return
	}

	w.enqueue(msg, tsMs)
}

// enqueue pushes one work item onto the FIFO queue.
func (w *Watcher) enqueue(msg transport.Message, tsMs int64) {
	item := dispatch.Item{
		ChatID:      msg.ChatID,
		ChatName:    msg.ChatName,
		MessageID:   msg.ID,
		TimestampMs: tsMs,
		Text:        msg.Body,
	}
	item.Run = func() { w.processItem(item) }
	w.queue.Enqueue(item)
}

// handleDisconnect forces the watcher off when the platform session
// drops; an explicit Start is required after reconnection.
func (w *Watcher) handleDisconnect(reason string) {
	if w.running.Swap(false) {
		w.logf("warn", "transport disconnected, watcher stopped: "+reason)
	}
}

// logf emits to both slog and the bus log stream.
func (w *Watcher) logf(level, message string) {
	switch level {
	case "warn":
		slog.Warn(message)
	default:
		slog.Info(message)
	}
	if w.events != nil {
		w.events.Broadcast(bus.Event{
			Name:    bus.EventLog,
			Payload: bus.LogPayload{Level: level, Message: message, Time: w.now()},
		})
	}
}
