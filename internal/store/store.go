// Package store defines the durable progress interface shared by the
// watcher pipeline and its storage backends (sqlite, postgres, memory).
//
// The worker goroutine is the sole writer; status readers may observe
// eventually-consistent snapshots. Backends therefore need no stronger
// discipline than safe concurrent access.
package store

import "sync"

// ListStat is one persisted hit counter for a name-list item, keyed by
// (list id, normalized item name).
type ListStat struct {
	ListID      string `json:"list_id"`
	ItemKey     string `json:"item_key"`
	DisplayName string `json:"display_name"`
	HitCount    int64  `json:"hit_count"`
	LastHitMs   int64  `json:"last_hit_ms"`
	LastChatID  string `json:"last_chat_id"`
}

// BroadcastCheckpoint records bulk-send progress so an interrupted job
// can resume after restart.
type BroadcastCheckpoint struct {
	JobID  string `json:"job_id"`
	ChatID string `json:"chat_id"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
}

// Progress is the durable state consulted and advanced by the worker:
// per-message done flags, per-chat checkpoints and cooldown anchors,
// and per-item hit counters.
type Progress interface {
	// IsDone reports whether the message id was already acted upon.
	IsDone(id string) bool
	// MarkDone flags the message id as acted upon. Idempotent.
	MarkDone(id string)

	// LastChecked returns the chat's checkpoint in ms, 0 when unset.
	LastChecked(chatID string) int64
	// SetLastChecked advances the checkpoint. Values not strictly
	// greater than the stored one are silently ignored.
	SetLastChecked(chatID string, ms int64)
	// LastCheckedMap snapshots all chat checkpoints.
	LastCheckedMap() map[string]int64

	// CooldownAnchor returns the chat's last-action timestamp in ms.
	CooldownAnchor(chatID string) int64
	// SetCooldownAnchor overwrites the chat's last-action timestamp.
	SetCooldownAnchor(chatID string, ms int64)

	// RecordListHit increments the hit counter for a list item and
	// updates its last-seen fields.
	RecordListHit(listID, itemKey, displayName, chatID string, ms int64)
	// ListStats snapshots all list hit counters.
	ListStats() ([]ListStat, error)

	// Broadcast checkpoint for the bulk sender. Get returns false when
	// no checkpoint is stored.
	SetBroadcastCheckpoint(cp BroadcastCheckpoint)
	BroadcastCheckpoint() (BroadcastCheckpoint, bool)
	ClearBroadcastCheckpoint()

	Close() error
}

// Mem is an in-memory Progress used by tests and dry-run tooling.
type Mem struct {
	mu        sync.RWMutex
	done      map[string]bool
	checked   map[string]int64
	cooldown  map[string]int64
	stats     map[string]*ListStat
	statOrder []string
	bcast     *BroadcastCheckpoint
}

// NewMem creates an empty in-memory progress store.
func NewMem() *Mem {
	return &Mem{
		done:     make(map[string]bool),
		checked:  make(map[string]int64),
		cooldown: make(map[string]int64),
		stats:    make(map[string]*ListStat),
	}
}

func (m *Mem) IsDone(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done[id]
}

func (m *Mem) MarkDone(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = true
}

func (m *Mem) LastChecked(chatID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checked[chatID]
}

func (m *Mem) SetLastChecked(chatID string, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms > m.checked[chatID] {
		m.checked[chatID] = ms
	}
}

func (m *Mem) LastCheckedMap() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.checked))
	for k, v := range m.checked {
		out[k] = v
	}
	return out
}

func (m *Mem) CooldownAnchor(chatID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cooldown[chatID]
}

func (m *Mem) SetCooldownAnchor(chatID string, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown[chatID] = ms
}

func (m *Mem) RecordListHit(listID, itemKey, displayName, chatID string, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := listID + "\x00" + itemKey
	st, ok := m.stats[key]
	if !ok {
		st = &ListStat{ListID: listID, ItemKey: itemKey}
		m.stats[key] = st
		m.statOrder = append(m.statOrder, key)
	}
	st.DisplayName = displayName
	st.HitCount++
	st.LastHitMs = ms
	st.LastChatID = chatID
}

func (m *Mem) ListStats() ([]ListStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ListStat, 0, len(m.statOrder))
	for _, key := range m.statOrder {
		out = append(out, *m.stats[key])
	}
	return out, nil
}

func (m *Mem) SetBroadcastCheckpoint(cp BroadcastCheckpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bcast = &cp
}

func (m *Mem) BroadcastCheckpoint() (BroadcastCheckpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bcast == nil {
		return BroadcastCheckpoint{}, false
	}
	return *m.bcast, true
}

func (m *Mem) ClearBroadcastCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bcast = nil
}

func (m *Mem) Close() error { return nil }
