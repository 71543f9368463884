// Package sqlite implements store.Progress on a local SQLite file via
// the pure-Go modernc.org/sqlite driver. This is the default backend
// for standalone deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/namewatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS done_messages (
	message_id TEXT PRIMARY KEY,
	done_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_progress (
	chat_id TEXT PRIMARY KEY,
	last_checked_ms INTEGER NOT NULL DEFAULT 0,
	last_action_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS list_stats (
	list_id TEXT NOT NULL,
	item_key TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_hit_ms INTEGER NOT NULL DEFAULT 0,
	last_chat_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (list_id, item_key)
);
CREATE TABLE IF NOT EXISTS broadcast_checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	job_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	total INTEGER NOT NULL
);
`

// Store is the SQLite-backed Progress implementation.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directory) if missing and
// applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer (the worker goroutine); WAL keeps status reads cheap.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) IsDone(id string) bool {
	if id == "" {
		return false
	}
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM done_messages WHERE message_id = ?`, id).Scan(&one)
	return err == nil
}

func (s *Store) MarkDone(id string) {
	if id == "" {
		return
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO done_messages (message_id, done_at_ms) VALUES (?, strftime('%s','now') * 1000)`,
		id,
	); err != nil {
		slog.Warn("mark done failed", "message_id", id, "error", err)
	}
}

func (s *Store) LastChecked(chatID string) int64 {
	var ms int64
	err := s.db.QueryRow(`SELECT last_checked_ms FROM chat_progress WHERE chat_id = ?`, chatID).Scan(&ms)
	if err != nil {
		return 0
	}
	return ms
}

func (s *Store) SetLastChecked(chatID string, ms int64) {
	// Monotonic: the stored high-water mark only moves forward.
	if _, err := s.db.Exec(`
		INSERT INTO chat_progress (chat_id, last_checked_ms) VALUES (?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET last_checked_ms = excluded.last_checked_ms
		WHERE excluded.last_checked_ms > chat_progress.last_checked_ms`,
		chatID, ms,
	); err != nil {
		slog.Warn("set last checked failed", "chat_id", chatID, "error", err)
	}
}

func (s *Store) LastCheckedMap() map[string]int64 {
	out := make(map[string]int64)
	rows, err := s.db.Query(`SELECT chat_id, last_checked_ms FROM chat_progress WHERE last_checked_ms > 0`)
	if err != nil {
		slog.Warn("last checked map query failed", "error", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var chatID string
		var ms int64
		if err := rows.Scan(&chatID, &ms); err == nil {
			out[chatID] = ms
		}
	}
	return out
}

func (s *Store) CooldownAnchor(chatID string) int64 {
	var ms int64
	err := s.db.QueryRow(`SELECT last_action_ms FROM chat_progress WHERE chat_id = ?`, chatID).Scan(&ms)
	if err != nil {
		return 0
	}
	return ms
}

func (s *Store) SetCooldownAnchor(chatID string, ms int64) {
	if _, err := s.db.Exec(`
		INSERT INTO chat_progress (chat_id, last_action_ms) VALUES (?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET last_action_ms = excluded.last_action_ms`,
		chatID, ms,
	); err != nil {
		slog.Warn("set cooldown anchor failed", "chat_id", chatID, "error", err)
	}
}

func (s *Store) RecordListHit(listID, itemKey, displayName, chatID string, ms int64) {
	if _, err := s.db.Exec(`
		INSERT INTO list_stats (list_id, item_key, display_name, hit_count, last_hit_ms, last_chat_id)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (list_id, item_key) DO UPDATE SET
			display_name = excluded.display_name,
			hit_count = list_stats.hit_count + 1,
			last_hit_ms = excluded.last_hit_ms,
			last_chat_id = excluded.last_chat_id`,
		listID, itemKey, displayName, ms, chatID,
	); err != nil {
		slog.Warn("record list hit failed", "list_id", listID, "item", itemKey, "error", err)
	}
}

func (s *Store) ListStats() ([]store.ListStat, error) {
	rows, err := s.db.Query(`
		SELECT list_id, item_key, display_name, hit_count, last_hit_ms, last_chat_id
		FROM list_stats ORDER BY list_id, hit_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("query list stats: %w", err)
	}
	defer rows.Close()

	var out []store.ListStat
	for rows.Next() {
		var st store.ListStat
		if err := rows.Scan(&st.ListID, &st.ItemKey, &st.DisplayName, &st.HitCount, &st.LastHitMs, &st.LastChatID); err != nil {
			return nil, fmt.Errorf("scan list stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetBroadcastCheckpoint(cp store.BroadcastCheckpoint) {
	if _, err := s.db.Exec(`
		INSERT INTO broadcast_checkpoint (id, job_id, chat_id, idx, total) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			job_id = excluded.job_id, chat_id = excluded.chat_id,
			idx = excluded.idx, total = excluded.total`,
		cp.JobID, cp.ChatID, cp.Index, cp.Total,
	); err != nil {
		slog.Warn("set broadcast checkpoint failed", "error", err)
	}
}

func (s *Store) BroadcastCheckpoint() (store.BroadcastCheckpoint, bool) {
	var cp store.BroadcastCheckpoint
	err := s.db.QueryRow(`SELECT job_id, chat_id, idx, total FROM broadcast_checkpoint WHERE id = 1`).
		Scan(&cp.JobID, &cp.ChatID, &cp.Index, &cp.Total)
	if err != nil {
		return store.BroadcastCheckpoint{}, false
	}
	return cp, true
}

func (s *Store) ClearBroadcastCheckpoint() {
	if _, err := s.db.Exec(`DELETE FROM broadcast_checkpoint WHERE id = 1`); err != nil {
		slog.Warn("clear broadcast checkpoint failed", "error", err)
	}
}
