// Package pg implements store.Progress backed by Postgres for managed
// deployments where several tools share one database. Schema is applied
// with `namewatch migrate` (golang-migrate), not on open.
package pg

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/namewatch/internal/store"
)

// OpenDB opens a Postgres connection pool from a DSN.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store is the Postgres-backed Progress implementation.
type Store struct {
	db *sql.DB
}

// New wraps an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) IsDone(id string) bool {
	if id == "" {
		return false
	}
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM done_messages WHERE message_id = $1`, id).Scan(&one)
	return err == nil
}

func (s *Store) MarkDone(id string) {
	if id == "" {
		return
	}
	if _, err := s.db.Exec(
		`INSERT INTO done_messages (message_id, done_at_ms) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		id, time.Now().UnixMilli(),
	); err != nil {
		slog.Warn("mark done failed", "message_id", id, "error", err)
	}
}

func (s *Store) LastChecked(chatID string) int64 {
	var ms int64
	err := s.db.QueryRow(`SELECT last_checked_ms FROM chat_progress WHERE chat_id = $1`, chatID).Scan(&ms)
	if err != nil {
		return 0
	}
	return ms
}

func (s *Store) SetLastChecked(chatID string, ms int64) {
	if _, err := s.db.Exec(`
		INSERT INTO chat_progress (chat_id, last_checked_ms) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET last_checked_ms = EXCLUDED.last_checked_ms
		WHERE EXCLUDED.last_checked_ms > chat_progress.last_checked_ms`,
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
	err := s.db.QueryRow(`SELECT last_action_ms FROM chat_progress WHERE chat_id = $1`, chatID).Scan(&ms)
	if err != nil {
		return 0
	}
	return ms
}

func (s *Store) SetCooldownAnchor(chatID string, ms int64) {
	if _, err := s.db.Exec(`
		INSERT INTO chat_progress (chat_id, last_action_ms) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET last_action_ms = EXCLUDED.last_action_ms`,
		chatID, ms,
	); err != nil {
		slog.Warn("set cooldown anchor failed", "chat_id", chatID, "error", err)
	}
}

func (s *Store) RecordListHit(listID, itemKey, displayName, chatID string, ms int64) {
	if _, err := s.db.Exec(`
		INSERT INTO list_stats (list_id, item_key, display_name, hit_count, last_hit_ms, last_chat_id)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (list_id, item_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			hit_count = list_stats.hit_count + 1,
			last_hit_ms = EXCLUDED.last_hit_ms,
			last_chat_id = EXCLUDED.last_chat_id`,
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
		INSERT INTO broadcast_checkpoint (id, job_id, chat_id, idx, total) VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			job_id = EXCLUDED.job_id, chat_id = EXCLUDED.chat_id,
			idx = EXCLUDED.idx, total = EXCLUDED.total`,
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
