// Package config loads and watches the namewatch configuration file.
// The file is JSON5 (comments and trailing commas allowed); environment
// variables overlay file values, and secrets come from env only.
package config

import (
	"github.com/nextlevelbuilder/namewatch/internal/match"
)

// Mode selects the reaction style for matched messages.
const (
	ModeEmoji = "emoji"
	ModeText  = "text"
)

// Settings are the runtime-tunable watcher knobs. They map one-to-one
// onto the watcher's per-item policies.
type Settings struct {
	// Emoji is the default reaction emoji when the matched entity
	// carries none of its own.
	Emoji string `json:"emoji"`
	// ReplyText is sent instead of a reaction when Mode is "text".
	ReplyText string `json:"reply_text"`
	// Mode is "emoji" (react) or "text" (reply).
	Mode string `json:"mode"`
	// RatePerMinute caps actions per fixed 60-second window, process-wide.
	RatePerMinute int `json:"rate_per_minute"`
	// CooldownSec is the minimum spacing between actions in one chat.
	CooldownSec int `json:"cooldown_sec"`
	// NormalizeArabic enables full diacritic/variant folding. When
	// false only lowercasing and whitespace collapsing apply.
	NormalizeArabic bool `json:"normalize_arabic"`
}

// WatchConfig configures the watcher pipeline and backlog scans.
type WatchConfig struct {
	Settings
	// SelectedChats restricts processing to these chat IDs. Empty
	// means all group chats.
	SelectedChats []string `json:"selected_chats,omitempty"`
	// BacklogPageSize is the per-fetch page size for historical scans.
	BacklogPageSize int `json:"backlog_page_size,omitempty"`
	// BacklogLimitPerChat caps fetched messages per chat per scan.
	BacklogLimitPerChat int `json:"backlog_limit_per_chat,omitempty"`
	// BacklogCron, when set, runs a backlog scan on this cron
	// expression (e.g. "*/30 * * * *"). Empty disables.
	BacklogCron string `json:"backlog_cron,omitempty"`
}

// BridgeConfig configures the whatsapp-web.js bridge connection.
type BridgeConfig struct {
	URL string `json:"url"`
	// Token authenticates to the bridge. Env NAMEWATCH_BRIDGE_TOKEN
	// overrides.
	Token string `json:"-"`
	// CallsPerSecond paces outbound bridge RPCs. Zero disables pacing.
	CallsPerSecond float64 `json:"calls_per_second,omitempty"`
}

// HTTPConfig configures the control API listener.
type HTTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token is the bearer token for the control API. Env
	// NAMEWATCH_HTTP_TOKEN overrides. Empty disables auth.
	Token string `json:"-"`
}

// DatabaseConfig selects the progress store backend.
// PostgresDSN is never read from the file (secret); env
// NAMEWATCH_POSTGRES_DSN only.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver,omitempty"`
	// Path is the sqlite file location.
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"-"`
	// MigrationsDir overrides the postgres migrations directory.
	MigrationsDir string `json:"migrations_dir,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Bridge    BridgeConfig     `json:"bridge"`
	HTTP      HTTPConfig       `json:"http"`
	Database  DatabaseConfig   `json:"database,omitempty"`
	Watch     WatchConfig      `json:"watch"`
	Names     []match.TrackedName `json:"names,omitempty"`
	NameLists []match.NameList    `json:"name_lists,omitempty"`
}
