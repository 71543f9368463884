package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			URL:            "ws://127.0.0.1:8790",
			CallsPerSecond: 5,
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 18890,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/.namewatch/progress.db",
		},
		Watch: WatchConfig{
			Settings: Settings{
				Emoji:           "✅",
				ReplyText:       "تم ✅",
				Mode:            ModeEmoji,
				RatePerMinute:   20,
				CooldownSec:     3,
				NormalizeArabic: true,
			},
			BacklogPageSize:     200,
			BacklogLimitPerChat: 800,
		},
	}
}

// Load reads config from a JSON5 file over defaults, then overlays env
// vars and clamps invalid values. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.clamp()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NAMEWATCH_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("NAMEWATCH_BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
	if v := os.Getenv("NAMEWATCH_HTTP_TOKEN"); v != "" {
		c.HTTP.Token = v
	}
	if v := os.Getenv("NAMEWATCH_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
	}
	if v := os.Getenv("NAMEWATCH_DB_PATH"); v != "" {
		c.Database.Path = v
	}
}

// clamp enforces the documented bounds on settings.
func (c *Config) clamp() {
	s := &c.Watch.Settings
	if s.RatePerMinute < 1 {
		s.RatePerMinute = 1
	}
	if s.CooldownSec < 0 {
		s.CooldownSec = 0
	}
	if s.Mode != ModeText {
		s.Mode = ModeEmoji
	}
	if s.Emoji == "" {
		s.Emoji = "✅"
	}
	if c.Watch.BacklogPageSize < 1 {
		c.Watch.BacklogPageSize = 200
	}
	if c.Watch.BacklogLimitPerChat < 1 {
		c.Watch.BacklogLimitPerChat = 800
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
}

// Save writes the config as indented JSON (valid JSON5). Secrets carry
// `json:"-"` tags and are never persisted.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
