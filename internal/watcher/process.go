package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/dispatch"
	"github.com/nextlevelbuilder/namewatch/internal/match"
	"github.com/nextlevelbuilder/namewatch/internal/normalize"
)

// processItem is the worker's per-item step. It runs on the single
// drain goroutine; the cooldown and rate waits below therefore stall
// the whole pipeline, which is the intended global ordering tradeoff.
func (w *Watcher) processItem(item dispatch.Item) {
	w.lastActivity.Store(w.now().UnixMilli())

	// The done-set is also checked at enqueue time, but the same id can
	// be enqueued twice before the worker drains (overlapping backlog
	// scans, or live plus backlog). The check here is the one that
	// guarantees at-most-once.
	if w.progress.IsDone(item.MessageID) {
		w.progress.SetLastChecked(item.ChatID, item.TimestampMs)
		return
	}

	text := strings.TrimSpace(item.Text)
	if text == "" {
		w.progress.SetLastChecked(item.ChatID, item.TimestampMs)
		return
	}

	w.mu.RLock()
	settings := w.settings
	rules := w.rules
	w.mu.RUnlock()

	m, ok := rules.FindMatch(normalize.Fold(text, settings.NormalizeArabic))
	if !ok {
		w.progress.SetLastChecked(item.ChatID, item.TimestampMs)
		return
	}

	w.waitCooldown(item.ChatID, settings.CooldownSec)
	w.window.Wait(settings.RatePerMinute)

	w.act(item, m, settings)
	w.record(item, m)
}

// waitCooldown suspends the worker until the chat's cooldown has
// elapsed since its last action.
func (w *Watcher) waitCooldown(chatID string, cooldownSec int) {
	if cooldownSec <= 0 {
		return
	}
	anchor := w.progress.CooldownAnchor(chatID)
	if anchor == 0 {
		return
	}
	elapsed := time.Duration(w.now().UnixMilli()-anchor) * time.Millisecond
	if wait := time.Duration(cooldownSec)*time.Second - elapsed; wait > 0 {
		w.sleep(wait)
	}
}

// act performs the external reaction (and forward, for list matches).
// Failures are logged and never block the bookkeeping that follows.
func (w *Watcher) act(item dispatch.Item, m match.Match, settings config.Settings) {
	ctx := context.Background()

	var err error
	if settings.Mode == config.ModeText && settings.ReplyText != "" {
		err = w.client.Reply(ctx, item.ChatID, item.MessageID, settings.ReplyText)
	} else {
		err = w.client.React(ctx, item.ChatID, item.MessageID, m.Emoji(settings.Emoji))
	}
	if err != nil {
		w.logf("warn", fmt.Sprintf("action failed for %s in %s: %v", m.Label(), item.ChatName, err))
	} else {
		w.logf("info", fmt.Sprintf("%s → %s", item.ChatName, m.Label()))
	}

	if m.Kind == match.KindList && m.List.Forward && m.List.TargetChatID != "" {
		if err := w.client.Forward(ctx, item.ChatID, item.MessageID, m.List.TargetChatID); err != nil {
			w.logf("warn", fmt.Sprintf("forward to %s failed: %v", m.List.TargetChatID, err))
		}
	}
}

// record persists the bookkeeping for one acted-upon item: rate hit,
// cooldown anchor, done flag, list hit counter, checkpoint.
func (w *Watcher) record(item dispatch.Item, m match.Match) {
	nowMs := w.now().UnixMilli()

	w.window.Hit()
	w.progress.SetCooldownAnchor(item.ChatID, nowMs)
	w.progress.MarkDone(item.MessageID)
	if m.Kind == match.KindList {
		w.progress.RecordListHit(m.List.ID, m.Item.Key, m.Item.Name, item.ChatID, nowMs)
	}
	w.progress.SetLastChecked(item.ChatID, item.TimestampMs)
	w.lastActivity.Store(nowMs)
}
