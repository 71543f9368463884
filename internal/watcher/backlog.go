package watcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/namewatch/internal/normalize"
	"github.com/nextlevelbuilder/namewatch/internal/transport"
)

// BacklogOptions controls a historical scan. A nil SinceMs falls back
// to each chat's stored checkpoint; LimitPerChat zero uses the
// configured default.
type BacklogOptions struct {
	SinceMs      *int64 `json:"since_ms,omitempty"`
	LimitPerChat int    `json:"limit_per_chat,omitempty"`
}

// ChatCount is the per-chat result of a count-only backlog scan.
type ChatCount struct {
	ChatID   string `json:"chat_id"`
	ChatName string `json:"chat_name"`
	Count    int    `json:"count"`
}

// BacklogCount is the result of CountBacklog.
type BacklogCount struct {
	Total   int         `json:"total"`
	ByChat  []ChatCount `json:"by_chat"`
	Scanned int         `json:"scanned"`
}

// ProcessBacklog scans historical messages for every selected group and
// enqueues eligible ones onto the same FIFO queue used for live
// messages. Eligible: timestamp strictly after the since mark, not
// self-authored, not already done. Returns the number of enqueued
// items.
func (w *Watcher) ProcessBacklog(ctx context.Context, opts BacklogOptions) (int, error) {
	if !w.client.Ready() {
		return 0, ErrNotReady
	}

	w.backlogMu.Lock()
	defer w.backlogMu.Unlock()

	groups, err := w.selectedGroups(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, chat := range groups {
		since := w.sinceFor(chat.ID, opts)
		w.logf("info", fmt.Sprintf("backlog scan: %s since %d", chat.Name, since))

		_, err := w.scanChat(ctx, chat, since, w.scanLimit(opts), func(msg transport.Message, tsMs int64) {
			if w.progress.IsDone(msg.ID) {
				w.progress.SetLastChecked(chat.ID, tsMs)
				return
			}
			w.enqueue(msg, tsMs)
			enqueued++
		})
		if err != nil {
			w.logf("warn", fmt.Sprintf("backlog scan failed for %s: %v", chat.Name, err))
			continue
		}
	}

	w.queue.Kick()
	return enqueued, nil
}

// CountBacklog performs the identical scan and matching logic but only
// tallies would-be matches. It never enqueues, acts, or writes any
// persisted state: a dry run for previewing impact.
func (w *Watcher) CountBacklog(ctx context.Context, opts BacklogOptions) (BacklogCount, error) {
	if !w.client.Ready() {
		return BacklogCount{}, ErrNotReady
	}

	w.backlogMu.Lock()
	defer w.backlogMu.Unlock()

	groups, err := w.selectedGroups(ctx)
	if err != nil {
		return BacklogCount{}, err
	}

	w.mu.RLock()
	settings := w.settings
	rules := w.rules
	w.mu.RUnlock()

	res := BacklogCount{}
	for _, chat := range groups {
		since := w.sinceFor(chat.ID, opts)

		count := 0
		scanned, err := w.scanChat(ctx, chat, since, w.scanLimit(opts), func(msg transport.Message, tsMs int64) {
			if w.progress.IsDone(msg.ID) {
				return
			}
			text := strings.TrimSpace(msg.Body)
			if text == "" {
				return
			}
			if _, ok := rules.FindMatch(normalize.Fold(text, settings.NormalizeArabic)); ok {
				count++
			}
		})
		if err != nil {
			w.logf("warn", fmt.Sprintf("backlog count failed for %s: %v", chat.Name, err))
			continue
		}

		res.ByChat = append(res.ByChat, ChatCount{ChatID: chat.ID, ChatName: chat.Name, Count: count})
		res.Total += count
		res.Scanned += scanned
	}

	return res, nil
}

// selectedGroups lists the group chats that pass the selected filter.
func (w *Watcher) selectedGroups(ctx context.Context) ([]transport.Chat, error) {
	chats, err := w.client.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	var groups []transport.Chat
	for _, c := range chats {
		if c.IsGroup && w.chatSelected(c.ID) {
			groups = append(groups, c)
		}
	}
	return groups, nil
}

// sinceFor resolves the scan floor for a chat: explicit option or the
// stored checkpoint.
func (w *Watcher) sinceFor(chatID string, opts BacklogOptions) int64 {
	if opts.SinceMs != nil {
		return *opts.SinceMs
	}
	return w.progress.LastChecked(chatID)
}

func (w *Watcher) scanLimit(opts BacklogOptions) int {
	if opts.LimitPerChat > 0 {
		return opts.LimitPerChat
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.limitPerChat
}

// scanChat pages backwards through a chat's history and hands each
// qualifying message (ts strictly after since, not self-authored) to
// visit, oldest-to-newest within each page. Stops on a short page, the
// per-chat limit, or once a page reaches messages at or before since.
// Returns the number of messages fetched.
func (w *Watcher) scanChat(ctx context.Context, chat transport.Chat, since int64, limit int, visit func(transport.Message, int64)) (int, error) {
	w.mu.RLock()
	pageSize := w.pageSize
	w.mu.RUnlock()

	fetched := 0
	beforeID := ""

	for fetched < limit {
		want := pageSize
		if rest := limit - fetched; rest < want {
			want = rest
		}

		msgs, err := w.client.FetchMessages(ctx, chat.ID, transport.FetchOptions{Limit: want, BeforeID: beforeID})
		if err != nil {
			return fetched, fmt.Errorf("fetch messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		// Pages arrive newest-first; walk them oldest-to-newest so the
		// queue preserves chronological order within the chat.
		exhausted := false
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			tsMs := m.TimestampMs()
			if tsMs <= since {
				exhausted = true
				continue
			}
			if m.FromMe {
				continue
			}
			visit(m, tsMs)
		}

		fetched += len(msgs)
		beforeID = msgs[len(msgs)-1].ID
		if len(msgs) < want || exhausted {
			break
		}
	}

	return fetched, nil
}
