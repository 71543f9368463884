package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/dispatch"
	"github.com/nextlevelbuilder/namewatch/internal/match"
	"github.com/nextlevelbuilder/namewatch/internal/store"
	"github.com/nextlevelbuilder/namewatch/internal/transport"
)

// testClock is a mutex-guarded fake clock shared between the worker
// goroutine (which advances it by sleeping) and test assertions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type action struct {
	chatID string
	msgID  string
	arg    string // emoji, text or target chat
	at     time.Time
}

// fakeTransport implements transport.Client in memory.
type fakeTransport struct {
	mu       sync.Mutex
	ready    bool
	chats    []transport.Chat
	history  map[string][]transport.Message // newest-first
	reacts   []action
	replies  []action
	forwards []action

	clk          *testClock
	onMessage    func(transport.Message)
	onDisconnect func(string)
}

func newFakeTransport(clk *testClock) *fakeTransport {
	return &fakeTransport{ready: true, history: make(map[string][]transport.Message), clk: clk}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error  { return nil }

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) Chats(ctx context.Context) ([]transport.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Chat(nil), f.chats...), nil
}

func (f *fakeTransport) FetchMessages(ctx context.Context, chatID string, opts transport.FetchOptions) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := f.history[chatID]
	start := 0
	if opts.BeforeID != "" {
		for i, m := range msgs {
			if m.ID == opts.BeforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + opts.Limit
	if end > len(msgs) {
		end = len(msgs)
	}
	if start >= len(msgs) {
		return nil, nil
	}
	return append([]transport.Message(nil), msgs[start:end]...), nil
}

func (f *fakeTransport) React(ctx context.Context, chatID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, action{chatID, messageID, emoji, f.clk.Now()})
	return nil
}

func (f *fakeTransport) Reply(ctx context.Context, chatID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, action{chatID, messageID, text, f.clk.Now()})
	return nil
}

func (f *fakeTransport) Forward(ctx context.Context, chatID, messageID, targetChatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, action{chatID, messageID, targetChatID, f.clk.Now()})
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, chatID, text string) error { return nil }

func (f *fakeTransport) OnMessage(fn func(transport.Message))  { f.onMessage = fn }
func (f *fakeTransport) OnDisconnect(fn func(string))          { f.onDisconnect = fn }

func (f *fakeTransport) reactCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reacts)
}

func (f *fakeTransport) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Names = []match.TrackedName{{Name: "احمد"}}
	cfg.Watch.CooldownSec = 0
	cfg.Watch.RatePerMinute = 100
	return cfg
}

func newTestWatcher(t *testing.T, cfg *config.Config) (*Watcher, *fakeTransport, *store.Mem, *testClock) {
	t.Helper()

	clk := newTestClock()
	fake := newFakeTransport(clk)
	mem := store.NewMem()

	w := New(cfg, mem, fake, bus.New())
	w.now = clk.Now
	w.sleep = clk.Sleep
	w.window = dispatch.NewWindow(time.Minute).WithClock(clk.Now, clk.Sleep)

	return w, fake, mem, clk
}

func groupMsg(id, chatID, body string, ts int64) transport.Message {
	return transport.Message{
		ID:           id,
		ChatID:       chatID,
		ChatName:     "Group " + chatID,
		IsGroup:      true,
		TimestampSec: ts,
		Body:         body,
	}
}

// waitFor polls until cond holds or the deadline passes. The queue
// worker sleeps on the fake clock, so real waits here stay short.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func drained(w *Watcher) func() bool {
	return func() bool { return w.Status().QueueSize == 0 }
}

func TestLiveMatchReacts(t *testing.T) {
	w, fake, mem, _ := newTestWatcher(t, baseConfig())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "وصل احمد الآن", 1_700_000_100))

	waitFor(t, func() bool { return fake.reactCount() == 1 })
	waitFor(t, drained(w))

	fake.mu.Lock()
	got := fake.reacts[0]
	fake.mu.Unlock()
	if got.chatID != "g1" || got.msgID != "m1" || got.arg != "✅" {
		t.Errorf("react = %+v", got)
	}
	if !mem.IsDone("m1") {
		t.Error("message not marked done")
	}
	if mem.LastChecked("g1") != 1_700_000_100_000 {
		t.Errorf("checkpoint = %d", mem.LastChecked("g1"))
	}
	if mem.CooldownAnchor("g1") == 0 {
		t.Error("cooldown anchor not set")
	}
}

func TestLiveSkipsIneligible(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.SelectedChats = []string{"g1"}
	w, fake, _, _ := newTestWatcher(t, cfg)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	self := groupMsg("m1", "g1", "احمد", 100)
	self.FromMe = true
	fake.onMessage(self)

	direct := groupMsg("m2", "g1", "احمد", 100)
	direct.IsGroup = false
	fake.onMessage(direct)

	fake.onMessage(groupMsg("m3", "g2", "احمد", 100)) // unselected chat

	waitFor(t, drained(w))
	time.Sleep(10 * time.Millisecond)
	if n := fake.reactCount(); n != 0 {
		t.Errorf("reacted %d times to ineligible messages", n)
	}
}

func TestLiveIgnoredWhileStopped(t *testing.T) {
	w, fake, _, _ := newTestWatcher(t, baseConfig())
	// Not started.
	fake.onMessage(groupMsg("m1", "g1", "احمد", 100))
	time.Sleep(10 * time.Millisecond)
	if fake.reactCount() != 0 || w.Status().QueueSize != 0 {
		t.Error("message processed while stopped")
	}
}

func TestDedupAcrossRestart(t *testing.T) {
	w, fake, mem, _ := newTestWatcher(t, baseConfig())
	mem.MarkDone("m1")
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "احمد", 1_700_000_200))

	waitFor(t, func() bool { return mem.LastChecked("g1") == 1_700_000_200_000 })
	time.Sleep(10 * time.Millisecond)
	if fake.reactCount() != 0 {
		t.Error("acted twice on the same message")
	}
}

func TestNoMatchAdvancesCheckpoint(t *testing.T) {
	w, fake, mem, _ := newTestWatcher(t, baseConfig())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "صباح الخير", 1_700_000_300))

	waitFor(t, drained(w))
	waitFor(t, func() bool { return mem.LastChecked("g1") == 1_700_000_300_000 })
	if fake.reactCount() != 0 {
		t.Error("reacted to a non-matching message")
	}
	if mem.IsDone("m1") {
		t.Error("non-matching message marked done")
	}
}

func TestTextModeReplies(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.Mode = config.ModeText
	cfg.Watch.ReplyText = "تم ✅"
	w, fake, _, _ := newTestWatcher(t, cfg)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "احمد هنا", 100))

	waitFor(t, func() bool { return fake.replyCount() == 1 })
	fake.mu.Lock()
	got := fake.replies[0]
	fake.mu.Unlock()
	if got.arg != "تم ✅" {
		t.Errorf("reply text = %q", got.arg)
	}
	if fake.reactCount() != 0 {
		t.Error("reacted in text mode")
	}
}

func TestCooldownSpacesActionsPerChat(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.CooldownSec = 5
	w, fake, _, _ := newTestWatcher(t, cfg)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "احمد", 100))
	fake.onMessage(groupMsg("m2", "g1", "احمد مرة ثانية", 101))

	waitFor(t, func() bool { return fake.reactCount() == 2 })

	fake.mu.Lock()
	gap := fake.reacts[1].at.Sub(fake.reacts[0].at)
	fake.mu.Unlock()
	if gap < 5*time.Second {
		t.Errorf("actions %v apart, want >= 5s", gap)
	}
}

func TestRateLimitDefersOverflow(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.RatePerMinute = 2
	w, fake, _, _ := newTestWatcher(t, cfg)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	// Different chats so the per-chat cooldown stays out of the picture.
	fake.onMessage(groupMsg("m1", "g1", "احمد", 100))
	fake.onMessage(groupMsg("m2", "g2", "احمد", 100))
	fake.onMessage(groupMsg("m3", "g3", "احمد", 100))

	waitFor(t, func() bool { return fake.reactCount() == 3 })

	fake.mu.Lock()
	first, third := fake.reacts[0].at, fake.reacts[2].at
	fake.mu.Unlock()
	if gap := third.Sub(first); gap < 50*time.Second {
		t.Errorf("third action only %v after the first, want the next window", gap)
	}
}

func TestForwardOnListMatch(t *testing.T) {
	cfg := baseConfig()
	cfg.Names = nil
	cfg.NameLists = []match.NameList{{
		ID:           "vip",
		Label:        "VIP",
		Emoji:        "⭐",
		Forward:      true,
		TargetChatID: "archive",
		Names:        []match.TrackedName{{Name: "سارة"}},
	}}
	w, fake, mem, _ := newTestWatcher(t, cfg)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	fake.onMessage(groupMsg("m1", "g1", "وصلت سارة", 100))

	waitFor(t, func() bool { return fake.reactCount() == 1 })
	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.forwards) == 1
	})

	fake.mu.Lock()
	react, fwd := fake.reacts[0], fake.forwards[0]
	fake.mu.Unlock()
	if react.arg != "⭐" {
		t.Errorf("list emoji not used: %q", react.arg)
	}
	if fwd.arg != "archive" {
		t.Errorf("forward target = %q", fwd.arg)
	}

	stats, err := mem.ListStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].ListID != "vip" || stats[0].HitCount != 1 {
		t.Errorf("list stats = %+v", stats)
	}
}

func TestDisconnectStopsWatcher(t *testing.T) {
	w, fake, _, _ := newTestWatcher(t, baseConfig())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	fake.onDisconnect("session closed")
	if w.Running() {
		t.Error("watcher still running after disconnect")
	}
}

func TestStartRequiresReady(t *testing.T) {
	w, fake, _, _ := newTestWatcher(t, baseConfig())
	fake.mu.Lock()
	fake.ready = false
	fake.mu.Unlock()
	if err := w.Start(); err != ErrNotReady {
		t.Errorf("Start() = %v, want ErrNotReady", err)
	}
}

func seedBacklog(fake *fakeTransport, chatID string, n int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.chats = append(fake.chats, transport.Chat{ID: chatID, Name: "Group " + chatID, IsGroup: true})
	// Newest-first history: ids m<n>..m1, timestamps n..1.
	var msgs []transport.Message
	for i := n; i >= 1; i-- {
		body := "كلام عادي"
		if i%2 == 0 {
			body = "ذكر احمد هنا"
		}
		msgs = append(msgs, transport.Message{
			ID:           fmt.Sprintf("%s-m%d", chatID, i),
			ChatID:       chatID,
			IsGroup:      true,
			TimestampSec: int64(i),
			Body:         body,
		})
	}
	fake.history[chatID] = msgs
}

func TestProcessBacklog(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.BacklogPageSize = 3
	w, fake, mem, _ := newTestWatcher(t, cfg)
	seedBacklog(fake, "g1", 8)

	// Checkpoint at ts 2: messages 3..8 are pending, 4 even-numbered
	// ones among 1..8 but only 4,6,8 are past the checkpoint.
	mem.SetLastChecked("g1", 2000)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	enqueued, err := w.ProcessBacklog(context.Background(), BacklogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if enqueued != 6 {
		t.Errorf("enqueued = %d, want 6 (ts 3..8)", enqueued)
	}

	waitFor(t, drained(w))
	waitFor(t, func() bool { return fake.reactCount() == 3 })

	if got := mem.LastChecked("g1"); got != 8000 {
		t.Errorf("checkpoint = %d, want 8000", got)
	}
	for _, id := range []string{"g1-m4", "g1-m6", "g1-m8"} {
		if !mem.IsDone(id) {
			t.Errorf("%s not marked done", id)
		}
	}
}

// Overlapping scans can enqueue the same id twice before the worker
// drains; the worker's own done check must keep the action at-most-once.
func TestBacklogRescanActsOnce(t *testing.T) {
	w, fake, mem, _ := newTestWatcher(t, baseConfig())
	seedBacklog(fake, "g1", 2)

	for i := 0; i < 2; i++ {
		if _, err := w.ProcessBacklog(context.Background(), BacklogOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, drained(w))

	if got := fake.reactCount(); got != 1 {
		t.Errorf("message acted upon %d times, want 1", got)
	}
	if !mem.IsDone("g1-m2") {
		t.Error("g1-m2 not marked done")
	}
	if got := mem.LastChecked("g1"); got != 2000 {
		t.Errorf("checkpoint = %d, want 2000", got)
	}
}

func TestProcessBacklogSkipsDoneAndSelf(t *testing.T) {
	cfg := baseConfig()
	w, fake, mem, _ := newTestWatcher(t, cfg)
	seedBacklog(fake, "g1", 4)

	fake.mu.Lock()
	fake.history["g1"][0].FromMe = true // newest message is ours
	fake.mu.Unlock()
	mem.MarkDone("g1-m2")

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	enqueued, err := w.ProcessBacklog(context.Background(), BacklogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// m4 is FromMe, m2 is done: m1 and m3 remain.
	if enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", enqueued)
	}
	waitFor(t, drained(w))
	if fake.reactCount() != 0 {
		t.Errorf("reacted %d times, both eligible messages are odd non-matches", fake.reactCount())
	}
}

func TestProcessBacklogSinceOverride(t *testing.T) {
	cfg := baseConfig()
	w, fake, _, _ := newTestWatcher(t, cfg)
	seedBacklog(fake, "g1", 6)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	since := int64(4000)
	enqueued, err := w.ProcessBacklog(context.Background(), BacklogOptions{SinceMs: &since})
	if err != nil {
		t.Fatal(err)
	}
	if enqueued != 2 {
		t.Errorf("enqueued = %d, want 2 (ts 5 and 6)", enqueued)
	}
	waitFor(t, drained(w))
}

func TestCountBacklogIsPure(t *testing.T) {
	cfg := baseConfig()
	cfg.Watch.BacklogPageSize = 3
	w, fake, mem, _ := newTestWatcher(t, cfg)
	seedBacklog(fake, "g1", 8)
	mem.SetLastChecked("g1", 2000)

	res, err := w.CountBacklog(context.Background(), BacklogOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 {
		t.Errorf("Total = %d, want 3 matches (ts 4, 6, 8)", res.Total)
	}
	if len(res.ByChat) != 1 || res.ByChat[0].ChatID != "g1" || res.ByChat[0].Count != 3 {
		t.Errorf("ByChat = %+v", res.ByChat)
	}
	if res.Scanned == 0 {
		t.Error("Scanned = 0")
	}

	// Nothing observable changed.
	if fake.reactCount() != 0 {
		t.Error("count-only scan reacted")
	}
	if got := mem.LastChecked("g1"); got != 2000 {
		t.Errorf("count-only scan moved checkpoint to %d", got)
	}
	if w.Status().QueueSize != 0 {
		t.Error("count-only scan enqueued work")
	}
}

func TestCountMatchesProcessActions(t *testing.T) {
	cfg := baseConfig()
	w, fake, mem, _ := newTestWatcher(t, cfg)
	seedBacklog(fake, "g1", 8)
	mem.SetLastChecked("g1", 2000)

	res, err := w.CountBacklog(context.Background(), BacklogOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ProcessBacklog(context.Background(), BacklogOptions{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, drained(w))
	waitFor(t, func() bool { return fake.reactCount() == res.Total })
}

func TestBacklogRequiresReady(t *testing.T) {
	w, fake, _, _ := newTestWatcher(t, baseConfig())
	fake.mu.Lock()
	fake.ready = false
	fake.mu.Unlock()

	if _, err := w.ProcessBacklog(context.Background(), BacklogOptions{}); err != ErrNotReady {
		t.Errorf("ProcessBacklog error = %v, want ErrNotReady", err)
	}
	if _, err := w.CountBacklog(context.Background(), BacklogOptions{}); err != ErrNotReady {
		t.Errorf("CountBacklog error = %v, want ErrNotReady", err)
	}
}

func TestSettingsHotSwap(t *testing.T) {
	w, fake, _, _ := newTestWatcher(t, baseConfig())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	// Switch the tracked names at runtime; the old name stops matching.
	w.SetTrackedNames([]match.TrackedName{{Name: "خالد"}})

	fake.onMessage(groupMsg("m1", "g1", "احمد هنا", 100))
	fake.onMessage(groupMsg("m2", "g1", "خالد هنا", 101))

	waitFor(t, func() bool { return fake.reactCount() == 1 })
	waitFor(t, drained(w))

	fake.mu.Lock()
	got := fake.reacts[0].msgID
	fake.mu.Unlock()
	if got != "m2" {
		t.Errorf("reacted to %s, want m2", got)
	}
}
