// Package bridge implements transport.Client against a whatsapp-web.js
// bridge process over a WebSocket JSON protocol. The bridge owns the
// actual WhatsApp session (QR login, reconnect to the platform); this
// client only speaks JSON frames to it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/namewatch/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	callTimeout      = 45 * time.Second
	maxBackoff       = 30 * time.Second
)

// Config holds bridge connection settings.
type Config struct {
	// URL is the bridge WebSocket endpoint, e.g. "ws://127.0.0.1:8790".
	URL string
	// Token, when set, is sent as a query parameter for bridge auth.
	Token string
	// CallsPerSecond paces outbound RPC calls to the bridge. Zero
	// disables pacing.
	CallsPerSecond float64
}

// envelope is one JSON frame in either direction. Type carries the
// method name for calls and events; responses echo the call ID.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// call parameter / payload shapes understood by the bridge.
type callParams struct {
	ChatID   string `json:"chat_id,omitempty"`
	Message  string `json:"message_id,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	Text     string `json:"text,omitempty"`
	TargetID string `json:"target_chat_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	BeforeID string `json:"before_id,omitempty"`
}

type outFrame struct {
	Type   string     `json:"type"`
	ID     string     `json:"id"`
	Params callParams `json:"params"`
}

// Client is the WebSocket bridge transport.
type Client struct {
	cfg     Config
	limiter *rate.Limiter

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	ready  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	onMessage    func(transport.Message)
	onDisconnect func(reason string)
}

// New creates a bridge client. Start must be called before use.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	c := &Client{
		cfg:     cfg,
		pending: make(map[string]chan envelope),
	}
	if cfg.CallsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return c, nil
}

// OnMessage registers the live-message handler.
func (c *Client) OnMessage(fn func(transport.Message)) { c.onMessage = fn }

// OnDisconnect registers the disconnect handler.
func (c *Client) OnDisconnect(fn func(string)) { c.onDisconnect = fn }

// Ready reports whether the bridge session is authenticated.
func (c *Client) Ready() bool { return c.ready.Load() }

// Start connects to the bridge and begins the listen loop.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("starting bridge transport", "url", c.cfg.URL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Don't fail hard; the listen loop keeps retrying.
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Stop closes the connection and halts reconnection.
func (c *Client) Stop(_ context.Context) error {
	slog.Info("stopping bridge transport")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.ready.Store(false)
	return nil
}

func (c *Client) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	url := c.cfg.URL
	if c.cfg.Token != "" {
		url += "?token=" + c.cfg.Token
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("bridge connected", "url", c.cfg.URL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Client) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			c.dropConn("read error")
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("invalid bridge frame", "error", err)
			continue
		}

		c.handleFrame(env)
	}
}

func (c *Client) dropConn(reason string) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	wasReady := c.ready.Swap(false)
	c.failPending(fmt.Errorf("bridge connection lost: %s", reason))
	if wasReady && c.onDisconnect != nil {
		c.onDisconnect(reason)
	}
}

func (c *Client) handleFrame(env envelope) {
	switch env.Type {
	case "response":
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}

	case "ready":
		c.ready.Store(true)
		slog.Info("bridge session ready")

	case "disconnected":
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		slog.Warn("bridge session disconnected", "reason", p.Reason)
		c.ready.Store(false)
		if c.onDisconnect != nil {
			c.onDisconnect(p.Reason)
		}

	case "message":
		var msg transport.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			slog.Warn("invalid bridge message payload", "error", err)
			return
		}
		if msg.ID == "" || msg.ChatID == "" {
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}

	default:
		slog.Debug("unhandled bridge frame", "type", env.Type)
	}
}

// failPending unblocks all in-flight calls with an error response.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- envelope{Type: "response", ID: id, OK: false, Error: err.Error()}
	}
}

// callResult issues an RPC frame and waits for the matching response,
// decoding its payload into out when out is non-nil.
func (c *Client) callResult(ctx context.Context, method string, params callParams, out interface{}) error {
	if !c.Ready() {
		return transport.ErrNotReady
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate wait: %w", err)
		}
	}

	id := uuid.NewString()
	frame := outFrame{Type: method, ID: id, Params: params}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s call: %w", method, err)
	}

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	} else {
		err = fmt.Errorf("bridge not connected")
	}
	c.mu.Unlock()

	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s call: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-time.After(callTimeout):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("%s call timed out", method)
	case env := <-ch:
		if !env.OK {
			return fmt.Errorf("%s failed: %s", method, env.Error)
		}
		if out != nil && len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}

// Chats lists conversations known to the bridge session.
func (c *Client) Chats(ctx context.Context) ([]transport.Chat, error) {
	var out struct {
		Chats []transport.Chat `json:"chats"`
	}
	if err := c.callResult(ctx, "chats", callParams{}, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// FetchMessages returns one newest-first page of chat history.
func (c *Client) FetchMessages(ctx context.Context, chatID string, opts transport.FetchOptions) ([]transport.Message, error) {
	var out struct {
		Messages []transport.Message `json:"messages"`
	}
	params := callParams{ChatID: chatID, Limit: opts.Limit, BeforeID: opts.BeforeID}
	if err := c.callResult(ctx, "fetch_messages", params, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// React attaches an emoji reaction to a message.
func (c *Client) React(ctx context.Context, chatID, messageID, emoji string) error {
	return c.callResult(ctx, "react", callParams{ChatID: chatID, Message: messageID, Emoji: emoji}, nil)
}

// Reply sends a quoted reply to a message.
func (c *Client) Reply(ctx context.Context, chatID, messageID, text string) error {
	return c.callResult(ctx, "reply", callParams{ChatID: chatID, Message: messageID, Text: text}, nil)
}

// Forward forwards a message to another chat.
func (c *Client) Forward(ctx context.Context, chatID, messageID, targetChatID string) error {
	return c.callResult(ctx, "forward", callParams{ChatID: chatID, Message: messageID, TargetID: targetChatID}, nil)
}

// SendText sends a plain message to a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	return c.callResult(ctx, "send", callParams{ChatID: chatID, Text: text}, nil)
}
