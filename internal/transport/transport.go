// Package transport defines the messaging-platform client consumed by
// the watcher. The concrete implementation (transport/bridge) talks to
// a whatsapp-web.js bridge process; the watcher only sees this
// interface, so tests substitute fakes.
package transport

import (
	"context"
	"errors"
)

// ErrNotReady is returned by operations that need an authenticated
// platform session before one is established.
var ErrNotReady = errors.New("transport not ready")

// Message is one chat message as delivered by the platform.
type Message struct {
	ID           string `json:"id"`
	ChatID       string `json:"chat_id"`
	ChatName     string `json:"chat_name"`
	SenderID     string `json:"sender_id"`
	FromMe       bool   `json:"from_me"`
	IsGroup      bool   `json:"is_group"`
	TimestampSec int64  `json:"timestamp"`
	Body         string `json:"body"`
}

// TimestampMs returns the message timestamp in milliseconds.
func (m Message) TimestampMs() int64 { return m.TimestampSec * 1000 }

// Chat is one conversation known to the platform session.
type Chat struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsGroup      bool   `json:"is_group"`
	Participants int    `json:"participants"`
}

// FetchOptions controls one page of a historical fetch. Pages are
// delivered newest-first; BeforeID continues past the previous page.
type FetchOptions struct {
	Limit    int
	BeforeID string
}

// Client is the platform transport. Action calls are possibly-failing
// side effects: the pipeline logs failures and moves on, it never
// retries them.
type Client interface {
	// Start begins the session and event delivery. Non-blocking after setup.
	Start(ctx context.Context) error
	// Stop tears the session down.
	Stop(ctx context.Context) error
	// Ready reports whether the platform session is authenticated.
	Ready() bool

	// Chats lists conversations. Fails with ErrNotReady before auth.
	Chats(ctx context.Context) ([]Chat, error)
	// FetchMessages returns one newest-first page of chat history.
	FetchMessages(ctx context.Context, chatID string, opts FetchOptions) ([]Message, error)

	// React attaches an emoji reaction to a message.
	React(ctx context.Context, chatID, messageID, emoji string) error
	// Reply sends a quoted reply to a message.
	Reply(ctx context.Context, chatID, messageID, text string) error
	// Forward forwards a message to another chat.
	Forward(ctx context.Context, chatID, messageID, targetChatID string) error
	// SendText sends a plain message to a chat.
	SendText(ctx context.Context, chatID, text string) error

	// OnMessage registers the live-message handler. Must be called
	// before Start.
	OnMessage(func(Message))
	// OnDisconnect registers the disconnect handler.
	OnDisconnect(func(reason string))
}
