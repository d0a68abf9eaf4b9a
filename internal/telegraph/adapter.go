// Package telegraph connects roundhouse to chat platforms (Slack, Discord).
// Every chat is addressed by a JID of the form "<platform>:<chat id>", and
// an Adapter claims the JIDs of its own platform.
package telegraph

import (
	"context"
	"strings"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Platform names the adapter ("slack", "discord"). It is the JID prefix.
	Platform() string

	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// OwnsJID reports whether jid addresses a chat on this platform.
	OwnsJID(jid string) bool

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	ChatJID   string    // "<platform>:<chat id>"
	ChatName  string    // human-readable chat name, when the platform exposes one
	MessageID string    // platform message id
	ThreadID  string    // thread/conversation identifier (empty if top-level)
	ReplyToID string    // message this one replies to, if any
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChatJID   string // target chat
	ReplyToID string // message to reply to (empty for a plain message)
	Text      string // message text (platform-native formatting)
}

// Attachment is a local file to upload into a chat.
type Attachment struct {
	Kind    string // "photo", "document" or "video"
	Path    string // host path
	Caption string
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// Typer is implemented by adapters that can show a typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// Reactor is implemented by adapters that can react to a message.
type Reactor interface {
	React(ctx context.Context, jid, messageID, emoji string) error
}

// Uploader is implemented by adapters that can upload files.
type Uploader interface {
	Upload(ctx context.Context, jid string, file Attachment) error
}

// NamePrefixer lets an adapter opt out of the "<assistant>: " prefix on
// outbound text, for platforms that already show the bot's name.
type NamePrefixer interface {
	PrefixAssistantName() bool
}

// JID builds the chat address for a platform chat id.
func JID(platform, chatID string) string {
	return platform + ":" + chatID
}

// SplitJID returns the platform and chat id of a JID.
func SplitJID(jid string) (platform, chatID string, ok bool) {
	platform, chatID, ok = strings.Cut(jid, ":")
	if !ok || platform == "" || chatID == "" {
		return "", "", false
	}
	return platform, chatID, true
}

// ChatID returns the platform chat id of jid when it belongs to platform.
func ChatID(platform, jid string) (string, bool) {
	p, id, ok := SplitJID(jid)
	if !ok || p != platform {
		return "", false
	}
	return id, true
}
