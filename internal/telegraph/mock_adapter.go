package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter, Typer, Reactor and Uploader for testing.
// It records sent messages and allows simulating inbound messages via
// SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	platform  string
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []OutboundMessage
	typing    map[string]bool
	reactions []string // "jid/messageID/emoji"
	uploads   []Attachment
	botUserID string
	prefix    bool
	sendErr   error
}

// NewMockAdapter creates a MockAdapter for platform with a buffered inbound
// channel. The adapter asks for the assistant-name prefix.
func NewMockAdapter(platform string) *MockAdapter {
	return &MockAdapter{
		platform: platform,
		inbound:  make(chan InboundMessage, 100),
		typing:   make(map[string]bool),
		prefix:   true,
	}
}

// Platform returns the configured platform name.
func (m *MockAdapter) Platform() string { return m.platform }

// OwnsJID claims JIDs with the adapter's platform prefix.
func (m *MockAdapter) OwnsJID(jid string) bool {
	_, ok := ChatID(m.platform, jid)
	return ok
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// PrefixAssistantName implements NamePrefixer.
func (m *MockAdapter) PrefixAssistantName() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefix
}

// SetPrefixAssistantName toggles the name prefix for testing.
func (m *MockAdapter) SetPrefixAssistantName(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefix = v
}

// SetSendError makes every following Send fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

// SetTyping records the typing state per JID.
func (m *MockAdapter) SetTyping(ctx context.Context, jid string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[jid] = typing
	return nil
}

// React records the reaction.
func (m *MockAdapter) React(ctx context.Context, jid, messageID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, jid+"/"+messageID+"/"+emoji)
	return nil
}

// Upload records the attachment.
func (m *MockAdapter) Upload(ctx context.Context, jid string, file Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, file)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Platform == "" {
		msg.Platform = m.platform
	}
	m.inbound <- msg
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Typing reports the last typing state set for jid.
func (m *MockAdapter) Typing(jid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[jid]
}

// Reactions returns the recorded reactions as "jid/messageID/emoji".
func (m *MockAdapter) Reactions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reactions...)
}

// Uploads returns the recorded attachments.
func (m *MockAdapter) Uploads() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attachment(nil), m.uploads...)
}
