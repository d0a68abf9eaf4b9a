// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

// Platform is the JID prefix for Discord chats.
const Platform = "discord"

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxTextLen is Discord's message content limit.
	maxTextLen = 2000
	// typingRefresh re-sends the typing indicator before Discord expires it.
	typingRefresh = 8 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	channelID     string // default channel for messages without a chat JID
	assistantName string
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan telegraph.InboundMessage
	removeHandler func()
	typing        map[string]context.CancelFunc
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	typingEvery   time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default channel to post to
	// AssistantName replaces @-mentions of the bot so they match the
	// "@<name>" trigger.
	AssistantName string
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:      opts.BotToken,
		channelID:     opts.ChannelID,
		assistantName: opts.AssistantName,
		inbound:       make(chan telegraph.InboundMessage, 100),
		typing:        make(map[string]context.CancelFunc),
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		typingEvery:   typingRefresh,
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Platform returns "discord".
func (a *Adapter) Platform() string { return Platform }

// OwnsJID claims "discord:" JIDs.
func (a *Adapter) OwnsJID(jid string) bool {
	_, ok := telegraph.ChatID(Platform, jid)
	return ok
}

// PrefixAssistantName is false: Discord shows the bot's name on its posts.
func (a *Adapter) PrefixAssistantName() bool { return false }

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects on its own; these are for the log.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

func (a *Adapter) channelFor(jid string) (string, error) {
	if jid == "" {
		if a.channelID == "" {
			return "", fmt.Errorf("discord: no channel specified")
		}
		return a.channelID, nil
	}
	ch, ok := telegraph.ChatID(Platform, jid)
	if !ok {
		return "", fmt.Errorf("discord: not a discord jid: %s", jid)
	}
	return ch, nil
}

// Send delivers a message to Discord, split at the 2000-character limit.
// A ReplyToID makes the first chunk a reply to that message.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	channelID, err := a.channelFor(msg.ChatJID)
	if err != nil {
		return err
	}

	for i, chunk := range telegraph.SplitText(msg.Text, maxTextLen) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyToID != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: channelID}
		}
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// React adds an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, jid, messageID, emoji string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	channelID, err := a.channelFor(jid)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(channelID, messageID, strings.TrimSpace(emoji))
	})
	if err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

// Upload posts a local file with its caption.
func (a *Adapter) Upload(ctx context.Context, jid string, file telegraph.Attachment) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	channelID, err := a.channelFor(jid)
	if err != nil {
		return err
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("discord: open attachment: %w", err)
	}
	defer f.Close()

	data := &discordgo.MessageSend{
		Content: file.Caption,
		Files:   []*discordgo.File{{Name: filepath.Base(file.Path), Reader: f}},
	}
	// The reader is consumed by the first attempt, so uploads are not retried.
	if _, err := a.sess.ChannelMessageSendComplex(channelID, data); err != nil {
		return fmt.Errorf("discord: upload %s: %w", file.Kind, err)
	}
	return nil
}

// SetTyping starts or stops the typing indicator for a chat. Discord
// expires the indicator after a few seconds, so it is refreshed until
// stopped.
func (a *Adapter) SetTyping(ctx context.Context, jid string, typing bool) error {
	channelID, err := a.channelFor(jid)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, ok := a.typing[jid]; ok {
		stop()
		delete(a.typing, jid)
	}
	if !typing || !a.connected {
		return nil
	}
	typingCtx, stop := context.WithCancel(context.Background())
	a.typing[jid] = stop
	go a.keepTyping(typingCtx, channelID)
	return nil
}

func (a *Adapter) keepTyping(ctx context.Context, channelID string) {
	ticker := time.NewTicker(a.typingEvery)
	defer ticker.Stop()
	for {
		if err := a.sess.ChannelTyping(channelID); err != nil {
			log.Printf("discord: typing %s: %v", channelID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	for jid, stop := range a.typing {
		stop()
		delete(a.typing, jid)
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	botID := a.BotUserID()
	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	// Threads are channels in Discord. A message inside a thread belongs to
	// the parent channel's chat.
	channelID := m.ChannelID
	threadID := ""
	chatName := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil {
		chatName = ch.Name
		if ch.IsThread() {
			channelID = ch.ParentID
			threadID = m.ChannelID
			if parent, err := a.sess.Channel(ch.ParentID); err == nil {
				chatName = parent.Name
			}
		}
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	a.deliver(telegraph.InboundMessage{
		Platform:  Platform,
		ChatJID:   telegraph.JID(Platform, channelID),
		ChatName:  chatName,
		MessageID: m.ID,
		ThreadID:  threadID,
		ReplyToID: replyTo,
		UserID:    m.Author.ID,
		UserName:  displayName(m),
		Text:      a.translateMention(m.Content, botID),
		Timestamp: ts.UTC(),
	})
}

// deliver hands msg to the inbound channel unless the adapter is closed.
func (a *Adapter) deliver(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.inbound <- msg
}

// translateMention rewrites "<@ID>" and "<@!ID>" into "@<assistant>" so
// bot mentions satisfy the trigger pattern.
func (a *Adapter) translateMention(text, botID string) string {
	if botID == "" || a.assistantName == "" {
		return text
	}
	text = strings.ReplaceAll(text, "<@!"+botID+">", "@"+a.assistantName)
	return strings.ReplaceAll(text, "<@"+botID+">", "@"+a.assistantName)
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a rate limit error.
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
