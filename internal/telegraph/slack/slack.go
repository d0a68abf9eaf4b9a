// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

// Platform is the JID prefix for Slack chats.
const Platform = "slack"

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxTextLen is the longest text posted in a single message.
	maxTextLen = 4000
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	AddReaction(name string, item slackapi.ItemRef) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter for Slack Socket Mode.
type Adapter struct {
	client        slackClient
	socket        socketClient
	botUserID     string
	appToken      string
	botToken      string
	channelID     string // default channel for messages without a chat JID
	assistantName string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan telegraph.InboundMessage
	cancelFunc    context.CancelFunc
	userNames     map[string]string
	chatNames     map[string]string
	baseBackoff   time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff    time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect  int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	// AssistantName replaces @-mentions of the bot so they match the
	// "@<name>" trigger.
	AssistantName string
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:      opts.AppToken,
		botToken:      opts.BotToken,
		channelID:     opts.ChannelID,
		assistantName: opts.AssistantName,
		inbound:       make(chan telegraph.InboundMessage, 100),
		userNames:     make(map[string]string),
		chatNames:     make(map[string]string),
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		maxReconnect:  maxReconnectAttempts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Platform returns "slack".
func (a *Adapter) Platform() string { return Platform }

// OwnsJID claims "slack:" JIDs.
func (a *Adapter) OwnsJID(jid string) bool {
	_, ok := telegraph.ChatID(Platform, jid)
	return ok
}

// PrefixAssistantName is false: Slack shows the bot's name on its posts.
func (a *Adapter) PrefixAssistantName() bool { return false }

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	// Start socket mode in background with reconnection logic.
	go a.runWithReconnect(listenCtx)

	// Pump events from socket mode to inbound channel.
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

func (a *Adapter) channelFor(jid string) (string, error) {
	if jid == "" {
		if a.channelID == "" {
			return "", fmt.Errorf("slack: no channel specified")
		}
		return a.channelID, nil
	}
	ch, ok := telegraph.ChatID(Platform, jid)
	if !ok {
		return "", fmt.Errorf("slack: not a slack jid: %s", jid)
	}
	return ch, nil
}

// Send delivers a message to Slack. Long text is split across several
// posts; a ReplyToID posts into that message's thread.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	channelID, err := a.channelFor(msg.ChatJID)
	if err != nil {
		return err
	}

	for _, chunk := range telegraph.SplitText(msg.Text, maxTextLen) {
		options := buildMessageOptions(msg.ReplyToID, chunk)
		err := retryOnRateLimit(ctx, func() error {
			_, _, postErr := a.client.PostMessage(channelID, options...)
			return postErr
		})
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}

// React adds an emoji reaction to a message. messageID is the message ts.
func (a *Adapter) React(ctx context.Context, jid, messageID, emoji string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	channelID, err := a.channelFor(jid)
	if err != nil {
		return err
	}
	name := strings.Trim(strings.TrimSpace(emoji), ":")
	err = retryOnRateLimit(ctx, func() error {
		return a.client.AddReaction(name, slackapi.NewRefToMessage(channelID, messageID))
	})
	if err != nil {
		return fmt.Errorf("slack: add reaction: %w", err)
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		// Check if we're shutting down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge the event.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks. Channel messages and
// @-mentions of the bot arrive as separate events for the same ts; the
// store keys messages by id so the duplicate collapses.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Filter bot messages and message subtypes (edits, deletes, etc.).
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.handleMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		a.handleMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

// handleMessage converts a Slack message to an InboundMessage.
func (a *Adapter) handleMessage(channel, user, text, ts, threadTS string) {
	if user == "" || user == a.BotUserID() {
		return
	}
	replyTo := ""
	if threadTS != "" && threadTS != ts {
		replyTo = threadTS
	}
	a.deliver(telegraph.InboundMessage{
		Platform:  Platform,
		ChatJID:   telegraph.JID(Platform, channel),
		ChatName:  a.resolveChatName(channel),
		MessageID: ts,
		ThreadID:  threadTS,
		ReplyToID: replyTo,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      a.translateMention(text),
		Timestamp: parseSlackTimestamp(ts),
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

// translateMention rewrites "<@BOTID>" into "@<assistant>" so bot mentions
// satisfy the trigger pattern.
func (a *Adapter) translateMention(text string) string {
	bot := a.BotUserID()
	if bot == "" || a.assistantName == "" {
		return text
	}
	return strings.ReplaceAll(text, "<@"+bot+">", "@"+a.assistantName)
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.userNames[userID]
	a.mu.Unlock()
	if ok {
		return name
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.mu.Lock()
	a.userNames[userID] = name
	a.mu.Unlock()
	return name
}

// resolveChatName looks up a channel's name. Returns "" when unknown.
func (a *Adapter) resolveChatName(channelID string) string {
	a.mu.Lock()
	name, ok := a.chatNames[channelID]
	a.mu.Unlock()
	if ok {
		return name
	}
	ch, err := a.client.GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		log.Printf("slack: conversation info %s: %v", channelID, err)
		return ""
	}
	a.mu.Lock()
	a.chatNames[channelID] = ch.Name
	a.mu.Unlock()
	return ch.Name
}

// buildMessageOptions translates outbound text into Slack MsgOptions.
func buildMessageOptions(threadTS, text string) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}
	return append(options, slackapi.MsgOptionText(text, false))
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time with microsecond precision.
func parseSlackTimestamp(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracPart != "" {
		frac := (fracPart + "000000")[:6]
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, usec*1000).UTC()
}
