package discord

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	sendFails    int // rate-limit this many sends before succeeding
	reactions    []string
	typingCalls  int
	handler      interface{}
	removeCount  int
	channels     map[string]*discordgo.Channel // for Channel() lookups
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
	fileBody  string
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFails > 0 {
		m.sendFails--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	sent := sentMessage{channelID: channelID, data: data}
	if len(data.Files) > 0 {
		var b strings.Builder
		buf := make([]byte, 64)
		for {
			n, err := data.Files[0].Reader.Read(buf)
			b.Write(buf[:n])
			if err != nil {
				break
			}
		}
		sent.fileBody = b.String()
	}
	m.sentMessages = append(m.sentMessages, sent)
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, channelID+"/"+messageID+"/"+emojiID)
	return nil
}

func (m *mockSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typingCalls++
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMessages)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

func (m *mockSession) typingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typingCalls
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()

	a, err := New(AdapterOpts{
		Session:       sess,
		ChannelID:     "C_DEFAULT",
		AssistantName: "Andy",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.baseBackoff = time.Millisecond
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	return a, sess
}

func userMessage(id, channel, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: channel,
			Content:   content,
			Author:    &discordgo.User{ID: "U_ALICE", Username: "alice"},
		},
	}
}

func receive(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return telegraph.InboundMessage{}
}

// --- New / Connect tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Fatalf("err = %v, want bot token error", err)
	}
}

func TestAdapter_Identity(t *testing.T) {
	a, _ := newTestAdapter(t)
	if a.Platform() != "discord" || !a.OwnsJID("discord:1") || a.OwnsJID("slack:C1") {
		t.Error("identity mismatch")
	}
	if a.PrefixAssistantName() {
		t.Error("discord should not prefix the assistant name")
	}
}

func TestConnect_Success(t *testing.T) {
	_, sess := newTestAdapter(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")

	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Fatalf("err = %v, want open gateway error", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should not error: %v", err)
	}
}

// --- Listen tests ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_RegistersHandler(t *testing.T) {
	a, sess := newTestAdapter(t)
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sess.mu.Lock()
	_, ok := sess.handler.(func(*discordgo.Session, *discordgo.MessageCreate))
	sess.mu.Unlock()
	if !ok {
		t.Error("expected message handler to be registered")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["C1"] = &discordgo.Channel{ID: "C1", Name: "general", Type: discordgo.ChannelTypeGuildText}
	ch, _ := a.Listen(context.Background())

	m := userMessage("123456789012345678", "C1", "hello")
	m.Author.GlobalName = "Alice"
	m.Timestamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.MessageReference = &discordgo.MessageReference{MessageID: "99"}
	a.handleMessage(m)

	msg := receive(t, ch)
	if msg.Platform != "discord" || msg.ChatJID != "discord:C1" || msg.ChatName != "general" {
		t.Errorf("chat = %q %q %q", msg.Platform, msg.ChatJID, msg.ChatName)
	}
	if msg.MessageID != "123456789012345678" || msg.ReplyToID != "99" {
		t.Errorf("ids = %q reply=%q", msg.MessageID, msg.ReplyToID)
	}
	if msg.UserID != "U_ALICE" || msg.UserName != "Alice" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if !msg.Timestamp.Equal(m.Timestamp) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestListen_FiltersSelfAndBots(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	self := userMessage("1", "C1", "bot message")
	self.Author.ID = "BOT_USER_ID"
	a.handleMessage(self)

	other := userMessage("2", "C1", "other bot")
	other.Author.Bot = true
	a.handleMessage(other)

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "3", ChannelID: "C1", Content: "no author"}})
	a.handleMessage(userMessage("4", "C1", "real"))

	if msg := receive(t, ch); msg.Text != "real" {
		t.Errorf("expected real message, got %q", msg.Text)
	}
}

func TestHandleMessage_ThreadBelongsToParent(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["thread-999"] = &discordgo.Channel{
		ID:       "thread-999",
		Name:     "side topic",
		Type:     discordgo.ChannelTypeGuildPublicThread,
		ParentID: "parent-channel",
	}
	sess.channels["parent-channel"] = &discordgo.Channel{ID: "parent-channel", Name: "ops"}
	ch, _ := a.Listen(context.Background())

	a.handleMessage(userMessage("400", "thread-999", "hello from thread"))

	msg := receive(t, ch)
	if msg.ChatJID != "discord:parent-channel" || msg.ThreadID != "thread-999" || msg.ChatName != "ops" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHandleMessage_UnknownChannel(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(userMessage("500", "C_UNKNOWN", "hi"))

	msg := receive(t, ch)
	if msg.ChatJID != "discord:C_UNKNOWN" || msg.ThreadID != "" || msg.ChatName != "" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should fall back to the snowflake")
	}
}

func TestHandleMessage_TranslatesMention(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(userMessage("600", "C1", "<@!BOT_USER_ID> hi and <@BOT_USER_ID>"))

	if msg := receive(t, ch); msg.Text != "@Andy hi and @Andy" {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestHandleMessage_NoDeliveryAfterClose(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())
	a.Close()
	a.handleMessage(userMessage("700", "C1", "late"))
	if _, ok := <-ch; ok {
		t.Error("message delivered after close")
	}
	if sess.removeCount != 1 || !sess.closeCalled {
		t.Errorf("removeCount = %d, closeCalled = %v", sess.removeCount, sess.closeCalled)
	}
}

// --- Send tests ---

func TestSend_ToChatJID(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	last := sess.lastSent()
	if last.channelID != "C1" || last.data.Content != "hello" || last.data.Reference != nil {
		t.Errorf("sent = %+v", last)
	}
}

func TestSend_Reply(t *testing.T) {
	a, sess := newTestAdapter(t)
	_ = a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", ReplyToID: "42", Text: "yes"})
	ref := sess.lastSent().data.Reference
	if ref == nil || ref.MessageID != "42" || ref.ChannelID != "C1" {
		t.Errorf("reference = %+v", ref)
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	a, sess := newTestAdapter(t)
	_ = a.Send(context.Background(), telegraph.OutboundMessage{Text: "hello default"})
	if sess.lastSent().channelID != "C_DEFAULT" {
		t.Errorf("channel = %q", sess.lastSent().channelID)
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	a.Connect(context.Background())
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error for no channel")
	}
}

func TestSend_SplitsLongText(t *testing.T) {
	a, sess := newTestAdapter(t)
	_ = a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", Text: strings.Repeat("y", maxTextLen+1)})
	if sess.sentCount() != 2 {
		t.Errorf("sent %d chunks, want 2", sess.sentCount())
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", Text: "x"}); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_PostError(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = fmt.Errorf("missing access")
	err := a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "send message") {
		t.Fatalf("err = %v", err)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendFails = 2
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChatJID: "discord:C1", Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sess.sentCount() != 1 {
		t.Errorf("sent = %d", sess.sentCount())
	}
}

// --- React / Upload / Typing tests ---

func TestReact(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.React(context.Background(), "discord:C1", "55", "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(sess.reactions) != 1 || sess.reactions[0] != "C1/55/👍" {
		t.Errorf("reactions = %v", sess.reactions)
	}
}

func TestUpload(t *testing.T) {
	a, sess := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte("quarterly"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := a.Upload(context.Background(), "discord:C1", telegraph.Attachment{Kind: "document", Path: path, Caption: "Q3"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	last := sess.lastSent()
	if last.data.Content != "Q3" || last.data.Files[0].Name != "report.txt" || last.fileBody != "quarterly" {
		t.Errorf("sent = %+v body=%q", last.data, last.fileBody)
	}

	if err := a.Upload(context.Background(), "discord:C1", telegraph.Attachment{Path: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSetTyping_RefreshesUntilStopped(t *testing.T) {
	a, sess := newTestAdapter(t)
	a.typingEvery = 10 * time.Millisecond

	if err := a.SetTyping(context.Background(), "discord:C1", true); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for sess.typingCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.typingCount() < 3 {
		t.Fatalf("typing calls = %d, want refreshes", sess.typingCount())
	}

	_ = a.SetTyping(context.Background(), "discord:C1", false)
	time.Sleep(30 * time.Millisecond)
	n := sess.typingCount()
	time.Sleep(50 * time.Millisecond)
	if sess.typingCount() != n {
		t.Error("typing continued after stop")
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	a, _ := newTestAdapter(t)
	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	a, _ := newTestAdapter(t)
	calls := 0
	err := a.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil || calls != maxRetries+1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.baseBackoff = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.retryOnRateLimit(ctx, func() error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Verify interface compliance ---

var (
	_ telegraph.Adapter      = (*Adapter)(nil)
	_ telegraph.Reactor      = (*Adapter)(nil)
	_ telegraph.Uploader     = (*Adapter)(nil)
	_ telegraph.Typer        = (*Adapter)(nil)
	_ telegraph.NamePrefixer = (*Adapter)(nil)
	_ telegraph.BotUserIDer  = (*Adapter)(nil)
)
