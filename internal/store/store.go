// Package store persists messages, groups, sessions, scheduled tasks and
// router cursors on top of GORM.
package store

import (
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("store: task not found")

// Store is the durable record of messages, groups, sessions, tasks and
// cursors. All methods are safe for concurrent use; GORM pools connections.
type Store struct {
	db        *gorm.DB
	botPrefix string
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB *gorm.DB
	// AssistantName is used to exclude the bot's own echoed output
	// ("<AssistantName>:") from message queries.
	AssistantName string
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if opts.AssistantName == "" {
		return nil, fmt.Errorf("store: assistant name is required")
	}
	return &Store{db: opts.DB, botPrefix: opts.AssistantName + ":"}, nil
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// StoreMessage records an inbound message. Re-delivery of the same
// (id, chat) pair overwrites the previous copy.
func (s *Store) StoreMessage(msg models.ChatMessage) error {
	if msg.ID == "" || msg.ChatJID == "" {
		return fmt.Errorf("store: message id and chat jid are required")
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "chat_jid"}},
		DoUpdates: clause.AssignmentColumns([]string{"sender", "sender_name", "content", "timestamp", "reply_to_message_id", "is_from_bot"}),
	}).Create(&msg).Error
	if err != nil {
		return fmt.Errorf("store: store message %s: %w", msg.ID, err)
	}
	return nil
}

// StoreChatMetadata records that a chat exists and was active at timestamp.
// An empty name leaves any previously recorded name untouched.
func (s *Store) StoreChatMetadata(chatJID, timestamp, name string) error {
	chat := models.Chat{JID: chatJID, Name: name, LastMessageTime: timestamp}
	if name == "" {
		chat.Name = chatJID
	}
	updates := []string{"last_message_time"}
	if name != "" {
		updates = append(updates, "name")
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "jid"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&chat).Error
	if err != nil {
		return fmt.Errorf("store: chat metadata %s: %w", chatJID, err)
	}
	return nil
}

// GetAllChats lists every chat seen, most recently active first.
func (s *Store) GetAllChats() ([]models.Chat, error) {
	var chats []models.Chat
	if err := s.db.Order("last_message_time DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	return chats, nil
}

// GetNewMessages returns non-bot messages in any of chatJIDs newer than
// since, oldest first, along with the newest timestamp observed. When
// nothing is new the returned cursor equals since.
func (s *Store) GetNewMessages(chatJIDs []string, since string) ([]models.ChatMessage, string, error) {
	if len(chatJIDs) == 0 {
		return nil, since, nil
	}
	var msgs []models.ChatMessage
	err := s.userMessages().
		Where("chat_jid IN ? AND timestamp > ?", chatJIDs, since).
		Order("timestamp ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, since, fmt.Errorf("store: new messages: %w", err)
	}
	cursor := since
	for _, m := range msgs {
		if m.Timestamp > cursor {
			cursor = m.Timestamp
		}
	}
	return msgs, cursor, nil
}

// GetMessagesSince returns the non-bot backlog of one chat newer than since,
// oldest first, whether or not the poll loop has already seen it.
func (s *Store) GetMessagesSince(chatJID, since string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.userMessages().
		Where("chat_jid = ? AND timestamp > ?", chatJID, since).
		Order("timestamp ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: messages since %s for %s: %w", since, chatJID, err)
	}
	return msgs, nil
}

// userMessages scopes a query to messages not authored by the assistant.
func (s *Store) userMessages() *gorm.DB {
	return s.db.Model(&models.ChatMessage{}).
		Where("is_from_bot = ? AND content NOT LIKE ?", false, s.botPrefix+"%")
}
