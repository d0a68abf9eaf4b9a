package store

import (
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cursor keys in router_states.
const (
	KeyLastSeen      = "last_timestamp"
	KeyLastDelivered = "last_agent_timestamp"
)

// GetRegisteredGroups returns all groups keyed by chat jid.
func (s *Store) GetRegisteredGroups() (map[string]models.Group, error) {
	var groups []models.Group
	if err := s.db.Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	out := make(map[string]models.Group, len(groups))
	for _, g := range groups {
		out[g.JID] = g
	}
	return out, nil
}

// SetRegisteredGroup creates or replaces a group registration.
func (s *Store) SetRegisteredGroup(g models.Group) error {
	if g.JID == "" || g.Folder == "" {
		return fmt.Errorf("store: group jid and folder are required")
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "jid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "folder", "trigger", "requires_trigger", "added_at"}),
	}).Create(&g).Error
	if err != nil {
		return fmt.Errorf("store: register group %s: %w", g.JID, err)
	}
	return nil
}

// GetAllSessions returns the agent session id per group folder.
func (s *Store) GetAllSessions() (map[string]string, error) {
	var rows []models.Session
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.GroupFolder] = r.SessionID
	}
	return out, nil
}

// SetSession records the resumable session id for a group folder.
func (s *Store) SetSession(folder, sessionID string) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_folder"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id"}),
	}).Create(&models.Session{GroupFolder: folder, SessionID: sessionID}).Error
	if err != nil {
		return fmt.Errorf("store: set session %s: %w", folder, err)
	}
	return nil
}

// ClearSession forgets a group's session so the next run starts fresh.
func (s *Store) ClearSession(folder string) error {
	if err := s.db.Delete(&models.Session{}, "group_folder = ?", folder).Error; err != nil {
		return fmt.Errorf("store: clear session %s: %w", folder, err)
	}
	return nil
}

// GetCursor reads a persisted cursor value. A missing key yields "".
func (s *Store) GetCursor(key string) (string, error) {
	var row models.RouterState
	err := s.db.Where("`key` = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get cursor %s: %w", key, err)
	}
	return row.Value, nil
}

// SetCursor persists a cursor value.
func (s *Store) SetCursor(key, value string) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.RouterState{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("store: set cursor %s: %w", key, err)
	}
	return nil
}
