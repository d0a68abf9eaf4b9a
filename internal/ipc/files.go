package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/models"
)

// Directory and file names inside a group's IPC directory.
const (
	MessagesDir       = "messages"
	TasksDir          = "tasks"
	InputDir          = "input"
	ErrorsDir         = "errors"
	CloseSentinel     = "_close"
	TasksSnapshotFile = "current_tasks.json"
	GroupsSnapshot    = "available_groups.json"
)

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so a reader never observes a partially written file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ipc: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ipc: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ipc: publish %s: %w", path, err)
	}
	return nil
}

// itemSeq orders items created within the same millisecond.
var itemSeq atomic.Uint64

// itemName returns a file name that sorts by creation time, and by creation
// order within this process for items sharing a timestamp.
func itemName(now time.Time) string {
	return fmt.Sprintf("%013d-%012d-%s.json", now.UnixMilli(), itemSeq.Add(1), uuid.NewString()[:8])
}

// Layout resolves paths under the IPC root (normally <data_dir>/ipc).
type Layout struct {
	Root string
}

// GroupDir is the IPC directory mounted into a group's containers.
func (l Layout) GroupDir(folder string) string { return filepath.Join(l.Root, folder) }

// Ensure creates the directories a container expects to find.
func (l Layout) Ensure(folder string) error {
	for _, sub := range []string{MessagesDir, TasksDir, InputDir} {
		if err := os.MkdirAll(filepath.Join(l.GroupDir(folder), sub), 0o755); err != nil {
			return fmt.Errorf("ipc: create %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// Publish writes a command into a group's outbound queue as a container
// would. Used by tests and the CLI.
func (l Layout) Publish(folder string, cmd Command) (string, error) {
	data, err := Encode(cmd)
	if err != nil {
		return "", fmt.Errorf("ipc: encode %s: %w", cmd.Type(), err)
	}
	sub := TasksDir
	if cmd.Type() == TypeMessage {
		sub = MessagesDir
	}
	path := filepath.Join(l.GroupDir(folder), sub, itemName(time.Now()))
	return path, writeFileAtomic(path, data)
}

// FileMailbox delivers host→container input as files in the group's
// input directory. It satisfies queue.Mailbox.
type FileMailbox struct {
	Layout Layout
	Now    func() time.Time
}

type inputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send appends a follow-up message for the running container.
func (m *FileMailbox) Send(folder, text string) error {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	data, err := json.Marshal(inputMessage{Type: TypeMessage, Text: text})
	if err != nil {
		return fmt.Errorf("ipc: encode input: %w", err)
	}
	path := filepath.Join(m.Layout.GroupDir(folder), InputDir, itemName(now()))
	return writeFileAtomic(path, data)
}

// Close writes the sentinel telling the container no more input is coming.
func (m *FileMailbox) Close(folder string) error {
	return writeFileAtomic(filepath.Join(m.Layout.GroupDir(folder), InputDir, CloseSentinel), nil)
}

// Pending lists unread input items for a folder, oldest first. The close
// sentinel, if present, is reported separately.
func (m *FileMailbox) Pending(folder string) (items []string, closed bool, err error) {
	dir := filepath.Join(m.Layout.GroupDir(folder), InputDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ipc: read %s: %w", dir, err)
	}
	for _, e := range entries {
		switch name := e.Name(); {
		case name == CloseSentinel:
			closed = true
		case strings.HasSuffix(name, ".json"):
			items = append(items, filepath.Join(dir, name))
		}
	}
	sort.Strings(items)
	return items, closed, nil
}

// Reset clears stale input left over from a previous container so a new
// run does not immediately see an old close sentinel.
func (m *FileMailbox) Reset(folder string) error {
	dir := filepath.Join(m.Layout.GroupDir(folder), InputDir)
	if err := os.Remove(filepath.Join(dir, CloseSentinel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: clear close sentinel for %s: %w", folder, err)
	}
	return nil
}

// TaskSnapshot is one entry of current_tasks.json.
type TaskSnapshot struct {
	ID            string  `json:"id"`
	GroupFolder   string  `json:"groupFolder"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"schedule_type"`
	ScheduleValue string  `json:"schedule_value"`
	Status        string  `json:"status"`
	NextRun       *string `json:"next_run"`
}

// AvailableGroup is one chat listed in available_groups.json.
type AvailableGroup struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

type groupsSnapshot struct {
	Groups   []AvailableGroup `json:"groups"`
	LastSync string           `json:"lastSync"`
}

// WriteTasksSnapshot publishes the tasks a group's container may see:
// everything for main, only its own for anyone else.
func (l Layout) WriteTasksSnapshot(folder string, isMain bool, tasks []models.ScheduledTask) error {
	visible := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		visible = append(visible, TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	data, err := json.MarshalIndent(visible, "", "  ")
	if err != nil {
		return fmt.Errorf("ipc: encode tasks snapshot: %w", err)
	}
	return writeFileAtomic(filepath.Join(l.GroupDir(folder), TasksSnapshotFile), data)
}

// WriteGroupsSnapshot publishes the chats main may register. Other groups
// get an empty list.
func (l Layout) WriteGroupsSnapshot(folder string, isMain bool, groups []AvailableGroup, now time.Time) error {
	snap := groupsSnapshot{Groups: []AvailableGroup{}, LastSync: models.FormatTime(now)}
	if isMain && groups != nil {
		snap.Groups = groups
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("ipc: encode groups snapshot: %w", err)
	}
	return writeFileAtomic(filepath.Join(l.GroupDir(folder), GroupsSnapshot), data)
}
