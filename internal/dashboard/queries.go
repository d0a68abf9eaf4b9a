package dashboard

import (
	"sort"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/queue"
)

// GroupRow holds a registered group for display.
type GroupRow struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
	IsMain          bool   `json:"is_main"`
	Active          bool   `json:"active"`
	AddedAt         string `json:"added_at"`
}

// GroupRows joins the registered groups with the queue's runtime view,
// ordered by folder.
func GroupRows(groups map[string]models.Group, status queue.Status, mainFolder string) []GroupRow {
	active := make(map[string]bool, len(status.Groups))
	for _, gs := range status.Groups {
		active[gs.JID] = gs.Active
	}

	rows := make([]GroupRow, 0, len(groups))
	for jid, g := range groups {
		rows = append(rows, GroupRow{
			JID:             jid,
			Name:            g.Name,
			Folder:          g.Folder,
			Trigger:         g.Trigger,
			RequiresTrigger: g.NeedsTrigger(mainFolder),
			IsMain:          g.Folder == mainFolder,
			Active:          active[jid],
			AddedAt:         g.AddedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Folder < rows[j].Folder })
	return rows
}

// TaskRow holds a scheduled task for display.
type TaskRow struct {
	ID            string  `json:"id"`
	GroupFolder   string  `json:"group_folder"`
	ChatJID       string  `json:"chat_jid"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"schedule_type"`
	ScheduleValue string  `json:"schedule_value"`
	ContextMode   string  `json:"context_mode"`
	Status        string  `json:"status"`
	NextRun       *string `json:"next_run"`
	LastRun       *string `json:"last_run"`
	LastResult    string  `json:"last_result,omitempty"`
}

// TaskFilter narrows TaskRows. Empty fields match everything.
type TaskFilter struct {
	Status string
	Group  string
}

// TaskRows converts tasks for display, soonest next run first. Tasks with
// no next run sort last.
func TaskRows(tasks []models.ScheduledTask, f TaskFilter) []TaskRow {
	rows := make([]TaskRow, 0, len(tasks))
	for _, t := range tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Group != "" && t.GroupFolder != f.Group {
			continue
		}
		rows = append(rows, TaskRow{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			ChatJID:       t.ChatJID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
			LastResult:    t.LastResult,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].NextRun, rows[j].NextRun
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return rows
}
