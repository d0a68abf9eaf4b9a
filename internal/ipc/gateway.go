package ipc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/scheduler"
	"github.com/zulandar/roundhouse/internal/store"
)

// Source identifies the group a command came from. It is derived from the
// IPC directory the file was found in, never from the payload.
type Source struct {
	Folder string
	IsMain bool
}

// TaskStore is the slice of the store the gateway mutates.
type TaskStore interface {
	CreateTask(task *models.ScheduledTask) error
	GetTaskByID(id string) (*models.ScheduledTask, error)
	UpdateTaskStatus(id, status string) error
	DeleteTask(id string) error
}

// Groups gives the gateway read access to the registered groups and the
// one write it is allowed to make.
type Groups interface {
	Groups() map[string]models.Group
	RegisterGroup(jid string, g models.Group) error
}

// Refresher resyncs chat metadata from the channels and lists the chats
// main may register.
type Refresher interface {
	SyncGroups(ctx context.Context) error
	AvailableGroups() []AvailableGroup
}

// Sender posts text to a chat through the outbound path.
type Sender func(ctx context.Context, chatJID, text string) error

// GatewayOpts configures a Gateway.
type GatewayOpts struct {
	Tasks     TaskStore
	Groups    Groups
	Send      Sender
	Refresher Refresher // optional; refresh_groups is a no-op resync without it
	Layout    Layout
	Location  *time.Location
	Now       func() time.Time
	Metrics   *metrics.Metrics
}

// Gateway authorizes and applies commands from running containers.
type Gateway struct {
	tasks     TaskStore
	groups    Groups
	send      Sender
	refresher Refresher
	layout    Layout
	loc       *time.Location
	now       func() time.Time
	metrics   *metrics.Metrics
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOpts) (*Gateway, error) {
	if opts.Tasks == nil {
		return nil, fmt.Errorf("ipc: task store is required")
	}
	if opts.Groups == nil {
		return nil, fmt.Errorf("ipc: groups is required")
	}
	if opts.Send == nil {
		return nil, fmt.Errorf("ipc: sender is required")
	}
	if opts.Layout.Root == "" {
		return nil, fmt.Errorf("ipc: layout root is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		tasks:     opts.Tasks,
		groups:    opts.Groups,
		send:      opts.Send,
		refresher: opts.Refresher,
		layout:    opts.Layout,
		loc:       loc,
		now:       now,
		metrics:   opts.Metrics,
	}, nil
}

// Authorized is the single capability rule: main may act on any group,
// everyone else only on their own folder.
func Authorized(src Source, targetFolder string) bool {
	return src.IsMain || targetFolder == src.Folder
}

// AuthorizeMessage reports whether src may post to chatJID. Main may post
// anywhere, including chats that are not registered. Others may only post
// to a registered chat bound to their own folder.
func AuthorizeMessage(src Source, chatJID string, groups map[string]models.Group) bool {
	if src.IsMain {
		return true
	}
	g, ok := groups[chatJID]
	return ok && g.Folder == src.Folder
}

// Apply validates, authorizes and executes one command. Authorization and
// validation failures return ErrUnauthorized, ErrUnknownTarget or
// ErrInvalidCommand with no state mutated. Tasks that no longer exist make
// pause/resume/cancel a no-op.
func (g *Gateway) Apply(ctx context.Context, src Source, cmd Command) error {
	var err error
	switch c := cmd.(type) {
	case ScheduleTask:
		err = g.scheduleTask(src, c)
	case PauseTask:
		err = g.setTaskStatus(src, c.TaskID, models.TaskPaused)
	case ResumeTask:
		err = g.setTaskStatus(src, c.TaskID, models.TaskActive)
	case CancelTask:
		err = g.cancelTask(src, c.TaskID)
	case RegisterGroup:
		err = g.registerGroup(src, c)
	case RefreshGroups:
		err = g.refreshGroups(ctx, src)
	case SendMessage:
		err = g.sendMessage(ctx, src, c)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	g.metrics.Command(cmdType(cmd), resultLabel(err))
	return err
}

func cmdType(cmd Command) string {
	if cmd == nil {
		return "unknown"
	}
	return cmd.Type()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnknownTarget):
		return "unauthorized"
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrUnknownCommand):
		return "invalid"
	default:
		return "error"
	}
}

func (g *Gateway) scheduleTask(src Source, c ScheduleTask) error {
	if c.Prompt == "" || c.ScheduleType == "" || c.ScheduleValue == "" || c.TargetJID == "" {
		return fmt.Errorf("%w: schedule_task needs prompt, schedule_type, schedule_value and targetJid", ErrInvalidCommand)
	}
	target, ok := g.groups.Groups()[c.TargetJID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, c.TargetJID)
	}
	if !Authorized(src, target.Folder) {
		return fmt.Errorf("%w: %s may not schedule for %s", ErrUnauthorized, src.Folder, target.Folder)
	}

	now := g.now()
	next, err := scheduler.FirstRun(c.ScheduleType, c.ScheduleValue, now, g.loc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	mode := c.ContextMode
	if mode != models.ContextGroup && mode != models.ContextIsolated {
		mode = models.ContextIsolated
	}
	nextRun := models.FormatTime(next)
	task := &models.ScheduledTask{
		ID:            "task-" + uuid.NewString(),
		GroupFolder:   target.Folder,
		ChatJID:       c.TargetJID,
		Prompt:        c.Prompt,
		ScheduleType:  c.ScheduleType,
		ScheduleValue: c.ScheduleValue,
		ContextMode:   mode,
		NextRun:       &nextRun,
		Status:        models.TaskActive,
		CreatedAt:     models.FormatTime(now),
	}
	if err := g.tasks.CreateTask(task); err != nil {
		return fmt.Errorf("ipc: schedule_task: %w", err)
	}
	log.Printf("ipc: task scheduled: task=%s group=%s type=%s next=%s", task.ID, target.Folder, c.ScheduleType, nextRun)
	return nil
}

// ownedTask loads a task and authorizes src against its owning folder.
// A nil task with a nil error means it no longer exists.
func (g *Gateway) ownedTask(src Source, id string) (*models.ScheduledTask, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: taskId is required", ErrInvalidCommand)
	}
	task, err := g.tasks.GetTaskByID(id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ipc: load task %s: %w", id, err)
	}
	if !Authorized(src, task.GroupFolder) {
		return nil, fmt.Errorf("%w: %s may not modify task %s of %s", ErrUnauthorized, src.Folder, id, task.GroupFolder)
	}
	return task, nil
}

func (g *Gateway) setTaskStatus(src Source, id, status string) error {
	task, err := g.ownedTask(src, id)
	if err != nil || task == nil {
		return err
	}
	if err := g.tasks.UpdateTaskStatus(id, status); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return fmt.Errorf("ipc: set task %s %s: %w", id, status, err)
	}
	log.Printf("ipc: task %s: task=%s by=%s", status, id, src.Folder)
	return nil
}

func (g *Gateway) cancelTask(src Source, id string) error {
	task, err := g.ownedTask(src, id)
	if err != nil || task == nil {
		return err
	}
	if err := g.tasks.DeleteTask(id); err != nil {
		return fmt.Errorf("ipc: cancel task %s: %w", id, err)
	}
	log.Printf("ipc: task cancelled: task=%s by=%s", id, src.Folder)
	return nil
}

// folderPattern keeps group folders to a single safe path segment.
var folderPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidFolder reports whether name is usable as a group folder.
func ValidFolder(name string) bool {
	return folderPattern.MatchString(name) && !strings.EqualFold(name, ErrorsDir)
}

func (g *Gateway) registerGroup(src Source, c RegisterGroup) error {
	if !src.IsMain {
		return fmt.Errorf("%w: register_group is main-only (from %s)", ErrUnauthorized, src.Folder)
	}
	if c.JID == "" || c.Name == "" || c.Folder == "" || c.Trigger == "" {
		return fmt.Errorf("%w: register_group needs jid, name, folder and trigger", ErrInvalidCommand)
	}
	if !ValidFolder(c.Folder) {
		return fmt.Errorf("%w: folder %q", ErrInvalidCommand, c.Folder)
	}
	grp := models.Group{
		JID:             c.JID,
		Name:            c.Name,
		Folder:          c.Folder,
		Trigger:         c.Trigger,
		RequiresTrigger: c.RequiresTrigger,
		AddedAt:         models.FormatTime(g.now()),
	}
	if err := g.groups.RegisterGroup(c.JID, grp); err != nil {
		return fmt.Errorf("ipc: register_group %s: %w", c.JID, err)
	}
	return nil
}

func (g *Gateway) refreshGroups(ctx context.Context, src Source) error {
	if !src.IsMain {
		return fmt.Errorf("%w: refresh_groups is main-only (from %s)", ErrUnauthorized, src.Folder)
	}
	var available []AvailableGroup
	if g.refresher != nil {
		if err := g.refresher.SyncGroups(ctx); err != nil {
			log.Printf("ipc: refresh_groups: sync: %v", err)
		}
		available = g.refresher.AvailableGroups()
	}
	if err := g.layout.WriteGroupsSnapshot(src.Folder, true, available, g.now()); err != nil {
		return fmt.Errorf("ipc: refresh_groups: %w", err)
	}
	log.Printf("ipc: groups refreshed: count=%d", len(available))
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, src Source, c SendMessage) error {
	if c.ChatJID == "" || c.Text == "" {
		return fmt.Errorf("%w: message needs chatJid and text", ErrInvalidCommand)
	}
	if !AuthorizeMessage(src, c.ChatJID, g.groups.Groups()) {
		return fmt.Errorf("%w: %s may not send to %s", ErrUnauthorized, src.Folder, c.ChatJID)
	}
	if err := g.send(ctx, c.ChatJID, c.Text); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDelivery, c.ChatJID, err)
	}
	log.Printf("ipc: message sent: chat=%s from=%s", c.ChatJID, src.Folder)
	return nil
}
