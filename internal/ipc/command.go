// Package ipc is the command channel between running agent containers and
// the host. Containers drop JSON command files into their own IPC directory;
// the host authorizes each command against the directory it came from and
// applies it. The host talks back through an input mailbox and snapshot files.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command type tags as they appear on the wire.
const (
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
	TypeRefreshGroups = "refresh_groups"
	TypeMessage       = "message"
)

// Sentinel errors returned by Decode and Gateway.Apply.
var (
	ErrUnknownCommand = errors.New("ipc: unknown command")
	ErrInvalidCommand = errors.New("ipc: invalid command")
	ErrUnauthorized   = errors.New("ipc: unauthorized")
	ErrUnknownTarget  = errors.New("ipc: unknown target group")
	ErrDelivery       = errors.New("ipc: delivery failed")
)

// Command is one request from a running container. The set of
// implementations is closed: ScheduleTask, PauseTask, ResumeTask,
// CancelTask, RegisterGroup, RefreshGroups and SendMessage.
type Command interface {
	Type() string
	command()
}

// ScheduleTask creates a background task for the target group.
type ScheduleTask struct {
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	TargetJID     string
}

// PauseTask stops a task from firing until resumed.
type PauseTask struct{ TaskID string }

// ResumeTask re-activates a paused task.
type ResumeTask struct{ TaskID string }

// CancelTask deletes a task.
type CancelTask struct{ TaskID string }

// RegisterGroup binds a chat to a new group folder. Main only.
type RegisterGroup struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger *bool
}

// RefreshGroups resyncs chat metadata and rewrites the groups snapshot. Main only.
type RefreshGroups struct{}

// SendMessage posts text to a chat through the outbound path.
type SendMessage struct {
	ChatJID string
	Text    string
}

func (ScheduleTask) Type() string  { return TypeScheduleTask }
func (PauseTask) Type() string     { return TypePauseTask }
func (ResumeTask) Type() string    { return TypeResumeTask }
func (CancelTask) Type() string    { return TypeCancelTask }
func (RegisterGroup) Type() string { return TypeRegisterGroup }
func (RefreshGroups) Type() string { return TypeRefreshGroups }
func (SendMessage) Type() string   { return TypeMessage }

func (ScheduleTask) command()  {}
func (PauseTask) command()     {}
func (ResumeTask) command()    {}
func (CancelTask) command()    {}
func (RegisterGroup) command() {}
func (RefreshGroups) command() {}
func (SendMessage) command()   {}

// envelope is the union of every wire field.
type envelope struct {
	Type            string `json:"type"`
	Prompt          string `json:"prompt,omitempty"`
	ScheduleType    string `json:"schedule_type,omitempty"`
	ScheduleValue   string `json:"schedule_value,omitempty"`
	ContextMode     string `json:"context_mode,omitempty"`
	TargetJID       string `json:"targetJid,omitempty"`
	TaskID          string `json:"taskId,omitempty"`
	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
	ChatJID         string `json:"chatJid,omitempty"`
	Text            string `json:"text,omitempty"`
}

// Decode parses one command file. Field presence is checked by the
// gateway, not here, so that a missing field is reported as a validation
// failure rather than a malformed payload.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: decode: %w", err)
	}
	switch env.Type {
	case TypeScheduleTask:
		return ScheduleTask{
			Prompt:        env.Prompt,
			ScheduleType:  env.ScheduleType,
			ScheduleValue: env.ScheduleValue,
			ContextMode:   env.ContextMode,
			TargetJID:     env.TargetJID,
		}, nil
	case TypePauseTask:
		return PauseTask{TaskID: env.TaskID}, nil
	case TypeResumeTask:
		return ResumeTask{TaskID: env.TaskID}, nil
	case TypeCancelTask:
		return CancelTask{TaskID: env.TaskID}, nil
	case TypeRegisterGroup:
		return RegisterGroup{
			JID:             env.JID,
			Name:            env.Name,
			Folder:          env.Folder,
			Trigger:         env.Trigger,
			RequiresTrigger: env.RequiresTrigger,
		}, nil
	case TypeRefreshGroups:
		return RefreshGroups{}, nil
	case TypeMessage:
		return SendMessage{ChatJID: env.ChatJID, Text: env.Text}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
}

// Encode renders a command in wire form. Containers write the same shape.
func Encode(cmd Command) ([]byte, error) {
	env := envelope{Type: cmd.Type()}
	switch c := cmd.(type) {
	case ScheduleTask:
		env.Prompt, env.ScheduleType, env.ScheduleValue = c.Prompt, c.ScheduleType, c.ScheduleValue
		env.ContextMode, env.TargetJID = c.ContextMode, c.TargetJID
	case PauseTask:
		env.TaskID = c.TaskID
	case ResumeTask:
		env.TaskID = c.TaskID
	case CancelTask:
		env.TaskID = c.TaskID
	case RegisterGroup:
		env.JID, env.Name, env.Folder, env.Trigger = c.JID, c.Name, c.Folder, c.Trigger
		env.RequiresTrigger = c.RequiresTrigger
	case RefreshGroups:
	case SendMessage:
		env.ChatJID, env.Text = c.ChatJID, c.Text
	}
	return json.Marshal(env)
}
