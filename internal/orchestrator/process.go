package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/ipc"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/router"
)

// runOpts distinguishes message turns from scheduled task turns.
type runOpts struct {
	scheduled  bool
	useSession bool
}

// processGroupMessages is the queue's message processor: one container turn
// over everything the group is owed. A nil return tells the queue the turn
// succeeded.
func (o *Orchestrator) processGroupMessages(ctx context.Context, jid string) error {
	g, ok := o.group(jid)
	if !ok {
		return nil
	}
	backlog, ok, err := o.router.Pending(jid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	last := backlog[len(backlog)-1].Timestamp
	cursors := o.router.Cursors()
	fmt.Fprintf(o.out, "orchestrator: processing %d message(s) for group=%s\n", len(backlog), g.Folder)

	o.hub.SetTyping(ctx, jid, true)
	defer o.hub.SetTyping(ctx, jid, false)

	// Once any reply has reached the chat the backlog counts as delivered,
	// so a later failure cannot make a retry repeat that reply.
	delivered := false
	out, err := o.runAgent(ctx, jid, g, router.FormatMessages(backlog), runOpts{useSession: true}, func(res agent.Output) {
		text := res.Text()
		if text == "" {
			return
		}
		if err := o.hub.Send(ctx, jid, text); err != nil {
			log.Printf("orchestrator: relay output group=%s: %v", g.Folder, err)
			return
		}
		if !delivered {
			if err := cursors.AdvanceDelivered(jid, last); err != nil {
				log.Printf("orchestrator: advance delivered group=%s: %v", g.Folder, err)
			}
			delivered = true
		}
		o.queue.ResetIdleTimer(jid)
	})
	if err != nil {
		return err
	}
	if out.Status == agent.StatusError {
		if delivered {
			log.Printf("orchestrator: group=%s failed after replying, backlog kept as delivered: %s", g.Folder, out.Error)
		}
		return fmt.Errorf("orchestrator: agent error for group=%s: %s", g.Folder, out.Error)
	}
	if !delivered {
		if err := cursors.AdvanceDelivered(jid, last); err != nil {
			return err
		}
	}
	return nil
}

// RunTask runs one scheduled task turn and relays its output to the task's
// chat. Tasks in "group" context resume the group's session; "isolated"
// tasks start fresh and leave the session untouched.
func (o *Orchestrator) RunTask(ctx context.Context, task models.ScheduledTask) (string, error) {
	g, ok := o.groupByFolder(task.GroupFolder)
	if !ok {
		return "", fmt.Errorf("orchestrator: task %s: group %s is not registered", task.ID, task.GroupFolder)
	}
	opts := runOpts{scheduled: true, useSession: task.ContextMode == models.ContextGroup}

	var result string
	out, err := o.runAgent(ctx, task.ChatJID, g, task.Prompt, opts, func(res agent.Output) {
		text := res.Text()
		if text == "" {
			return
		}
		result = text
		if err := o.hub.Send(ctx, task.ChatJID, text); err != nil {
			log.Printf("orchestrator: relay task output task=%s: %v", task.ID, err)
		}
		o.queue.ResetIdleTimer(task.ChatJID)
	})
	if err != nil {
		return "", err
	}
	if out.Status == agent.StatusError {
		return result, errors.New(out.Error)
	}
	return result, nil
}

// runAgent refreshes the group's snapshots and runs one container turn,
// recording the process with the queue so follow-up messages can be piped
// in.
func (o *Orchestrator) runAgent(ctx context.Context, jid string, g models.Group, prompt string, opts runOpts, onOutput func(agent.Output)) (agent.Output, error) {
	isMain := g.Folder == o.mainFolder
	o.writeSnapshots(g.Folder, isMain)
	if err := o.mailbox.Reset(g.Folder); err != nil {
		log.Printf("orchestrator: reset mailbox group=%s: %v", g.Folder, err)
	}

	in := agent.Input{
		Prompt:          prompt,
		GroupFolder:     g.Folder,
		ChatJID:         jid,
		IsMain:          isMain,
		IsScheduledTask: opts.scheduled,
	}
	if opts.useSession {
		in.SessionID = o.Session(g.Folder)
	}

	out, err := o.launcher.Run(ctx, agent.Request{
		Input: in,
		OnStart: func(h agent.Handle, containerName string) {
			o.queue.RegisterRun(jid, h, containerName, g.Folder)
		},
		OnOutput: func(res agent.Output) {
			if opts.useSession && res.NewSessionID != "" {
				o.setSession(g.Folder, res.NewSessionID)
			}
			if onOutput != nil {
				onOutput(res)
			}
		},
	})
	if err != nil {
		return out, fmt.Errorf("orchestrator: run group=%s: %w", g.Folder, err)
	}
	if opts.useSession && out.NewSessionID != "" {
		o.setSession(g.Folder, out.NewSessionID)
	}
	return out, nil
}

// writeSnapshots publishes the task and group lists the container reads on
// start. Failures are logged; a stale snapshot never blocks a run.
func (o *Orchestrator) writeSnapshots(folder string, isMain bool) {
	if err := o.layout.Ensure(folder); err != nil {
		log.Printf("orchestrator: ipc dirs group=%s: %v", folder, err)
	}
	tasks, err := o.store.GetAllTasks()
	if err != nil {
		log.Printf("orchestrator: list tasks for snapshot: %v", err)
	} else if err := o.layout.WriteTasksSnapshot(folder, isMain, tasks); err != nil {
		log.Printf("orchestrator: tasks snapshot group=%s: %v", folder, err)
	}
	var available []ipc.AvailableGroup
	if isMain {
		available = o.AvailableGroups()
	}
	if err := o.layout.WriteGroupsSnapshot(folder, isMain, available, o.now()); err != nil {
		log.Printf("orchestrator: groups snapshot group=%s: %v", folder, err)
	}
}
