package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}

	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksRunsCmd())
	cmd.AddCommand(newTaskStatusCmd("pause", "Pause an active task", models.TaskPaused))
	cmd.AddCommand(newTaskStatusCmd("resume", "Resume a paused task", models.TaskActive))
	cmd.AddCommand(newTasksCancelCmd())
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		configPath string
		group      string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, configPath, group, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().StringVar(&group, "group", "", "filter by group folder")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, completed)")
	return cmd
}

func runTasksList(cmd *cobra.Command, configPath, group, status string) error {
	_, st, err := openStore(configPath)
	if err != nil {
		return err
	}

	var tasks []models.ScheduledTask
	if group != "" {
		tasks, err = st.GetTasksForGroup(group)
	} else {
		tasks, err = st.GetAllTasks()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	n := 0
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		if n == 0 {
			fmt.Fprintln(w, "ID\tGROUP\tSCHEDULE\tSTATUS\tNEXT RUN\tPROMPT")
		}
		n++
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			t.ID, t.GroupFolder, t.ScheduleType, t.ScheduleValue, t.Status, derefOrDash(t.NextRun), truncate(t.Prompt, 40))
	}
	w.Flush()
	if n == 0 {
		fmt.Fprintln(out, "No tasks found.")
	}
	return nil
}

func newTasksRunsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksRuns(cmd, configPath, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

func runTasksRuns(cmd *cobra.Command, configPath, id string, limit int) error {
	_, st, err := openStore(configPath)
	if err != nil {
		return err
	}
	if _, err := st.GetTaskByID(id); err != nil {
		return err
	}
	runs, err := st.GetTaskRuns(id, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintf(out, "Task %s has not run yet.\n", id)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tRESULT")
	for _, r := range runs {
		detail := r.Result
		if r.Status == "error" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", r.RunAt, r.Status, r.DurationMs, truncate(orDash(detail), 50))
	}
	w.Flush()
	return nil
}

func newTaskStatusCmd(use, short, status string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			task, err := st.GetTaskByID(args[0])
			if err != nil {
				return err
			}
			if task.Status == models.TaskCompleted {
				return fmt.Errorf("task %s is completed", task.ID)
			}
			if err := st.UpdateTaskStatus(task.ID, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", task.ID, status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

func newTasksCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Delete a task and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			if _, err := st.GetTaskByID(args[0]); err != nil {
				if errors.Is(err, store.ErrTaskNotFound) {
					return fmt.Errorf("task %s not found", args[0])
				}
				return err
			}
			if err := st.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}
