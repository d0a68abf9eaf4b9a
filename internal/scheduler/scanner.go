// Package scheduler computes task fire times and runs due tasks through
// the admission queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/queue"
	"github.com/zulandar/roundhouse/internal/store"
)

// DefaultPollInterval is how often due tasks are looked up.
const DefaultPollInterval = time.Minute

// TaskStore is the slice of the store the scanner needs.
type TaskStore interface {
	GetDueTasks(now string) ([]models.ScheduledTask, error)
	GetTaskByID(id string) (*models.ScheduledTask, error)
	UpdateTaskAfterRun(id string, nextRun *string, lastRun, lastResult string) error
	LogTaskRun(entry models.TaskRunLog) error
}

// Enqueuer admits a task under the group's serialization.
type Enqueuer interface {
	EnqueueTask(groupJID, taskID string, fn queue.TaskFunc)
}

// Runner executes one task turn and returns the agent's final text.
type Runner interface {
	RunTask(ctx context.Context, task models.ScheduledTask) (string, error)
}

// ScannerOpts configures a Scanner.
type ScannerOpts struct {
	Store        TaskStore
	Queue        Enqueuer
	Runner       Runner
	Location     *time.Location
	PollInterval time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
	Out          io.Writer // defaults to os.Stdout
}

// Scanner polls for due tasks and fires them.
type Scanner struct {
	store    TaskStore
	queue    Enqueuer
	runner   Runner
	loc      *time.Location
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	out      io.Writer

	mu      sync.Mutex
	running bool
}

// NewScanner creates a Scanner.
func NewScanner(opts ScannerOpts) (*Scanner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("scheduler: queue is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	s := &Scanner{
		store:    opts.Store,
		queue:    opts.Queue,
		runner:   opts.Runner,
		loc:      opts.Location,
		interval: opts.PollInterval,
		now:      opts.Now,
		metrics:  opts.Metrics,
		out:      opts.Out,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	return s, nil
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	fmt.Fprintf(s.out, "scheduler: checking due tasks every %s\n", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Scan(); err != nil {
			log.Printf("scheduler: scan: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan enqueues every active task whose next run has passed. The queue
// drops a task id that is already queued or running, so a slow task is
// never doubled up.
func (s *Scanner) Scan() error {
	due, err := s.store.GetDueTasks(models.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("scheduler: due tasks: %w", err)
	}
	for _, t := range due {
		id := t.ID
		s.queue.EnqueueTask(t.ChatJID, id, func(ctx context.Context) error {
			return s.Fire(ctx, id)
		})
	}
	return nil
}

// Fire runs one task now, records the run and advances its schedule. A
// task paused or cancelled since it was enqueued is skipped.
func (s *Scanner) Fire(ctx context.Context, id string) error {
	task, err := s.store.GetTaskByID(id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: load task %s: %w", id, err)
	}
	if task.Status != models.TaskActive {
		return nil
	}

	start := s.now()
	fmt.Fprintf(s.out, "scheduler: running task=%s group=%s\n", task.ID, task.GroupFolder)
	result, runErr := s.runner.RunTask(ctx, *task)
	end := s.now()

	entry := models.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      models.FormatTime(start),
		DurationMs: end.Sub(start).Milliseconds(),
		Status:     "success",
		Result:     result,
	}
	lastResult := truncate(result, 200)
	if runErr != nil {
		entry.Status, entry.Error = "error", runErr.Error()
		lastResult = "Error: " + runErr.Error()
	}
	if err := s.store.LogTaskRun(entry); err != nil {
		log.Printf("scheduler: log run task=%s: %v", task.ID, err)
	}
	s.metrics.TaskRun(entry.Status)

	var nextRun *string
	next, err := NextRun(*task, end, s.loc)
	if err != nil {
		log.Printf("scheduler: task=%s has an unusable schedule, completing it: %v", task.ID, err)
	} else if next != nil {
		v := models.FormatTime(*next)
		nextRun = &v
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, nextRun, models.FormatTime(end), lastResult); err != nil {
		return fmt.Errorf("scheduler: advance task %s: %w", task.ID, err)
	}
	return runErr
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
