// Package queue admits per-group agent runs under a global concurrency cap.
// Each group runs at most one container at a time; work that arrives while a
// group is busy, or while every slot is taken, is remembered and drained when
// a slot frees up, tasks before messages.
package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/metrics"
)

const (
	// DefaultMaxRetries is how many consecutive failures are retried with
	// backoff before a group is left pending until its next message.
	DefaultMaxRetries = 5
	// DefaultBaseRetryDelay is the first backoff step; each further failure doubles it.
	DefaultBaseRetryDelay = 5 * time.Second
)

// MessageProcessor runs one container turn over a group's pending messages.
// A nil error means the run succeeded.
type MessageProcessor func(ctx context.Context, groupJID string) error

// TaskFunc runs one scheduled task to completion.
type TaskFunc func(ctx context.Context) error

// Mailbox delivers follow-up input to a running container.
type Mailbox interface {
	// Send appends text to the folder's input mailbox.
	Send(folder, text string) error
	// Close writes the wind-down sentinel for the folder.
	Close(folder string) error
}

// Handle is the observable side of a running container process.
type Handle interface {
	// Done closes when the process has exited.
	Done() <-chan struct{}
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type queuedTask struct {
	id string
	fn TaskFunc
}

// groupState is the runtime record for one group. It is created lazily and
// lives for the life of the process. All fields are guarded by Queue.mu.
type groupState struct {
	active          bool
	pendingMessages bool
	pendingTasks    []queuedTask
	runningTask     string
	retryCount      int

	handle        Handle
	containerName string
	folder        string

	retryTimer Timer
	idleTimer  Timer
}

func (st *groupState) stopRetry() {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

func (st *groupState) stopIdle() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
}

func (st *groupState) hasTask(id string) bool {
	if st.runningTask == id {
		return true
	}
	for _, t := range st.pendingTasks {
		if t.id == id {
			return true
		}
	}
	return false
}

// Queue is the admission scheduler.
type Queue struct {
	maxConcurrent  int
	maxRetries     int
	baseRetryDelay time.Duration
	idleTimeout    time.Duration
	mailbox        Mailbox
	afterFunc      AfterFunc
	metrics        *metrics.Metrics

	// runCtx is deliberately detached from any caller so that shutting the
	// host down never cancels an in-flight container.
	runCtx context.Context
	wg     sync.WaitGroup

	mu           sync.Mutex
	groups       map[string]*groupState
	active       int
	waiting      []string
	shuttingDown bool
	process      MessageProcessor
}

// Opts holds parameters for creating a Queue.
type Opts struct {
	MaxConcurrent  int           // required, >= 1
	Mailbox        Mailbox       // optional; without it SendMessage always reports false
	IdleTimeout    time.Duration // 0 disables idle closing
	MaxRetries     int           // defaults to DefaultMaxRetries
	BaseRetryDelay time.Duration // defaults to DefaultBaseRetryDelay
	AfterFunc      AfterFunc     // defaults to time.AfterFunc
	Metrics        *metrics.Metrics
}

// New creates a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.MaxConcurrent < 1 {
		return nil, fmt.Errorf("queue: max concurrent must be at least 1")
	}
	q := &Queue{
		maxConcurrent:  opts.MaxConcurrent,
		maxRetries:     opts.MaxRetries,
		baseRetryDelay: opts.BaseRetryDelay,
		idleTimeout:    opts.IdleTimeout,
		mailbox:        opts.Mailbox,
		afterFunc:      opts.AfterFunc,
		metrics:        opts.Metrics,
		runCtx:         context.Background(),
		groups:         make(map[string]*groupState),
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.baseRetryDelay <= 0 {
		q.baseRetryDelay = DefaultBaseRetryDelay
	}
	if q.afterFunc == nil {
		q.afterFunc = realAfterFunc
	}
	return q, nil
}

// SetMessageProcessor installs the function that runs a group's pending
// messages. It must be set before the first EnqueueMessageCheck.
func (q *Queue) SetMessageProcessor(fn MessageProcessor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

// group returns the state for jid, creating it on first reference.
// Callers must hold q.mu.
func (q *Queue) group(jid string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{}
		q.groups[jid] = st
	}
	return st
}

// EnqueueMessageCheck asks for a group's pending messages to be processed.
// Repeated calls while the group is busy or waiting coalesce into one flag.
func (q *Queue) EnqueueMessageCheck(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	st := q.group(groupJID)

	if st.active {
		st.pendingMessages = true
		log.Printf("queue: container active, messages pending [group=%s]", groupJID)
		return
	}
	if q.active >= q.maxConcurrent {
		st.pendingMessages = true
		q.addWaitingLocked(groupJID)
		log.Printf("queue: at concurrency limit, messages pending [group=%s active=%d]", groupJID, q.active)
		return
	}
	q.startMessagesLocked(groupJID, st, "messages")
}

// EnqueueTask asks for a task to run for a group. A task id already queued
// or running for the group is ignored.
func (q *Queue) EnqueueTask(groupJID, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	st := q.group(groupJID)

	if st.hasTask(taskID) {
		log.Printf("queue: task already queued, skipping [group=%s task=%s]", groupJID, taskID)
		return
	}
	task := queuedTask{id: taskID, fn: fn}
	if st.active {
		st.pendingTasks = append(st.pendingTasks, task)
		log.Printf("queue: container active, task queued [group=%s task=%s]", groupJID, taskID)
		return
	}
	if q.active >= q.maxConcurrent {
		st.pendingTasks = append(st.pendingTasks, task)
		q.addWaitingLocked(groupJID)
		log.Printf("queue: at concurrency limit, task queued [group=%s task=%s active=%d]", groupJID, taskID, q.active)
		return
	}
	q.startTaskLocked(groupJID, st, task)
}

// RegisterRun records the process backing a group's active run. The folder
// is what SendMessage and CloseStdin address.
func (q *Queue) RegisterRun(groupJID string, h Handle, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.group(groupJID)
	st.handle = h
	st.containerName = containerName
	if folder != "" {
		st.folder = folder
	}
}

// SendMessage pipes text into the group's running container. It returns
// false when no container is active, in which case the caller should fall
// back to EnqueueMessageCheck.
func (q *Queue) SendMessage(groupJID, text string) bool {
	q.mu.Lock()
	st := q.group(groupJID)
	active, folder := st.active, st.folder
	q.mu.Unlock()

	if !active || folder == "" || q.mailbox == nil {
		return false
	}
	if err := q.mailbox.Send(folder, text); err != nil {
		log.Printf("queue: pipe message [group=%s]: %v", groupJID, err)
		return false
	}
	return true
}

// CloseStdin asks the group's running container to wind down. It is a
// no-op when nothing is running.
func (q *Queue) CloseStdin(groupJID string) {
	q.mu.Lock()
	st := q.group(groupJID)
	active, folder := st.active, st.folder
	q.mu.Unlock()

	if !active {
		return
	}
	q.closeInput(groupJID, folder)
}

func (q *Queue) closeInput(groupJID, folder string) {
	if folder == "" || q.mailbox == nil {
		return
	}
	if err := q.mailbox.Close(folder); err != nil {
		log.Printf("queue: close input [group=%s]: %v", groupJID, err)
	}
}

// ResetIdleTimer restarts the group's idle countdown. When it expires the
// container's input is closed; the container itself is never killed.
func (q *Queue) ResetIdleTimer(groupJID string) {
	if q.idleTimeout <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.group(groupJID)
	if !st.active {
		return
	}
	st.stopIdle()
	// A timer that already fired may still be waiting on q.mu after its run
	// ended, so it only acts while it is the group's current idle timer.
	var timer Timer
	timer = q.afterFunc(q.idleTimeout, func() {
		q.mu.Lock()
		if st.idleTimer != timer || !st.active {
			q.mu.Unlock()
			return
		}
		st.idleTimer = nil
		folder := st.folder
		q.mu.Unlock()

		log.Printf("queue: idle timeout, closing container input [group=%s]", groupJID)
		q.closeInput(groupJID, folder)
	})
	st.idleTimer = timer
}

func (q *Queue) addWaitingLocked(groupJID string) {
	for _, jid := range q.waiting {
		if jid == groupJID {
			return
		}
	}
	q.waiting = append(q.waiting, groupJID)
	q.metrics.SetQueueDepth(q.active, len(q.waiting))
}

func (q *Queue) startMessagesLocked(groupJID string, st *groupState, reason string) {
	st.active = true
	st.pendingMessages = false
	st.stopRetry()
	q.active++
	q.metrics.SetQueueDepth(q.active, len(q.waiting))
	log.Printf("queue: starting container [group=%s reason=%s active=%d]", groupJID, reason, q.active)

	process := q.process
	q.wg.Add(1)
	go q.runMessages(groupJID, process)
}

func (q *Queue) startTaskLocked(groupJID string, st *groupState, task queuedTask) {
	st.active = true
	st.runningTask = task.id
	q.active++
	q.metrics.SetQueueDepth(q.active, len(q.waiting))
	log.Printf("queue: running task [group=%s task=%s active=%d]", groupJID, task.id, q.active)

	q.wg.Add(1)
	go q.runTask(groupJID, task)
}

func (q *Queue) runMessages(groupJID string, process MessageProcessor) {
	defer q.wg.Done()
	start := time.Now()

	err := safeCall(func() error {
		if process == nil {
			return nil
		}
		return process(q.runCtx, groupJID)
	})
	q.metrics.ObserveRun("messages", err == nil, time.Since(start).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.group(groupJID)
	if err != nil {
		log.Printf("queue: processing messages [group=%s]: %v", groupJID, err)
		q.scheduleRetryLocked(groupJID, st)
	} else {
		st.retryCount = 0
	}
	q.finishLocked(groupJID, st)
}

func (q *Queue) runTask(groupJID string, task queuedTask) {
	defer q.wg.Done()
	start := time.Now()

	err := safeCall(func() error {
		if task.fn == nil {
			return nil
		}
		return task.fn(q.runCtx)
	})
	if err != nil {
		log.Printf("queue: running task [group=%s task=%s]: %v", groupJID, task.id, err)
	}
	q.metrics.ObserveRun("task", err == nil, time.Since(start).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.group(groupJID)
	st.runningTask = ""
	q.finishLocked(groupJID, st)
}

// safeCall converts a panic in a run into an error so one bad group can
// never take the scheduler down.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// scheduleRetryLocked books a backoff retry after a failed message run.
// Past the ceiling the counter resets and nothing is scheduled: the backlog
// stays in the store until a fresh message re-triggers admission.
func (q *Queue) scheduleRetryLocked(groupJID string, st *groupState) {
	st.retryCount++
	if st.retryCount > q.maxRetries {
		log.Printf("queue: max retries exceeded, leaving messages pending until next message [group=%s retries=%d]",
			groupJID, st.retryCount)
		st.retryCount = 0
		q.metrics.RetriesExhausted()
		return
	}

	delay := q.RetryDelay(st.retryCount)
	log.Printf("queue: scheduling retry [group=%s attempt=%d delay=%v]", groupJID, st.retryCount, delay)
	q.metrics.RetryScheduled()
	st.stopRetry()
	// The callback takes q.mu, so it cannot observe timer before the
	// assignment below completes.
	var timer Timer
	timer = q.afterFunc(delay, func() {
		q.mu.Lock()
		if st.retryTimer != timer {
			// Superseded or cancelled by a later transition.
			q.mu.Unlock()
			return
		}
		st.retryTimer = nil
		stopped := q.shuttingDown
		q.mu.Unlock()
		if !stopped {
			q.EnqueueMessageCheck(groupJID)
		}
	})
	st.retryTimer = timer
}

// RetryDelay returns the backoff before retry number attempt (1-based).
func (q *Queue) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.baseRetryDelay * time.Duration(1<<(attempt-1))
}

// finishLocked tears down a completed run and hands the slot on.
func (q *Queue) finishLocked(groupJID string, st *groupState) {
	st.active = false
	st.handle = nil
	st.containerName = ""
	st.folder = ""
	st.stopIdle()
	q.active--
	q.metrics.SetQueueDepth(q.active, len(q.waiting))
	q.drainGroupLocked(groupJID, st)
}

// drainGroupLocked serves the group's own backlog first (tasks before
// messages, since tasks cannot be rediscovered from the store), and only
// when it has nothing left offers the slot to waiting groups.
func (q *Queue) drainGroupLocked(groupJID string, st *groupState) {
	if q.shuttingDown {
		return
	}
	if len(st.pendingTasks) > 0 {
		task := st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
		q.startTaskLocked(groupJID, st, task)
		return
	}
	if st.pendingMessages {
		q.startMessagesLocked(groupJID, st, "drain")
		return
	}
	q.drainWaitingLocked()
}

func (q *Queue) drainWaitingLocked() {
	for len(q.waiting) > 0 && q.active < q.maxConcurrent {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		st := q.group(next)
		if st.active {
			// Its own drain step will pick up whatever is pending.
			continue
		}
		if len(st.pendingTasks) > 0 {
			task := st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			q.startTaskLocked(next, st, task)
		} else if st.pendingMessages {
			q.startMessagesLocked(next, st, "drain")
		}
	}
	q.metrics.SetQueueDepth(q.active, len(q.waiting))
}

// Shutdown stops admitting work and cancels pending retries. Running
// containers are detached, not killed: they finish on their own or hit
// their idle/hard timeout. It waits up to gracePeriod for in-flight runs
// to return and reports the containers still running after that.
func (q *Queue) Shutdown(gracePeriod time.Duration) []string {
	q.mu.Lock()
	q.shuttingDown = true
	for _, st := range q.groups {
		st.stopRetry()
	}
	q.mu.Unlock()

	if gracePeriod > 0 {
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(gracePeriod):
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var detached []string
	for _, st := range q.groups {
		if st.handle == nil || st.containerName == "" {
			continue
		}
		select {
		case <-st.handle.Done():
		default:
			detached = append(detached, st.containerName)
		}
	}
	sort.Strings(detached)
	log.Printf("queue: shutting down [active=%d detached=%v]", q.active, detached)
	return detached
}

// Wait blocks until every run started so far has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// GroupStatus is a point-in-time view of one group's runtime state.
type GroupStatus struct {
	JID             string `json:"jid"`
	Active          bool   `json:"active"`
	PendingMessages bool   `json:"pending_messages"`
	PendingTasks    int    `json:"pending_tasks"`
	RunningTask     string `json:"running_task,omitempty"`
	RetryCount      int    `json:"retry_count"`
	ContainerName   string `json:"container_name,omitempty"`
}

// Status is a point-in-time view of the whole queue.
type Status struct {
	Active        int           `json:"active"`
	MaxConcurrent int           `json:"max_concurrent"`
	Waiting       []string      `json:"waiting"`
	ShuttingDown  bool          `json:"shutting_down"`
	Groups        []GroupStatus `json:"groups"`
}

// Status snapshots the queue for the status API.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Status{
		Active:        q.active,
		MaxConcurrent: q.maxConcurrent,
		Waiting:       append([]string{}, q.waiting...),
		ShuttingDown:  q.shuttingDown,
	}
	for jid, st := range q.groups {
		s.Groups = append(s.Groups, GroupStatus{
			JID:             jid,
			Active:          st.active,
			PendingMessages: st.pendingMessages,
			PendingTasks:    len(st.pendingTasks),
			RunningTask:     st.runningTask,
			RetryCount:      st.retryCount,
			ContainerName:   st.containerName,
		})
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].JID < s.Groups[j].JID })
	return s
}

// IsActive reports whether a container is running for the group.
func (q *Queue) IsActive(groupJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[groupJID]
	return ok && st.active
}
