// Package router bridges the message log to the admission queue. It
// watches for new messages, gates them on the group trigger, and either
// pipes the backlog into a running container or asks the queue to start
// one, keeping the seen and delivered cursors crash-safe.
package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
)

// DefaultPollInterval is how often the message log is polled.
const DefaultPollInterval = 2 * time.Second

// MessageStore is the read side of the message log.
type MessageStore interface {
	GetNewMessages(chatJIDs []string, since string) ([]models.ChatMessage, string, error)
	GetMessagesSince(chatJID, since string) ([]models.ChatMessage, error)
}

// GroupSource lists the registered groups by jid.
type GroupSource interface {
	Groups() map[string]models.Group
}

// Queue is the admission side the router hands work to.
type Queue interface {
	SendMessage(groupJID, text string) bool
	EnqueueMessageCheck(groupJID string)
}

// Opts holds parameters for creating a Router.
type Opts struct {
	Store         MessageStore
	Groups        GroupSource
	Queue         Queue
	Cursors       *Cursors
	MainFolder    string
	AssistantName string
	PollInterval  time.Duration
	Metrics       *metrics.Metrics
	Out           io.Writer // defaults to os.Stdout
}

// Router runs the poll loop and startup recovery.
type Router struct {
	store      MessageStore
	groups     GroupSource
	queue      Queue
	cursors    *Cursors
	mainFolder string
	trigger    *regexp.Regexp
	interval   time.Duration
	metrics    *metrics.Metrics
	out        io.Writer

	mu      sync.Mutex
	running bool
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("router: store is required")
	}
	if opts.Groups == nil {
		return nil, fmt.Errorf("router: groups is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("router: queue is required")
	}
	if opts.Cursors == nil {
		return nil, fmt.Errorf("router: cursors is required")
	}
	if opts.MainFolder == "" {
		return nil, fmt.Errorf("router: main folder is required")
	}
	if opts.AssistantName == "" {
		return nil, fmt.Errorf("router: assistant name is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		store:      opts.Store,
		groups:     opts.Groups,
		queue:      opts.Queue,
		cursors:    opts.Cursors,
		mainFolder: opts.MainFolder,
		trigger:    TriggerPattern(opts.AssistantName),
		interval:   interval,
		metrics:    opts.Metrics,
		out:        out,
	}, nil
}

// Trigger returns the compiled trigger pattern.
func (r *Router) Trigger() *regexp.Regexp { return r.trigger }

// Cursors returns the cursor set the router advances.
func (r *Router) Cursors() *Cursors { return r.cursors }

// Run polls until ctx is cancelled. A second concurrent Run returns an
// error immediately.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("router: already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	fmt.Fprintf(r.out, "router: polling every %s\n", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Poll(ctx); err != nil {
			log.Printf("router: poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one tick: fetch messages newer than lastSeen, advance
// lastSeen, then dispatch each group.
func (r *Router) Poll(ctx context.Context) error {
	groups := r.groups.Groups()
	jids := make([]string, 0, len(groups))
	for jid := range groups {
		jids = append(jids, jid)
	}
	sort.Strings(jids)

	msgs, newest, err := r.store.GetNewMessages(jids, r.cursors.LastSeen())
	if err != nil {
		return fmt.Errorf("router: fetch new messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	r.metrics.MessagesSeen(len(msgs))
	fmt.Fprintf(r.out, "router: %d new message(s)\n", len(msgs))

	// The raw batch is marked seen before any group is handled. Work left
	// unfinished by a crash is found again through the delivered cursor.
	if err := r.cursors.AdvanceSeen(newest); err != nil {
		return err
	}

	byGroup := make(map[string][]models.ChatMessage)
	var order []string
	for _, m := range msgs {
		if _, ok := byGroup[m.ChatJID]; !ok {
			order = append(order, m.ChatJID)
		}
		byGroup[m.ChatJID] = append(byGroup[m.ChatJID], m)
	}
	for _, jid := range order {
		if ctx.Err() != nil {
			return nil
		}
		g, ok := groups[jid]
		if !ok {
			continue
		}
		if err := r.dispatch(jid, g, byGroup[jid]); err != nil {
			log.Printf("router: dispatch group=%s: %v", g.Folder, err)
		}
	}
	return nil
}

func (r *Router) dispatch(jid string, g models.Group, batch []models.ChatMessage) error {
	if g.NeedsTrigger(r.mainFolder) && !HasTrigger(r.trigger, batch) {
		r.metrics.Dispatch("skipped")
		return nil
	}

	backlog, err := r.Backlog(jid)
	if err != nil {
		return err
	}
	if len(backlog) == 0 {
		backlog = batch
	}

	if r.queue.SendMessage(jid, FormatMessages(backlog)) {
		r.metrics.Dispatch("piped")
		fmt.Fprintf(r.out, "router: piped %d message(s) to group=%s\n", len(backlog), g.Folder)
		return r.cursors.AdvanceDelivered(jid, backlog[len(backlog)-1].Timestamp)
	}
	r.metrics.Dispatch("enqueued")
	r.queue.EnqueueMessageCheck(jid)
	return nil
}

// Backlog returns everything owed to a group: messages after its delivered
// cursor, up to and including lastSeen.
func (r *Router) Backlog(jid string) ([]models.ChatMessage, error) {
	seen := r.cursors.LastSeen()
	msgs, err := r.store.GetMessagesSince(jid, r.cursors.Delivered(jid))
	if err != nil {
		return nil, fmt.Errorf("router: backlog for %s: %w", jid, err)
	}
	n := len(msgs)
	for n > 0 && msgs[n-1].Timestamp > seen {
		n--
	}
	return msgs[:n], nil
}

// Pending reports whether a group has a backlog that passes its trigger
// gate, along with that backlog.
func (r *Router) Pending(jid string) ([]models.ChatMessage, bool, error) {
	g, ok := r.groups.Groups()[jid]
	if !ok {
		return nil, false, nil
	}
	backlog, err := r.Backlog(jid)
	if err != nil || len(backlog) == 0 {
		return nil, false, err
	}
	if g.NeedsTrigger(r.mainFolder) && !HasTrigger(r.trigger, backlog) {
		return backlog, false, nil
	}
	return backlog, true, nil
}

// Recover re-offers every group with an undelivered backlog to the queue.
// It runs once at startup, before the poll loop.
func (r *Router) Recover() error {
	groups := r.groups.Groups()
	jids := make([]string, 0, len(groups))
	for jid := range groups {
		jids = append(jids, jid)
	}
	sort.Strings(jids)
	for _, jid := range jids {
		backlog, err := r.Backlog(jid)
		if err != nil {
			return err
		}
		if len(backlog) == 0 {
			continue
		}
		fmt.Fprintf(r.out, "router: recovery: group=%s has %d undelivered message(s)\n", groups[jid].Folder, len(backlog))
		r.queue.EnqueueMessageCheck(jid)
	}
	return nil
}
