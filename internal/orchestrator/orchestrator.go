// Package orchestrator owns the live group, session and cursor state and
// wires the admission queue, message router, command gateway, task scanner
// and chat hub around it.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/ipc"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/queue"
	"github.com/zulandar/roundhouse/internal/router"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

// Container paths a group's agent sees for its own tree and, for main, the
// read-only view of every group.
const (
	containerGroupDir  = "/workspace/group/"
	containerGroupsDir = "/workspace/groups/"
)

// DefaultShutdownGrace is how long Run waits for in-flight runs on shutdown.
const DefaultShutdownGrace = 10 * time.Second

// Launcher runs one agent container turn. *agent.Launcher implements it.
type Launcher interface {
	Run(ctx context.Context, req agent.Request) (agent.Output, error)
}

// RuntimeManager is implemented by launchers that can verify the container
// runtime and clear containers left over from a previous host process.
type RuntimeManager interface {
	EnsureRuntime(ctx context.Context) error
	CleanupOrphans(ctx context.Context) ([]string, error)
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store         *store.Store
	Launcher      Launcher
	Adapters      []telegraph.Adapter
	IPCRoot       string // per-group command channel directories
	GroupsDir     string // per-group working trees
	MainFolder    string
	AssistantName string

	MaxConcurrent  int
	IdleTimeout    time.Duration
	BaseRetryDelay time.Duration   // defaults to queue.DefaultBaseRetryDelay
	AfterFunc      queue.AfterFunc // defaults to time.AfterFunc

	PollInterval          time.Duration // router
	IPCPollInterval       time.Duration
	SchedulerPollInterval time.Duration
	Location              *time.Location
	DashboardPort         int // 0 disables the status API
	ShutdownGrace         time.Duration

	Metrics *metrics.Metrics
	Now     func() time.Time
	Out     io.Writer // defaults to os.Stdout
}

// Orchestrator is the single owner of groups and sessions. Every other
// component reads them through its methods.
type Orchestrator struct {
	store      *store.Store
	launcher   Launcher
	layout     ipc.Layout
	mailbox    *ipc.FileMailbox
	groupsDir  string
	mainFolder string
	assistant  string
	now        func() time.Time
	out        io.Writer
	metrics    *metrics.Metrics
	opts       Opts

	queue  *queue.Queue
	router *router.Router
	hub    *telegraph.Hub

	mu       sync.RWMutex
	groups   map[string]models.Group
	sessions map[string]string
}

// New loads persisted state and builds the queue, router and chat hub.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("orchestrator: launcher is required")
	}
	if opts.IPCRoot == "" {
		return nil, fmt.Errorf("orchestrator: ipc root is required")
	}
	if opts.GroupsDir == "" {
		return nil, fmt.Errorf("orchestrator: groups dir is required")
	}
	if opts.MainFolder == "" {
		return nil, fmt.Errorf("orchestrator: main folder is required")
	}
	if opts.AssistantName == "" {
		return nil, fmt.Errorf("orchestrator: assistant name is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	layout := ipc.Layout{Root: opts.IPCRoot}
	o := &Orchestrator{
		store:      opts.Store,
		launcher:   opts.Launcher,
		layout:     layout,
		mailbox:    &ipc.FileMailbox{Layout: layout, Now: opts.Now},
		groupsDir:  opts.GroupsDir,
		mainFolder: opts.MainFolder,
		assistant:  opts.AssistantName,
		now:        opts.Now,
		out:        opts.Out,
		metrics:    opts.Metrics,
		opts:       opts,
	}
	if err := o.load(); err != nil {
		return nil, err
	}

	cursors, err := router.LoadCursors(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.queue, err = queue.New(queue.Opts{
		MaxConcurrent:  opts.MaxConcurrent,
		Mailbox:        o.mailbox,
		IdleTimeout:    opts.IdleTimeout,
		BaseRetryDelay: opts.BaseRetryDelay,
		AfterFunc:      opts.AfterFunc,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.router, err = router.New(router.Opts{
		Store:         opts.Store,
		Groups:        o,
		Queue:         o.queue,
		Cursors:       cursors,
		MainFolder:    opts.MainFolder,
		AssistantName: opts.AssistantName,
		PollInterval:  opts.PollInterval,
		Metrics:       opts.Metrics,
		Out:           opts.Out,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.queue.SetMessageProcessor(o.processGroupMessages)

	o.hub, err = telegraph.NewHub(telegraph.HubOpts{
		Adapters:      opts.Adapters,
		Handler:       o.HandleInbound,
		AssistantName: opts.AssistantName,
		ResolvePath:   o.ResolvePath,
		Out:           opts.Out,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return o, nil
}

func (o *Orchestrator) load() error {
	groups, err := o.store.GetRegisteredGroups()
	if err != nil {
		return fmt.Errorf("orchestrator: load groups: %w", err)
	}
	sessions, err := o.store.GetAllSessions()
	if err != nil {
		return fmt.Errorf("orchestrator: load sessions: %w", err)
	}
	o.mu.Lock()
	o.groups, o.sessions = groups, sessions
	o.mu.Unlock()
	log.Printf("orchestrator: state loaded: groups=%d sessions=%d", len(groups), len(sessions))
	return nil
}

// Queue returns the admission queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Router returns the message router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Hub returns the chat hub.
func (o *Orchestrator) Hub() *telegraph.Hub { return o.hub }

// Groups returns a copy of the registered groups keyed by chat jid.
func (o *Orchestrator) Groups() map[string]models.Group {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]models.Group, len(o.groups))
	for jid, g := range o.groups {
		out[jid] = g
	}
	return out
}

func (o *Orchestrator) group(jid string) (models.Group, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.groups[jid]
	return g, ok
}

func (o *Orchestrator) groupByFolder(folder string) (models.Group, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, g := range o.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return models.Group{}, false
}

// RegisterGroup persists a group and creates its working tree and command
// channel directories.
func (o *Orchestrator) RegisterGroup(jid string, g models.Group) error {
	g.JID = jid
	if g.AddedAt == "" {
		g.AddedAt = models.FormatTime(o.now())
	}
	if err := o.store.SetRegisteredGroup(g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(o.groupsDir, g.Folder, "logs"), 0o755); err != nil {
		return fmt.Errorf("orchestrator: create group dir for %s: %w", g.Folder, err)
	}
	if err := o.layout.Ensure(g.Folder); err != nil {
		return err
	}
	o.mu.Lock()
	o.groups[jid] = g
	o.mu.Unlock()
	fmt.Fprintf(o.out, "orchestrator: group registered: jid=%s name=%q folder=%s\n", jid, g.Name, g.Folder)
	return nil
}

// Session returns the agent session id for a folder, "" if none.
func (o *Orchestrator) Session(folder string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[folder]
}

func (o *Orchestrator) setSession(folder, id string) {
	o.mu.Lock()
	changed := o.sessions[folder] != id
	o.sessions[folder] = id
	o.mu.Unlock()
	if !changed {
		return
	}
	if err := o.store.SetSession(folder, id); err != nil {
		log.Printf("orchestrator: persist session group=%s: %v", folder, err)
	}
}

// ClearSession forgets a folder's agent session so its next run starts fresh.
func (o *Orchestrator) ClearSession(folder string) error {
	o.mu.Lock()
	delete(o.sessions, folder)
	o.mu.Unlock()
	return o.store.ClearSession(folder)
}

// SyncGroups reloads the registrations from the store, picking up groups
// registered from the CLI while the daemon runs. Chat names themselves are
// refreshed by every inbound message.
func (o *Orchestrator) SyncGroups(ctx context.Context) error {
	groups, err := o.store.GetRegisteredGroups()
	if err != nil {
		return fmt.Errorf("orchestrator: sync groups: %w", err)
	}
	o.mu.Lock()
	o.groups = groups
	o.mu.Unlock()
	return nil
}

// AvailableGroups lists every chat a channel has seen, most recent first,
// marking those already registered.
func (o *Orchestrator) AvailableGroups() []ipc.AvailableGroup {
	chats, err := o.store.GetAllChats()
	if err != nil {
		log.Printf("orchestrator: list chats: %v", err)
		return nil
	}
	registered := o.Groups()
	out := make([]ipc.AvailableGroup, 0, len(chats))
	for _, c := range chats {
		if !o.hub.Owns(c.JID) {
			continue
		}
		_, ok := registered[c.JID]
		out = append(out, ipc.AvailableGroup{
			JID:          c.JID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: ok,
		})
	}
	return out
}

// QueueStatus snapshots the admission queue for the status API.
func (o *Orchestrator) QueueStatus() queue.Status { return o.queue.Status() }

// Tasks lists every scheduled task.
func (o *Orchestrator) Tasks() ([]models.ScheduledTask, error) { return o.store.GetAllTasks() }

// Send formats and delivers agent output to a chat.
func (o *Orchestrator) Send(ctx context.Context, jid, text string) error {
	return o.hub.Send(ctx, jid, text)
}

// HandleInbound records a message from any channel. Chat metadata is kept
// for every chat; message content only for registered groups. "/clear" (or
// "/new") from a registered chat resets its agent session instead.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg telegraph.InboundMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	stamp := models.FormatTime(ts)
	if err := o.store.StoreChatMetadata(msg.ChatJID, stamp, msg.ChatName); err != nil {
		log.Printf("orchestrator: chat metadata chat=%s: %v", msg.ChatJID, err)
	}

	g, registered := o.group(msg.ChatJID)
	switch strings.TrimSpace(msg.Text) {
	case "/clear", "/new":
		o.handleClear(ctx, msg.ChatJID, g, registered)
		return
	}
	if !registered {
		return
	}

	err := o.store.StoreMessage(models.ChatMessage{
		ID:               msg.MessageID,
		ChatJID:          msg.ChatJID,
		Sender:           msg.UserID,
		SenderName:       msg.UserName,
		Content:          msg.Text,
		Timestamp:        stamp,
		ReplyToMessageID: msg.ReplyToID,
	})
	if err != nil {
		log.Printf("orchestrator: store message chat=%s id=%s: %v", msg.ChatJID, msg.MessageID, err)
	}
}

func (o *Orchestrator) handleClear(ctx context.Context, jid string, g models.Group, registered bool) {
	reply := "This chat is not registered, there is nothing to clear."
	if registered {
		if err := o.ClearSession(g.Folder); err != nil {
			log.Printf("orchestrator: clear session group=%s: %v", g.Folder, err)
			reply = "Could not clear the conversation, please try again."
		} else {
			fmt.Fprintf(o.out, "orchestrator: session cleared: group=%s\n", g.Folder)
			reply = fmt.Sprintf("Context cleared. %s will start a fresh conversation next time.", o.assistant)
		}
	}
	if err := o.hub.Send(ctx, jid, reply); err != nil {
		log.Printf("orchestrator: clear reply chat=%s: %v", jid, err)
	}
}

// ResolvePath maps a path inside a group's container to the host. The
// group's own tree is always visible; main also sees every group through
// the read-only mount. Paths escaping those trees are rejected.
func (o *Orchestrator) ResolvePath(jid, containerPath string) (string, bool) {
	g, ok := o.group(jid)
	if !ok {
		return "", false
	}
	var base, rel string
	switch {
	case strings.HasPrefix(containerPath, containerGroupDir):
		base = filepath.Join(o.groupsDir, g.Folder)
		rel = strings.TrimPrefix(containerPath, containerGroupDir)
	case g.Folder == o.mainFolder && strings.HasPrefix(containerPath, containerGroupsDir):
		base = o.groupsDir
		rel = strings.TrimPrefix(containerPath, containerGroupsDir)
	default:
		return "", false
	}
	host := filepath.Join(base, rel)
	if r, err := filepath.Rel(base, host); err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	return host, true
}

// registeredJIDs returns the registered chat jids in a stable order.
func (o *Orchestrator) registeredJIDs() []string {
	groups := o.Groups()
	jids := make([]string, 0, len(groups))
	for jid := range groups {
		jids = append(jids, jid)
	}
	sort.Strings(jids)
	return jids
}
