package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/ipc"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/telegraph"
)

// --- fakes ---

type fakeHandle chan struct{}

func (h fakeHandle) Done() <-chan struct{} { return h }

// fakeLauncher replays canned output records instead of starting a container.
type fakeLauncher struct {
	mu      sync.Mutex
	inputs  []agent.Input
	names   []string
	outputs []agent.Output
	final   agent.Output
	err     error
}

func (f *fakeLauncher) Run(ctx context.Context, req agent.Request) (agent.Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, req.Input)
	outputs, final, err := f.outputs, f.final, f.err
	f.mu.Unlock()
	if err != nil {
		return agent.Output{}, err
	}

	done := make(fakeHandle)
	name := "roundhouse-" + req.Input.GroupFolder + "-test"
	if req.OnStart != nil {
		req.OnStart(done, name)
	}
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	for _, o := range outputs {
		if req.OnOutput != nil {
			req.OnOutput(o)
		}
	}
	close(done)
	if final.Status == "" {
		final.Status = agent.StatusSuccess
	}
	return final, nil
}

func (f *fakeLauncher) runs() []agent.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Input(nil), f.inputs...)
}

// runtimeLauncher adds the optional runtime checks.
type runtimeLauncher struct {
	*fakeLauncher
	ensureErr error
	cleaned   bool
}

func (r *runtimeLauncher) EnsureRuntime(ctx context.Context) error { return r.ensureErr }
func (r *runtimeLauncher) CleanupOrphans(ctx context.Context) ([]string, error) {
	r.cleaned = true
	return nil, nil
}

func result(text string) agent.Output {
	return agent.Output{Status: agent.StatusSuccess, Result: &text}
}

// --- fixture ---

type fixture struct {
	o         *Orchestrator
	store     *store.Store
	launcher  *fakeLauncher
	slack     *telegraph.MockAdapter
	ipcRoot   string
	groupsDir string
	out       *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, &fakeLauncher{})
}

func newFixtureWith(t *testing.T, launcher Launcher) *fixture {
	t.Helper()
	gormDB, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(store.Opts{DB: gormDB, AssistantName: "Andy"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	slack := telegraph.NewMockAdapter("slack")
	if err := slack.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	f := &fixture{
		store:     st,
		slack:     slack,
		ipcRoot:   filepath.Join(root, "ipc"),
		groupsDir: filepath.Join(root, "groups"),
		out:       &bytes.Buffer{},
	}
	if fl, ok := launcher.(*fakeLauncher); ok {
		f.launcher = fl
	}
	if rl, ok := launcher.(*runtimeLauncher); ok {
		f.launcher = rl.fakeLauncher
	}
	f.o, err = New(Opts{
		Store:                 st,
		Launcher:              launcher,
		Adapters:              []telegraph.Adapter{slack},
		IPCRoot:               f.ipcRoot,
		GroupsDir:             f.groupsDir,
		MainFolder:            "main",
		AssistantName:         "Andy",
		MaxConcurrent:         2,
		PollInterval:          10 * time.Millisecond,
		IPCPollInterval:       10 * time.Millisecond,
		SchedulerPollInterval: time.Hour,
		ShutdownGrace:         time.Second,
		Out:                   f.out,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) register(t *testing.T, jid, folder string) {
	t.Helper()
	if err := f.o.RegisterGroup(jid, models.Group{Name: folder, Folder: folder, Trigger: "@Andy"}); err != nil {
		t.Fatalf("register %s: %v", jid, err)
	}
}

func (f *fixture) inbound(id, jid, text string, ts time.Time) {
	f.o.HandleInbound(context.Background(), telegraph.InboundMessage{
		Platform: "slack", ChatJID: jid, ChatName: "chat " + jid, MessageID: id,
		UserID: "U1", UserName: "Alice", Text: text, Timestamp: ts,
	})
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// --- construction ---

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name string
		opts Opts
		want string
	}{
		{"store", Opts{}, "store is required"},
		{"launcher", Opts{Store: &store.Store{}}, "launcher is required"},
		{"ipc", Opts{Store: &store.Store{}, Launcher: &fakeLauncher{}}, "ipc root is required"},
		{"groups", Opts{Store: &store.Store{}, Launcher: &fakeLauncher{}, IPCRoot: "x"}, "groups dir is required"},
		{"main", Opts{Store: &store.Store{}, Launcher: &fakeLauncher{}, IPCRoot: "x", GroupsDir: "y"}, "main folder is required"},
		{"assistant", Opts{Store: &store.Store{}, Launcher: &fakeLauncher{}, IPCRoot: "x", GroupsDir: "y", MainFolder: "main"}, "assistant name is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestNew_LoadsPersistedState(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	if err := f.store.SetSession("main", "sess-9"); err != nil {
		t.Fatal(err)
	}

	o2, err := New(Opts{
		Store: f.store, Launcher: &fakeLauncher{}, Adapters: []telegraph.Adapter{f.slack},
		IPCRoot: f.ipcRoot, GroupsDir: f.groupsDir, MainFolder: "main", AssistantName: "Andy",
		MaxConcurrent: 1, Out: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := o2.Groups()["slack:C1"]; !ok {
		t.Error("registered group not loaded")
	}
	if o2.Session("main") != "sess-9" {
		t.Errorf("session = %q", o2.Session("main"))
	}
}

// --- groups ---

func TestRegisterGroup_PersistsAndCreatesDirs(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C2", "team")

	groups, err := f.store.GetRegisteredGroups()
	if err != nil {
		t.Fatal(err)
	}
	g, ok := groups["slack:C2"]
	if !ok || g.Folder != "team" || g.AddedAt == "" {
		t.Fatalf("persisted group = %+v", g)
	}
	for _, dir := range []string{
		filepath.Join(f.groupsDir, "team", "logs"),
		filepath.Join(f.ipcRoot, "team", ipc.MessagesDir),
		filepath.Join(f.ipcRoot, "team", ipc.TasksDir),
		filepath.Join(f.ipcRoot, "team", ipc.InputDir),
	} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing %s: %v", dir, err)
		}
	}
}

func TestGroups_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.o.Groups()["slack:X"] = models.Group{}
	if _, ok := f.o.Groups()["slack:X"]; ok {
		t.Error("Groups exposed internal map")
	}
}

func TestSyncGroups_PicksUpExternalRegistrations(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SetRegisteredGroup(models.Group{JID: "slack:C5", Name: "cli", Folder: "cli", Trigger: "@Andy", AddedAt: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.o.Groups()["slack:C5"]; ok {
		t.Fatal("group visible before sync")
	}
	if err := f.o.SyncGroups(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.o.Groups()["slack:C5"]; !ok {
		t.Error("group not visible after sync")
	}
}

func TestAvailableGroups_MarksRegistered(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hi", t0)
	f.inbound("2", "slack:C9", "hi", t0.Add(time.Minute))
	f.inbound("3", "telegram:1", "hi", t0.Add(2*time.Minute))

	got := f.o.AvailableGroups()
	if len(got) != 2 {
		t.Fatalf("available = %+v", got)
	}
	// Most recent first; chats no channel owns are left out.
	if got[0].JID != "slack:C9" || got[0].IsRegistered {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].JID != "slack:C1" || !got[1].IsRegistered || got[1].Name != "chat slack:C1" {
		t.Errorf("second = %+v", got[1])
	}
}

// --- inbound ---

func TestHandleInbound_StoresOnlyRegisteredMessages(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hello", t0)
	f.inbound("2", "slack:C9", "stranger", t0)

	msgs, err := f.store.GetMessagesSince("slack:C1", "")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("registered msgs = %v, %v", msgs, err)
	}
	if msgs[0].Timestamp != "2024-03-01T09:00:00.000Z" || msgs[0].SenderName != "Alice" {
		t.Errorf("msg = %+v", msgs[0])
	}
	if other, _ := f.store.GetMessagesSince("slack:C9", ""); len(other) != 0 {
		t.Errorf("unregistered chat stored %d message(s)", len(other))
	}
	chats, _ := f.store.GetAllChats()
	if len(chats) != 2 {
		t.Errorf("chats = %d, want 2", len(chats))
	}
}

func TestHandleInbound_ClearResetsSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.o.setSession("main", "sess-1")

	f.inbound("1", "slack:C1", " /clear ", t0)

	if f.o.Session("main") != "" {
		t.Error("session not cleared in memory")
	}
	if sessions, _ := f.store.GetAllSessions(); sessions["main"] != "" {
		t.Error("session not cleared in store")
	}
	msg, ok := f.slack.LastSent()
	if !ok || !strings.Contains(msg.Text, "Context cleared") {
		t.Errorf("reply = %+v", msg)
	}
	if msgs, _ := f.store.GetMessagesSince("slack:C1", ""); len(msgs) != 0 {
		t.Error("/clear was stored as a message")
	}
}

func TestHandleInbound_ClearUnregistered(t *testing.T) {
	f := newFixture(t)
	f.inbound("1", "slack:C9", "/new", t0)
	msg, _ := f.slack.LastSent()
	if !strings.Contains(msg.Text, "not registered") {
		t.Errorf("reply = %q", msg.Text)
	}
}

// --- message processing ---

func TestPoll_RunsAgentAndRelaysOutput(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{
		{Status: agent.StatusSuccess, NewSessionID: "sess-new"},
		result("<internal>thinking</internal>hello back"),
	}
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hi there", t0)

	if err := f.o.Router().Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	f.o.Queue().Wait()

	runs := f.launcher.runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	in := runs[0]
	if !in.IsMain || in.GroupFolder != "main" || in.ChatJID != "slack:C1" || in.SessionID != "" {
		t.Errorf("input = %+v", in)
	}
	if !strings.Contains(in.Prompt, `sender="Alice"`) || !strings.Contains(in.Prompt, "hi there") {
		t.Errorf("prompt = %q", in.Prompt)
	}

	msg, ok := f.slack.LastSent()
	if !ok || msg.Text != "Andy: hello back" {
		t.Errorf("sent = %+v", msg)
	}
	if f.slack.Typing("slack:C1") {
		t.Error("typing left on")
	}
	if f.o.Session("main") != "sess-new" {
		t.Errorf("session = %q", f.o.Session("main"))
	}
	if got := f.o.Router().Cursors().Delivered("slack:C1"); got != "2024-03-01T09:00:00.000Z" {
		t.Errorf("delivered = %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.ipcRoot, "main", ipc.TasksSnapshotFile)); err != nil {
		t.Errorf("tasks snapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.ipcRoot, "main", ipc.GroupsSnapshot)); err != nil {
		t.Errorf("groups snapshot: %v", err)
	}
}

func TestPoll_NonMainNeedsTrigger(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{result("ok")}
	f.register(t, "slack:C2", "team")

	f.inbound("1", "slack:C2", "just chatting", t0)
	f.o.Router().Poll(context.Background())
	f.o.Queue().Wait()
	if n := len(f.launcher.runs()); n != 0 {
		t.Fatalf("runs = %d without trigger", n)
	}

	f.inbound("2", "slack:C2", "@Andy summarize", t0.Add(time.Second))
	f.o.Router().Poll(context.Background())
	f.o.Queue().Wait()

	runs := f.launcher.runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	// The untriggered message rides along as context.
	if !strings.Contains(runs[0].Prompt, "just chatting") || !strings.Contains(runs[0].Prompt, "@Andy summarize") {
		t.Errorf("prompt = %q", runs[0].Prompt)
	}
	if runs[0].IsMain {
		t.Error("team run marked main")
	}
}

func TestProcessGroupMessages_ErrorKeepsBacklog(t *testing.T) {
	f := newFixture(t)
	f.launcher.final = agent.Output{Status: agent.StatusError, Error: "boom"}
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hi", t0)
	cursors := f.o.Router().Cursors()
	cursors.AdvanceSeen("2024-03-01T09:00:00.000Z")

	err := f.o.processGroupMessages(context.Background(), "slack:C1")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if got := cursors.Delivered("slack:C1"); got != "" {
		t.Errorf("delivered advanced to %q after a silent failure", got)
	}
}

func TestProcessGroupMessages_ErrorAfterReplyAdvances(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{result("partial answer")}
	f.launcher.final = agent.Output{Status: agent.StatusError, Error: "crashed"}
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hi", t0)
	cursors := f.o.Router().Cursors()
	cursors.AdvanceSeen("2024-03-01T09:00:00.000Z")

	if err := f.o.processGroupMessages(context.Background(), "slack:C1"); err == nil {
		t.Fatal("expected error")
	}
	if got := cursors.Delivered("slack:C1"); got != "2024-03-01T09:00:00.000Z" {
		t.Errorf("delivered = %q, want advanced", got)
	}
	// A retry finds nothing left to do.
	if err := f.o.processGroupMessages(context.Background(), "slack:C1"); err != nil {
		t.Errorf("retry err = %v", err)
	}
	if n := len(f.launcher.runs()); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestProcessGroupMessages_LaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("docker missing")
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "hi", t0)
	f.o.Router().Cursors().AdvanceSeen("2024-03-01T09:00:00.000Z")

	err := f.o.processGroupMessages(context.Background(), "slack:C1")
	if err == nil || !strings.Contains(err.Error(), "docker missing") {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessGroupMessages_UnknownGroup(t *testing.T) {
	f := newFixture(t)
	if err := f.o.processGroupMessages(context.Background(), "slack:nope"); err != nil {
		t.Errorf("err = %v", err)
	}
	if len(f.launcher.runs()) != 0 {
		t.Error("ran for an unregistered group")
	}
}

func TestRunAgent_ResumesStoredSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.o.setSession("main", "sess-1")
	f.inbound("1", "slack:C1", "again", t0)
	f.o.Router().Cursors().AdvanceSeen("2024-03-01T09:00:00.000Z")

	if err := f.o.processGroupMessages(context.Background(), "slack:C1"); err != nil {
		t.Fatal(err)
	}
	if got := f.launcher.runs()[0].SessionID; got != "sess-1" {
		t.Errorf("session = %q", got)
	}
}

// --- tasks ---

func TestRunTask_GroupContextUsesSession(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{result("report ready")}
	f.launcher.final = agent.Output{NewSessionID: "sess-2"}
	f.register(t, "slack:C1", "main")
	f.o.setSession("main", "sess-1")

	out, err := f.o.RunTask(context.Background(), models.ScheduledTask{
		ID: "task-1", GroupFolder: "main", ChatJID: "slack:C1", Prompt: "daily report", ContextMode: models.ContextGroup,
	})
	if err != nil || out != "report ready" {
		t.Fatalf("RunTask = %q, %v", out, err)
	}
	in := f.launcher.runs()[0]
	if in.SessionID != "sess-1" || !in.IsScheduledTask || in.Prompt != "daily report" {
		t.Errorf("input = %+v", in)
	}
	if f.o.Session("main") != "sess-2" {
		t.Errorf("session = %q", f.o.Session("main"))
	}
	if msg, _ := f.slack.LastSent(); msg.Text != "Andy: report ready" {
		t.Errorf("sent = %q", msg.Text)
	}
}

func TestRunTask_IsolatedLeavesSessionAlone(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{{Status: agent.StatusSuccess, NewSessionID: "sess-x"}}
	f.register(t, "slack:C1", "main")
	f.o.setSession("main", "sess-1")

	if _, err := f.o.RunTask(context.Background(), models.ScheduledTask{
		ID: "task-2", GroupFolder: "main", ChatJID: "slack:C1", Prompt: "p", ContextMode: models.ContextIsolated,
	}); err != nil {
		t.Fatal(err)
	}
	if got := f.launcher.runs()[0].SessionID; got != "" {
		t.Errorf("isolated run got session %q", got)
	}
	if f.o.Session("main") != "sess-1" {
		t.Errorf("session overwritten: %q", f.o.Session("main"))
	}
}

func TestRunTask_Errors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.o.RunTask(context.Background(), models.ScheduledTask{ID: "t", GroupFolder: "ghost"}); err == nil {
		t.Error("expected error for unregistered folder")
	}

	f.register(t, "slack:C1", "main")
	f.launcher.final = agent.Output{Status: agent.StatusError, Error: "timed out"}
	_, err := f.o.RunTask(context.Background(), models.ScheduledTask{ID: "t", GroupFolder: "main", ChatJID: "slack:C1"})
	if err == nil || err.Error() != "timed out" {
		t.Errorf("err = %v", err)
	}
}

// --- paths ---

func TestResolvePath(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	f.register(t, "slack:C2", "team")

	cases := []struct {
		jid, path string
		want      string
		ok        bool
	}{
		{"slack:C2", "/workspace/group/out/chart.png", filepath.Join(f.groupsDir, "team", "out", "chart.png"), true},
		{"slack:C2", "/workspace/group/../main/secret.txt", "", false},
		{"slack:C2", "/workspace/group/", "", false},
		{"slack:C2", "/workspace/groups/main/a.txt", "", false},
		{"slack:C1", "/workspace/groups/team/a.txt", filepath.Join(f.groupsDir, "team", "a.txt"), true},
		{"slack:C1", "/etc/passwd", "", false},
		{"slack:C9", "/workspace/group/a.txt", "", false},
	}
	for _, tc := range cases {
		got, ok := f.o.ResolvePath(tc.jid, tc.path)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ResolvePath(%s, %s) = %q, %v; want %q, %v", tc.jid, tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

// --- daemon ---

func TestRun_ProcessesCommandsAndShutsDown(t *testing.T) {
	f := newFixture(t)
	f.register(t, "slack:C1", "main")
	if _, err := f.o.layout.Publish("main", ipc.SendMessage{ChatJID: "slack:C7", Text: "ping from main"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.slack.SentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msg, ok := f.slack.LastSent()
	if !ok || msg.ChatJID != "slack:C7" || msg.Text != "Andy: ping from main" {
		t.Errorf("sent = %+v", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := f.slack.Connect(context.Background()); err == nil {
		t.Error("adapter not closed on shutdown")
	}
	if !strings.Contains(f.out.String(), "orchestrator: stopped") {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestRun_RecoversBacklog(t *testing.T) {
	f := newFixture(t)
	f.launcher.outputs = []agent.Output{result("caught up")}
	f.register(t, "slack:C1", "main")
	f.inbound("1", "slack:C1", "while you were out", t0)
	// Seen but never delivered, as after a crash mid-run.
	f.o.Router().Cursors().AdvanceSeen("2024-03-01T09:00:00.000Z")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.slack.SentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if n := len(f.launcher.runs()); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
	if msg, _ := f.slack.LastSent(); msg.Text != "Andy: caught up" {
		t.Errorf("sent = %q", msg.Text)
	}
}

func TestRun_RuntimeUnavailable(t *testing.T) {
	rl := &runtimeLauncher{fakeLauncher: &fakeLauncher{}, ensureErr: errors.New("docker is not available")}
	f := newFixtureWith(t, rl)
	err := f.o.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "docker is not available") {
		t.Fatalf("err = %v", err)
	}
	if rl.cleaned {
		t.Error("orphan cleanup ran without a runtime")
	}
}
