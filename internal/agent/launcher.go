// Package agent launches one agent container per turn and streams its
// results back. The container reads a JSON Input on stdin and writes
// framed JSON Output records on stdout; follow-up input arrives through the
// IPC mailbox mounted at /workspace/ipc.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Output framing markers. Anything outside a frame is container log noise.
const (
	OutputStart = "---ROUNDHOUSE_OUTPUT_START---"
	OutputEnd   = "---ROUNDHOUSE_OUTPUT_END---"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultTimeout bounds a single container's lifetime.
const DefaultTimeout = 30 * time.Minute

// Input is the JSON document written to the container's stdin.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// Output is one framed record from the container. Result is nil for
// records that only carry a session update.
type Output struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Text returns the result text, or "" for a session-only record.
func (o Output) Text() string {
	if o.Result == nil {
		return ""
	}
	return *o.Result
}

// Handle is the observable side of a started container. *Process
// implements it.
type Handle interface {
	Done() <-chan struct{}
}

// Process is a running container.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Done closes when the container process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the runtime client's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Mounts locate the host directories bound into a container.
type Mounts struct {
	GroupsDir string // per-group working trees, <GroupsDir>/<folder>
	IPCDir    string // per-group IPC dirs, <IPCDir>/<folder>
}

// Launcher starts containers through a docker-compatible CLI.
type Launcher struct {
	Runtime    string // CLI binary; defaults to "docker"
	Image      string
	Timeout    time.Duration
	NamePrefix string // defaults to "roundhouse"
	Mounts     Mounts
}

// Request describes one container turn.
type Request struct {
	Input Input
	// OnStart is called once the process is running.
	OnStart func(h Handle, containerName string)
	// OnOutput is called for every framed record, in order.
	OnOutput func(Output)
}

func (l *Launcher) runtime() string {
	if l.Runtime == "" {
		return "docker"
	}
	return l.Runtime
}

func (l *Launcher) prefix() string {
	if l.NamePrefix == "" {
		return "roundhouse"
	}
	return l.NamePrefix
}

// ContainerName builds a unique, recognizable container name for a folder.
func (l *Launcher) ContainerName(folder string) string {
	return fmt.Sprintf("%s-%s-%s", l.prefix(), folder, uuid.NewString()[:8])
}

// Args returns the runtime arguments for one container.
func (l *Launcher) Args(name string, in Input) []string {
	args := []string{"run", "-i", "--rm", "--name", name}
	if l.Mounts.GroupsDir != "" {
		args = append(args, "-v", filepath.Join(l.Mounts.GroupsDir, in.GroupFolder)+":/workspace/group")
		if in.IsMain {
			args = append(args, "-v", l.Mounts.GroupsDir+":/workspace/groups:ro")
		}
	}
	if l.Mounts.IPCDir != "" {
		args = append(args, "-v", filepath.Join(l.Mounts.IPCDir, in.GroupFolder)+":/workspace/ipc")
	}
	return append(args, l.Image)
}

// Run starts a container, streams its framed records to req.OnOutput and
// waits for it to exit. The returned Output carries the final status and
// the last session id seen. A non-nil error means the container could not
// be started at all.
func (l *Launcher) Run(ctx context.Context, req Request) (Output, error) {
	if l.Image == "" {
		return Output{}, fmt.Errorf("agent: image is required")
	}
	if req.Input.GroupFolder == "" {
		return Output{}, fmt.Errorf("agent: group folder is required")
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	stdin, err := json.Marshal(req.Input)
	if err != nil {
		return Output{}, fmt.Errorf("agent: encode input: %w", err)
	}
	if dir := l.Mounts.GroupsDir; dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, req.Input.GroupFolder), 0o755); err != nil {
			return Output{}, fmt.Errorf("agent: create group dir: %w", err)
		}
	}

	name := l.ContainerName(req.Input.GroupFolder)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.runtime(), l.Args(name, req.Input)...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Stopping the container lets the runtime clean up; the client
		// process exits once the container does.
		l.stop(name)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("agent: start %s: %w", l.runtime(), err)
	}

	proc := &Process{cmd: cmd, done: make(chan struct{})}
	if req.OnStart != nil {
		req.OnStart(proc, name)
	}

	final := Output{Status: StatusSuccess}
	parseErr := ParseStream(stdout, func(o Output) {
		if o.NewSessionID != "" {
			final.NewSessionID = o.NewSessionID
		}
		if o.Status == StatusError {
			final.Status, final.Error = StatusError, o.Error
		}
		if req.OnOutput != nil {
			req.OnOutput(o)
		}
	})
	if parseErr != nil {
		// Keep the container from blocking on a full pipe.
		io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	close(proc.done)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		final.Status, final.Error = StatusError, fmt.Sprintf("container timed out after %s", timeout)
	case waitErr != nil:
		final.Status = StatusError
		if final.Error == "" {
			final.Error = fmt.Sprintf("container exited: %v: %s", waitErr, tail(stderr.String(), 500))
		}
	case parseErr != nil:
		final.Status, final.Error = StatusError, parseErr.Error()
	}
	if final.Status == StatusError {
		log.Printf("agent: run failed: group=%s container=%s: %s", req.Input.GroupFolder, name, final.Error)
	}
	return final, nil
}

// ParseStream reads framed Output records from r until EOF.
func ParseStream(r io.Reader, fn func(Output)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var frame strings.Builder
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == OutputStart:
			inFrame = true
			frame.Reset()
		case strings.TrimSpace(line) == OutputEnd && inFrame:
			inFrame = false
			var o Output
			if err := json.Unmarshal([]byte(frame.String()), &o); err != nil {
				log.Printf("agent: bad output frame: %v", err)
				continue
			}
			fn(o)
		case inFrame:
			frame.WriteString(line)
			frame.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent: read output: %w", err)
	}
	return nil
}

func (l *Launcher) stop(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, l.runtime(), "stop", name).CombinedOutput(); err != nil {
		log.Printf("agent: stop %s: %v: %s", name, err, tail(string(out), 200))
	}
}

// EnsureRuntime checks that the container runtime answers.
func (l *Launcher) EnsureRuntime(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, l.runtime(), "info").CombinedOutput(); err != nil {
		return fmt.Errorf("agent: %s is not available: %w: %s", l.runtime(), err, tail(string(out), 200))
	}
	return nil
}

type psEntry struct {
	Names string `json:"Names"`
	State string `json:"State"`
}

// CleanupOrphans stops running containers left behind by a previous host
// process, identified by the name prefix. It returns the names it stopped.
func (l *Launcher) CleanupOrphans(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, l.runtime(), "ps", "--format", "json").Output()
	if err != nil {
		return nil, fmt.Errorf("agent: list containers: %w", err)
	}
	orphans := Orphans(out, l.prefix()+"-")
	for _, name := range orphans {
		l.stop(name)
	}
	if len(orphans) > 0 {
		log.Printf("agent: stopped %d orphaned container(s): %s", len(orphans), strings.Join(orphans, ", "))
	}
	return orphans, nil
}

// Orphans picks running containers whose name starts with prefix from
// newline-delimited `ps --format json` output.
func Orphans(psOutput []byte, prefix string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(psOutput)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e psEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.State == "running" && strings.HasPrefix(e.Names, prefix) {
			names = append(names, e.Names)
		}
	}
	return names
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
