package ipc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the fallback scan period when no filesystem event
// arrives.
const DefaultPollInterval = time.Second

// Applier executes one authorized command. *Gateway implements it.
type Applier interface {
	Apply(ctx context.Context, src Source, cmd Command) error
}

// WatcherOpts configures a Watcher.
type WatcherOpts struct {
	Layout       Layout
	Gateway      Applier
	MainFolder   string
	PollInterval time.Duration
}

// Watcher consumes command files from every group's messages/ and tasks/
// directories. fsnotify wakes it early; a ticker catches anything the
// notifier misses.
type Watcher struct {
	layout     Layout
	gateway    Applier
	mainFolder string
	interval   time.Duration

	mu      sync.Mutex
	running bool
	watched map[string]bool
	fsw     *fsnotify.Watcher
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Layout.Root == "" {
		return nil, fmt.Errorf("ipc: layout root is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("ipc: gateway is required")
	}
	if opts.MainFolder == "" {
		return nil, fmt.Errorf("ipc: main folder is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		layout:     opts.Layout,
		gateway:    opts.Gateway,
		mainFolder: opts.MainFolder,
		interval:   interval,
		watched:    make(map[string]bool),
	}, nil
}

// Run scans until ctx is cancelled. Calling Run while it is already running
// returns an error.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("ipc: watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := os.MkdirAll(w.layout.Root, 0o755); err != nil {
		return fmt.Errorf("ipc: create root: %w", err)
	}

	var events <-chan fsnotify.Event
	var fsErrors <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("ipc: fsnotify unavailable, polling only: %v", err)
	} else {
		defer fsw.Close()
		w.mu.Lock()
		w.fsw = fsw
		w.mu.Unlock()
		events, fsErrors = fsw.Events, fsw.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Create also covers new group directories, whose
			// subdirectories are picked up by the scan.
			if ev.Op&fsnotify.Create != 0 || (ev.Op&(fsnotify.Rename|fsnotify.Write) != 0 && strings.HasSuffix(ev.Name, ".json")) {
				w.Scan(ctx)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("ipc: fsnotify: %v", err)
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

func (w *Watcher) watch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil || w.watched[dir] {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		log.Printf("ipc: watch %s: %v", dir, err)
		return
	}
	w.watched[dir] = true
}

// Scan processes every pending command file once. Files within a directory
// are handled in name order, which is creation order.
func (w *Watcher) Scan(ctx context.Context) {
	w.watch(w.layout.Root)
	entries, err := os.ReadDir(w.layout.Root)
	if err != nil {
		log.Printf("ipc: read root: %v", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ErrorsDir {
			continue
		}
		folder := e.Name()
		src := Source{Folder: folder, IsMain: folder == w.mainFolder}
		for _, sub := range []string{MessagesDir, TasksDir} {
			dir := filepath.Join(w.layout.GroupDir(folder), sub)
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			w.watch(dir)
			w.scanDir(ctx, src, dir)
		}
	}
}

func (w *Watcher) scanDir(ctx context.Context, src Source, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("ipc: read %s: %v", dir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.handleFile(ctx, src, filepath.Join(dir, name))
	}
}

func (w *Watcher) handleFile(ctx context.Context, src Source, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("ipc: read %s: %v", path, err)
		return
	}
	cmd, err := Decode(data)
	if err != nil {
		log.Printf("ipc: bad command file: group=%s file=%s: %v", src.Folder, filepath.Base(path), err)
		w.quarantine(src.Folder, path)
		return
	}

	err = w.gateway.Apply(ctx, src, cmd)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnknownTarget):
		log.Printf("ipc: blocked: group=%s type=%s: %v", src.Folder, cmd.Type(), err)
	case errors.Is(err, ErrInvalidCommand):
		log.Printf("ipc: rejected: group=%s type=%s: %v", src.Folder, cmd.Type(), err)
	default:
		log.Printf("ipc: apply failed: group=%s type=%s: %v", src.Folder, cmd.Type(), err)
		w.quarantine(src.Folder, path)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("ipc: remove %s: %v", path, err)
	}
}

// quarantine moves a file that could not be processed into errors/ so it is
// not retried forever and can be inspected.
func (w *Watcher) quarantine(folder, path string) {
	dir := filepath.Join(w.layout.Root, ErrorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("ipc: create errors dir: %v", err)
		os.Remove(path)
		return
	}
	dest := filepath.Join(dir, folder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("ipc: quarantine %s: %v", path, err)
		os.Remove(path)
	}
}
