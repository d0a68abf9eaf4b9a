package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/roundhouse/internal/dashboard"
	"github.com/zulandar/roundhouse/internal/ipc"
	"github.com/zulandar/roundhouse/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. Startup order: runtime check, orphan cleanup, backlog recovery,
// then the router, command watcher, task scanner, chat hub and status API.
// On the way out the queue is given the shutdown grace to let in-flight
// runs finish before the channels disconnect.
func (o *Orchestrator) Run(ctx context.Context) error {
	if rm, ok := o.launcher.(RuntimeManager); ok {
		if err := rm.EnsureRuntime(ctx); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		if _, err := rm.CleanupOrphans(ctx); err != nil {
			log.Printf("orchestrator: orphan cleanup: %v", err)
		}
	}

	gateway, err := ipc.NewGateway(ipc.GatewayOpts{
		Tasks:     o.store,
		Groups:    o,
		Send:      o.Send,
		Refresher: o,
		Layout:    o.layout,
		Location:  o.opts.Location,
		Now:       o.now,
		Metrics:   o.metrics,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	watcher, err := ipc.NewWatcher(ipc.WatcherOpts{
		Layout:       o.layout,
		Gateway:      gateway,
		MainFolder:   o.mainFolder,
		PollInterval: o.opts.IPCPollInterval,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	scanner, err := scheduler.NewScanner(scheduler.ScannerOpts{
		Store:        o.store,
		Queue:        o.queue,
		Runner:       o,
		Location:     o.opts.Location,
		PollInterval: o.opts.SchedulerPollInterval,
		Now:          o.now,
		Metrics:      o.metrics,
		Out:          o.out,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	for _, g := range o.Groups() {
		if err := o.layout.Ensure(g.Folder); err != nil {
			log.Printf("orchestrator: ipc dirs group=%s: %v", g.Folder, err)
		}
	}
	if err := o.router.Recover(); err != nil {
		return fmt.Errorf("orchestrator: recovery: %w", err)
	}
	fmt.Fprintf(o.out, "orchestrator: running as %s on %s, groups: %s\n",
		o.assistant, strings.Join(o.hub.Platforms(), ","), strings.Join(o.registeredJIDs(), ","))

	// The hub outlives the other loops so replies from runs finishing
	// during the shutdown grace can still be delivered.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	var hubErr error
	hubExited := make(chan struct{})
	go func() {
		hubErr = o.hub.Run(hubCtx)
		close(hubExited)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-hubExited:
			return hubErr
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return o.router.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	if o.opts.DashboardPort > 0 {
		g.Go(func() error {
			return dashboard.Start(gctx, dashboard.StartOpts{
				Source:     o,
				MainFolder: o.mainFolder,
				Port:       o.opts.DashboardPort,
				Out:        o.out,
			})
		})
	}

	runErr := g.Wait()

	fmt.Fprintf(o.out, "orchestrator: shutting down...\n")
	detached := o.queue.Shutdown(o.opts.ShutdownGrace)
	if len(detached) > 0 {
		fmt.Fprintf(o.out, "orchestrator: left running: %s\n", strings.Join(detached, ", "))
	}
	stopHub()
	<-hubExited
	fmt.Fprintf(o.out, "orchestrator: stopped\n")
	return runErr
}
