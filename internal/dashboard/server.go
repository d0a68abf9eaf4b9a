// Package dashboard serves the read-only status API: health, queue state,
// registered groups, scheduled tasks and Prometheus metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/queue"
)

// Source is the live orchestrator state the API reads from.
type Source interface {
	QueueStatus() queue.Status
	Groups() map[string]models.Group
	Tasks() ([]models.ScheduledTask, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source     Source
	MainFolder string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Port     int
	Out      io.Writer
	// EventInterval is how often /api/events checks the queue for changes.
	EventInterval time.Duration
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("dashboard: source is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with every route registered.
func newRouter(opts StartOpts) *gin.Engine {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.EventInterval <= 0 {
		opts.EventInterval = 2 * time.Second
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
