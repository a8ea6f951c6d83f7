// Package dashboard serves a read-only JSON status endpoint for the agent
// host: queue occupancy, tracked message counts, and a health probe.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qwibitai/nanoclaw/internal/queue"
	"github.com/qwibitai/nanoclaw/internal/status"
)

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Queue   *queue.GroupQueue
	Tracker *status.Tracker
	Port    int
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Queue == nil || opts.Tracker == nil {
		return fmt.Errorf("dashboard: queue and tracker are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := newRouter(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin router with all status routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"queue":    opts.Queue.Snapshot(),
			"messages": opts.Tracker.Snapshot(),
		})
	})
	return router
}
