package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/qwibitai/nanoclaw/internal/config"
	"github.com/qwibitai/nanoclaw/internal/dashboard"
	"github.com/qwibitai/nanoclaw/internal/db"
	"github.com/qwibitai/nanoclaw/internal/host"
	"github.com/qwibitai/nanoclaw/internal/status"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// heartbeatInterval is how often tracked messages are probed for dead or
// stalled workers.
const heartbeatInterval = 30 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	gdb, err := db.Connect(db.Options{
		Driver:   cfg.DB.Driver,
		Path:     cfg.DB.Path,
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Database: cfg.DB.Database,
	})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	// The connector attaches here. Until one is wired in, signals and
	// replies land in the daemon log.
	var h *host.Host
	tracker, err := status.New(status.Options{
		DB: gdb,
		Deps: status.Deps{
			SendAck: func(chatJID, messageID, signal string) error {
				log.Printf("ack [%s] %s -> %s", chatJID, messageID, signal)
				return nil
			},
			SendMessage: func(chatJID, text string) error {
				log.Printf("message [%s] %s", chatJID, text)
				return nil
			},
			IsMainGroup: func(chatJID string) bool {
				return chatJID == cfg.MainGroupJID
			},
			IsWorkerAlive: func(chatJID string) bool {
				return h != nil && h.WorkerAlive(chatJID)
			},
		},
	})
	if err != nil {
		return err
	}

	if err := tracker.Recover(true); err != nil {
		return err
	}

	h, err = host.New(host.Options{
		Config:  cfg,
		DB:      gdb,
		Source:  logSource{},
		Tracker: tracker,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	h.Start(ctx)

	sched := cron.New()
	for _, s := range cfg.Schedules {
		s := s
		_, err := sched.AddFunc(s.Cron, func() {
			taskID := fmt.Sprintf("%s@%s", s.Name, time.Now().Format(time.RFC3339))
			h.EnqueueScheduledRun(s, taskID)
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	sched.Start()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tracker.HeartbeatCheck()
			}
		}
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Queue:   h.Queue(),
				Tracker: tracker,
				Port:    cfg.Dashboard.Port,
			}); err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	log.Printf("nanoclaw running (max workers %d, max tasks %d, %d schedule(s))",
		cfg.Queue.MaxConcurrent, cfg.Queue.MaxConcurrentTasks, len(cfg.Schedules))
	<-ctx.Done()

	log.Printf("shutting down")
	sched.Stop()
	h.DrainInbound()
	detached := h.Shutdown()
	if len(detached) > 0 {
		log.Printf("detached workers left running: %v", detached)
	}
	tracker.Flush()
	tracker.Close()
	return nil
}

// logSource is the connectorless MessageSource: no backlog ever pends, and
// worker output is written to the daemon log.
type logSource struct{}

func (logSource) PendingPrompt(chatJID string) (string, []string, error) {
	return "", nil, nil
}

func (logSource) Secrets(chatJID string) (map[string]string, error) {
	return nil, nil
}

func (logSource) DeliverOutput(chatJID string, chunk json.RawMessage) error {
	log.Printf("output [%s] %s", chatJID, chunk)
	return nil
}
