// Package host wires the inbound queue, status tracker, group queue, and
// worker runner into one agent host. Channel connectors stay external: they
// call HandleInbound with received messages and implement MessageSource for
// prompt construction and reply delivery.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw/internal/agent"
	"github.com/qwibitai/nanoclaw/internal/config"
	"github.com/qwibitai/nanoclaw/internal/ingest"
	"github.com/qwibitai/nanoclaw/internal/queue"
	"github.com/qwibitai/nanoclaw/internal/status"
	"gorm.io/gorm"
)

// InboundMessage is one message received by a connector.
type InboundMessage struct {
	MessageID string
	ChatJID   string
	FromMe    bool
	Text      string
}

// MessageSource is the external collaborator owning chat history, prompt
// construction, and reply delivery.
type MessageSource interface {
	// PendingPrompt builds the worker prompt for a conversation's backlog
	// and returns the backlog's message ids. An empty prompt means there is
	// nothing to process.
	PendingPrompt(chatJID string) (prompt string, messageIDs []string, err error)
	// Secrets returns ephemeral credentials for one run. They travel only
	// over the worker's stdin.
	Secrets(chatJID string) (map[string]string, error)
	// DeliverOutput forwards one parsed worker output chunk to the chat.
	DeliverOutput(chatJID string, chunk json.RawMessage) error
}

// Options configures a Host.
type Options struct {
	Config  *config.Config
	DB      *gorm.DB
	Source  MessageSource
	Tracker *status.Tracker
}

// Host multiplexes conversations onto the bounded worker pool.
type Host struct {
	cfg     *config.Config
	gq      *queue.GroupQueue
	runner  *agent.Runner
	tracker *status.Tracker
	inbound *ingest.Queue
	source  MessageSource

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]string // chatJID -> resumable worker session id
}

// New builds a Host and its internal queues.
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("host: config is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("host: message source is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("host: tracker is required")
	}

	runner, err := agent.New(agent.Config{
		Command:        opts.Config.Agent.Command,
		SlidingTimeout: time.Duration(opts.Config.Agent.SlidingTimeoutSec) * time.Second,
		GraceTimeout:   time.Duration(opts.Config.Agent.GraceTimeoutSec) * time.Second,
		MaxOutputBytes: opts.Config.Agent.MaxOutputBytes,
	}, opts.DB)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:      opts.Config,
		runner:   runner,
		tracker:  opts.Tracker,
		inbound:  ingest.New(opts.Config.Ingest.MaxConcurrency, opts.Config.Ingest.MaxDepth),
		source:   opts.Source,
		ctx:      context.Background(),
		sessions: make(map[string]string),
	}
	h.gq = queue.New(queue.Options{
		MaxConcurrent:      opts.Config.Queue.MaxConcurrent,
		MaxConcurrentTasks: opts.Config.Queue.MaxConcurrentTasks,
		BaseRetry:          time.Duration(opts.Config.Queue.BaseRetrySec) * time.Second,
		MaxRetries:         opts.Config.Queue.MaxRetries,
		OnDropBacklog: func(chatJID string, lastErr error) {
			h.tracker.MarkAllFailed(chatJID,
				"Message processing kept failing and has been paused for this chat. Send a new message to try again.")
		},
	})
	h.gq.SetProcessMessagesFn(h.processMessages)
	return h, nil
}

// Start installs the context used for worker runs.
func (h *Host) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

// HandleInbound admits one received message: it is tracked, then the
// conversation's message lane is triggered. Called by connectors.
func (h *Host) HandleInbound(msg InboundMessage) {
	label := fmt.Sprintf("inbound %s/%s", msg.ChatJID, msg.MessageID)
	h.inbound.Enqueue(label, func() error {
		h.tracker.MarkReceived(msg.MessageID, msg.ChatJID, msg.FromMe)
		h.gq.EnqueueMessageCheck(msg.ChatJID)
		return nil
	})
}

// processMessages is the message-lane work function: build the backlog
// prompt, run one worker, and advance tracked messages alongside. The
// boolean return drives the queue's retry policy.
func (h *Host) processMessages(chatJID string) (bool, error) {
	prompt, ids, err := h.source.PendingPrompt(chatJID)
	if err != nil {
		return false, fmt.Errorf("host: pending prompt for %s: %w", chatJID, err)
	}
	if prompt == "" {
		return true, nil
	}

	for _, id := range ids {
		h.tracker.MarkThinking(id)
	}

	secrets, err := h.source.Secrets(chatJID)
	if err != nil {
		return false, fmt.Errorf("host: secrets for %s: %w", chatJID, err)
	}

	folder, err := h.groupFolder(chatJID)
	if err != nil {
		return false, err
	}

	var markedWorking bool
	res, err := h.runner.Run(h.runContext(), agent.RunInput{
		ChatJID:     chatJID,
		Prompt:      prompt,
		SessionID:   h.session(chatJID),
		GroupFolder: folder,
		Secrets:     secrets,
	}, func(handle queue.ProcessHandle) {
		h.gq.RegisterProcess(chatJID, handle, queue.LaneMessage)
	}, func(chunk json.RawMessage) {
		if !markedWorking {
			markedWorking = true
			for _, id := range ids {
				h.tracker.MarkWorking(id)
			}
		}
		if derr := h.source.DeliverOutput(chatJID, chunk); derr != nil {
			log.Printf("host: deliver output to %s: %v", chatJID, derr)
		}
	})
	if err != nil {
		return false, err
	}

	h.setSession(chatJID, res.SessionID)

	if res.Status != agent.StatusOK {
		return false, fmt.Errorf("host: worker run for %s: %s", chatJID, res.ErrorDetail)
	}
	for _, id := range ids {
		h.tracker.MarkDone(id)
	}
	return true, nil
}

// EnqueueScheduledRun queues a config-declared agent run on the task lane.
// The id de-duplicates per fire time so overlapping triggers collapse.
func (h *Host) EnqueueScheduledRun(s config.ScheduleConfig, taskID string) {
	preview := s.Prompt
	if len(preview) > 80 {
		preview = preview[:80]
	}
	h.gq.EnqueueTask(s.ChatJID, taskID, func() error {
		folder, err := h.groupFolder(s.ChatJID)
		if err != nil {
			return err
		}
		res, err := h.runner.Run(h.runContext(), agent.RunInput{
			ChatJID:     s.ChatJID,
			Prompt:      s.Prompt,
			GroupFolder: folder,
		}, func(handle queue.ProcessHandle) {
			h.gq.RegisterProcess(s.ChatJID, handle, queue.LaneTask)
		}, func(chunk json.RawMessage) {
			if derr := h.source.DeliverOutput(s.ChatJID, chunk); derr != nil {
				log.Printf("host: deliver scheduled output to %s: %v", s.ChatJID, derr)
			}
		})
		if err != nil {
			return err
		}
		if res.Status != agent.StatusOK {
			return fmt.Errorf("host: scheduled run %s: %s", taskID, res.ErrorDetail)
		}
		return nil
	}, preview)
}

// WorkerAlive reports whether a conversation's message-lane worker is
// running. Wired into the tracker's heartbeat probe.
func (h *Host) WorkerAlive(chatJID string) bool {
	return h.gq.IsLaneActive(chatJID, queue.LaneMessage)
}

// Queue exposes the group queue for introspection and direct delivery.
func (h *Host) Queue() *queue.GroupQueue {
	return h.gq
}

// DrainInbound blocks until the inbound queue is empty, for shutdown and
// tests.
func (h *Host) DrainInbound() {
	h.inbound.Drain()
}

// Shutdown stops admissions and returns the container names of workers
// left running.
func (h *Host) Shutdown() []string {
	detached := h.gq.Shutdown()
	if len(detached) > 0 {
		log.Printf("host: shutdown leaving %d worker(s) detached: %s",
			len(detached), strings.Join(detached, ", "))
	}
	return detached
}

// groupFolder resolves (and creates) the per-conversation data folder.
func (h *Host) groupFolder(chatJID string) (string, error) {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, chatJID)
	dir := filepath.Join(h.cfg.Agent.DataDir, safe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("host: create group folder: %w", err)
	}
	return dir, nil
}

func (h *Host) runContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

func (h *Host) session(chatJID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[chatJID]
}

func (h *Host) setSession(chatJID, sessionID string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[chatJID] = sessionID
}
