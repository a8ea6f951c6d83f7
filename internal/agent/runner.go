// Package agent spawns and supervises one worker process per unit of work,
// turning the worker's sentinel-framed stdout into structured results.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/qwibitai/nanoclaw/internal/models"
	"github.com/qwibitai/nanoclaw/internal/queue"
	"gorm.io/gorm"
)

// Run result statuses. Process-level failures come back as results, never
// as returned errors, so callers can apply retry policy uniformly.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout" // fired with zero output observed
)

// stderrTailBytes bounds the diagnostic snippet carried in failure results.
const stderrTailBytes = 2048

// Config configures the runner. Command is the worker argv; the generated
// container name is appended as its final argument.
type Config struct {
	Command        []string
	SlidingTimeout time.Duration // re-armed on every parsed output chunk
	GraceTimeout   time.Duration // SIGTERM to SIGKILL window
	MaxOutputBytes int           // diagnostic stdout buffer bound
	FlushInterval  time.Duration // worker-log flush cadence
	Verbose        bool
}

// Runner spawns worker processes. A nil db disables run/log persistence.
type Runner struct {
	cfg Config
	db  *gorm.DB
}

// New validates the config and returns a Runner.
func New(cfg Config, db *gorm.DB) (*Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("agent: command is required")
	}
	if cfg.SlidingTimeout <= 0 {
		cfg.SlidingTimeout = 5 * time.Minute
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Runner{cfg: cfg, db: db}, nil
}

// RunInput carries the payload for one worker run. Secrets travel only over
// the worker's stdin; they are never written to disk or captured in logs.
type RunInput struct {
	ChatJID     string
	Prompt      string
	SessionID   string // resumable session, if any
	GroupFolder string
	Secrets     map[string]string
}

// RunResult is the structured outcome of one run.
type RunResult struct {
	Status      string
	SessionID   string          // last session id observed, else the input's
	Result      json.RawMessage // last parsed chunk (single-shot mode only)
	Streamed    bool            // chunks were delivered via OnChunk
	TimedOut    bool            // sliding timeout fired after some output
	Truncated   bool            // diagnostic stdout buffer overflowed
	ExitCode    int
	ErrorDetail string
}

// OnStarted fires once the worker process exists, so the caller can
// register the handle for message delivery.
type OnStarted func(h queue.ProcessHandle)

// OnChunk receives each parsed output chunk in strict arrival order.
type OnChunk func(chunk json.RawMessage)

// runPayload is the first stdin line handed to the worker.
type runPayload struct {
	Prompt    string            `json:"prompt"`
	SessionID string            `json:"session_id,omitempty"`
	Secrets   map[string]string `json:"secrets,omitempty"`
}

// chunkEnvelope extracts the session id a worker reports in its chunks.
type chunkEnvelope struct {
	SessionID string `json:"session_id"`
}

// Run spawns one worker, streams its output, and returns a structured
// result. The returned error is non-nil only for invalid input; spawn,
// exit, timeout, and parse failures are reported in the result.
func (r *Runner) Run(ctx context.Context, input RunInput, onStarted OnStarted, onChunk OnChunk) (*RunResult, error) {
	if input.ChatJID == "" {
		return nil, fmt.Errorf("agent: chatJID is required")
	}
	if input.Prompt == "" {
		return nil, fmt.Errorf("agent: prompt is required")
	}

	runID := uuid.NewString()
	containerName := "nanoclaw-" + runID[:8]
	startedAt := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := append(append([]string{}, r.cfg.Command[1:]...), containerName)
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	if input.GroupFolder != "" {
		cmd.Dir = input.GroupFolder
	}

	// Process group so the stop signal reaches the whole worker tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.GraceTimeout

	stdoutLog := newLogWriter(r.db, runID, input.ChatJID, "out")
	stderrLog := newLogWriter(r.db, runID, input.ChatJID, "err")
	stderrTail := newTailBuffer(stderrTailBytes)

	var deliverCh chan json.RawMessage
	if onChunk != nil {
		deliverCh = make(chan json.RawMessage, 16)
	}
	sink := &outputSink{
		runID:    runID,
		maxBytes: r.cfg.MaxOutputBytes,
		diag:     stdoutLog,
		deliver:  deliverCh,
		scanner:  chunkScanner{max: r.cfg.MaxOutputBytes},
	}
	sink.lastActivity.Store(startedAt.UnixNano())

	cmd.Stdout = sink
	cmd.Stderr = io.MultiWriter(stderrLog, stderrTail)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.finish(runID, input, startedAt, &RunResult{
			Status:      StatusError,
			SessionID:   input.SessionID,
			ErrorDetail: fmt.Sprintf("stdin pipe: %v", err),
		}), nil
	}

	if err := cmd.Start(); err != nil {
		return r.finish(runID, input, startedAt, &RunResult{
			Status:      StatusError,
			SessionID:   input.SessionID,
			ErrorDetail: fmt.Sprintf("spawn: %v", err),
		}), nil
	}

	flushCtx, flushCancel := context.WithCancel(context.Background())
	startFlusher(flushCtx, stdoutLog, r.cfg.FlushInterval)
	startFlusher(flushCtx, stderrLog, r.cfg.FlushInterval)

	backend := &stdinBackend{w: stdin}
	if onStarted != nil {
		onStarted(queue.ProcessHandle{
			PID:           cmd.Process.Pid,
			ContainerName: containerName,
			GroupFolder:   input.GroupFolder,
			Backend:       backend,
		})
	}

	// Ordered chunk delivery: one goroutine, one channel, so slow consumers
	// never reorder results.
	deliveryDone := make(chan struct{})
	if onChunk != nil {
		go func() {
			defer close(deliveryDone)
			for chunk := range deliverCh {
				onChunk(chunk)
			}
		}()
	} else {
		close(deliveryDone)
	}

	// First stdin line carries the payload, secrets included. The pipe
	// stays open for follow-up messages via the backend.
	if line, merr := json.Marshal(runPayload{
		Prompt:    input.Prompt,
		SessionID: input.SessionID,
		Secrets:   input.Secrets,
	}); merr == nil {
		if _, werr := stdin.Write(append(line, '\n')); werr != nil {
			log.Printf("agent: run %s: write payload: %v", runID, werr)
		}
	}

	// Sliding-timeout watchdog: activity is a successfully parsed chunk,
	// not raw bytes. On expiry, cancel triggers SIGTERM; WaitDelay
	// escalates to a kill.
	var timedOut atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		tick := r.cfg.SlidingTimeout / 4
		if tick > time.Second {
			tick = time.Second
		}
		if tick < 10*time.Millisecond {
			tick = 10 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				last := time.Unix(0, sink.lastActivity.Load())
				if time.Since(last) > r.cfg.SlidingTimeout {
					timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	close(watchdogDone)
	flushCancel()
	if deliverCh != nil {
		close(deliverCh)
	}
	<-deliveryDone
	stdoutLog.Close()
	stderrLog.Close()

	res := &RunResult{
		SessionID: input.SessionID,
		Truncated: sink.truncated,
	}
	if sink.lastSessionID != "" {
		res.SessionID = sink.lastSessionID
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	classify(res, timedOut.Load(), waitErr, sink, stderrTail, onChunk != nil)

	return r.finish(runID, input, startedAt, res), nil
}

// classify maps the wait outcome onto the result. The timeout cases require
// a non-nil waitErr: a worker that exits cleanly is never reported as timed
// out, even when the watchdog fired in the same instant.
func classify(res *RunResult, timedOut bool, waitErr error, sink *outputSink, stderrTail *tailBuffer, streaming bool) {
	switch {
	case timedOut && waitErr != nil && sink.chunks > 0:
		// The worker produced results but was slow to exit; treat as done.
		res.Status = StatusOK
		res.TimedOut = true
		res.Streamed = streaming
		if !streaming {
			res.Result = sink.lastChunk
		}
	case timedOut && waitErr != nil:
		res.Status = StatusTimeout
		res.ErrorDetail = "no output before timeout; stderr: " + stderrTail.String()
	case waitErr != nil:
		res.Status = StatusError
		res.ErrorDetail = fmt.Sprintf("exit: %v; stderr: %s", waitErr, stderrTail.String())
	default:
		if streaming {
			res.Status = StatusOK
			res.Streamed = true
		} else if len(sink.lastChunk) > 0 {
			res.Status = StatusOK
			res.Result = sink.lastChunk
		} else {
			res.Status = StatusError
			res.ErrorDetail = "exit 0 with no parseable output; stderr: " + stderrTail.String()
		}
	}
}

// finish persists the run record and writes the run's log line.
func (r *Runner) finish(runID string, input RunInput, startedAt time.Time, res *RunResult) *RunResult {
	endedAt := time.Now()
	if r.db != nil {
		row := models.WorkerRun{
			ID:         runID,
			ChatJID:    input.ChatJID,
			SessionID:  res.SessionID,
			Status:     res.Status,
			ExitCode:   res.ExitCode,
			Truncated:  res.Truncated,
			DurationMS: endedAt.Sub(startedAt).Milliseconds(),
			StartedAt:  startedAt,
			EndedAt:    endedAt,
		}
		if err := r.db.Create(&row).Error; err != nil {
			log.Printf("agent: run %s: persist run record: %v", runID, err)
		}
	}
	if res.Status != StatusOK || r.cfg.Verbose {
		log.Printf("agent: run %s [%s] status=%s exit=%d truncated=%t duration=%s detail=%q",
			runID, input.ChatJID, res.Status, res.ExitCode, res.Truncated,
			endedAt.Sub(startedAt).Round(time.Millisecond), res.ErrorDetail)
	} else {
		log.Printf("agent: run %s [%s] status=%s duration=%s",
			runID, input.ChatJID, res.Status, endedAt.Sub(startedAt).Round(time.Millisecond))
	}
	return res
}

// outputSink receives worker stdout: it scans for marker-framed chunks,
// accumulates a bounded diagnostic copy, and forwards parsed chunks for
// ordered delivery. Write is called from a single copier goroutine; only
// lastActivity is read concurrently (by the watchdog).
type outputSink struct {
	runID    string
	maxBytes int
	diag     *logWriter
	deliver  chan json.RawMessage

	scanner      chunkScanner
	lastActivity atomic.Int64

	written       int
	truncated     bool
	chunks        int
	parseErrors   int
	overflows     int
	lastChunk     json.RawMessage
	lastSessionID string
}

func (s *outputSink) Write(p []byte) (int, error) {
	if s.written < s.maxBytes {
		keep := p
		if s.written+len(keep) > s.maxBytes {
			keep = keep[:s.maxBytes-s.written]
			s.truncated = true
		}
		s.diag.Write(keep)
		s.written += len(keep)
	} else if len(p) > 0 {
		s.truncated = true
	}

	payloads := s.scanner.feed(p)
	if s.scanner.overflows > s.overflows {
		s.parseErrors += s.scanner.overflows - s.overflows
		s.overflows = s.scanner.overflows
		log.Printf("agent: run %s: abandoning output chunk over %d bytes", s.runID, s.maxBytes)
	}
	for _, payload := range payloads {
		if !json.Valid(payload) {
			s.parseErrors++
			log.Printf("agent: run %s: dropping unparseable output chunk (%d bytes)", s.runID, len(payload))
			continue
		}
		chunk := json.RawMessage(payload)
		s.chunks++
		s.lastChunk = chunk
		var env chunkEnvelope
		if err := json.Unmarshal(payload, &env); err == nil && env.SessionID != "" {
			s.lastSessionID = env.SessionID
		}
		s.lastActivity.Store(time.Now().UnixNano())
		if s.deliver != nil {
			s.deliver <- chunk
		}
	}
	return len(p), nil
}
