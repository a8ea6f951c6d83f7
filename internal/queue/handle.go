package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Lane identifies one of the two independent work classes per conversation.
type Lane string

const (
	LaneMessage Lane = "message"
	LaneTask    Lane = "task"
)

// Backend delivers follow-up input to a live worker process. The runner
// that spawned the worker supplies it; the queue never owns the process.
type Backend interface {
	// Send delivers one message to the worker's input channel.
	Send(text string) error
	// CloseInput signals end-of-input so the worker can wind down.
	CloseInput() error
}

// ProcessHandle is the transient record for one live worker. It is set by
// RegisterProcess when a run starts and cleared when the run completes.
type ProcessHandle struct {
	PID           int
	ContainerName string
	GroupFolder   string
	Backend       Backend
}

// TaskInfo is a read-only snapshot of the task lane's current run.
type TaskInfo struct {
	ID        string
	Preview   string
	StartedAt time.Time
}

// QueuedTask is one pending unit of background work. ID de-duplicates:
// enqueueing an already-queued id is a no-op.
type QueuedTask struct {
	ID      string
	ChatJID string
	Fn      TaskFunc
	Preview string
}

// TaskFunc runs one queued background task. Errors are logged and
// swallowed; tasks are fire-once with no retry.
type TaskFunc func() error

// ProcessMessagesFunc is the sole source of message-lane work. The boolean
// reports whether the conversation's backlog was fully processed; false or
// an error schedules a backoff retry.
type ProcessMessagesFunc func(chatJID string) (bool, error)

// writeInputFile atomically places text into the worker's group folder by
// writing a temp file and renaming it into place. Used as the delivery
// fallback when a worker has no registered backend.
func writeInputFile(groupFolder, text string) error {
	dir := filepath.Join(groupFolder, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("queue: create inbox dir: %w", err)
	}
	name := fmt.Sprintf("msg-%d.txt", time.Now().UnixNano())
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("queue: write input temp: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("queue: rename input file: %w", err)
	}
	return nil
}
