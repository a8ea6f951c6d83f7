package agent

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw/internal/models"
	"gorm.io/gorm"
)

// DefaultFlushInterval is the interval between periodic worker-log flushes.
const DefaultFlushInterval = 5 * time.Second

// logWriter buffers one output direction of a worker process and
// periodically flushes it to worker_logs via an injected writeFn.
type logWriter struct {
	runID     string
	chatJID   string
	direction string // "out" or "err"

	mu      sync.Mutex
	buf     bytes.Buffer
	writeFn func(models.WorkerLog) error
}

// newLogWriter creates a logWriter that flushes via db.Create. A nil db
// yields a writer that buffers and discards, used by tests and dry runs.
func newLogWriter(db *gorm.DB, runID, chatJID, direction string) *logWriter {
	writeFn := func(models.WorkerLog) error { return nil }
	if db != nil {
		writeFn = func(row models.WorkerLog) error {
			return db.Create(&row).Error
		}
	}
	return &logWriter{
		runID:     runID,
		chatJID:   chatJID,
		direction: direction,
		writeFn:   writeFn,
	}
}

// Write appends bytes to the internal buffer (implements io.Writer).
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Flush writes accumulated buffer contents to worker_logs and resets the
// buffer.
func (w *logWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	content := w.buf.String()
	w.buf.Reset()

	return w.writeFn(models.WorkerLog{
		RunID:     w.runID,
		ChatJID:   w.chatJID,
		Direction: w.direction,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// Close performs a final flush.
func (w *logWriter) Close() error {
	return w.Flush()
}

// startFlusher launches a goroutine that periodically flushes the logWriter
// until ctx is cancelled.
func startFlusher(ctx context.Context, w *logWriter, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			}
		}
	}()
}

// tailBuffer keeps the last max bytes written to it, used for truncated
// diagnostics in failure results.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
