package agent

import (
	"strings"
	"testing"

	"github.com/qwibitai/nanoclaw/internal/models"
)

func TestLogWriter_FlushWritesBufferedContent(t *testing.T) {
	var rows []models.WorkerLog
	w := newLogWriter(nil, "run-1", "g1", "out")
	w.writeFn = func(row models.WorkerLog) error {
		rows = append(rows, row)
		return nil
	}

	w.Write([]byte("first "))
	w.Write([]byte("second"))
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.RunID != "run-1" || r.ChatJID != "g1" || r.Direction != "out" || r.Content != "first second" {
		t.Errorf("row = %+v", r)
	}

	// Empty buffer flushes are silent.
	if err := w.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows after empty flush = %d, want 1", len(rows))
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("abcdefgh"))
	tb.Write([]byte("XYZ"))
	if got := tb.String(); got != "defghXYZ" {
		t.Errorf("tail = %q, want %q", got, "defghXYZ")
	}
	if !strings.HasSuffix(tb.String(), "XYZ") {
		t.Error("tail lost most recent bytes")
	}
}
