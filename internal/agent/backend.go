package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// EndOfInputSentinel tells the worker no further input is coming so it can
// wind down cooperatively.
const EndOfInputSentinel = "===NANOCLAW_INPUT_END==="

// inputMessage frames one follow-up message on the worker's stdin.
type inputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// stdinBackend delivers follow-up input over the worker's stdin pipe. It
// implements queue.Backend.
type stdinBackend struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// Send writes one framed message line to the worker.
func (b *stdinBackend) Send(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("agent: worker input already closed")
	}
	line, err := json.Marshal(inputMessage{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("agent: marshal input: %w", err)
	}
	if _, err := b.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("agent: write worker input: %w", err)
	}
	return nil
}

// CloseInput writes the end-of-input sentinel and closes the pipe. Safe to
// call more than once.
func (b *stdinBackend) CloseInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if _, err := io.WriteString(b.w, EndOfInputSentinel+"\n"); err != nil {
		b.w.Close()
		return fmt.Errorf("agent: write end-of-input: %w", err)
	}
	if err := b.w.Close(); err != nil {
		return fmt.Errorf("agent: close worker input: %w", err)
	}
	return nil
}
