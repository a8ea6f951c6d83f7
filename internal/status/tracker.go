// Package status tracks per-message delivery state through a strictly
// ordered lifecycle: received < thinking < working < terminal (done or
// failed). Transitions persist incrementally so a restart can recover, and
// all acknowledgment side effects are serialized through one queue so
// interleaved transitions never reorder output.
package status

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Acknowledgment signals, one per lifecycle milestone.
const (
	SignalReceived = "received"
	SignalThinking = "thinking"
	SignalWorking  = "working"
	SignalDone     = "done"
	SignalFailed   = "failed"
)

// Default policy knobs.
const (
	DefaultCleanupGrace = 30 * time.Second
	DefaultStateCeiling = 30 * time.Minute
)

// Deps are the external collaborators the tracker signals through. All four
// are required.
type Deps struct {
	// SendAck emits a per-message acknowledgment signal.
	SendAck func(chatJID, messageID, signal string) error
	// SendMessage sends a conversation-level text message.
	SendMessage func(chatJID, text string) error
	// IsMainGroup reports whether a conversation receives status signals.
	IsMainGroup func(chatJID string) bool
	// IsWorkerAlive reports whether a conversation's worker is running.
	IsWorkerAlive func(chatJID string) bool
}

// Options configures a Tracker.
type Options struct {
	DB           *gorm.DB // nil disables persistence
	Deps         Deps
	CleanupGrace time.Duration // terminal entries evicted after this
	StateCeiling time.Duration // heartbeat time-in-state limit for claimed entries
}

type entry struct {
	chatJID   string
	fromMe    bool
	state     int
	terminal  string
	trackedAt time.Time
	stateAt   time.Time // last transition time, for the heartbeat ceiling
}

// Tracker is the per-message lifecycle state machine. All entry mutation
// happens inside its methods under one mutex; side effects run on a single
// goroutine in transition order.
type Tracker struct {
	db           *gorm.DB
	deps         Deps
	cleanupGrace time.Duration
	stateCeiling time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	// Effects queue. Unbounded on purpose: effects are enqueued while mu is
	// held, and a Deps callback may re-enter the tracker, so enqueueing must
	// never block.
	effectMu   sync.Mutex
	effectCond *sync.Cond
	effectQ    []func()
	stopping   bool
	closed     chan struct{}
}

// New validates deps and starts the tracker's effect queue.
func New(opts Options) (*Tracker, error) {
	if opts.Deps.SendAck == nil || opts.Deps.SendMessage == nil ||
		opts.Deps.IsMainGroup == nil || opts.Deps.IsWorkerAlive == nil {
		return nil, fmt.Errorf("status: all four deps are required")
	}
	if opts.CleanupGrace <= 0 {
		opts.CleanupGrace = DefaultCleanupGrace
	}
	if opts.StateCeiling <= 0 {
		opts.StateCeiling = DefaultStateCeiling
	}
	t := &Tracker{
		db:           opts.DB,
		deps:         opts.Deps,
		cleanupGrace: opts.CleanupGrace,
		stateCeiling: opts.StateCeiling,
		entries:      make(map[string]*entry),
		closed:       make(chan struct{}),
	}
	t.effectCond = sync.NewCond(&t.effectMu)
	go t.effectLoop()
	return t, nil
}

// enqueueEffect appends a side effect to the queue. Returns false once the
// tracker is closing; late effects are dropped.
func (t *Tracker) enqueueEffect(fn func()) bool {
	t.effectMu.Lock()
	defer t.effectMu.Unlock()
	if t.stopping {
		return false
	}
	t.effectQ = append(t.effectQ, fn)
	t.effectCond.Signal()
	return true
}

// effectLoop runs queued side effects one at a time, in order. It exits once
// Close is called and the queue has drained.
func (t *Tracker) effectLoop() {
	defer close(t.closed)
	for {
		t.effectMu.Lock()
		for len(t.effectQ) == 0 && !t.stopping {
			t.effectCond.Wait()
		}
		if len(t.effectQ) == 0 {
			t.effectMu.Unlock()
			return
		}
		fn := t.effectQ[0]
		t.effectQ = t.effectQ[1:]
		t.effectMu.Unlock()
		fn()
	}
}

// Flush blocks until every queued side effect has settled.
func (t *Tracker) Flush() {
	done := make(chan struct{})
	if !t.enqueueEffect(func() { close(done) }) {
		return
	}
	<-done
}

// Close drains the effect queue and stops it. The tracker must not be used
// afterwards.
func (t *Tracker) Close() {
	t.effectMu.Lock()
	t.stopping = true
	t.effectCond.Signal()
	t.effectMu.Unlock()
	<-t.closed
}

// MarkReceived registers a new message. Repeat registration of the same id
// is a no-op. The initial acknowledgment fires only for the designated
// primary conversation.
func (t *Tracker) MarkReceived(messageID, chatJID string, fromMe bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[messageID]; ok {
		return false
	}
	now := time.Now()
	e := &entry{
		chatJID:   chatJID,
		fromMe:    fromMe,
		state:     models.StateReceived,
		trackedAt: now,
		stateAt:   now,
	}
	t.entries[messageID] = e
	t.persistLocked(messageID, e)
	t.ackLocked(chatJID, messageID, SignalReceived)
	return true
}

// MarkThinking advances a message to the thinking state.
func (t *Tracker) MarkThinking(messageID string) bool {
	return t.advance(messageID, models.StateThinking, "", SignalThinking)
}

// MarkWorking advances a message to the working state.
func (t *Tracker) MarkWorking(messageID string) bool {
	return t.advance(messageID, models.StateWorking, "", SignalWorking)
}

// MarkDone terminates a message successfully.
func (t *Tracker) MarkDone(messageID string) bool {
	return t.advance(messageID, models.StateTerminal, models.TerminalDone, SignalDone)
}

// MarkFailed terminates a message as failed. Reachable from any
// non-terminal state, rejected once terminal (including done).
func (t *Tracker) MarkFailed(messageID string) bool {
	return t.advance(messageID, models.StateTerminal, models.TerminalFailed, SignalFailed)
}

// advance applies one forward transition. Unknown ids, terminal entries,
// and non-increasing states are pure no-ops returning false.
func (t *Tracker) advance(messageID string, state int, terminal, signal string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advanceLocked(messageID, state, terminal, signal)
}

func (t *Tracker) advanceLocked(messageID string, state int, terminal, signal string) bool {
	e, ok := t.entries[messageID]
	if !ok || e.terminal != "" || state <= e.state {
		return false
	}
	e.state = state
	e.terminal = terminal
	e.stateAt = time.Now()
	t.persistLocked(messageID, e)
	t.ackLocked(e.chatJID, messageID, signal)
	if terminal != "" {
		t.scheduleEvictionLocked(messageID)
	}
	return true
}

// MarkAllDone bulk-terminates every non-terminal entry for a conversation
// as done. Returns the number of entries transitioned.
func (t *Tracker) MarkAllDone(chatJID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.chatJID == chatJID && e.terminal == "" {
			if t.advanceLocked(id, models.StateTerminal, models.TerminalDone, SignalDone) {
				n++
			}
		}
	}
	return n
}

// MarkAllFailed bulk-terminates every non-terminal entry for a conversation
// as failed and sends exactly one explanatory message for the conversation,
// never one per message.
func (t *Tracker) MarkAllFailed(chatJID, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.chatJID == chatJID && e.terminal == "" {
			if t.advanceLocked(id, models.StateTerminal, models.TerminalFailed, SignalFailed) {
				n++
			}
		}
	}
	if n > 0 {
		t.messageLocked(chatJID, reason)
	}
	return n
}

// HeartbeatCheck inspects every claimed entry (thinking or beyond): if its
// backing worker is dead or it has sat in one state past the ceiling, the
// entry is forced to failed. One notification goes to each affected
// conversation.
func (t *Tracker) HeartbeatCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()

	affected := make(map[string]bool)
	for id, e := range t.entries {
		if e.terminal != "" || e.state < models.StateThinking {
			continue
		}
		dead := !t.deps.IsWorkerAlive(e.chatJID)
		stale := time.Since(e.stateAt) > t.stateCeiling
		if !dead && !stale {
			continue
		}
		log.Printf("status: heartbeat failing %s in %s (worker dead=%t, stale=%t)", id, e.chatJID, dead, stale)
		if t.advanceLocked(id, models.StateTerminal, models.TerminalFailed, SignalFailed) {
			affected[e.chatJID] = true
		}
	}
	for jid := range affected {
		t.messageLocked(jid, "The agent stopped responding, so pending messages were marked failed. Send a new message to retry.")
	}
}

// IsTracked reports whether a message id is currently tracked.
func (t *Tracker) IsTracked(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[messageID]
	return ok
}

// Counts is a read-only snapshot of tracked entries per state.
type Counts struct {
	Tracked  int `json:"tracked"`
	Received int `json:"received"`
	Thinking int `json:"thinking"`
	Working  int `json:"working"`
	Terminal int `json:"terminal"`
}

// Snapshot returns current entry counts.
func (t *Tracker) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Counts{Tracked: len(t.entries)}
	for _, e := range t.entries {
		switch e.state {
		case models.StateReceived:
			c.Received++
		case models.StateThinking:
			c.Thinking++
		case models.StateWorking:
			c.Working++
		default:
			c.Terminal++
		}
	}
	return c
}

// ackLocked queues an acknowledgment signal if the conversation is the
// designated primary one. Caller holds mu; the effect runs off-lock.
func (t *Tracker) ackLocked(chatJID, messageID, signal string) {
	if !t.deps.IsMainGroup(chatJID) {
		return
	}
	t.enqueueEffect(func() {
		if err := t.deps.SendAck(chatJID, messageID, signal); err != nil {
			log.Printf("status: ack %s for %s: %v", signal, messageID, err)
		}
	})
}

// messageLocked queues a conversation-level text message.
func (t *Tracker) messageLocked(chatJID, text string) {
	t.enqueueEffect(func() {
		if err := t.deps.SendMessage(chatJID, text); err != nil {
			log.Printf("status: message to %s: %v", chatJID, err)
		}
	})
}

// scheduleEvictionLocked removes a terminal entry (and its snapshot row)
// after the cleanup grace delay.
func (t *Tracker) scheduleEvictionLocked(messageID string) {
	time.AfterFunc(t.cleanupGrace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		e, ok := t.entries[messageID]
		if !ok || e.terminal == "" {
			return
		}
		delete(t.entries, messageID)
		if t.db != nil {
			if err := t.db.Delete(&models.TrackedMessage{}, "message_id = ?", messageID).Error; err != nil {
				log.Printf("status: evict snapshot row %s: %v", messageID, err)
			}
		}
	})
}

// persistLocked upserts the snapshot row for one entry.
func (t *Tracker) persistLocked(messageID string, e *entry) {
	if t.db == nil {
		return
	}
	row := models.TrackedMessage{
		MessageID: messageID,
		ChatJID:   e.chatJID,
		FromMe:    e.fromMe,
		State:     e.state,
		Terminal:  e.terminal,
		TrackedAt: e.trackedAt,
	}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "terminal"}),
	}).Create(&row).Error
	if err != nil {
		log.Printf("status: persist %s: %v", messageID, err)
	}
}
