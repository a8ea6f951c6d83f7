package models

import "time"

// Message lifecycle states, strictly ordered. A message only ever moves
// forward: Received < Thinking < Working < Terminal.
const (
	StateReceived = 0
	StateThinking = 1
	StateWorking  = 2
	StateTerminal = 3
)

// Terminal variants. Empty until a message reaches StateTerminal.
const (
	TerminalDone   = "done"
	TerminalFailed = "failed"
)

// TrackedMessage is the persisted snapshot row for one message's delivery
// status. Written incrementally on every transition and read back once at
// startup recovery.
type TrackedMessage struct {
	MessageID string    `gorm:"primaryKey;size:128"`
	ChatJID   string    `gorm:"size:128;not null;index"`
	FromMe    bool      `gorm:"not null;default:false"`
	State     int       `gorm:"not null;default:0"`
	Terminal  string    `gorm:"size:8"` // "", "done", "failed"
	TrackedAt time.Time `gorm:"not null"`
}
