package models

import "time"

// WorkerLog stores a flushed chunk of worker process output for one run.
// Chunks are appended on a flush interval while the worker runs and once
// more at exit, so a crash loses at most one interval of output.
type WorkerLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:64;not null;index"`
	ChatJID   string `gorm:"size:128;index"`
	Direction string `gorm:"size:4;not null"` // "out" or "err"
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// WorkerRun records one completed worker process run: what was asked,
// how it ended, and whether output was truncated.
type WorkerRun struct {
	ID         string `gorm:"primaryKey;size:64"`
	ChatJID    string `gorm:"size:128;index"`
	SessionID  string `gorm:"size:64"`
	Status     string `gorm:"size:24;not null"` // ok, error, timeout, ...
	ExitCode   int
	Truncated  bool
	DurationMS int64
	StartedAt  time.Time
	EndedAt    time.Time
}
