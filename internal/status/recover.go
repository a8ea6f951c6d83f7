package status

import (
	"fmt"
	"log"

	"github.com/qwibitai/nanoclaw/internal/models"
)

// RestartNotice is sent once per conversation that had in-flight messages
// when the process went down.
const RestartNotice = "The agent host restarted while processing messages. " +
	"In-flight work was marked failed; send a new message to retry."

// Recover runs once at process start. Every persisted non-terminal entry
// was orphaned by the crash or restart: each is force-failed (with its
// failure signal), and unless suppressed, one restart notice goes to each
// distinct affected conversation. The snapshot is then cleared, since none
// of its rows correspond to a tracked entry anymore. A missing or empty
// snapshot means there is nothing to recover.
func (t *Tracker) Recover(sendErrorMessage bool) error {
	if t.db == nil {
		return nil
	}
	if !t.db.Migrator().HasTable(&models.TrackedMessage{}) {
		return nil
	}

	var rows []models.TrackedMessage
	if err := t.db.Order("tracked_at").Find(&rows).Error; err != nil {
		return fmt.Errorf("status: load snapshot: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	orphaned := 0
	affected := make(map[string]bool)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.MessageID)
		if row.Terminal != "" {
			continue
		}
		orphaned++
		affected[row.ChatJID] = true
		t.ackLocked(row.ChatJID, row.MessageID, SignalFailed)
	}

	// Orphans just failed and terminal rows were already awaiting eviction
	// when the process went down, so all loaded rows are deleted here; the
	// table keeps mirroring the in-memory tracked set.
	if len(ids) > 0 {
		if err := t.db.Delete(&models.TrackedMessage{}, "message_id IN ?", ids).Error; err != nil {
			return fmt.Errorf("status: clear snapshot: %w", err)
		}
	}

	if sendErrorMessage {
		for jid := range affected {
			t.messageLocked(jid, RestartNotice)
		}
	}

	log.Printf("status: recovery complete, %d orphaned of %d persisted entries", orphaned, len(rows))
	return nil
}
