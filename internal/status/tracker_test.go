package status

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/qwibitai/nanoclaw/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeDeps records every emitted ack and message in order.
type fakeDeps struct {
	mu       sync.Mutex
	acks     []string // "messageID:signal"
	messages []string // "chatJID:text"
	alive    bool
	mainJID  string
}

func newFakeDeps(mainJID string) *fakeDeps {
	return &fakeDeps{alive: true, mainJID: mainJID}
}

func (f *fakeDeps) deps() Deps {
	return Deps{
		SendAck: func(chatJID, messageID, signal string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.acks = append(f.acks, messageID+":"+signal)
			return nil
		},
		SendMessage: func(chatJID, text string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.messages = append(f.messages, chatJID+":"+text)
			return nil
		},
		IsMainGroup:   func(chatJID string) bool { return chatJID == f.mainJID },
		IsWorkerAlive: func(chatJID string) bool { f.mu.Lock(); defer f.mu.Unlock(); return f.alive },
	}
}

func (f *fakeDeps) ackList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

func (f *fakeDeps) messageList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func newTestTracker(t *testing.T, f *fakeDeps, db *gorm.DB) *Tracker {
	t.Helper()
	tr, err := New(Options{DB: db, Deps: f.deps()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.TrackedMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLifecycle_OrderedAcks(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	if !tr.MarkReceived("m1", "main", false) {
		t.Fatal("MarkReceived = false")
	}
	if !tr.MarkThinking("m1") || !tr.MarkWorking("m1") || !tr.MarkDone("m1") {
		t.Fatal("forward transitions rejected")
	}
	tr.Flush()

	want := []string{"m1:received", "m1:thinking", "m1:working", "m1:done"}
	got := f.ackList()
	if len(got) != len(want) {
		t.Fatalf("acks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ack %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTransitions_RejectedWithoutEmission(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("m1", "main", false)
	tr.MarkWorking("m1")
	tr.Flush()
	before := len(f.ackList())

	// Backward, repeated, terminal-after-terminal, and unknown-id
	// transitions are all silent no-ops.
	if tr.MarkThinking("m1") {
		t.Error("backward transition accepted")
	}
	if tr.MarkWorking("m1") {
		t.Error("repeated transition accepted")
	}
	if tr.MarkThinking("ghost") {
		t.Error("unknown id accepted")
	}
	tr.MarkDone("m1")
	if tr.MarkFailed("m1") {
		t.Error("failed-after-done accepted")
	}
	tr.Flush()

	got := f.ackList()
	if len(got) != before+1 || got[len(got)-1] != "m1:done" {
		t.Errorf("acks after no-ops = %v", got)
	}
}

func TestMarkReceived_DuplicateIgnored(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	if !tr.MarkReceived("m1", "main", false) {
		t.Fatal("first MarkReceived = false")
	}
	if tr.MarkReceived("m1", "main", false) {
		t.Error("duplicate MarkReceived = true")
	}
	tr.Flush()
	if got := f.ackList(); len(got) != 1 {
		t.Errorf("acks = %v, want one", got)
	}
}

func TestAcks_GatedOnMainGroup(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("m1", "side-channel", false)
	tr.MarkThinking("m1")
	tr.MarkDone("m1")
	tr.Flush()

	if got := f.ackList(); len(got) != 0 {
		t.Errorf("acks for non-primary conversation = %v, want none", got)
	}
	// State still advances even though nothing is emitted.
	if tr.MarkFailed("m1") {
		t.Error("terminal entry accepted another transition")
	}
}

func TestMarkAllFailed_OneMessagePerConversation(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("m1", "main", false)
	tr.MarkReceived("m2", "main", false)
	tr.MarkReceived("m3", "main", false)
	tr.MarkDone("m3")

	n := tr.MarkAllFailed("main", "worker crashed")
	tr.Flush()

	if n != 2 {
		t.Errorf("failed = %d, want 2", n)
	}
	msgs := f.messageList()
	if len(msgs) != 1 || msgs[0] != "main:worker crashed" {
		t.Errorf("messages = %v, want exactly one", msgs)
	}

	// Nothing left to fail: no repeat message.
	if n := tr.MarkAllFailed("main", "again"); n != 0 {
		t.Errorf("second MarkAllFailed = %d, want 0", n)
	}
	tr.Flush()
	if got := f.messageList(); len(got) != 1 {
		t.Errorf("messages after repeat = %v", got)
	}
}

func TestMarkAllDone_CountsTransitions(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("m1", "main", false)
	tr.MarkReceived("m2", "main", false)
	tr.MarkReceived("other", "elsewhere", false)

	if n := tr.MarkAllDone("main"); n != 2 {
		t.Errorf("done = %d, want 2", n)
	}
	if !tr.IsTracked("other") {
		t.Fatal("unrelated conversation entry lost")
	}
	if !tr.MarkDone("other") {
		t.Error("unrelated entry should still be terminable")
	}
}

func TestHeartbeat_FailsEntriesWithDeadWorker(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("claimed", "main", false)
	tr.MarkThinking("claimed")
	tr.MarkReceived("unclaimed", "main", false)

	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()

	tr.HeartbeatCheck()
	tr.Flush()

	// Only claimed entries (thinking or beyond) are subject to liveness.
	acks := f.ackList()
	if acks[len(acks)-1] != "claimed:failed" {
		t.Errorf("acks = %v, want claimed:failed last", acks)
	}
	if tr.MarkThinking("unclaimed") != true {
		t.Error("unclaimed received entry was failed by heartbeat")
	}
	if msgs := f.messageList(); len(msgs) != 1 {
		t.Errorf("messages = %v, want one notification", msgs)
	}

	// Second sweep finds nothing new.
	tr.HeartbeatCheck()
	tr.Flush()
	if msgs := f.messageList(); len(msgs) != 2 {
		// unclaimed is now thinking with a dead worker, so it fails too.
		t.Errorf("messages = %v, want a second notification", msgs)
	}
}

func TestHeartbeat_FailsStaleEntries(t *testing.T) {
	f := newFakeDeps("main")
	tr, err := New(Options{Deps: f.deps(), StateCeiling: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	tr.MarkReceived("m1", "main", false)
	tr.MarkThinking("m1")
	time.Sleep(30 * time.Millisecond)

	tr.HeartbeatCheck()
	tr.Flush()

	acks := f.ackList()
	if acks[len(acks)-1] != "m1:failed" {
		t.Errorf("acks = %v, want m1:failed last", acks)
	}
}

func TestEviction_RemovesEntryAndRow(t *testing.T) {
	db := openTestDB(t)
	f := newFakeDeps("main")
	tr, err := New(Options{DB: db, Deps: f.deps(), CleanupGrace: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	tr.MarkReceived("m1", "main", false)
	tr.MarkDone("m1")

	deadline := time.Now().Add(2 * time.Second)
	for tr.IsTracked("m1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.IsTracked("m1") {
		t.Fatal("terminal entry not evicted")
	}

	var count int64
	if err := db.Model(&models.TrackedMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("snapshot rows = %d, want 0", count)
	}
}

func TestPersistence_UpsertsSnapshotRow(t *testing.T) {
	db := openTestDB(t)
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, db)

	tr.MarkReceived("m1", "main", true)
	tr.MarkThinking("m1")
	tr.MarkWorking("m1")

	var rows []models.TrackedMessage
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (upsert)", len(rows))
	}
	r := rows[0]
	if r.MessageID != "m1" || r.ChatJID != "main" || !r.FromMe {
		t.Errorf("row = %+v", r)
	}
	if r.State != models.StateWorking || r.Terminal != "" {
		t.Errorf("row state = %d terminal = %q, want working", r.State, r.Terminal)
	}
}

func TestSnapshotCounts(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)

	tr.MarkReceived("a", "main", false)
	tr.MarkReceived("b", "main", false)
	tr.MarkThinking("b")
	tr.MarkReceived("c", "main", false)
	tr.MarkThinking("c")
	tr.MarkWorking("c")
	tr.MarkReceived("d", "main", false)
	tr.MarkDone("d")

	c := tr.Snapshot()
	if c.Tracked != 4 || c.Received != 1 || c.Thinking != 1 || c.Working != 1 || c.Terminal != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestRecover_FailsOrphansOnce(t *testing.T) {
	db := openTestDB(t)

	// Simulate the previous process: one in-flight entry, one finished.
	seed := []models.TrackedMessage{
		{MessageID: "orphan", ChatJID: "main", State: models.StateThinking, Terminal: "", TrackedAt: time.Now().Add(-time.Minute)},
		{MessageID: "finished", ChatJID: "main", State: models.StateTerminal, Terminal: models.TerminalDone, TrackedAt: time.Now()},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := newFakeDeps("main")
	tr := newTestTracker(t, f, db)

	if err := tr.Recover(true); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	tr.Flush()

	acks := f.ackList()
	if len(acks) != 1 || acks[0] != "orphan:failed" {
		t.Errorf("acks = %v, want exactly [orphan:failed]", acks)
	}
	msgs := f.messageList()
	if len(msgs) != 1 || msgs[0] != "main:"+RestartNotice {
		t.Errorf("messages = %v, want one restart notice", msgs)
	}

	// Rows from the previous process do not survive recovery, so restarts
	// never accumulate stale snapshot rows.
	var count int64
	if err := db.Model(&models.TrackedMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("snapshot rows after recovery = %d, want 0", count)
	}
}

func TestRecover_SuppressedNotice(t *testing.T) {
	db := openTestDB(t)
	seed := models.TrackedMessage{MessageID: "orphan", ChatJID: "main", State: models.StateWorking, TrackedAt: time.Now()}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := newFakeDeps("main")
	tr := newTestTracker(t, f, db)
	if err := tr.Recover(false); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	tr.Flush()

	if acks := f.ackList(); len(acks) != 1 {
		t.Errorf("acks = %v, want failure signal only", acks)
	}
	if msgs := f.messageList(); len(msgs) != 0 {
		t.Errorf("messages = %v, want none when suppressed", msgs)
	}
	var count int64
	if err := db.Model(&models.TrackedMessage{}).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("snapshot rows after recovery = %d, want 0", count)
	}
}

func TestRecover_NoDBIsNoOp(t *testing.T) {
	f := newFakeDeps("main")
	tr := newTestTracker(t, f, nil)
	if err := tr.Recover(true); err != nil {
		t.Errorf("Recover with nil db: %v", err)
	}
}

func TestNew_RequiresAllDeps(t *testing.T) {
	f := newFakeDeps("main")
	d := f.deps()
	d.IsWorkerAlive = nil
	if _, err := New(Options{Deps: d}); err == nil {
		t.Error("missing dep accepted")
	}
}

func TestEffects_ReentrantCallbackDoesNotStall(t *testing.T) {
	// A SendAck implementation may call back into the tracker (for example
	// to register follow-up messages). Enqueueing those effects must never
	// block, however many pile up while the callback is still running.
	const fanout = 200

	f := newFakeDeps("main")
	var tr *Tracker
	var once sync.Once
	base := f.deps()
	d := base
	d.SendAck = func(chatJID, messageID, signal string) error {
		once.Do(func() {
			for i := 0; i < fanout; i++ {
				tr.MarkReceived(fmt.Sprintf("re-%d", i), "main", false)
			}
		})
		return base.SendAck(chatJID, messageID, signal)
	}

	tr, err := New(Options{Deps: d})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.MarkReceived("m0", "main", false)
		tr.Flush() // first ack ran, fanout enqueued
		tr.Flush() // fanout drained
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("effect queue stalled on re-entrant callback")
	}

	if got := len(f.ackList()); got != fanout+1 {
		t.Errorf("acks = %d, want %d", got, fanout+1)
	}
}
