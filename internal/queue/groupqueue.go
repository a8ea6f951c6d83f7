// Package queue implements admission control and dispatch for per-conversation
// agent work. Each conversation has two independent lanes (interactive
// messages and background tasks) with at most one worker per lane. A global
// ceiling bounds workers across all conversations, and a smaller ceiling
// bounds the task lane on its own so long background tasks cannot starve
// interactive messages.
package queue

import (
	"log"
	"sync"
	"time"
)

// Options configures a GroupQueue.
type Options struct {
	MaxConcurrent      int           // global worker ceiling, all lanes
	MaxConcurrentTasks int           // task-lane ceiling, must be <= MaxConcurrent
	BaseRetry          time.Duration // first message-lane retry delay
	MaxRetries         int           // message-lane retries before dropping the backlog

	// OnDropBacklog, if set, fires when a conversation's message backlog is
	// dropped after the retry budget is exhausted.
	OnDropBacklog func(chatJID string, lastErr error)
}

// GroupQueue decides when queued work may run. All state is guarded by mu;
// work functions run on their own goroutines and report back on completion.
type GroupQueue struct {
	maxConcurrent int
	maxTasks      int
	baseRetry     time.Duration
	maxRetries    int

	mu           sync.Mutex
	groups       map[string]*groupState
	waitingMsgs  []string // chat JIDs with deferred message work, FIFO
	waitingTasks []string // chat JIDs with deferred task work, FIFO
	active       int
	activeTasks  int
	processFn    ProcessMessagesFunc
	onDrop       func(chatJID string, lastErr error)
	stopped      bool
}

// groupState holds both lanes for one conversation. Created lazily, lives
// for process uptime.
type groupState struct {
	msgActive  bool
	msgPending bool // coalesces repeated triggers into one re-check
	msgHandle  *ProcessHandle
	retries    int

	taskActive   bool
	taskHandle   *ProcessHandle
	pendingTasks []QueuedTask
	currentTask  *TaskInfo
}

// New creates a GroupQueue with the given ceilings and retry policy.
func New(opts Options) *GroupQueue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxConcurrentTasks <= 0 || opts.MaxConcurrentTasks > opts.MaxConcurrent {
		opts.MaxConcurrentTasks = opts.MaxConcurrent
	}
	if opts.BaseRetry <= 0 {
		opts.BaseRetry = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &GroupQueue{
		maxConcurrent: opts.MaxConcurrent,
		maxTasks:      opts.MaxConcurrentTasks,
		baseRetry:     opts.BaseRetry,
		maxRetries:    opts.MaxRetries,
		onDrop:        opts.OnDropBacklog,
		groups:        make(map[string]*groupState),
	}
}

// SetProcessMessagesFn installs the message-lane work function. Must be
// called before any message work is enqueued.
func (gq *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	gq.mu.Lock()
	defer gq.mu.Unlock()
	gq.processFn = fn
}

// group returns the lazily created state for a conversation. Caller holds mu.
func (gq *GroupQueue) group(chatJID string) *groupState {
	g, ok := gq.groups[chatJID]
	if !ok {
		g = &groupState{}
		gq.groups[chatJID] = g
	}
	return g
}

// EnqueueMessageCheck requests a run of the message lane for a conversation.
// If the lane is already active the request coalesces into one pending
// re-check; if the global ceiling is reached the conversation joins the
// waiting list; otherwise the work runs immediately.
func (gq *GroupQueue) EnqueueMessageCheck(chatJID string) {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	if gq.stopped || gq.processFn == nil {
		return
	}
	g := gq.group(chatJID)
	if g.msgActive {
		g.msgPending = true
		return
	}
	if gq.active >= gq.maxConcurrent {
		g.msgPending = true
		gq.addWaiting(&gq.waitingMsgs, chatJID)
		return
	}
	gq.startMessageRunLocked(chatJID, g)
}

// startMessageRunLocked marks the lane active and launches the work
// function. Caller holds mu and has verified capacity.
func (gq *GroupQueue) startMessageRunLocked(chatJID string, g *groupState) {
	g.msgActive = true
	g.msgPending = false
	gq.active++
	gq.removeWaiting(&gq.waitingMsgs, chatJID)

	go func() {
		ok, err := gq.processFn(chatJID)
		gq.finishMessageRun(chatJID, ok, err)
	}()
}

// finishMessageRun releases the message lane, applies retry policy, and
// drains pending work: this conversation first, then the global lists.
func (gq *GroupQueue) finishMessageRun(chatJID string, ok bool, err error) {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	g := gq.group(chatJID)
	g.msgActive = false
	g.msgHandle = nil
	gq.active--

	if err != nil || !ok {
		gq.scheduleRetryLocked(chatJID, g, err)
	} else {
		g.retries = 0
	}

	gq.drainLocked(chatJID, LaneMessage)
}

// scheduleRetryLocked arms an exponential-backoff re-check, or drops the
// backlog once the retry budget is exhausted. Caller holds mu.
func (gq *GroupQueue) scheduleRetryLocked(chatJID string, g *groupState, err error) {
	g.retries++
	if g.retries > gq.maxRetries {
		log.Printf("queue: %s exceeded %d retries, dropping message backlog (last error: %v)",
			chatJID, gq.maxRetries, err)
		g.msgPending = false
		g.retries = 0
		gq.removeWaiting(&gq.waitingMsgs, chatJID)
		if gq.onDrop != nil {
			go gq.onDrop(chatJID, err)
		}
		return
	}
	delay := gq.baseRetry << (g.retries - 1)
	log.Printf("queue: %s message run failed (attempt %d/%d, error: %v), retrying in %s",
		chatJID, g.retries, gq.maxRetries, err, delay)
	time.AfterFunc(delay, func() {
		gq.EnqueueMessageCheck(chatJID)
	})
}

// EnqueueTask queues a background task for a conversation. A task id that
// is already queued or running is a no-op. Tasks obey both the global
// ceiling and the task-lane ceiling.
func (gq *GroupQueue) EnqueueTask(chatJID, taskID string, fn TaskFunc, preview string) {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	if gq.stopped {
		return
	}
	g := gq.group(chatJID)
	if g.currentTask != nil && g.currentTask.ID == taskID {
		return
	}
	for _, t := range g.pendingTasks {
		if t.ID == taskID {
			return
		}
	}
	g.pendingTasks = append(g.pendingTasks, QueuedTask{
		ID:      taskID,
		ChatJID: chatJID,
		Fn:      fn,
		Preview: preview,
	})
	gq.maybeStartTaskLocked(chatJID, g)
}

// maybeStartTaskLocked starts the head of the pending task list if the lane
// is idle and both ceilings allow; otherwise the conversation joins the task
// waiting list. Caller holds mu.
func (gq *GroupQueue) maybeStartTaskLocked(chatJID string, g *groupState) {
	if g.taskActive || len(g.pendingTasks) == 0 {
		return
	}
	if gq.active >= gq.maxConcurrent || gq.activeTasks >= gq.maxTasks {
		gq.addWaiting(&gq.waitingTasks, chatJID)
		return
	}
	t := g.pendingTasks[0]
	g.pendingTasks = g.pendingTasks[1:]
	g.taskActive = true
	g.currentTask = &TaskInfo{ID: t.ID, Preview: t.Preview, StartedAt: time.Now()}
	gq.active++
	gq.activeTasks++
	gq.removeWaiting(&gq.waitingTasks, chatJID)

	go func() {
		if err := t.Fn(); err != nil {
			log.Printf("queue: task %s for %s failed: %v", t.ID, chatJID, err)
		}
		gq.finishTaskRun(chatJID)
	}()
}

// finishTaskRun releases the task lane and drains pending work.
func (gq *GroupQueue) finishTaskRun(chatJID string) {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	g := gq.group(chatJID)
	g.taskActive = false
	g.taskHandle = nil
	g.currentTask = nil
	gq.active--
	gq.activeTasks--

	gq.drainLocked(chatJID, LaneTask)
}

// drainLocked starts deferred work as capacity allows: the finishing
// conversation's freed lane first, then the global waiting lists in FIFO
// order. The local drain is limited to the lane that just finished; work
// in the other lane that was blocked on the global ceiling sits in the
// waiting lists and keeps its FIFO position. Caller holds mu.
func (gq *GroupQueue) drainLocked(chatJID string, lane Lane) {
	if gq.stopped {
		return
	}

	// Local drain: reuse the freed lane for this conversation before
	// yielding the slot to others.
	g := gq.group(chatJID)
	switch lane {
	case LaneTask:
		gq.maybeStartTaskLocked(chatJID, g)
	default:
		if g.msgPending && !g.msgActive && gq.active < gq.maxConcurrent {
			gq.startMessageRunLocked(chatJID, g)
		}
	}

	// Global drain: message lane, then task lane.
	for gq.active < gq.maxConcurrent && len(gq.waitingMsgs) > 0 {
		key := gq.waitingMsgs[0]
		gq.waitingMsgs = gq.waitingMsgs[1:]
		w := gq.group(key)
		if w.msgPending && !w.msgActive {
			gq.startMessageRunLocked(key, w)
		}
	}
	for gq.active < gq.maxConcurrent && gq.activeTasks < gq.maxTasks && len(gq.waitingTasks) > 0 {
		key := gq.waitingTasks[0]
		gq.waitingTasks = gq.waitingTasks[1:]
		gq.maybeStartTaskLocked(key, gq.group(key))
	}
}

// RegisterProcess records live worker metadata for one lane so SendMessage
// and CloseInput can target it. Called by the spawning side once the
// process exists; the handle is cleared automatically when the run ends.
func (gq *GroupQueue) RegisterProcess(chatJID string, h ProcessHandle, lane Lane) {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	g := gq.group(chatJID)
	switch lane {
	case LaneTask:
		g.taskHandle = &h
	default:
		g.msgHandle = &h
	}
}

// SendMessage delivers text to the live message-lane worker for a
// conversation. Delivery goes through the registered backend when one
// exists, else falls back to an atomic file write into the worker's group
// folder. Returns false when no worker is active or delivery failed.
func (gq *GroupQueue) SendMessage(chatJID, text string) bool {
	gq.mu.Lock()
	g, ok := gq.groups[chatJID]
	if !ok || !g.msgActive || g.msgHandle == nil {
		gq.mu.Unlock()
		return false
	}
	h := *g.msgHandle
	gq.mu.Unlock()

	if h.Backend != nil {
		if err := h.Backend.Send(text); err != nil {
			log.Printf("queue: send to %s worker: %v", chatJID, err)
			return false
		}
		return true
	}
	if h.GroupFolder != "" {
		if err := writeInputFile(h.GroupFolder, text); err != nil {
			log.Printf("queue: write input for %s: %v", chatJID, err)
			return false
		}
		return true
	}
	return false
}

// CloseInput signals the worker on the given lane to wind down
// cooperatively. No-op (false) when the lane is inactive.
func (gq *GroupQueue) CloseInput(chatJID string, lane Lane) bool {
	gq.mu.Lock()
	g, ok := gq.groups[chatJID]
	if !ok {
		gq.mu.Unlock()
		return false
	}
	var h *ProcessHandle
	switch lane {
	case LaneTask:
		if g.taskActive {
			h = g.taskHandle
		}
	default:
		if g.msgActive {
			h = g.msgHandle
		}
	}
	if h == nil || h.Backend == nil {
		gq.mu.Unlock()
		return false
	}
	backend := h.Backend
	gq.mu.Unlock()

	if err := backend.CloseInput(); err != nil {
		log.Printf("queue: close input for %s %s lane: %v", chatJID, lane, err)
		return false
	}
	return true
}

// GetActiveTaskInfo returns a snapshot of the running task for a
// conversation, or nil when the task lane is idle.
func (gq *GroupQueue) GetActiveTaskInfo(chatJID string) *TaskInfo {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	g, ok := gq.groups[chatJID]
	if !ok || g.currentTask == nil {
		return nil
	}
	info := *g.currentTask
	return &info
}

// IsLaneActive reports whether a conversation's lane currently has a
// running worker. Used as a liveness probe.
func (gq *GroupQueue) IsLaneActive(chatJID string, lane Lane) bool {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	g, ok := gq.groups[chatJID]
	if !ok {
		return false
	}
	if lane == LaneTask {
		return g.taskActive
	}
	return g.msgActive
}

// Stats is a read-only snapshot of queue occupancy for introspection.
type Stats struct {
	Active          int `json:"active"`
	ActiveTasks     int `json:"active_tasks"`
	WaitingMessages int `json:"waiting_messages"`
	WaitingTasks    int `json:"waiting_tasks"`
	Conversations   int `json:"conversations"`
}

// Snapshot returns current queue occupancy.
func (gq *GroupQueue) Snapshot() Stats {
	gq.mu.Lock()
	defer gq.mu.Unlock()
	return Stats{
		Active:          gq.active,
		ActiveTasks:     gq.activeTasks,
		WaitingMessages: len(gq.waitingMsgs),
		WaitingTasks:    len(gq.waitingTasks),
		Conversations:   len(gq.groups),
	}
}

// Shutdown stops accepting new admissions and returns the container names
// of workers still running. In-flight processes are not killed; the caller
// decides their fate.
func (gq *GroupQueue) Shutdown() []string {
	gq.mu.Lock()
	defer gq.mu.Unlock()

	gq.stopped = true
	gq.waitingMsgs = nil
	gq.waitingTasks = nil

	var detached []string
	for _, g := range gq.groups {
		if g.msgActive && g.msgHandle != nil && g.msgHandle.ContainerName != "" {
			detached = append(detached, g.msgHandle.ContainerName)
		}
		if g.taskActive && g.taskHandle != nil && g.taskHandle.ContainerName != "" {
			detached = append(detached, g.taskHandle.ContainerName)
		}
	}
	return detached
}

// addWaiting appends a key to a waiting list unless already present.
func (gq *GroupQueue) addWaiting(list *[]string, key string) {
	for _, k := range *list {
		if k == key {
			return
		}
	}
	*list = append(*list, key)
}

// removeWaiting deletes a key from a waiting list if present.
func (gq *GroupQueue) removeWaiting(list *[]string, key string) {
	for i, k := range *list {
		if k == key {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
