// Package ingest provides a bounded, concurrency-limited FIFO work queue.
// It admits labeled tasks, runs up to a fixed number concurrently, and under
// sustained overload drops the oldest not-yet-started task so the newest
// work is preferred.
package ingest

import (
	"fmt"
	"log"
	"sync"
)

// TaskFunc is one unit of queued work. A returned error (or panic) is
// logged and isolated; it never affects sibling tasks or the pump.
type TaskFunc func() error

type item struct {
	label string
	fn    TaskFunc
}

// Queue is a FIFO of labeled tasks with a concurrency ceiling and a bounded
// pending depth. The zero value is not usable; construct with New.
type Queue struct {
	maxConcurrency int
	maxDepth       int

	mu       sync.Mutex
	settled  *sync.Cond // broadcast whenever pending+inflight may have hit zero
	pending  []item
	inflight int
	workers  int
}

// New creates a Queue running at most maxConcurrency tasks at once and
// holding at most maxDepth pending tasks.
func New(maxConcurrency, maxDepth int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	q := &Queue{
		maxConcurrency: maxConcurrency,
		maxDepth:       maxDepth,
	}
	q.settled = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a labeled task and lazily starts pump workers. If the
// pending depth would exceed maxDepth, the oldest pending task is dropped.
func (q *Queue) Enqueue(label string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxDepth {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		log.Printf("ingest: depth %d exceeded, dropping oldest pending %q", q.maxDepth, dropped.label)
	}
	q.pending = append(q.pending, item{label: label, fn: fn})

	if q.workers < q.maxConcurrency {
		q.workers++
		go q.pump()
	}
}

// pump pulls tasks from the queue head until it is empty, then exits.
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.workers--
			q.settled.Broadcast()
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight++
		q.mu.Unlock()

		if err := runTask(it); err != nil {
			log.Printf("ingest: task %q failed: %v", it.label, err)
		}

		q.mu.Lock()
		q.inflight--
		if len(q.pending) == 0 && q.inflight == 0 {
			q.settled.Broadcast()
		}
		q.mu.Unlock()
	}
}

// runTask executes one task, converting a panic into an error so a
// misbehaving task cannot take down the pump.
func runTask(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return it.fn()
}

// Drain blocks until no tasks are pending or inflight. It returns
// immediately if the queue is already empty.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.inflight > 0 {
		q.settled.Wait()
	}
}

// Pending returns the count of tasks waiting to start.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Inflight returns the count of tasks currently running.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}
