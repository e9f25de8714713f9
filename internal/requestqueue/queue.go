// Package requestqueue provides a bounded FIFO job queue with a fixed
// concurrency limit. It caps the number of in-flight LLM calls and bounds
// the memory held by pending work.
package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueFull is returned when the backlog is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueCleared is delivered to pending jobs drained by Clear.
	ErrQueueCleared = errors.New("queue cleared")
)

// Job is a unit of work. The job captures its own result; the queue only
// reports completion and errors.
type Job func(ctx context.Context) error

type task struct {
	ctx  context.Context
	fn   Job
	done chan error
}

// Queue runs submitted jobs with at most maxConcurrency in parallel and at
// most maxBacklog waiting. Admitted jobs start in FIFO order.
type Queue struct {
	maxConcurrency int
	maxBacklog     int

	mu      sync.Mutex
	backlog []*task
	running int
}

// New creates a queue. Non-positive limits fall back to 1 concurrency and
// an empty backlog.
func New(maxConcurrency, maxBacklog int) *Queue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &Queue{
		maxConcurrency: maxConcurrency,
		maxBacklog:     maxBacklog,
	}
}

// Submit enqueues fn. It returns a channel that receives the job's error
// (nil on success) exactly once, or ErrQueueFull immediately when the
// backlog is at capacity. Rejection never affects running jobs.
func (q *Queue) Submit(ctx context.Context, fn Job) (<-chan error, error) {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.running < q.maxConcurrency && len(q.backlog) == 0 {
		q.running++
		q.mu.Unlock()
		go q.run(t)
		return t.done, nil
	}
	if len(q.backlog) >= q.maxBacklog {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	q.backlog = append(q.backlog, t)
	q.mu.Unlock()
	return t.done, nil
}

// run executes one task, then hands the slot to the next pending task.
// The slot is released on every exit path, including panics.
func (q *Queue) run(t *task) {
	defer q.release()

	defer func() {
		if r := recover(); r != nil {
			t.done <- fmt.Errorf("job panicked: %v", r)
		}
	}()

	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	t.done <- t.fn(t.ctx)
}

// release passes the running slot to the backlog head, or frees it.
func (q *Queue) release() {
	q.mu.Lock()
	if len(q.backlog) > 0 {
		next := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
		go q.run(next)
		return
	}
	q.running--
	q.mu.Unlock()
}

// Clear drains the backlog, rejecting every pending job with
// ErrQueueCleared. Running jobs are unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	for _, t := range pending {
		t.done <- ErrQueueCleared
	}
}

// Stats reports the current running and pending counts.
func (q *Queue) Stats() (running, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, len(q.backlog)
}
