package engine

import "sync"

// taskQueue is a thread-safe FIFO queue of tasks.
//
// The queue is unbounded: a kernel submission may spawn any number of fetch
// tasks ahead of itself without blocking the caller.
//
// The controller both enqueues and drains from the rank's goroutine. The
// signal channel lets a driver wait for new work alongside transport
// notifications (see Backbone.Sync).
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

// newTaskQueue creates an empty task queue.
func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front task without blocking.
// Returns (nil, false) if the queue is empty.
func (q *taskQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Nil out the slot so the backing array does not pin finished tasks.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Drain removes and returns every queued task in FIFO order.
func (q *taskQueue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.tasks
	q.tasks = make([]Task, 0, cap(out))
	return out
}

// PushFront puts tasks back ahead of anything enqueued since they were
// drained, preserving their relative order.
func (q *taskQueue) PushFront(ts []Task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]Task, 0, len(ts)+len(q.tasks))
	merged = append(merged, ts...)
	merged = append(merged, q.tasks...)
	q.tasks = merged
}

// Wait returns a channel that signals when tasks may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns the queued tasks without removing them.
func (q *taskQueue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}

// Close signals that no more tasks will be enqueued.
// Wakes any waiters by closing the signal channel.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
