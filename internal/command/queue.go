package command

import (
	"errors"
	"sync"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
)

// ErrQueueFull is returned when the queue is at max capacity.
var ErrQueueFull = errors.New("command queue is full")

// Queue is the bounded per-session command queue. Producers enqueue from any
// goroutine; a single consumer receives commands in insertion order. That
// single-consumer guarantee is what serializes debugger access for the whole
// session.
type Queue struct {
	ch chan *QueuedCommand

	mu       sync.Mutex
	disposed bool
}

// NewQueue creates a queue with the given capacity.
func NewQueue(maxSize int) *Queue {
	return &Queue{
		ch: make(chan *QueuedCommand, maxSize),
	}
}

// Enqueue adds a command. Returns ErrQueueFull when at capacity and a
// Disposed error after Dispose.
func (q *Queue) Enqueue(cmd *QueuedCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disposed {
		return apperrors.Disposed("command queue")
	}

	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive returns the consumer side of the queue. The channel is closed by
// Dispose; commands still buffered at that point are drained by the consumer.
func (q *Queue) Receive() <-chan *QueuedCommand {
	return q.ch
}

// Len returns the number of buffered commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dispose completes the queue: further enqueues fail with Disposed and the
// consumer channel is closed once. Idempotent.
func (q *Queue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disposed {
		return
	}
	q.disposed = true
	close(q.ch)
}

// Disposed reports whether the queue has been completed.
func (q *Queue) Disposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}
