package audio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FrameQueue is a bounded FIFO of [AudioFrame] values shared between a device
// callback (producer) and a capture loop (consumer).
//
// Push never blocks: when the queue is full the oldest frame is discarded to
// make room. Pop blocks until a frame arrives, the timeout elapses or the
// queue is closed. FrameQueue is safe for concurrent use.
type FrameQueue struct {
	mu      sync.Mutex
	buf     []AudioFrame
	head    int
	size    int
	dropped uint64
	closed  bool

	// ready holds at most one pending wake-up for a blocked Pop.
	ready chan struct{}
}

// NewFrameQueue returns a queue holding at most capacity frames. A capacity
// below 1 is raised to 1.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		buf:   make([]AudioFrame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends f, evicting the oldest frame when the queue is full. Push on a
// closed queue is a no-op. Safe to call from a real-time callback.
func (q *FrameQueue) Push(f AudioFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = AudioFrame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest frame. It waits at most timeout for one
// to arrive; on expiry the error wraps [ErrDeviceTimeout]. After [FrameQueue.Close]
// the remaining frames are still returned, then [ErrStreamClosed].
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (AudioFrame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = AudioFrame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return AudioFrame{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		case <-timer.C:
			return AudioFrame{}, fmt.Errorf("%w after %s", ErrDeviceTimeout, timeout)
		case <-q.ready:
		}
	}
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the number of frames evicted because the queue was full.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close marks the queue closed and wakes any blocked Pop. Safe to call more
// than once.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
