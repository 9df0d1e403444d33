package ingest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ManuGH/xglive/internal/media"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is a bounded FIFO between a session's demux loop and its
// pipeline. When full, Push drops the oldest droppable frame (delta video
// or metadata); key frames and audio are never dropped. When nothing is
// droppable Push blocks, which throttles the protocol read loop.
type FrameQueue struct {
	mu       sync.Mutex
	buf      []media.Frame
	cap      int
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}

	OnDrop  func(media.Frame)
	OnBlock func()
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 2 {
		capacity = 2
	}
	return &FrameQueue{
		buf:      make([]media.Frame, 0, capacity),
		cap:      capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push enqueues f, dropping or blocking as described on FrameQueue.
func (q *FrameQueue) Push(ctx context.Context, f media.Frame) error {
	blocked := false
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.buf) < q.cap {
			q.buf = append(q.buf, f)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		if i := q.oldestDroppable(); i >= 0 {
			dropped := q.buf[i]
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			q.buf = append(q.buf, f)
			q.mu.Unlock()
			signal(q.notEmpty)
			if q.OnDrop != nil {
				q.OnDrop(dropped)
			}
			return nil
		}
		q.mu.Unlock()

		if !blocked {
			blocked = true
			if q.OnBlock != nil {
				q.OnBlock()
			}
		}
		select {
		case <-q.notFull:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *FrameQueue) oldestDroppable() int {
	for i := range q.buf {
		if q.buf[i].Droppable() {
			return i
		}
	}
	return -1
}

// Pop returns the oldest frame. After Close it drains the remaining frames
// and then returns io.EOF.
func (q *FrameQueue) Pop(ctx context.Context) (media.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			f := q.buf[0]
			q.buf[0] = media.Frame{}
			q.buf = q.buf[1:]
			if len(q.buf) == 0 {
				// reclaim the backing array once drained
				q.buf = make([]media.Frame, 0, q.cap)
			}
			more := len(q.buf) > 0
			q.mu.Unlock()
			signal(q.notFull)
			if more {
				signal(q.notEmpty)
			}
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return media.Frame{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return media.Frame{}, ctx.Err()
		}
	}
}

// Len reports the queued frame count.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close stops accepting frames. Pending frames stay readable.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
