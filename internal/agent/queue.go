package agent

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
)

// Queue is the only synchronization primitive between pipeline stages:
// a bounded FIFO with close-and-drain semantics. Put suspends while full,
// Get suspends while empty, Close releases every blocked caller and lets
// consumers drain buffered items before seeing ErrQueueClosed.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 64
	}
	return &Queue[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut never blocks: callers on a hot path drop instead of waiting.
func (q *Queue[T]) TryPut(v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	// Buffered items win over close: drain before end-of-stream.
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, nil
		default:
			return zero, ErrQueueClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close is idempotent.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) Len() int { return len(q.ch) }
