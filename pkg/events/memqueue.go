package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemQueue is an in-process event transport for tests and local runs.
type MemQueue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemQueue{ch: make(chan Event, capacity)}
}

func (q *MemQueue) Publish(ctx context.Context, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Consume(ctx context.Context) (*Event, error) {
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return nil, errors.New("queue closed")
		}
		return &ev, nil
	case <-time.After(50 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain consumes every queued event without blocking. Test helper.
func (q *MemQueue) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
