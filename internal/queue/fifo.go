package queue

import (
	"context"
	"sync"

	"github.com/steveyegge/drivesync/internal/state"
)

// fifo is one typed pair queue. Pairs are deduplicated by id so a burst of
// events on the same document yields a single dispatch of its latest state.
type fifo struct {
	mu     sync.Mutex
	items  []*state.DocPair
	member map[int64]bool
	notify chan struct{}
}

func newFifo() *fifo {
	return &fifo{
		member: make(map[int64]bool),
		notify: make(chan struct{}, 1),
	}
}

// push appends the pair and wakes one waiting worker. Returns false when the
// pair is already queued; its queued copy is refreshed in place so the
// worker sees the newest state.
func (q *fifo) push(p *state.DocPair) bool {
	q.mu.Lock()
	if q.member[p.ID] {
		for i, queued := range q.items {
			if queued.ID == p.ID {
				q.items[i] = p
				break
			}
		}
		q.mu.Unlock()
		return false
	}
	q.member[p.ID] = true
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.wake()
	return true
}

// pop removes and returns the oldest pair, or nil when empty.
func (q *fifo) pop() *state.DocPair {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	delete(q.member, p.ID)
	return p
}

func (q *fifo) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wake nudges a waiting worker without blocking.
func (q *fifo) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitWake blocks until the queue is nudged or ctx ends. Returns false on
// cancellation.
func (q *fifo) waitWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.notify:
		return true
	}
}
