// Package blacklist implements the retry queue that isolates pairs whose
// last processing attempt failed transiently. Items re-enter the sync flow
// once their backoff delay has elapsed.
package blacklist

import (
	"sync"
	"time"
)

// Item is one blacklisted entry. Count tracks how many times the item has
// been pushed back; Next is the earliest instant it may be retried.
type Item struct {
	UID     string
	Payload any
	Count   int

	created  time.Time
	next     time.Time
	interval time.Duration
}

// NextTry returns the earliest instant the item may be retried.
func (i *Item) NextTry() time.Time { return i.next }

// Queue is a time-ordered retry map keyed by item uid. All methods are safe
// for concurrent use.
type Queue struct {
	mu    sync.Mutex
	delay time.Duration
	items map[string]*Item

	// now is split out for tests.
	now func() time.Time
}

// New returns a queue whose items become eligible delay after each push.
func New(delay time.Duration) *Queue {
	return &Queue{
		delay: delay,
		items: make(map[string]*Item),
		now:   time.Now,
	}
}

// Push inserts or replaces the entry for uid with a fresh count of 1 and a
// next-try of now plus the base delay.
func (q *Queue) Push(uid string, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.items[uid] = &Item{
		UID:      uid,
		Payload:  payload,
		Count:    1,
		created:  now,
		next:     now.Add(q.delay),
		interval: q.delay,
	}
}

// Repush re-inserts an item obtained from Get. With grow the backoff is
// multiplied by the retry count, otherwise the base delay is added again.
func (q *Queue) Repush(item *Item, grow bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.Count++
	if grow {
		item.interval = q.delay * time.Duration(item.Count)
	} else {
		item.interval = q.delay
	}
	item.next = q.now().Add(item.interval)
	q.items[item.UID] = item
}

// Get removes and returns every item whose next-try is in the past.
func (q *Queue) Get() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []*Item
	for uid, item := range q.items {
		if item.next.Before(now) || item.next.Equal(now) {
			due = append(due, item)
			delete(q.items, uid)
		}
	}
	return due
}

// Exists reports whether uid is currently blacklisted.
func (q *Queue) Exists(uid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[uid]
	return ok
}

// Size returns the number of blacklisted items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
