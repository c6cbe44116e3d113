// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"

	"grimm.is/appwarden/internal/store"
)

// Queue is the bounded handoff between capture and the store drain. When
// full, Push evicts the oldest buffered item so the packet path never
// blocks on storage latency.
type Queue struct {
	mu     sync.Mutex
	items  []store.IngestItem
	head   int
	size   int
	losses uint64

	wake chan struct{}
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make([]store.IngestItem, capacity),
		wake:  make(chan struct{}, 1),
	}
}

// Push enqueues an item, evicting the oldest if the queue is full.
// Returns true when an eviction happened.
func (q *Queue) Push(item store.IngestItem) bool {
	q.mu.Lock()
	dropped := false
	if q.size == len(q.items) {
		// Evict the oldest.
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.losses++
		dropped = true
	}
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return dropped
}

// PopBatch removes and returns up to max items, oldest first.
func (q *Queue) PopBatch(max int) []store.IngestItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]store.IngestItem, n)
	for i := 0; i < n; i++ {
		batch[i] = q.items[(q.head+i)%len(q.items)]
		q.items[(q.head+i)%len(q.items)] = store.IngestItem{}
	}
	q.head = (q.head + n) % len(q.items)
	q.size -= n
	return batch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Losses returns the number of items evicted under backpressure.
func (q *Queue) Losses() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.losses
}

// Wake returns a channel signalled after each push.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
