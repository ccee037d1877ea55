package messaging

import (
	"container/heap"
	"sync"
)

// queueItem pairs a message with its enqueue sequence number. The sequence
// breaks ties when two messages share a priority and creation timestamp.
type queueItem struct {
	msg *Message
	seq uint64
}

// before defines the dispatch order: higher priority first, then older
// created_at, then enqueue order.
func (a queueItem) before(b queueItem) bool {
	if a.msg.Priority.Rank() != b.msg.Priority.Rank() {
		return a.msg.Priority.Rank() > b.msg.Priority.Rank()
	}
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

type itemHeap []queueItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the dispatcher's priority queue. Pop blocks until a message is
// available or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	seq    uint64
	closed bool
	onPop  func(*Message)
}

// NewQueue creates an empty dispatch queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a message to the queue. Pushing to a closed queue is a no-op.
func (q *Queue) Push(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.items, queueItem{msg: msg, seq: q.seq})
	q.cond.Signal()
}

// Pop removes and returns the highest-priority message, blocking until one
// is available. Returns (nil, false) once the queue is closed and drained.
func (q *Queue) Pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(queueItem)
	if q.onPop != nil {
		q.onPop(item.msg)
	}
	return item.msg, true
}

// TryPop removes and returns the highest-priority message without blocking.
func (q *Queue) TryPop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(queueItem)
	if q.onPop != nil {
		q.onPop(item.msg)
	}
	return item.msg, true
}

// SetOnPop registers a hook invoked under the queue lock whenever a message
// is popped. The dispatcher uses it to atomically claim per-recipient
// delivery order at pop time.
func (q *Queue) SetOnPop(fn func(*Message)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPop = fn
}

// Remove deletes a queued message by id. Returns true if it was present.
func (q *Queue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].msg.ID == messageID {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked Pop calls. Messages still queued remain poppable
// until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
