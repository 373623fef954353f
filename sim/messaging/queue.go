// Package messaging implements endpoint message queues and the filter chain
// messages pass through between endpoints.
package messaging

import (
	"container/heap"

	"github.com/inference-sim/cosim/sim"
)

type entry struct {
	msg       *sim.Message
	visibleAt sim.Time
	seq       uint64
}

// entryHeap orders queued messages deterministically:
// visibility time → arrival sequence.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].visibleAt != h[j].visibleAt {
		return h[i].visibleAt < h[j].visibleAt
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the inbox of one endpoint. A message becomes readable once a
// grant at or after its visibility time has been applied after its arrival;
// messages from one source keep their arrival order.
//
// Queue is not safe for concurrent use.
type Queue struct {
	entries    entryHeap
	seq        uint64
	horizon    sim.Time
	horizonSeq uint64
	advanced   bool
}

// NewQueue creates an empty queue with nothing visible.
func NewQueue() *Queue {
	q := &Queue{entries: make(entryHeap, 0)}
	heap.Init(&q.entries)
	return q
}

// Push enqueues m, readable from the first grant at or after visibleAt.
func (q *Queue) Push(m *sim.Message, visibleAt sim.Time) {
	q.seq++
	heap.Push(&q.entries, entry{msg: m, visibleAt: visibleAt, seq: q.seq})
}

// Advance applies a grant: everything that arrived so far and is visible at
// grant becomes readable.
func (q *Queue) Advance(grant sim.Time) {
	q.horizon = grant
	q.horizonSeq = q.seq
	q.advanced = true
}

func (q *Queue) visible(e entry) bool {
	return q.advanced && e.seq <= q.horizonSeq && e.visibleAt.AtOrBefore(q.horizon)
}

// Peek returns the next readable message without removing it, or nil.
func (q *Queue) Peek() *sim.Message {
	if len(q.entries) == 0 || !q.visible(q.entries[0]) {
		return nil
	}
	return q.entries[0].msg
}

// Pop removes and returns the next readable message, or nil when nothing
// is readable. Ownership of the message passes to the caller.
func (q *Queue) Pop() *sim.Message {
	if q.Peek() == nil {
		return nil
	}
	return heap.Pop(&q.entries).(entry).msg
}

// Len is the number of readable messages.
func (q *Queue) Len() int {
	n := 0
	for _, e := range q.entries {
		if q.visible(e) {
			n++
		}
	}
	return n
}

// Queued is the number of messages held, readable or not.
func (q *Queue) Queued() int { return len(q.entries) }

// Clear drops every queued message.
func (q *Queue) Clear() {
	q.entries = q.entries[:0]
}
