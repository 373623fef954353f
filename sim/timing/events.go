package timing

import (
	"container/heap"

	"github.com/inference-sim/cosim/sim"
)

// timeHeap is a min-heap of visibility times.
type timeHeap []sim.Time

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x interface{}) { *h = append(*h, x.(sim.Time)) }
func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// pendingEvents tracks the visibility times of data routed to a federate
// that its next grant has not delivered yet. Quiet events come from
// interfaces that ignore interrupts: they never pull a grant earlier but
// still count as new data.
type pendingEvents struct {
	interrupting timeHeap
	quiet        timeHeap
}

func (e *pendingEvents) add(vt sim.Time, interrupting bool) {
	if interrupting {
		heap.Push(&e.interrupting, vt)
	} else {
		heap.Push(&e.quiet, vt)
	}
}

// firstInterrupting returns the earliest interrupting event or TimeMax.
func (e *pendingEvents) firstInterrupting() sim.Time {
	if len(e.interrupting) == 0 {
		return sim.TimeMax
	}
	return e.interrupting[0]
}

func (e *pendingEvents) any(t sim.Time) bool {
	return (len(e.interrupting) > 0 && e.interrupting[0].AtOrBefore(t)) ||
		(len(e.quiet) > 0 && e.quiet[0].AtOrBefore(t))
}

// deliver drops every event visible at t.
func (e *pendingEvents) deliver(t sim.Time) {
	for len(e.interrupting) > 0 && e.interrupting[0].AtOrBefore(t) {
		heap.Pop(&e.interrupting)
	}
	for len(e.quiet) > 0 && e.quiet[0].AtOrBefore(t) {
		heap.Pop(&e.quiet)
	}
}

func (e *pendingEvents) len() int { return len(e.interrupting) + len(e.quiet) }
