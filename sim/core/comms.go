package core

import (
	"sync"

	"github.com/inference-sim/cosim/sim"
)

// inbox is an unbounded FIFO. Pushes never block, so a node can always
// accept traffic from its parent and its children at the same time.
type inbox struct {
	mu     sync.Mutex
	items  []*Action
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(a *Action) {
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far, in arrival order.
func (q *inbox) take() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// link carries actions to one peer node. Delivery preserves order per link.
type link interface {
	deliver(a *Action) error
	peer() string
}

// inprocLink hands the action pointer straight to the peer's inbox.
type inprocLink struct {
	dst *node
}

func (l inprocLink) deliver(a *Action) error {
	if l.dst.stopped() {
		return sim.NewError(sim.CodeConnectionFailure, "deliver", l.dst.name, errPeerGone)
	}
	l.dst.inbox.push(a)
	return nil
}

func (l inprocLink) peer() string { return l.dst.name }

// wireLink round-trips every action through the wire codec before handing
// it over, which catches anything that would not survive a real transport.
type wireLink struct {
	dst *node
}

func (l wireLink) deliver(a *Action) error {
	if l.dst.stopped() {
		return sim.NewError(sim.CodeConnectionFailure, "deliver", l.dst.name, errPeerGone)
	}
	b, err := EncodeAction(a)
	if err != nil {
		return err
	}
	decoded, err := DecodeAction(b)
	if err != nil {
		return err
	}
	l.dst.inbox.push(decoded)
	return nil
}

func (l wireLink) peer() string { return l.dst.name }

// newLink picks the link flavour for a core type. Either end using the test
// transport is enough to serialize the hop.
func newLink(from, to *node) link {
	if from.coreType == sim.CoreTest || to.coreType == sim.CoreTest {
		return wireLink{dst: to}
	}
	return inprocLink{dst: to}
}

// transportAvailable reports whether ct can run in this process.
func transportAvailable(ct sim.CoreType) bool {
	switch ct {
	case sim.CoreDefault, sim.CoreInproc, sim.CoreTest:
		return true
	}
	return false
}
