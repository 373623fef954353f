package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/trace"
)

var errPeerGone = errors.New("peer node has stopped")

type nodeKind string

const (
	kindCore   nodeKind = "core"
	kindBroker nodeKind = "broker"
)

// node is the routing machinery shared by cores and brokers. Every node has
// one worker goroutine draining its inbox; all routing tables and, at the
// root, all federation state are touched only from that goroutine.
type node struct {
	rt       *Runtime
	name     string
	kind     nodeKind
	coreType sim.CoreType
	opts     Options
	log      *logrus.Entry
	inbox    *inbox
	sig      *shutdown.Signaller

	mu       sync.Mutex
	parent   link
	children map[string]link   // direct children by name
	routes   map[string]string // descendant → direct child it is reached through
	replies  map[uint64]*Future[*Action]
	refs     int

	nextReq   atomic.Uint64
	connected atomic.Bool

	fed        *federation     // non-nil only at the root
	local      func(a *Action) // downward actions addressed to this node
	onShutdown func()
}

func newNode(rt *Runtime, kind nodeKind, ct sim.CoreType, opts Options) *node {
	n := &node{
		rt:       rt,
		name:     opts.Name,
		kind:     kind,
		coreType: ct,
		opts:     opts,
		inbox:    newInbox(),
		sig:      shutdown.NewSignaller(),
		children: make(map[string]link),
		routes:   make(map[string]string),
		replies:  make(map[uint64]*Future[*Action]),
		refs:     1,
	}
	n.log = sim.NewLogger(opts.LogLevel).WithFields(logrus.Fields{"node": n.name, "kind": string(kind)})
	return n
}

func (n *node) start() {
	n.connected.Store(true)
	go n.run()
}

func (n *node) run() {
	defer n.sig.TriggerHasStopped()
	for {
		select {
		case <-n.inbox.notify:
			n.drain()
		case <-n.sig.SoftStopChan():
			n.drain()
			return
		}
	}
}

func (n *node) drain() {
	for _, a := range n.inbox.take() {
		n.dispatch(a)
	}
}

func (n *node) stopped() bool { return n.sig.IsSoftStopSignalled() }

func (n *node) isRoot() bool { return n.fed != nil }

// dispatch runs on the worker. Upward actions are handled at the root or
// passed to the parent; downward actions are handled here or passed to the
// child on the route to their target.
func (n *node) dispatch(a *Action) {
	switch a.RouteTo {
	case "":
		n.handleUpward(a)
	case n.name:
		n.handleLocal(a)
	default:
		n.routeDown(a)
	}
}

func (n *node) handleUpward(a *Action) {
	switch a.Kind {
	case ActConnect:
		n.childConnected(a)
		return
	case ActRegisterRoute:
		n.learnRoute(a)
		return
	case ActDisconnect:
		n.childDisconnected(a.Name)
	}
	if n.isRoot() {
		n.fed.process(a)
		return
	}
	if err := n.sendUp(a); err != nil {
		n.log.Debugf("dropping %s: %v", a, err)
	}
}

func (n *node) handleLocal(a *Action) {
	switch a.Kind {
	case ActReply:
		n.resolveReply(a)
	case ActShutdown:
		n.shutdownLocal()
	default:
		if n.local == nil {
			n.log.Warnf("unexpected %s at %s", a, n.kind)
			return
		}
		n.local(a)
	}
}

func (n *node) routeDown(a *Action) {
	n.mu.Lock()
	via, ok := n.routes[a.RouteTo]
	l := n.children[via]
	n.mu.Unlock()
	if !ok || l == nil {
		n.log.Warnf("no route to %s, dropping %s", a.RouteTo, a)
		return
	}
	if err := l.deliver(a); err != nil {
		n.log.Debugf("delivery of %s to %s failed: %v", a, l.peer(), err)
	}
}

func (n *node) childConnected(a *Action) {
	child := n.rt.lookup(a.Name)
	if child == nil {
		n.log.Warnf("connect from unknown node %s", a.Name)
		return
	}
	n.mu.Lock()
	n.children[a.Name] = newLink(n, child)
	n.mu.Unlock()
	n.log.Infof("%s %s connected", a.Key, a.Name)
	n.learnRoute(&Action{Kind: ActRegisterRoute, Name: a.Name, Key: a.Key, Type: n.name, Count: a.Count, Via: a.Name})
}

func (n *node) learnRoute(a *Action) {
	n.mu.Lock()
	n.routes[a.Name] = a.Via
	n.mu.Unlock()
	if n.isRoot() {
		n.fed.addNode(a.Name, nodeKind(a.Key), a.Type, a.Count)
		return
	}
	fw := *a
	fw.Via = n.name
	if err := n.sendUp(&fw); err != nil {
		n.log.Debugf("cannot forward route for %s: %v", a.Name, err)
	}
}

func (n *node) childDisconnected(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.children, name)
	for dst, via := range n.routes {
		if dst == name || via == name {
			delete(n.routes, dst)
		}
	}
}

// sendUp hands a to the parent, or to this node's own worker at the root.
func (n *node) sendUp(a *Action) error {
	if n.isRoot() {
		if n.stopped() {
			return sim.NewError(sim.CodeConnectionFailure, "send", n.name, errPeerGone)
		}
		n.inbox.push(a)
		return nil
	}
	n.mu.Lock()
	p := n.parent
	n.mu.Unlock()
	if p == nil {
		return sim.Errorf(sim.CodeConnectionFailure, "send", "%s %s has no parent", n.kind, n.name)
	}
	return p.deliver(a)
}

// send routes a downward action from the worker.
func (n *node) send(a *Action) { n.dispatch(a) }

// request sends a to the root and blocks for its reply.
func (n *node) request(ctx context.Context, a *Action) (*Action, error) {
	id := n.nextReq.Add(1)
	a.RequestID, a.ReplyTo = id, n.name
	f := NewFuture[*Action]()
	if err := n.checkRefs(a.Kind.String()); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.replies[id] = f
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.replies, id)
		n.mu.Unlock()
	}()

	if err := n.sendUp(a); err != nil {
		return nil, err
	}
	reply, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := reply.Err.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}

func (n *node) resolveReply(a *Action) {
	n.mu.Lock()
	f := n.replies[a.RequestID]
	n.mu.Unlock()
	if f == nil {
		n.log.Debugf("late reply %d discarded", a.RequestID)
		return
	}
	f.Resolve(a, nil)
}

// opContext bounds one blocking operation with the configured timeout.
func (n *node) opContext() (context.Context, context.CancelFunc) {
	if n.opts.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), n.opts.Timeout)
}

func (n *node) shutdownLocal() {
	if n.stopped() {
		return
	}
	n.connected.Store(false)
	if n.onShutdown != nil {
		n.onShutdown()
	}

	n.mu.Lock()
	children := make([]link, 0, len(n.children))
	for _, l := range n.children {
		children = append(children, l)
	}
	parent := n.parent
	pending := n.replies
	n.replies = make(map[uint64]*Future[*Action])
	n.mu.Unlock()

	for _, l := range children {
		_ = l.deliver(&Action{Kind: ActShutdown, RouteTo: l.peer()})
	}
	if parent != nil {
		_ = parent.deliver(&Action{Kind: ActDisconnect, Name: n.name})
	}
	if n.isRoot() {
		n.fed.close()
	}
	for _, f := range pending {
		f.Resolve(&Action{Kind: ActReply, Err: toWireError(sim.Errorf(sim.CodeConnectionFailure, "request", "%s disconnected", n.name))}, nil)
	}
	n.rt.forget(n)
	n.log.Infof("%s disconnected", n.kind)
	n.sig.TriggerSoftStop()
}

// Identifier returns the node's unique name.
func (n *node) Identifier() string { return n.name }

// Address returns the address children use to reach this node.
func (n *node) Address() string {
	scheme := n.coreType.String()
	if n.coreType == sim.CoreDefault {
		scheme = sim.CoreInproc.String()
	}
	if n.opts.Port > 0 {
		return fmt.Sprintf("%s://%s:%d", scheme, n.name, n.opts.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, n.name)
}

// IsConnected reports whether the node is still part of a federation.
func (n *node) IsConnected() bool { return n.connected.Load() && !n.stopped() }

// IsRoot reports whether this node coordinates its federation.
func (n *node) IsRoot() bool { return n.isRoot() }

// Trace returns the coordination trace kept at the root, or nil.
func (n *node) Trace() *trace.FederationTrace {
	if !n.isRoot() {
		return nil
	}
	return n.fed.trace
}

// Query asks the root a question and waits for the answer.
func (n *node) Query(target, query string) (string, error) {
	ctx, cancel := n.opContext()
	defer cancel()
	return n.QueryContext(ctx, target, query)
}

// QueryContext is Query bounded by ctx instead of the configured timeout.
func (n *node) QueryContext(ctx context.Context, target, query string) (string, error) {
	if !n.IsConnected() {
		return "", sim.Errorf(sim.CodeConnectionFailure, "query", "%s %s is not connected", n.kind, n.name)
	}
	reply, err := n.request(ctx, &Action{Kind: ActQuery, Name: target, Key: query})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

// QueryAsync runs Query in the background.
func (n *node) QueryAsync(target, query string) *Future[string] {
	f := NewFuture[string]()
	go func() {
		f.Resolve(n.Query(target, query))
	}()
	return f
}

// Disconnect leaves the federation: local federates are halted, children
// are told to disconnect and the worker stops. Safe to call repeatedly.
func (n *node) Disconnect() error {
	if !n.stopped() {
		n.inbox.push(&Action{Kind: ActShutdown, RouteTo: n.name})
	}
	if !n.WaitForDisconnect(n.opts.Timeout) {
		return sim.Errorf(sim.CodeTimeout, "disconnect", "%s %s did not stop", n.kind, n.name)
	}
	return nil
}

// WaitForDisconnect blocks until the node has stopped or timeout passes.
// A non-positive timeout waits forever.
func (n *node) WaitForDisconnect(timeout time.Duration) bool {
	if timeout <= 0 {
		<-n.sig.HasStoppedChan()
		return true
	}
	select {
	case <-n.sig.HasStoppedChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// retain adds a reference for a clone.
func (n *node) retain() {
	n.mu.Lock()
	n.refs++
	n.mu.Unlock()
}

// checkRefs fails with NotFound once every reference has been freed.
func (n *node) checkRefs(op string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refs <= 0 {
		return sim.Errorf(sim.CodeNotFound, op, "%s %s has been freed", n.kind, n.name)
	}
	return nil
}

// Free drops one reference; the last one disconnects the node.
func (n *node) Free() error {
	n.mu.Lock()
	n.refs--
	last := n.refs <= 0
	n.mu.Unlock()
	if !last {
		return nil
	}
	return n.Disconnect()
}
