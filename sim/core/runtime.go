// Package core is the coordination substrate of a federation: cores host
// federates, brokers join cores into a tree, and the root of that tree owns
// the directory, the dependency graph and time advancement.
//
// Every node runs a single worker goroutine draining an unbounded inbox.
// Actions travelling toward the root carry no destination; actions leaving
// the root are addressed to the node hosting their target federate and
// follow routes learned as nodes connect.
package core

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/messaging"
)

// DefaultBrokerName is the broker an autobroker core attaches to when no
// broker is named.
const DefaultBrokerName = "default_broker"

// Runtime is the process-wide registry of cores and brokers. Nodes find
// their parents by name through it; custom filter operators live here so
// the root can run them whichever core registered the filter.
type Runtime struct {
	mu        sync.Mutex
	nodes     map[string]*node
	order     []string
	cores     map[string]*Core
	brokers   map[string]*Broker
	operators map[sim.InterfaceID]messaging.Operator
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		nodes:     make(map[string]*node),
		cores:     make(map[string]*Core),
		brokers:   make(map[string]*Broker),
		operators: make(map[sim.InterfaceID]messaging.Operator),
	}
}

// NewBroker creates and connects a broker. name overrides any --name in init.
func (rt *Runtime) NewBroker(ct sim.CoreType, name, init string) (*Broker, error) {
	opts, err := ParseOptions(init)
	if err != nil {
		return nil, err
	}
	return rt.NewBrokerWithOptions(ct, name, opts)
}

// NewBrokerFromArgs is NewBroker with pre-split arguments.
func (rt *Runtime) NewBrokerFromArgs(ct sim.CoreType, name string, args []string) (*Broker, error) {
	opts, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	return rt.NewBrokerWithOptions(ct, name, opts)
}

// NewBrokerWithOptions creates and connects a broker from parsed options.
func (rt *Runtime) NewBrokerWithOptions(ct sim.CoreType, name string, opts Options) (*Broker, error) {
	n, err := rt.create(kindBroker, ct, name, opts)
	if err != nil {
		return nil, err
	}
	b := &Broker{node: n}
	rt.mu.Lock()
	rt.brokers[n.name] = b
	rt.mu.Unlock()
	if err := rt.connect(n); err != nil {
		return nil, err
	}
	return b, nil
}

// NewCore creates and connects a core. name overrides any --name in init.
func (rt *Runtime) NewCore(ct sim.CoreType, name, init string) (*Core, error) {
	opts, err := ParseOptions(init)
	if err != nil {
		return nil, err
	}
	return rt.NewCoreWithOptions(ct, name, opts)
}

// NewCoreFromArgs is NewCore with pre-split arguments.
func (rt *Runtime) NewCoreFromArgs(ct sim.CoreType, name string, args []string) (*Core, error) {
	opts, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	return rt.NewCoreWithOptions(ct, name, opts)
}

// NewCoreWithOptions creates and connects a core from parsed options.
func (rt *Runtime) NewCoreWithOptions(ct sim.CoreType, name string, opts Options) (*Core, error) {
	n, err := rt.create(kindCore, ct, name, opts)
	if err != nil {
		return nil, err
	}
	c := newCore(n)
	rt.mu.Lock()
	rt.cores[n.name] = c
	rt.mu.Unlock()
	if err := rt.connect(n); err != nil {
		return nil, err
	}
	return c, nil
}

// create validates the transport and registers the node under a unique
// name. The node becomes the root when it has no parent to attach to.
func (rt *Runtime) create(kind nodeKind, ct sim.CoreType, name string, opts Options) (*node, error) {
	if !transportAvailable(ct) {
		return nil, sim.Errorf(sim.CodeConnectionFailure, "create "+string(kind), "%s transport not available", ct)
	}
	if name != "" {
		opts.Name = name
	}
	if opts.Name == "" {
		opts.Name = string(kind) + "-" + uuid.NewString()
	}
	if opts.AutoBroker && opts.Broker == "" {
		opts.Broker = DefaultBrokerName
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.nodes[opts.Name]; exists {
		return nil, sim.NewError(sim.CodeDuplicateName, "create "+string(kind), opts.Name, nil)
	}
	n := newNode(rt, kind, ct, opts)
	if opts.Broker == "" {
		n.fed = newFederation(n)
	}
	rt.nodes[n.name] = n
	rt.order = append(rt.order, n.name)
	return n, nil
}

// connect starts the worker and, for non-root nodes, attaches to the parent
// broker, retrying with backoff until it appears or the timeout passes.
func (rt *Runtime) connect(n *node) error {
	n.start()
	if n.isRoot() {
		n.log.Infof("%s started as federation root", n.kind)
		return nil
	}
	if err := rt.attach(n); err != nil {
		n.shutdownLocal()
		return err
	}
	return nil
}

func (rt *Runtime) attach(n *node) error {
	brokerName := n.opts.Broker
	if n.opts.AutoBroker && rt.lookupBroker(brokerName) == nil {
		_, err := rt.NewBrokerWithOptions(n.coreType, brokerName, Options{
			Federates: n.opts.Federates,
			LogLevel:  n.opts.LogLevel,
			Timeout:   n.opts.Timeout,
			Seed:      n.opts.Seed,
			Trace:     n.opts.Trace,
		})
		if err != nil && sim.CodeOf(err) != sim.CodeDuplicateName {
			return err
		}
		if err == nil {
			n.log.Infof("created broker %s", brokerName)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = n.opts.Timeout
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = DefaultTimeout
	}

	var parent *node
	err := backoff.Retry(func() error {
		p := rt.lookupBroker(brokerName)
		if p == nil || !p.IsConnected() {
			return sim.NewError(sim.CodeNotFound, "find broker", brokerName, nil)
		}
		parent = p
		return nil
	}, bo)
	if err != nil {
		return sim.NewError(sim.CodeConnectionFailure, "connect", brokerName, err)
	}

	l := newLink(n, parent)
	n.mu.Lock()
	n.parent = l
	n.mu.Unlock()
	if err := l.deliver(&Action{Kind: ActConnect, Name: n.name, Key: string(n.kind), Count: n.opts.Federates}); err != nil {
		return err
	}
	n.log.WithField("broker", brokerName).Info("connected to broker")
	return nil
}

func (rt *Runtime) lookup(name string) *node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.nodes[name]
}

func (rt *Runtime) lookupBroker(name string) *node {
	n := rt.lookup(name)
	if n == nil || n.kind != kindBroker {
		return nil
	}
	return n
}

// forget removes a stopped node so its name can be reused.
func (rt *Runtime) forget(n *node) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.nodes[n.name] != n {
		return
	}
	delete(rt.nodes, n.name)
	delete(rt.cores, n.name)
	delete(rt.brokers, n.name)
	for i, name := range rt.order {
		if name == n.name {
			rt.order = append(rt.order[:i], rt.order[i+1:]...)
			break
		}
	}
}

// FindCore returns a connected core by name.
func (rt *Runtime) FindCore(name string) (*Core, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.cores[name]
	if !ok {
		return nil, sim.NewError(sim.CodeNotFound, "find core", name, nil)
	}
	return c, nil
}

// FindBroker returns a connected broker by name.
func (rt *Runtime) FindBroker(name string) (*Broker, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.brokers[name]
	if !ok {
		return nil, sim.NewError(sim.CodeNotFound, "find broker", name, nil)
	}
	return b, nil
}

// SetFilterOperator installs the operator run by a custom filter. A nil op
// removes it, after which the filter passes messages through.
func (rt *Runtime) SetFilterOperator(id sim.InterfaceID, op messaging.Operator) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if op == nil {
		delete(rt.operators, id)
		return
	}
	rt.operators[id] = op
}

func (rt *Runtime) filterOperator(id sim.InterfaceID) messaging.Operator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.operators[id]
}

// Close disconnects every node, newest first so children leave before
// their parents.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	nodes := make([]*node, 0, len(rt.order))
	for i := len(rt.order) - 1; i >= 0; i-- {
		nodes = append(nodes, rt.nodes[rt.order[i]])
	}
	rt.mu.Unlock()

	var firstErr error
	for _, n := range nodes {
		if err := n.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		logrus.Warnf("runtime close: %v", firstErr)
	}
	return firstErr
}
