package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/timing"
)

// FederateConfig is what a core needs to register a federate.
type FederateConfig struct {
	Timing               timing.Config
	OnlyTransmitOnChange bool
	OnlyUpdateOnChange   bool
	TerminateOnError     bool
	LogLevel             sim.LogLevel
}

// DefaultFederateConfig returns the configuration of a plain federate.
func DefaultFederateConfig() FederateConfig {
	return FederateConfig{Timing: timing.DefaultConfig(), LogLevel: sim.LogWarning}
}

// Core hosts federates and connects them to the federation.
type Core struct {
	*node

	fedMu  sync.Mutex
	feds   map[sim.FederateID]*FederateState
	byName map[string]*FederateState
}

func newCore(n *node) *Core {
	c := &Core{
		node:   n,
		feds:   make(map[sim.FederateID]*FederateState),
		byName: make(map[string]*FederateState),
	}
	n.local = c.handle
	n.onShutdown = c.haltAll
	return c
}

// Clone returns another reference to c; each reference must be freed.
func (c *Core) Clone() *Core {
	c.retain()
	return c
}

// RegisterFederate announces a federate to the root and returns its local
// state. An empty name is replaced by a generated one.
func (c *Core) RegisterFederate(name string, cfg FederateConfig) (*FederateState, error) {
	if err := c.checkRefs("register federate"); err != nil {
		return nil, err
	}
	if !c.IsConnected() {
		return nil, sim.Errorf(sim.CodeConnectionFailure, "register federate", "core %s is not connected", c.name)
	}
	if name == "" {
		name = "fed-" + uuid.NewString()
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	tcfg := cfg.Timing
	reply, err := c.roundTrip(&Action{
		Kind:   ActRegisterFederate,
		Name:   name,
		Config: &tcfg,
		Flag:   cfg.TerminateOnError,
	})
	if err != nil {
		return nil, err
	}

	fs := newFederateState(c, reply.DestFed, name, cfg)
	c.fedMu.Lock()
	c.feds[fs.id] = fs
	c.byName[name] = fs
	c.fedMu.Unlock()
	c.log.WithFields(logrus.Fields{"federate": name, "id": fs.id}).Info("federate registered")
	return fs, nil
}

// Federate returns a federate hosted by this core.
func (c *Core) Federate(name string) (*FederateState, error) {
	c.fedMu.Lock()
	defer c.fedMu.Unlock()
	fs, ok := c.byName[name]
	if !ok {
		return nil, sim.NewError(sim.CodeNotFound, "find federate", name, nil)
	}
	return fs, nil
}

// FederateCount is the number of federates registered through this core.
func (c *Core) FederateCount() int {
	c.fedMu.Lock()
	defer c.fedMu.Unlock()
	return len(c.feds)
}

func (c *Core) federate(id sim.FederateID) *FederateState {
	c.fedMu.Lock()
	defer c.fedMu.Unlock()
	return c.feds[id]
}

func (c *Core) roundTrip(a *Action) (*Action, error) {
	ctx, cancel := c.opContext()
	defer cancel()
	return c.request(ctx, a)
}

// handle applies a downward action to the federate it targets.
func (c *Core) handle(a *Action) {
	if a.Kind == ActHalt && a.DestFed == sim.InvalidFederate {
		c.haltAll()
		return
	}
	fs := c.federate(a.DestFed)
	if fs == nil {
		c.log.Debugf("%s for unknown federate", a)
		return
	}
	switch a.Kind {
	case ActInitGrant:
		fs.grantInit()
	case ActExecGrant:
		fs.grantExec(a.Result)
	case ActTimeGrant:
		fs.grantTime(a.Time, a.Result)
	case ActRequestFailed:
		fs.requestFailed(a.Err.Err())
	case ActConnectInput:
		fs.connectInput(a.DestHandle, sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle})
	case ActDeliverValue:
		fs.deliverValue(a.DestHandle, sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle}, a.Time, a.VisibleAt, a.Value)
	case ActDeliverMessage:
		fs.deliverMessage(a.DestHandle, a.Message, a.VisibleAt)
	case ActFinalizeAck:
		fs.finalizeAcked()
	case ActError:
		fs.fail(a.Err.Err())
	case ActHalt:
		fs.halt()
	default:
		c.log.Warnf("unexpected %s at core", a)
	}
}

func (c *Core) haltAll() {
	c.fedMu.Lock()
	feds := make([]*FederateState, 0, len(c.feds))
	for _, fs := range c.feds {
		feds = append(feds, fs)
	}
	c.fedMu.Unlock()
	for _, fs := range feds {
		fs.halt()
	}
}
