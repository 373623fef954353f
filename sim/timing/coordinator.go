package timing

import (
	"github.com/inference-sim/cosim/sim"
)

// Phase is the coordination view of a federate's lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitializing
	PhaseExecuting
	PhaseFinalized
)

var phaseNames = map[Phase]string{
	PhaseCreated:      "created",
	PhaseInitializing: "initializing",
	PhaseExecuting:    "executing",
	PhaseFinalized:    "finalized",
}

func (p Phase) String() string { return phaseNames[p] }

// Coordinator is the timing state of one federate.
type Coordinator struct {
	ID   sim.FederateID
	Name string

	cfg        Config
	phase      Phase
	granted    sim.Time
	pending    sim.PendingOp
	requested  sim.Time
	iteration  sim.IterationRequest
	iterations int
	events     pendingEvents
}

// NewCoordinator creates the coordinator of a freshly registered federate.
func NewCoordinator(id sim.FederateID, name string, cfg Config) *Coordinator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Delta < sim.TimeEpsilon {
		cfg.Delta = sim.TimeEpsilon
	}
	return &Coordinator{ID: id, Name: name, cfg: cfg, phase: PhaseCreated}
}

// Config returns the current timing configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Configure replaces the timing configuration. It takes effect at the next
// resolution.
func (c *Coordinator) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Delta < sim.TimeEpsilon {
		cfg.Delta = sim.TimeEpsilon
	}
	c.cfg = cfg
	return nil
}

// Phase returns the coordination phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// Granted returns the last granted time.
func (c *Coordinator) Granted() sim.Time { return c.granted }

// Pending returns the outstanding request kind.
func (c *Coordinator) Pending() sim.PendingOp { return c.pending }

// Requested returns the time of the outstanding request.
func (c *Coordinator) Requested() sim.Time { return c.requested }

// Iterations returns how many iterations have been granted at the current step.
func (c *Coordinator) Iterations() int { return c.iterations }

// PendingEvents returns how many routed data items await delivery.
func (c *Coordinator) PendingEvents() int { return c.events.len() }

// EnterInitializing records that initialization mode was granted.
func (c *Coordinator) EnterInitializing() error {
	if c.phase != PhaseCreated {
		return sim.Errorf(sim.CodeInvalidState, "enter initializing", "federate %s is %s", c.Name, c.phase)
	}
	c.phase = PhaseInitializing
	return nil
}

// RequestExec queues a request to enter execution mode.
func (c *Coordinator) RequestExec(iter sim.IterationRequest) error {
	if c.phase != PhaseInitializing {
		return sim.Errorf(sim.CodeInvalidState, "request exec", "federate %s is %s", c.Name, c.phase)
	}
	if c.pending != sim.PendingNone {
		return sim.Errorf(sim.CodeOperationPending, "request exec", "federate %s already has a %s request", c.Name, c.pending)
	}
	c.pending = sim.PendingExec
	c.iteration = iter
	c.requested = sim.TimeZero
	return nil
}

// RequestTime queues a time request. iterative selects the iterative form;
// a non-iterative request always asks for the next step.
func (c *Coordinator) RequestTime(t sim.Time, iter sim.IterationRequest, iterative bool) error {
	if c.phase != PhaseExecuting {
		return sim.Errorf(sim.CodeInvalidState, "request time", "federate %s is %s", c.Name, c.phase)
	}
	if c.pending != sim.PendingNone {
		return sim.Errorf(sim.CodeOperationPending, "request time", "federate %s already has a %s request", c.Name, c.pending)
	}
	if iterative {
		c.pending = sim.PendingIterativeTime
		c.iteration = iter
	} else {
		c.pending = sim.PendingTime
		c.iteration = sim.NoIteration
	}
	c.requested = t
	return nil
}

// AddEvent records data routed to this federate that becomes visible at vt.
func (c *Coordinator) AddEvent(vt sim.Time, interrupting bool) {
	if c.phase == PhaseFinalized {
		return
	}
	c.events.add(vt, interrupting)
}

// Finalize removes the federate from coordination. Outstanding requests are
// dropped.
func (c *Coordinator) Finalize() {
	c.phase = PhaseFinalized
	c.pending = sim.PendingNone
	c.events = pendingEvents{}
}

func (c *Coordinator) canIterate() bool {
	return c.iterations < c.cfg.MaxIterations
}

// wantsIteration reports whether an outstanding request would be granted as
// an iteration at the current time.
func (c *Coordinator) wantsIteration() bool {
	if c.pending != sim.PendingExec && c.pending != sim.PendingIterativeTime {
		return false
	}
	if !c.canIterate() {
		return false
	}
	switch c.iteration {
	case sim.ForceIteration:
		return true
	case sim.IterateIfNeeded:
		return c.events.any(c.granted)
	}
	return false
}

// lowerBound is the earliest time the next grant may carry.
func (c *Coordinator) lowerBound() sim.Time {
	if c.pending == sim.PendingIterativeTime && c.iteration != sim.NoIteration && c.canIterate() {
		return c.granted
	}
	return c.cfg.NextStep(c.granted)
}

// target is the time the outstanding request asks for, without events.
func (c *Coordinator) target() sim.Time {
	if c.wantsIteration() {
		return c.granted
	}
	next := c.cfg.NextStep(c.granted)
	t := c.requested
	if t.AtOrBefore(c.granted) || t < next {
		t = next
	}
	return c.cfg.AlignUp(t)
}

// nextGrant is the time the outstanding request would be granted at if no
// dependency held it back: its target, pulled earlier by the first pending
// interrupting event.
func (c *Coordinator) nextGrant() sim.Time {
	t := c.target()
	if c.cfg.Uninterruptible {
		return t
	}
	if e := c.events.firstInterrupting(); e < t {
		t = sim.MaxTime(c.lowerBound(), c.cfg.AlignUp(e))
	}
	return t
}

// grantTime applies a time grant and returns the iteration result.
func (c *Coordinator) grantTime(t sim.Time) sim.IterationResult {
	result := sim.NextStep
	if c.pending == sim.PendingIterativeTime && t.Equal(c.granted) {
		result = sim.Iterating
		c.iterations++
	} else {
		c.iterations = 0
	}
	c.granted = t
	c.pending = sim.PendingNone
	c.events.deliver(t)
	return result
}

// grantExec applies an exec-entry grant.
func (c *Coordinator) grantExec(iterate bool) sim.IterationResult {
	c.pending = sim.PendingNone
	c.events.deliver(sim.TimeZero)
	if iterate {
		c.iterations++
		return sim.Iterating
	}
	c.iterations = 0
	c.phase = PhaseExecuting
	c.granted = sim.TimeZero
	return sim.NextStep
}
