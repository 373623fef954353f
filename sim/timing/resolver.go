package timing

import (
	"sort"

	"github.com/inference-sim/cosim/sim"
)

// Grant is one decision produced by Resolve.
type Grant struct {
	Fed       sim.FederateID
	Exec      bool // exec-entry grant rather than a time grant
	Time      sim.Time
	Result    sim.IterationResult
	Iteration int
}

// Resolver coordinates every federate of a federation.
//
// Resolver is not safe for concurrent use; the owning node drives it from a
// single worker.
type Resolver struct {
	coords map[sim.FederateID]*Coordinator
	order  []sim.FederateID
	// deps[x][d] is true when d can interrupt x, false when x ignores
	// interrupts from d but still may not pass it.
	deps map[sim.FederateID]map[sim.FederateID]bool
	ets  map[sim.FederateID]sim.Time
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		coords: make(map[sim.FederateID]*Coordinator),
		deps:   make(map[sim.FederateID]map[sim.FederateID]bool),
		ets:    make(map[sim.FederateID]sim.Time),
	}
}

// Add registers a coordinator. Federates are visited in the order added.
func (r *Resolver) Add(c *Coordinator) {
	if _, ok := r.coords[c.ID]; ok {
		return
	}
	r.coords[c.ID] = c
	r.order = append(r.order, c.ID)
}

// Get returns the coordinator of id, or nil.
func (r *Resolver) Get(id sim.FederateID) *Coordinator {
	return r.coords[id]
}

// Len is the number of coordinators, finalized ones included.
func (r *Resolver) Len() int { return len(r.order) }

// AddDependency records that x must not advance past what d could still
// send it. Interrupting edges also let d's data pull x's grant earlier.
func (r *Resolver) AddDependency(x, d sim.FederateID, interrupting bool) {
	if x == d {
		return
	}
	m, ok := r.deps[x]
	if !ok {
		m = make(map[sim.FederateID]bool)
		r.deps[x] = m
	}
	m[d] = m[d] || interrupting
}

// Dependencies returns the federates x currently depends on, honouring the
// observer and source-only flags, in registration order.
func (r *Resolver) Dependencies(x sim.FederateID) []sim.FederateID {
	cx := r.coords[x]
	if cx == nil || cx.cfg.SourceOnly {
		return nil
	}
	var out []sim.FederateID
	for d := range r.deps[x] {
		cd := r.coords[d]
		if cd == nil || cd.cfg.Observer {
			continue
		}
		out = append(out, d)
	}
	r.sortByOrder(out)
	return out
}

// Dependents returns the federates that depend on d.
func (r *Resolver) Dependents(d sim.FederateID) []sim.FederateID {
	var out []sim.FederateID
	for _, x := range r.order {
		for _, dep := range r.Dependencies(x) {
			if dep == d {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

func (r *Resolver) sortByOrder(ids []sim.FederateID) {
	pos := make(map[sim.FederateID]int, len(r.order))
	for i, id := range r.order {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
}

// EarliestSendTime returns the bound computed by the last Resolve.
func (r *Resolver) EarliestSendTime(id sim.FederateID) sim.Time {
	if t, ok := r.ets[id]; ok {
		return t
	}
	return sim.TimeZero
}

// Resolve grants every outstanding request that is safe to grant and
// returns the grants in the order they were made. Granting one federate can
// unblock another, so resolution repeats until a pass grants nothing.
func (r *Resolver) Resolve() []Grant {
	var grants []Grant
	for {
		pass := r.resolveExec()
		pass = append(pass, r.resolveTime()...)
		if len(pass) == 0 {
			return grants
		}
		grants = append(grants, pass...)
	}
}

func (r *Resolver) execReady(c *Coordinator) bool {
	for _, d := range r.Dependencies(c.ID) {
		cd := r.coords[d]
		switch {
		case cd.phase == PhaseExecuting, cd.phase == PhaseFinalized:
		case cd.phase == PhaseInitializing && cd.pending == sim.PendingExec:
		default:
			return false
		}
	}
	return true
}

func (r *Resolver) resolveExec() []Grant {
	var grants []Grant
	for _, id := range r.order {
		c := r.coords[id]
		if c.pending != sim.PendingExec || !r.execReady(c) {
			continue
		}
		if c.wantsIteration() {
			res := c.grantExec(true)
			grants = append(grants, Grant{Fed: id, Exec: true, Time: sim.TimeZero, Result: res, Iteration: c.iterations})
			continue
		}
		blocked := false
		for _, d := range r.Dependencies(id) {
			if cd := r.coords[d]; cd.pending == sim.PendingExec && cd.wantsIteration() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		res := c.grantExec(false)
		grants = append(grants, Grant{Fed: id, Exec: true, Time: sim.TimeZero, Result: res})
	}
	return grants
}

// upperSendTime is the earliest send time of c ignoring its dependencies.
func (r *Resolver) upperSendTime(c *Coordinator) sim.Time {
	switch {
	case c.phase == PhaseFinalized:
		return sim.TimeMax
	case c.phase != PhaseExecuting:
		return sim.TimeZero
	case c.pending == sim.PendingNone:
		return c.granted + c.cfg.OutputDelay
	}
	return saturate(c.nextGrant() + c.cfg.OutputDelay)
}

func saturate(t sim.Time) sim.Time {
	if t >= sim.TimeMax {
		return sim.TimeMax
	}
	return t
}

// computeSendTimes relaxes every earliest send time from its upper bound.
// A pending interruptible federate can be granted no later than its own
// target but may be woken earlier by anything its dependencies could send.
func (r *Resolver) computeSendTimes() {
	ets := make(map[sim.FederateID]sim.Time, len(r.order))
	for _, id := range r.order {
		ets[id] = r.upperSendTime(r.coords[id])
	}
	for round := 0; round <= len(r.order); round++ {
		changed := false
		for _, id := range r.order {
			c := r.coords[id]
			if c.phase != PhaseExecuting || c.pending == sim.PendingNone || c.cfg.Uninterruptible {
				continue
			}
			wake := sim.TimeMax
			for _, d := range r.Dependencies(id) {
				if !r.deps[id][d] {
					continue
				}
				wake = sim.MinTime(wake, saturate(ets[d]+c.cfg.InputDelay))
			}
			if wake >= sim.TimeMax {
				continue
			}
			next := sim.MaxTime(c.lowerBound(), c.cfg.AlignUp(sim.MinTime(c.nextGrant(), wake)))
			if v := saturate(next + c.cfg.OutputDelay); v.Before(ets[id]) {
				ets[id] = v
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	r.ets = ets
}

func (r *Resolver) timeAllowed(c *Coordinator, t sim.Time) bool {
	for _, d := range r.Dependencies(c.ID) {
		bound := saturate(r.ets[d] + c.cfg.InputDelay)
		if bound.IsMax() {
			continue
		}
		if c.cfg.WaitForCurrentTimeUpdate {
			if !t.Before(bound) {
				return false
			}
		} else if t.After(bound) {
			return false
		}
	}
	return true
}

func (r *Resolver) resolveTime() []Grant {
	r.computeSendTimes()
	type candidate struct {
		c *Coordinator
		t sim.Time
	}
	var ready []candidate
	for _, id := range r.order {
		c := r.coords[id]
		if c.phase != PhaseExecuting || (c.pending != sim.PendingTime && c.pending != sim.PendingIterativeTime) {
			continue
		}
		t := c.nextGrant()
		if r.timeAllowed(c, t) {
			ready = append(ready, candidate{c, t})
		}
	}
	grants := make([]Grant, 0, len(ready))
	for _, cand := range ready {
		res := cand.c.grantTime(cand.t)
		grants = append(grants, Grant{Fed: cand.c.ID, Time: cand.t, Result: res, Iteration: cand.c.iterations})
	}
	return grants
}

// Blockers lists the dependencies currently preventing id's outstanding
// time request from being granted.
func (r *Resolver) Blockers(id sim.FederateID) []sim.FederateID {
	c := r.coords[id]
	if c == nil || c.pending == sim.PendingNone {
		return nil
	}
	var out []sim.FederateID
	if c.pending == sim.PendingExec {
		for _, d := range r.Dependencies(id) {
			cd := r.coords[d]
			if cd.phase != PhaseExecuting && cd.phase != PhaseFinalized && cd.pending != sim.PendingExec {
				out = append(out, d)
			}
		}
		return out
	}
	t := c.nextGrant()
	for _, d := range r.Dependencies(id) {
		bound := saturate(r.ets[d] + c.cfg.InputDelay)
		if t.After(bound) || (c.cfg.WaitForCurrentTimeUpdate && !t.Before(bound) && !bound.IsMax()) {
			out = append(out, d)
		}
	}
	return out
}
