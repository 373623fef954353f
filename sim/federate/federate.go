// Package federate is the application-facing side of a federation: a
// Federate wraps the core-side state with blocking and asynchronous forms
// of every lifecycle call, typed interface handles and real-time pacing.
//
// Every asynchronous call returns immediately and leaves one outstanding
// operation; the matching Complete call waits for it. The blocking forms
// are the two run back to back.
package federate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/core"
	"github.com/inference-sim/cosim/sim/metrics"
)

// Kind restricts which interfaces a federate may register.
type Kind int

const (
	KindValue       Kind = iota // publications and inputs
	KindMessage                 // endpoints
	KindCombination             // both
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindMessage:
		return "message"
	}
	return "combination"
}

func (k Kind) values() bool   { return k != KindMessage }
func (k Kind) messages() bool { return k != KindValue }

// Federate is one participant in a federation.
type Federate struct {
	kind  Kind
	info  *Info
	core  *core.Core
	state *core.FederateState
	log   *logrus.Entry

	mu       sync.Mutex
	async    *core.Future[core.Grant]
	asyncOp  sim.PendingOp
	rtStart  time.Time
	closed   bool
	released bool
}

// NewValueFederate creates a federate that exchanges values only.
func NewValueFederate(rt *core.Runtime, name string, info *Info) (*Federate, error) {
	return newFederate(rt, KindValue, name, info)
}

// NewMessageFederate creates a federate that exchanges messages only.
func NewMessageFederate(rt *core.Runtime, name string, info *Info) (*Federate, error) {
	return newFederate(rt, KindMessage, name, info)
}

// NewCombinationFederate creates a federate with values and messages.
func NewCombinationFederate(rt *core.Runtime, name string, info *Info) (*Federate, error) {
	return newFederate(rt, KindCombination, name, info)
}

// NewFromConfig creates a federate from a YAML or JSON configuration file
// and registers the interfaces it declares.
func NewFromConfig(rt *core.Runtime, kind Kind, path string) (*Federate, error) {
	info, err := LoadInfo(path)
	if err != nil {
		return nil, err
	}
	return newFederate(rt, kind, "", info)
}

func newFederate(rt *core.Runtime, kind Kind, name string, info *Info) (*Federate, error) {
	if info == nil {
		info = NewInfo()
	} else {
		info = info.Clone()
	}
	if name == "" {
		name = info.Name
	}
	cfg, err := info.federateConfig()
	if err != nil {
		return nil, err
	}
	c, err := attachCore(rt, info)
	if err != nil {
		return nil, err
	}
	fs, err := c.RegisterFederate(name, cfg)
	if err != nil {
		_ = c.Free()
		return nil, err
	}
	info.Name = fs.Name()
	f := &Federate{
		kind:  kind,
		info:  info,
		core:  c,
		state: fs,
		log:   fs.Logger().WithField("kind", kind.String()),
	}
	if err := f.RegisterInterfaces(info.Interfaces); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// attachCore shares the named core when it already exists and otherwise
// creates one from the info's core settings.
func attachCore(rt *core.Runtime, info *Info) (*core.Core, error) {
	if info.CoreName != "" {
		if c, err := rt.FindCore(info.CoreName); err == nil {
			return c.Clone(), nil
		}
	}
	return rt.NewCore(info.CoreType, info.CoreName, info.coreInit())
}

// Name returns the federate name.
func (f *Federate) Name() string { return f.state.Name() }

// Kind returns the federate kind.
func (f *Federate) Kind() Kind { return f.kind }

// ID returns the federation-wide federate id.
func (f *Federate) ID() sim.FederateID { return f.state.ID() }

// Core returns the core hosting the federate.
func (f *Federate) Core() *core.Core { return f.core }

// State returns the lifecycle state.
func (f *Federate) State() sim.State { return f.state.State() }

// CurrentTime returns the last granted time.
func (f *Federate) CurrentTime() sim.Time { return f.state.Granted() }

// PendingOperation returns the outstanding asynchronous operation. It stays
// set after the grant arrives until the matching Complete call.
func (f *Federate) PendingOperation() sim.PendingOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async == nil {
		return sim.PendingNone
	}
	return f.asyncOp
}

// IsAsyncOperationCompleted reports whether the outstanding operation has
// been resolved. It is false when nothing is outstanding.
func (f *Federate) IsAsyncOperationCompleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.async != nil && f.async.IsDone()
}

// LastError returns the error that moved the federate into the error state.
func (f *Federate) LastError() error { return f.state.LastError() }

// LocalError reports an application failure. The federate enters the error
// state; with terminate_on_error the whole federation halts.
func (f *Federate) LocalError(code sim.Code, msg string) error {
	return f.state.LocalError(code, msg)
}

// === Async protocol ===

// start launches an operation and records its future as outstanding.
func (f *Federate) start(op sim.PendingOp, start func() (*core.Future[core.Grant], error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async != nil {
		return sim.Errorf(sim.CodeOperationPending, "request "+op.String(), "%s operation not completed", f.asyncOp)
	}
	fut, err := start()
	if err != nil {
		return err
	}
	f.async, f.asyncOp = fut, op
	return nil
}

// complete waits for the outstanding op. On timeout the op stays
// outstanding so a later Complete can collect it.
func (f *Federate) complete(op sim.PendingOp) (core.Grant, error) {
	f.mu.Lock()
	fut, pending := f.async, f.asyncOp
	f.mu.Unlock()
	if fut == nil {
		return core.Grant{}, sim.Errorf(sim.CodeOperationNotInitiated, "complete "+op.String(), "no %s operation outstanding", op)
	}
	if !sameOp(pending, op) {
		return core.Grant{}, sim.Errorf(sim.CodeInvalidState, "complete "+op.String(), "outstanding operation is %s", pending)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.info.grantTimeout())
	defer cancel()
	began := time.Now()
	g, err := fut.Wait(ctx)
	metrics.RecordBlockingWait(op.String(), time.Since(began).Seconds())
	if sim.IsTimeout(err) {
		blockers := f.blockers()
		f.log.WithField("waiting_on", blockers).Warnf("%s not granted within %v", op, f.info.grantTimeout())
		return g, sim.Errorf(sim.CodeTimeout, "complete "+op.String(), "not granted within %v, waiting on %s", f.info.grantTimeout(), blockers)
	}
	f.mu.Lock()
	f.async = nil
	f.asyncOp = sim.PendingNone
	f.mu.Unlock()
	return g, err
}

// blockers asks the root which federates hold back the outstanding
// request. It returns the raw JSON list, or "[]" when the root cannot say.
func (f *Federate) blockers() string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	names, err := f.core.QueryContext(ctx, f.Name(), "waiting_on")
	if err != nil || names == core.InvalidQuery {
		return "[]"
	}
	return names
}

func sameOp(a, b sim.PendingOp) bool {
	if a == b {
		return true
	}
	isTime := func(op sim.PendingOp) bool { return op == sim.PendingTime || op == sim.PendingIterativeTime }
	return isTime(a) && isTime(b)
}

// === Initializing ===

// EnterInitializingMode blocks until the federation grants init.
func (f *Federate) EnterInitializingMode() error {
	if err := f.EnterInitializingModeAsync(); err != nil {
		return err
	}
	return f.EnterInitializingModeComplete()
}

// EnterInitializingModeAsync requests init without waiting.
func (f *Federate) EnterInitializingModeAsync() error {
	return f.start(sim.PendingInit, f.state.RequestInit)
}

// EnterInitializingModeComplete waits for the init grant.
func (f *Federate) EnterInitializingModeComplete() error {
	_, err := f.complete(sim.PendingInit)
	return err
}

// === Executing ===

// EnterExecutingMode blocks until the federation grants execution. A
// federate still in the created state enters init first.
func (f *Federate) EnterExecutingMode() error {
	_, err := f.EnterExecutingModeIterative(sim.NoIteration)
	return err
}

// EnterExecutingModeIterative requests execution, optionally iterating on
// initial values. The result is NextStep once executing, Iterating when
// another init round was granted.
func (f *Federate) EnterExecutingModeIterative(iter sim.IterationRequest) (sim.IterationResult, error) {
	if err := f.EnterExecutingModeIterativeAsync(iter); err != nil {
		return sim.IterationError, err
	}
	return f.EnterExecutingModeComplete()
}

// EnterExecutingModeAsync requests execution without waiting.
func (f *Federate) EnterExecutingModeAsync() error {
	return f.EnterExecutingModeIterativeAsync(sim.NoIteration)
}

// EnterExecutingModeIterativeAsync is the asynchronous form of
// EnterExecutingModeIterative.
func (f *Federate) EnterExecutingModeIterativeAsync(iter sim.IterationRequest) error {
	if f.State() == sim.StateCreated {
		if err := f.EnterInitializingMode(); err != nil {
			return err
		}
	}
	return f.start(sim.PendingExec, func() (*core.Future[core.Grant], error) {
		return f.state.RequestExec(iter)
	})
}

// EnterExecutingModeComplete waits for the execution grant.
func (f *Federate) EnterExecutingModeComplete() (sim.IterationResult, error) {
	g, err := f.complete(sim.PendingExec)
	if err != nil {
		return sim.IterationError, err
	}
	if g.Result == sim.NextStep {
		f.mu.Lock()
		f.rtStart = time.Now()
		f.mu.Unlock()
	}
	return g.Result, nil
}

// === Time ===

// RequestTime blocks until the federate is granted a time at or before t
// and returns the granted time. A halted federation grants the maximum time.
func (f *Federate) RequestTime(t sim.Time) (sim.Time, error) {
	g, _, err := f.RequestTimeIterative(t, sim.NoIteration)
	return g, err
}

// RequestTimeIterative requests t, allowing a re-grant at the current time
// when iter asks for it.
func (f *Federate) RequestTimeIterative(t sim.Time, iter sim.IterationRequest) (sim.Time, sim.IterationResult, error) {
	if err := f.RequestTimeIterativeAsync(t, iter); err != nil {
		return f.CurrentTime(), sim.IterationError, err
	}
	return f.RequestTimeIterativeComplete()
}

// RequestNextStep requests the next allowed time step.
func (f *Federate) RequestNextStep() (sim.Time, error) {
	return f.RequestTime(f.CurrentTime() + sim.TimeEpsilon)
}

// RequestTimeAdvance requests the current time plus dt.
func (f *Federate) RequestTimeAdvance(dt sim.Time) (sim.Time, error) {
	if dt < 0 {
		return f.CurrentTime(), sim.Errorf(sim.CodeInvalidArgument, "request time advance", "negative advance %v", dt)
	}
	return f.RequestTime(f.CurrentTime() + dt)
}

// RequestTimeAsync requests t without waiting.
func (f *Federate) RequestTimeAsync(t sim.Time) error {
	return f.RequestTimeIterativeAsync(t, sim.NoIteration)
}

// RequestTimeIterativeAsync is the asynchronous form of RequestTimeIterative.
// A federate still initializing enters execution first.
func (f *Federate) RequestTimeIterativeAsync(t sim.Time, iter sim.IterationRequest) error {
	switch f.State() {
	case sim.StateCreated, sim.StateInitializing:
		if err := f.EnterExecutingMode(); err != nil {
			return err
		}
	}
	op := sim.PendingTime
	if iter != sim.NoIteration {
		op = sim.PendingIterativeTime
	}
	return f.start(op, func() (*core.Future[core.Grant], error) {
		return f.state.RequestTime(t, iter)
	})
}

// RequestTimeComplete waits for the outstanding time grant.
func (f *Federate) RequestTimeComplete() (sim.Time, error) {
	g, _, err := f.RequestTimeIterativeComplete()
	return g, err
}

// RequestTimeIterativeComplete waits for the outstanding time grant and
// its iteration result.
func (f *Federate) RequestTimeIterativeComplete() (sim.Time, sim.IterationResult, error) {
	g, err := f.complete(sim.PendingTime)
	if err != nil {
		return f.CurrentTime(), sim.IterationError, err
	}
	if g.Result != sim.Halted && f.info.FlagOption(sim.FlagRealtime) {
		f.pace(g.Time)
	}
	return g.Time, g.Result, nil
}

// pace holds a grant at t until the wall clock reaches start + t - rtLead
// and warns when the federate is already later than start + t + rtLag.
func (f *Federate) pace(t sim.Time) {
	if t.IsMax() {
		return
	}
	f.mu.Lock()
	start := f.rtStart
	f.mu.Unlock()
	if start.IsZero() {
		return
	}
	lead, lag := f.info.realtimeWindow()
	due := start.Add(t.Duration())
	now := time.Now()
	if wait := due.Add(-lead).Sub(now); wait > 0 {
		time.Sleep(wait)
		return
	}
	if behind := now.Sub(due); behind > lag {
		f.log.Warnf("real time lag %v at %v exceeds rt_lag %v", behind, t, lag)
	}
}

// === Finalize ===

// Finalize leaves the federation and waits until the root has released
// the federate.
func (f *Federate) Finalize() error {
	if err := f.FinalizeAsync(); err != nil {
		return err
	}
	return f.FinalizeComplete()
}

// FinalizeAsync leaves the federation without waiting.
func (f *Federate) FinalizeAsync() error {
	return f.start(sim.PendingFinalize, f.state.Finalize)
}

// FinalizeComplete waits for the finalize acknowledgement.
func (f *Federate) FinalizeComplete() error {
	_, err := f.complete(sim.PendingFinalize)
	return err
}

// Close finalizes the federate if needed and releases its core reference.
// Safe to call repeatedly.
func (f *Federate) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	busy := f.async != nil
	f.mu.Unlock()

	var err error
	if !busy && !f.State().Terminal() {
		err = f.Finalize()
	}
	if ferr := f.release(); err == nil {
		err = ferr
	}
	return err
}

func (f *Federate) release() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	f.released = true
	f.mu.Unlock()
	return f.core.Free()
}

// === Properties ===

// SetTimeProperty changes a time property. Timing properties take effect
// at the federate's next request.
func (f *Federate) SetTimeProperty(p sim.Property, t sim.Time) error {
	if err := f.info.SetTimeProperty(p, t); err != nil {
		return err
	}
	return f.updateTiming()
}

// TimeProperty returns a time property, or its default.
func (f *Federate) TimeProperty(p sim.Property) sim.Time {
	cfg := f.state.Timing()
	switch p {
	case sim.PropertyDelta:
		return cfg.Delta
	case sim.PropertyPeriod:
		return cfg.Period
	case sim.PropertyOffset:
		return cfg.Offset
	case sim.PropertyInputDelay:
		return cfg.InputDelay
	case sim.PropertyOutputDelay:
		return cfg.OutputDelay
	}
	t, _ := f.info.TimeProperty(p)
	return t
}

// SetIntegerProperty changes max_iterations or log_level.
func (f *Federate) SetIntegerProperty(p sim.Property, v int) error {
	if err := f.info.SetIntegerProperty(p, v); err != nil {
		return err
	}
	if p == sim.PropertyLogLevel {
		f.log.Logger.SetLevel(sim.LogLevel(v).LogrusLevel())
		return nil
	}
	return f.updateTiming()
}

// IntegerProperty returns an integer property, or its default.
func (f *Federate) IntegerProperty(p sim.Property) int {
	switch p {
	case sim.PropertyMaxIterations:
		return f.state.Timing().MaxIterations
	case sim.PropertyLogLevel:
		return int(f.info.LogLevel())
	}
	return 0
}

// SetFlagOption toggles a boolean option. Timing flags are forwarded to the
// root; store flags apply to interfaces registered afterwards.
func (f *Federate) SetFlagOption(flag sim.Flag, on bool) error {
	if err := f.info.SetFlagOption(flag, on); err != nil {
		return err
	}
	cfg := f.state.Timing()
	if cfg.SetFlag(flag, on) {
		return f.updateTiming()
	}
	return nil
}

// FlagOption reports a boolean option.
func (f *Federate) FlagOption(flag sim.Flag) bool { return f.info.FlagOption(flag) }

func (f *Federate) updateTiming() error {
	cfg, err := f.info.timingConfig()
	if err != nil {
		return err
	}
	if cfg == f.state.Timing() {
		return nil
	}
	return f.state.UpdateTiming(cfg)
}

// === Queries ===

// Query asks the federation a question and waits for the answer.
func (f *Federate) Query(target, query string) (string, error) {
	if target == "" || target == "federate" {
		target = f.Name()
	}
	return f.state.Query(target, query)
}

// QueryAsync runs a query in the background.
func (f *Federate) QueryAsync(target, query string) *core.Future[string] {
	if target == "" || target == "federate" {
		target = f.Name()
	}
	return f.core.QueryAsync(target, query)
}
