package core

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/messaging"
	"github.com/inference-sim/cosim/sim/registry"
	"github.com/inference-sim/cosim/sim/store"
	"github.com/inference-sim/cosim/sim/timing"
)

// Grant is the outcome of a lifecycle or time request.
type Grant struct {
	Time   sim.Time
	Result sim.IterationResult
}

// FilterTarget says which messages a filter applies to.
type FilterTarget int

const (
	FilterSourceTarget      FilterTarget = iota // messages sent by the endpoint
	FilterDestinationTarget                     // messages addressed to the endpoint
	FilterDeliveryTarget                        // clone copies go to the endpoint
)

type ifaceMeta struct {
	name    string
	typ     string
	units   string
	options map[sim.HandleOption]int
}

func newMeta(name, typ, units string) ifaceMeta {
	return ifaceMeta{name: name, typ: typ, units: units, options: make(map[sim.HandleOption]int)}
}

type pubInfo struct {
	ifaceMeta
	slot *store.Publication
}

type inputInfo struct {
	ifaceMeta
	slot *store.Input
}

type endpointInfo struct {
	ifaceMeta
	queue       *messaging.Queue
	defaultDest string
}

type filterInfo struct {
	ifaceMeta
	filterType sim.FilterType
	cloning    bool
	outputType string
}

// FederateState is the core-side state of one federate: its interfaces,
// value stores, message queues and lifecycle. Application goroutines call
// its exported methods; the core worker applies grants and deliveries.
type FederateState struct {
	core *Core
	id   sim.FederateID
	name string
	cfg  FederateConfig
	log  *logrus.Entry

	mu        sync.Mutex
	state     sim.State
	granted   sim.Time
	pendingOp sim.PendingOp
	pending   *Future[Grant]
	finalize  *Future[Grant]
	lastErr   error
	msgSeq    int32

	pubs      *registry.Registry[*pubInfo]
	inputs    *registry.Registry[*inputInfo]
	endpoints *registry.Registry[*endpointInfo]
	filters   *registry.Registry[*filterInfo]
}

func newFederateState(c *Core, id sim.FederateID, name string, cfg FederateConfig) *FederateState {
	return &FederateState{
		core:      c,
		id:        id,
		name:      name,
		cfg:       cfg,
		log:       sim.NewLogger(cfg.LogLevel).WithFields(logrus.Fields{"federate": name, "core": c.name}),
		state:     sim.StateCreated,
		pubs:      registry.New[*pubInfo](sim.TablePublications),
		inputs:    registry.New[*inputInfo](sim.TableInputs),
		endpoints: registry.New[*endpointInfo](sim.TableEndpoints),
		filters:   registry.New[*filterInfo](sim.TableFilters),
	}
}

// ID returns the federation-wide id of the federate.
func (fs *FederateState) ID() sim.FederateID { return fs.id }

// Name returns the federate name.
func (fs *FederateState) Name() string { return fs.name }

// Core returns the hosting core.
func (fs *FederateState) Core() *Core { return fs.core }

// Logger returns the federate's logger.
func (fs *FederateState) Logger() *logrus.Entry { return fs.log }

// State returns the lifecycle state.
func (fs *FederateState) State() sim.State {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.state
}

// Granted returns the last granted time.
func (fs *FederateState) Granted() sim.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.granted
}

// PendingOp returns the outstanding blocking operation, if any.
func (fs *FederateState) PendingOp() sim.PendingOp {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.pendingOp
}

// LastError returns the error that moved the federate into the error state.
func (fs *FederateState) LastError() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastErr
}

// Timing returns the timing configuration last sent to the root.
func (fs *FederateState) Timing() timing.Config {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cfg.Timing
}

// === Registration ===

func (fs *FederateState) checkRegistration(op string) error {
	if fs.state != sim.StateCreated {
		return sim.Errorf(sim.CodeInvalidState, op, "federate %s is %s; interfaces must be registered before init", fs.name, fs.state)
	}
	return nil
}

func registerLocal[T any](fs *FederateState, reg *registry.Registry[T], op string, v T, a *Action) (sim.Handle, error) {
	fs.mu.Lock()
	if err := fs.checkRegistration(op); err != nil {
		fs.mu.Unlock()
		return sim.Handle{}, err
	}
	h, err := reg.Register(a.Name, v)
	fs.mu.Unlock()
	if err != nil {
		return sim.Handle{}, err
	}

	a.Kind = ActRegisterInterface
	a.SourceFed = fs.id
	a.SourceHandle = h
	if _, err := fs.core.roundTrip(a); err != nil {
		fs.mu.Lock()
		_ = reg.Remove(h)
		fs.mu.Unlock()
		return sim.Handle{}, err
	}
	fs.log.WithField("interface", a.Name).Debugf("registered %s", sim.TableName(h.Table))
	return h, nil
}

// RegisterPublication registers a publication. Local names are prefixed
// with the federate name; global ones are used as given.
func (fs *FederateState) RegisterPublication(key string, global bool, typ, units string) (sim.Handle, error) {
	name := registry.QualifyName(fs.name, key, global)
	slot := store.NewPublication(key, typ, units)
	slot.OnlyTransmitOnChange = fs.cfg.OnlyTransmitOnChange
	info := &pubInfo{ifaceMeta: newMeta(name, typ, units), slot: slot}
	return registerLocal(fs, fs.pubs, "register publication", info, &Action{Name: name, Type: typ, Units: units})
}

// RegisterInput registers an input. Inputs may be unnamed.
func (fs *FederateState) RegisterInput(key string, global bool, typ, units string) (sim.Handle, error) {
	name := registry.QualifyName(fs.name, key, global)
	slot := store.NewInput(key, typ, units)
	slot.OnlyUpdateOnChange = fs.cfg.OnlyUpdateOnChange
	info := &inputInfo{ifaceMeta: newMeta(name, typ, units), slot: slot}
	return registerLocal(fs, fs.inputs, "register input", info, &Action{Name: name, Type: typ, Units: units})
}

// RegisterEndpoint registers an endpoint with an optional type string.
func (fs *FederateState) RegisterEndpoint(key string, global bool, typ string) (sim.Handle, error) {
	name := registry.QualifyName(fs.name, key, global)
	info := &endpointInfo{ifaceMeta: newMeta(name, typ, ""), queue: messaging.NewQueue()}
	return registerLocal(fs, fs.endpoints, "register endpoint", info, &Action{Name: name, Type: typ})
}

// RegisterFilter registers a filter. Cloning filters copy messages to their
// delivery endpoints instead of transforming them.
func (fs *FederateState) RegisterFilter(key string, global bool, ft sim.FilterType, cloning bool, inType, outType string) (sim.Handle, error) {
	if ft == sim.FilterFirewall {
		return sim.Handle{}, sim.Errorf(sim.CodeInvalidArgument, "register filter", "firewall filters are not supported")
	}
	if ft == sim.FilterClone {
		cloning = true
	}
	name := registry.QualifyName(fs.name, key, global)
	info := &filterInfo{ifaceMeta: newMeta(name, inType, ""), filterType: ft, cloning: cloning, outputType: outType}
	return registerLocal(fs, fs.filters, "register filter", info, &Action{Name: name, Type: inType, Units: outType, Count: int(ft), Flag: cloning})
}

func lookupLocal[T any](fs *FederateState, reg *registry.Registry[T], name string) (sim.Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, _, err := reg.Lookup(name)
	if err == nil {
		return h, nil
	}
	h, _, err2 := reg.Lookup(registry.QualifyName(fs.name, name, false))
	if err2 == nil {
		return h, nil
	}
	return sim.Handle{}, err
}

// Publication finds a publication by name or local key.
func (fs *FederateState) Publication(name string) (sim.Handle, error) {
	return lookupLocal(fs, fs.pubs, name)
}

// Input finds an input by name or local key.
func (fs *FederateState) Input(name string) (sim.Handle, error) {
	return lookupLocal(fs, fs.inputs, name)
}

// Endpoint finds an endpoint by name or local key.
func (fs *FederateState) Endpoint(name string) (sim.Handle, error) {
	return lookupLocal(fs, fs.endpoints, name)
}

// Filter finds a filter by name or local key.
func (fs *FederateState) Filter(name string) (sim.Handle, error) {
	return lookupLocal(fs, fs.filters, name)
}

// Handles lists the handles of one interface table in registration order.
func (fs *FederateState) Handles(table uint16) []sim.Handle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []sim.Handle
	collect := func(h sim.Handle) bool {
		out = append(out, h)
		return true
	}
	switch table {
	case sim.TablePublications:
		fs.pubs.Each(func(h sim.Handle, _ string, _ *pubInfo) bool { return collect(h) })
	case sim.TableInputs:
		fs.inputs.Each(func(h sim.Handle, _ string, _ *inputInfo) bool { return collect(h) })
	case sim.TableEndpoints:
		fs.endpoints.Each(func(h sim.Handle, _ string, _ *endpointInfo) bool { return collect(h) })
	case sim.TableFilters:
		fs.filters.Each(func(h sim.Handle, _ string, _ *filterInfo) bool { return collect(h) })
	}
	return out
}

// meta returns the shared description of any interface. Callers hold mu.
func (fs *FederateState) meta(h sim.Handle) (*ifaceMeta, error) {
	switch h.Table {
	case sim.TablePublications:
		p, err := fs.pubs.Get(h)
		if err != nil {
			return nil, err
		}
		return &p.ifaceMeta, nil
	case sim.TableInputs:
		in, err := fs.inputs.Get(h)
		if err != nil {
			return nil, err
		}
		return &in.ifaceMeta, nil
	case sim.TableEndpoints:
		ep, err := fs.endpoints.Get(h)
		if err != nil {
			return nil, err
		}
		return &ep.ifaceMeta, nil
	case sim.TableFilters:
		f, err := fs.filters.Get(h)
		if err != nil {
			return nil, err
		}
		return &f.ifaceMeta, nil
	}
	return nil, sim.Errorf(sim.CodeNotFound, "resolve handle", "invalid handle %s", h)
}

// InterfaceName returns the registered name of h.
func (fs *FederateState) InterfaceName(h sim.Handle) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	m, err := fs.meta(h)
	if err != nil {
		return "", err
	}
	return m.name, nil
}

// InterfaceType returns the type and units strings of h.
func (fs *FederateState) InterfaceType(h sim.Handle) (string, string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	m, err := fs.meta(h)
	if err != nil {
		return "", "", err
	}
	return m.typ, m.units, nil
}

// === Connections and options ===

// AddTarget connects a publication to an input, an input to a publication,
// or a filter to the messages sent by an endpoint. The target may be
// registered later; the connection is made when it appears.
func (fs *FederateState) AddTarget(h sim.Handle, target string) error {
	var kind int
	switch h.Table {
	case sim.TablePublications:
		kind = linkPublicationTarget
	case sim.TableInputs:
		kind = linkInputSource
	case sim.TableFilters:
		kind = linkFilterSource
	default:
		return sim.Errorf(sim.CodeInvalidArgument, "add target", "%s handles take no targets", sim.TableName(h.Table))
	}
	return fs.addTarget(h, target, kind)
}

// AddFilterTarget attaches a filter to an endpoint for one kind of traffic.
func (fs *FederateState) AddFilterTarget(h sim.Handle, endpoint string, target FilterTarget) error {
	if h.Table != sim.TableFilters {
		return sim.Errorf(sim.CodeInvalidArgument, "add filter target", "%s is not a filter", h)
	}
	kind := linkFilterSource
	switch target {
	case FilterDestinationTarget:
		kind = linkFilterDestination
	case FilterDeliveryTarget:
		kind = linkCloneDelivery
	}
	return fs.addTarget(h, endpoint, kind)
}

func (fs *FederateState) addTarget(h sim.Handle, target string, kind int) error {
	fs.mu.Lock()
	_, err := fs.meta(h)
	terminal := fs.state.Terminal()
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	if terminal {
		return sim.Errorf(sim.CodeInvalidState, "add target", "federate %s is %s", fs.name, fs.State())
	}
	if target == "" {
		return sim.Errorf(sim.CodeInvalidArgument, "add target", "empty target name")
	}
	_, err = fs.core.roundTrip(&Action{Kind: ActAddTarget, SourceFed: fs.id, SourceHandle: h, Name: target, Count: kind})
	return err
}

// rootOption reports whether opt is enforced at the root rather than in
// the local store.
func rootOption(opt sim.HandleOption) bool {
	switch opt {
	case sim.OptionConnectionRequired, sim.OptionConnectionOptional,
		sim.OptionSingleConnectionOnly, sim.OptionMultipleConnectionsAllowed,
		sim.OptionStrictTypeChecking, sim.OptionIgnoreUnitMismatch, sim.OptionIgnoreInterrupts:
		return true
	}
	return false
}

// SetOption sets a per-interface option.
func (fs *FederateState) SetOption(h sim.Handle, opt sim.HandleOption, value int) error {
	if !sim.ValidHandleOption(opt) {
		return sim.Errorf(sim.CodeInvalidArgument, "set option", "unknown handle option %d", int(opt))
	}
	fs.mu.Lock()
	m, err := fs.meta(h)
	if err == nil {
		err = fs.applyLocalOption(h, opt, value)
	}
	if err == nil {
		m.options[opt] = value
	}
	fs.mu.Unlock()
	if err != nil || !rootOption(opt) {
		return err
	}
	_, err = fs.core.roundTrip(&Action{Kind: ActSetOption, SourceFed: fs.id, SourceHandle: h, Count: int(opt), Number: float64(value)})
	return err
}

// applyLocalOption updates the stores for options they enforce. Callers hold mu.
func (fs *FederateState) applyLocalOption(h sim.Handle, opt sim.HandleOption, value int) error {
	switch opt {
	case sim.OptionOnlyTransmitOnChange:
		p, err := fs.pubs.Get(h)
		if err != nil {
			return sim.Errorf(sim.CodeInvalidArgument, "set option", "%s applies to publications", opt)
		}
		p.slot.OnlyTransmitOnChange = value != 0
	case sim.OptionOnlyUpdateOnChange:
		in, err := fs.inputs.Get(h)
		if err != nil {
			return sim.Errorf(sim.CodeInvalidArgument, "set option", "%s applies to inputs", opt)
		}
		in.slot.OnlyUpdateOnChange = value != 0
	case sim.OptionMultiInputHandlingMethod:
		in, err := fs.inputs.Get(h)
		if err != nil {
			return sim.Errorf(sim.CodeInvalidArgument, "set option", "%s applies to inputs", opt)
		}
		mode := sim.MultiInputMode(value)
		if mode < sim.MultiInputNoOp || mode > sim.MultiInputAverage {
			return sim.Errorf(sim.CodeInvalidArgument, "set option", "unknown multi input mode %d", value)
		}
		in.slot.Mode = mode
	case sim.OptionIgnoreInterrupts:
		if h.Table != sim.TableInputs {
			return sim.Errorf(sim.CodeInvalidArgument, "set option", "%s applies to inputs", opt)
		}
	}
	return nil
}

// Option returns the last value set for opt, or 0.
func (fs *FederateState) Option(h sim.Handle, opt sim.HandleOption) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	m, err := fs.meta(h)
	if err != nil {
		return 0, err
	}
	return m.options[opt], nil
}

// SetFilterProperty sets a numeric property of a filter's operator.
func (fs *FederateState) SetFilterProperty(h sim.Handle, prop string, v float64) error {
	return fs.filterProperty(h, &Action{Name: prop, Number: v})
}

// SetFilterStringProperty sets a string property of a filter's operator.
func (fs *FederateState) SetFilterStringProperty(h sim.Handle, prop, v string) error {
	return fs.filterProperty(h, &Action{Name: prop, Key: v, Flag: true})
}

func (fs *FederateState) filterProperty(h sim.Handle, a *Action) error {
	fs.mu.Lock()
	_, err := fs.filters.Get(h)
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	a.Kind = ActFilterProperty
	a.SourceFed = fs.id
	a.SourceHandle = h
	_, err = fs.core.roundTrip(a)
	return err
}

// SetFilterOperator installs the operator of a custom filter.
func (fs *FederateState) SetFilterOperator(h sim.Handle, op messaging.Operator) error {
	fs.mu.Lock()
	f, err := fs.filters.Get(h)
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	if f.filterType != sim.FilterCustom {
		return sim.Errorf(sim.CodeInvalidArgument, "set filter operator", "filter %s is %s, not custom", f.name, f.filterType)
	}
	fs.core.rt.SetFilterOperator(sim.InterfaceID{Fed: fs.id, Handle: h}, op)
	return nil
}

// SetDefault sets the value an input returns before its first update.
func (fs *FederateState) SetDefault(h sim.Handle, v sim.Value) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.inputs.Get(h)
	if err != nil {
		return err
	}
	conv, err := v.ConvertTo(in.slot.DataType)
	if err != nil {
		return err
	}
	in.slot.SetDefault(conv)
	return nil
}

// UpdateTiming replaces the timing configuration; the root applies it
// before the federate's next request.
func (fs *FederateState) UpdateTiming(cfg timing.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fs.mu.Lock()
	if st := fs.state; st.Terminal() {
		fs.mu.Unlock()
		return sim.Errorf(sim.CodeInvalidState, "update timing", "federate %s is %s", fs.name, st)
	}
	fs.cfg.Timing = cfg
	fs.mu.Unlock()
	c := cfg
	return fs.core.sendUp(&Action{Kind: ActTimingConfig, SourceFed: fs.id, Config: &c})
}

// === Values ===

func (fs *FederateState) checkData(op string) error {
	if fs.state != sim.StateInitializing && fs.state != sim.StateExecuting {
		return sim.Errorf(sim.CodeInvalidState, op, "federate %s is %s", fs.name, fs.state)
	}
	return nil
}

// Publish stores v and sends it to every connected input. During init the
// value is stamped at time zero; afterwards at the granted time plus the
// output delay.
func (fs *FederateState) Publish(h sim.Handle, v sim.Value) error {
	fs.mu.Lock()
	if err := fs.checkData("publish"); err != nil {
		fs.mu.Unlock()
		return err
	}
	p, err := fs.pubs.Get(h)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	t := sim.TimeZero
	if fs.state == sim.StateExecuting {
		t = fs.granted + fs.cfg.Timing.OutputDelay
	}
	conv, send, err := p.slot.Publish(v, t)
	fs.mu.Unlock()
	if err != nil || !send {
		return err
	}
	return fs.core.sendUp(&Action{Kind: ActPublish, SourceFed: fs.id, SourceHandle: h, Time: t, Value: conv})
}

// LastPublished returns the value most recently stored in a publication.
func (fs *FederateState) LastPublished(h sim.Handle) (sim.Value, sim.Time, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, err := fs.pubs.Get(h)
	if err != nil {
		return sim.Value{}, 0, err
	}
	v, t, _ := p.slot.Last()
	return v, t, nil
}

func (fs *FederateState) withInput(h sim.Handle, fn func(in *store.Input) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.inputs.Get(h)
	if err != nil {
		return err
	}
	return fn(in.slot)
}

// Value returns the current value of an input.
func (fs *FederateState) Value(h sim.Handle) (sim.Value, error) {
	var v sim.Value
	err := fs.withInput(h, func(in *store.Input) error {
		var err error
		v, err = in.Value()
		return err
	})
	return v, err
}

// IsUpdated reports whether the last grant delivered a new value.
func (fs *FederateState) IsUpdated(h sim.Handle) bool {
	updated := false
	_ = fs.withInput(h, func(in *store.Input) error {
		updated = in.IsUpdated()
		return nil
	})
	return updated
}

// ClearUpdate resets the updated flag of an input.
func (fs *FederateState) ClearUpdate(h sim.Handle) error {
	return fs.withInput(h, func(in *store.Input) error {
		in.ClearUpdate()
		return nil
	})
}

// LastUpdateTime returns the grant at which an input last changed.
func (fs *FederateState) LastUpdateTime(h sim.Handle) (sim.Time, error) {
	var t sim.Time
	err := fs.withInput(h, func(in *store.Input) error {
		t = in.LastUpdateTime()
		return nil
	})
	return t, err
}

// HasValue reports whether any update was ever delivered to an input.
func (fs *FederateState) HasValue(h sim.Handle) bool {
	has := false
	_ = fs.withInput(h, func(in *store.Input) error {
		has = in.HasValue()
		return nil
	})
	return has
}

// === Messages ===

// Send sends data from an endpoint. An empty dest uses the endpoint's
// default destination.
func (fs *FederateState) Send(h sim.Handle, dest string, data []byte) error {
	return fs.SendMessage(h, &sim.Message{Dest: dest, Data: data})
}

// SendAt sends data stamped at t, or at the earliest allowed time if t is
// earlier than that.
func (fs *FederateState) SendAt(h sim.Handle, dest string, data []byte, t sim.Time) error {
	return fs.SendMessage(h, &sim.Message{Dest: dest, Data: data, Time: t})
}

// SendMessage sends a copy of m from an endpoint. The source is always the
// endpoint; the time is clamped to the granted time plus output delay.
func (fs *FederateState) SendMessage(h sim.Handle, m *sim.Message) error {
	fs.mu.Lock()
	if err := fs.checkData("send message"); err != nil {
		fs.mu.Unlock()
		return err
	}
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	out := m.Clone()
	out.Source = ep.name
	if out.OriginalSource == "" {
		out.OriginalSource = ep.name
	}
	if out.Dest == "" {
		out.Dest = ep.defaultDest
	}
	if out.Dest == "" {
		fs.mu.Unlock()
		return sim.Errorf(sim.CodeInvalidArgument, "send message", "endpoint %s has no destination", ep.name)
	}
	if out.OriginalDest == "" {
		out.OriginalDest = out.Dest
	}
	base := sim.TimeZero
	if fs.state == sim.StateExecuting {
		base = fs.granted
	}
	out.Time = sim.MaxTime(out.Time, base+fs.cfg.Timing.OutputDelay)
	if out.MessageID == 0 {
		fs.msgSeq++
		out.MessageID = fs.msgSeq
	}
	fs.mu.Unlock()
	return fs.core.sendUp(&Action{Kind: ActSendMessage, SourceFed: fs.id, SourceHandle: h, Message: out})
}

// SetDefaultDestination sets where Send goes when no destination is given.
func (fs *FederateState) SetDefaultDestination(h sim.Handle, dest string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		return err
	}
	ep.defaultDest = dest
	return nil
}

// DefaultDestination returns an endpoint's default destination.
func (fs *FederateState) DefaultDestination(h sim.Handle) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		return "", err
	}
	return ep.defaultDest, nil
}

// PendingMessages is the number of messages an endpoint can receive now.
func (fs *FederateState) PendingMessages(h sim.Handle) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		return 0
	}
	return ep.queue.Len()
}

// HasMessage reports whether an endpoint has a receivable message.
func (fs *FederateState) HasMessage(h sim.Handle) bool { return fs.PendingMessages(h) > 0 }

// GetMessage pops the next receivable message, or returns nil.
func (fs *FederateState) GetMessage(h sim.Handle) *sim.Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		return nil
	}
	return ep.queue.Pop()
}

// TotalPendingMessages sums PendingMessages over every endpoint.
func (fs *FederateState) TotalPendingMessages() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	total := 0
	fs.endpoints.Each(func(_ sim.Handle, _ string, ep *endpointInfo) bool {
		total += ep.queue.Len()
		return true
	})
	return total
}

// GetAnyMessage pops the earliest receivable message across all endpoints.
// Ties go to the endpoint registered first.
func (fs *FederateState) GetAnyMessage() *sim.Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var best *endpointInfo
	fs.endpoints.Each(func(_ sim.Handle, _ string, ep *endpointInfo) bool {
		m := ep.queue.Peek()
		if m != nil && (best == nil || m.Time < best.queue.Peek().Time) {
			best = ep
		}
		return true
	})
	if best == nil {
		return nil
	}
	return best.queue.Pop()
}

// === Lifecycle requests ===

func (fs *FederateState) begin(op sim.PendingOp) (*Future[Grant], error) {
	if fs.pendingOp != sim.PendingNone {
		return nil, sim.Errorf(sim.CodeOperationPending, "request "+op.String(), "%s request still outstanding", fs.pendingOp)
	}
	fs.pendingOp = op
	fs.pending = NewFuture[Grant]()
	return fs.pending, nil
}

func (fs *FederateState) takePending() *Future[Grant] {
	f := fs.pending
	fs.pending = nil
	fs.pendingOp = sim.PendingNone
	return f
}

// send pushes a lifecycle action upward; a failure unwinds the pending op.
func (fs *FederateState) send(a *Action) error {
	if err := fs.core.sendUp(a); err != nil {
		fs.mu.Lock()
		fs.takePending()
		fs.mu.Unlock()
		return err
	}
	return nil
}

// RequestInit asks to enter initializing mode.
func (fs *FederateState) RequestInit() (*Future[Grant], error) {
	fs.mu.Lock()
	switch fs.state {
	case sim.StateInitializing:
		fs.mu.Unlock()
		return Resolved(Grant{Result: sim.NextStep}, nil), nil
	case sim.StateCreated:
	default:
		st := fs.state
		fs.mu.Unlock()
		return nil, sim.Errorf(sim.CodeInvalidState, "request init", "federate %s is %s", fs.name, st)
	}
	f, err := fs.begin(sim.PendingInit)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f, fs.send(&Action{Kind: ActInitRequest, SourceFed: fs.id})
}

// RequestExec asks to enter executing mode, optionally iterating on the
// initial values first.
func (fs *FederateState) RequestExec(iter sim.IterationRequest) (*Future[Grant], error) {
	fs.mu.Lock()
	switch fs.state {
	case sim.StateExecuting:
		fs.mu.Unlock()
		return Resolved(Grant{Result: sim.NextStep}, nil), nil
	case sim.StateInitializing:
	default:
		st := fs.state
		fs.mu.Unlock()
		return nil, sim.Errorf(sim.CodeInvalidState, "request exec", "federate %s is %s", fs.name, st)
	}
	f, err := fs.begin(sim.PendingExec)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f, fs.send(&Action{Kind: ActExecRequest, SourceFed: fs.id, Iteration: iter})
}

// RequestTime asks to advance to t. Any iteration request makes it an
// iterative request that may be granted at the current time.
func (fs *FederateState) RequestTime(t sim.Time, iter sim.IterationRequest) (*Future[Grant], error) {
	fs.mu.Lock()
	if fs.state != sim.StateExecuting {
		st := fs.state
		fs.mu.Unlock()
		return nil, sim.Errorf(sim.CodeInvalidState, "request time", "federate %s is %s", fs.name, st)
	}
	op := sim.PendingTime
	if iter != sim.NoIteration {
		op = sim.PendingIterativeTime
	}
	f, err := fs.begin(op)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f, fs.send(&Action{Kind: ActTimeRequest, SourceFed: fs.id, Time: t, Iteration: iter, Flag: op == sim.PendingIterativeTime})
}

// Finalize leaves the federation. Data operations fail from here on; the
// future resolves once the root has released the federate.
func (fs *FederateState) Finalize() (*Future[Grant], error) {
	fs.mu.Lock()
	switch {
	case fs.state == sim.StateFinalized:
		f := fs.finalize
		fs.mu.Unlock()
		if f == nil {
			return Resolved(Grant{Time: fs.Granted(), Result: sim.Halted}, nil), nil
		}
		return f, nil
	case fs.state == sim.StateError:
		// The root retired the federate when the error was raised.
		fs.mu.Unlock()
		return Resolved(Grant{Time: fs.Granted(), Result: sim.Halted}, nil), nil
	case fs.pendingOp != sim.PendingNone:
		op := fs.pendingOp
		fs.mu.Unlock()
		return nil, sim.Errorf(sim.CodeOperationPending, "finalize", "%s request still outstanding", op)
	}
	fs.state = sim.StateFinalized
	fs.finalize = NewFuture[Grant]()
	f := fs.finalize
	fs.mu.Unlock()

	if !fs.core.IsConnected() {
		f.Resolve(Grant{Time: fs.Granted(), Result: sim.Halted}, nil)
		return f, nil
	}
	fs.log.Info("finalizing")
	if err := fs.core.sendUp(&Action{Kind: ActFinalize, SourceFed: fs.id}); err != nil {
		f.Resolve(Grant{Time: fs.Granted(), Result: sim.Halted}, nil)
	}
	return f, nil
}

// LocalError moves the federate into the error state and tells the root,
// which halts everyone if the federate terminates on error.
func (fs *FederateState) LocalError(code sim.Code, msg string) error {
	err := sim.Errorf(code, "local error", "%s", msg)
	fs.mu.Lock()
	if fs.state.Terminal() {
		fs.mu.Unlock()
		return nil
	}
	fs.state = sim.StateError
	fs.lastErr = err
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Result: sim.IterationError}, err)
	}
	fs.log.Errorf("local error: %s", msg)
	return fs.core.sendUp(&Action{Kind: ActLocalError, SourceFed: fs.id, Err: toWireError(err)})
}

// Query asks the federation root a question.
func (fs *FederateState) Query(target, query string) (string, error) {
	return fs.core.Query(target, query)
}

// === Worker side ===

func (fs *FederateState) grantInit() {
	fs.mu.Lock()
	if fs.state == sim.StateCreated {
		fs.state = sim.StateInitializing
	}
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Result: sim.NextStep}, nil)
	}
}

func (fs *FederateState) grantExec(res sim.IterationResult) {
	fs.mu.Lock()
	if res == sim.NextStep && fs.state == sim.StateInitializing {
		fs.state = sim.StateExecuting
	}
	fs.granted = sim.TimeZero
	fs.deliverAt(sim.TimeZero)
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Time: sim.TimeZero, Result: res}, nil)
	}
}

func (fs *FederateState) grantTime(t sim.Time, res sim.IterationResult) {
	fs.mu.Lock()
	fs.granted = t
	fs.deliverAt(t)
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Time: t, Result: res}, nil)
	}
}

// deliverAt releases every value and message visible at t. Callers hold mu.
func (fs *FederateState) deliverAt(t sim.Time) {
	fs.inputs.Each(func(_ sim.Handle, _ string, in *inputInfo) bool {
		in.slot.Apply(t)
		return true
	})
	fs.endpoints.Each(func(_ sim.Handle, _ string, ep *endpointInfo) bool {
		ep.queue.Advance(t)
		return true
	})
}

func (fs *FederateState) requestFailed(err error) {
	fs.mu.Lock()
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Result: sim.IterationError}, err)
	}
}

func (fs *FederateState) connectInput(h sim.Handle, src sim.InterfaceID) {
	_ = fs.withInput(h, func(in *store.Input) error {
		in.AddSource(src)
		return nil
	})
}

func (fs *FederateState) deliverValue(h sim.Handle, src sim.InterfaceID, ts, vt sim.Time, v sim.Value) {
	err := fs.withInput(h, func(in *store.Input) error {
		conv, err := v.ConvertTo(in.DataType)
		if err != nil {
			return err
		}
		in.Enqueue(src, ts, vt, conv)
		return nil
	})
	if err != nil {
		fs.log.Warnf("value for input %s dropped: %v", h, err)
	}
}

func (fs *FederateState) deliverMessage(h sim.Handle, m *sim.Message, vt sim.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ep, err := fs.endpoints.Get(h)
	if err != nil {
		fs.log.Warnf("message for endpoint %s dropped: %v", h, err)
		return
	}
	ep.queue.Push(m, vt)
}

func (fs *FederateState) finalizeAcked() {
	fs.mu.Lock()
	f := fs.finalize
	t := fs.granted
	fs.mu.Unlock()
	if f != nil {
		f.Resolve(Grant{Time: t, Result: sim.NextStep}, nil)
	}
}

// halt ends the federate because the federation is going away. Any
// outstanding request completes with Halted at the maximum time.
func (fs *FederateState) halt() {
	fs.mu.Lock()
	if !fs.state.Terminal() {
		fs.state = sim.StateFinalized
	}
	p := fs.takePending()
	f := fs.finalize
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Time: sim.TimeMax, Result: sim.Halted}, nil)
	}
	if f != nil {
		f.Resolve(Grant{Time: sim.TimeMax, Result: sim.Halted}, nil)
	}
}

func (fs *FederateState) fail(err error) {
	if err == nil {
		err = sim.ErrFatal
	}
	fs.mu.Lock()
	if fs.state != sim.StateFinalized {
		fs.state = sim.StateError
		fs.lastErr = err
	}
	p := fs.takePending()
	fs.mu.Unlock()
	if p != nil {
		p.Resolve(Grant{Result: sim.IterationError}, err)
	}
	fs.log.Errorf("federate error: %v", err)
}
