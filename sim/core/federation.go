package core

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/messaging"
	"github.com/inference-sim/cosim/sim/metrics"
	"github.com/inference-sim/cosim/sim/registry"
	"github.com/inference-sim/cosim/sim/timing"
	"github.com/inference-sim/cosim/sim/trace"
)

type nodeRecord struct {
	name         string
	kind         nodeKind
	parent       string
	minFederates int
	connected    bool
}

type fedRecord struct {
	id               sim.FederateID
	name             string
	core             string
	state            sim.State
	coord            *timing.Coordinator
	initRequested    bool
	terminateOnError bool
	hasEndpoints     bool
	ifaces           []sim.InterfaceID
	lastGrant        sim.Time
}

type ifaceRecord struct {
	id    sim.InterfaceID
	name  string
	typ   string
	units string
	fed   *fedRecord
	dir   sim.Handle // slot in the directory; invalid when unnamed

	// publications list connected inputs, inputs connected publications
	targets []sim.InterfaceID

	required         bool
	singleConnection bool
	strictTypes      bool
	ignoreUnits      bool
	ignoreInterrupts bool

	last     sim.Value
	lastTime sim.Time
	hasLast  bool

	filter *messaging.Filter
}

type pendingLink struct {
	from   sim.InterfaceID
	target string
	kind   int
}

// federation is the bookkeeping of a root node. Only the root worker
// touches it.
type federation struct {
	n     *node
	log   *logrus.Entry
	trace *trace.FederationTrace
	rng   *sim.PartitionedRNG

	feds   map[sim.FederateID]*fedRecord
	order  []sim.FederateID
	names  map[string]sim.FederateID
	nextID sim.FederateID

	ifaces     map[sim.InterfaceID]*ifaceRecord
	directory  map[uint16]*registry.Registry[sim.InterfaceID]
	unresolved []pendingLink
	chain      *messaging.Chain
	resolver   *timing.Resolver

	nodes     map[string]*nodeRecord
	nodeOrder []string

	initGranted bool
	halted      bool
}

func newFederation(n *node) *federation {
	f := &federation{
		n:        n,
		log:      n.log.WithField("role", "root"),
		trace:    trace.NewFederationTrace(n.opts.Trace),
		rng:      sim.NewPartitionedRNG(n.opts.Seed),
		feds:     make(map[sim.FederateID]*fedRecord),
		names:    make(map[string]sim.FederateID),
		ifaces:   make(map[sim.InterfaceID]*ifaceRecord),
		chain:    messaging.NewChain(),
		resolver: timing.NewResolver(),
		nodes:    make(map[string]*nodeRecord),
		directory: map[uint16]*registry.Registry[sim.InterfaceID]{
			sim.TablePublications: registry.New[sim.InterfaceID](sim.TablePublications),
			sim.TableInputs:       registry.New[sim.InterfaceID](sim.TableInputs),
			sim.TableEndpoints:    registry.New[sim.InterfaceID](sim.TableEndpoints),
			sim.TableFilters:      registry.New[sim.InterfaceID](sim.TableFilters),
		},
	}
	f.addNode(n.name, n.kind, "", n.opts.Federates)
	return f
}

func (f *federation) process(a *Action) {
	switch a.Kind {
	case ActRegisterFederate:
		f.registerFederate(a)
	case ActRegisterInterface:
		f.registerInterface(a)
	case ActAddTarget:
		f.addTarget(a)
	case ActSetOption:
		f.setOption(a)
	case ActFilterProperty:
		f.filterProperty(a)
	case ActTimingConfig:
		f.timingConfig(a)
	case ActInitRequest:
		f.initRequest(a)
	case ActExecRequest:
		f.execRequest(a)
	case ActTimeRequest:
		f.timeRequest(a)
	case ActPublish:
		f.publish(a)
	case ActSendMessage:
		f.sendMessage(a)
	case ActFinalize:
		f.finalize(a)
	case ActLocalError:
		f.localError(a)
	case ActQuery:
		f.reply(a, &Action{Key: f.answer(a.Name, a.Key, a.ReplyTo)}, nil)
	case ActDisconnect:
		f.nodeDisconnected(a.Name)
	default:
		f.log.Warnf("unexpected %s at root", a)
	}
}

// post sends a downward action from the root worker.
func (f *federation) post(a *Action) { f.n.send(a) }

func (f *federation) reply(req *Action, r *Action, err error) {
	if req.RequestID == 0 {
		if err != nil {
			f.log.Warnf("%s failed: %v", req, err)
		}
		return
	}
	if r == nil {
		r = &Action{}
	}
	r.Kind = ActReply
	r.RouteTo = req.ReplyTo
	r.RequestID = req.RequestID
	r.Err = toWireError(err)
	f.post(r)
}

// === Nodes ===

func (f *federation) addNode(name string, kind nodeKind, parent string, minFeds int) {
	if rec, ok := f.nodes[name]; ok {
		rec.connected = true
		return
	}
	f.nodes[name] = &nodeRecord{name: name, kind: kind, parent: parent, minFederates: minFeds, connected: true}
	f.nodeOrder = append(f.nodeOrder, name)
}

// minFederates is the federate count init waits for: the largest of the
// root's own minimum, the sum of the cores' minimums and any broker's.
func (f *federation) minFederates() int {
	need := f.n.opts.Federates
	coreSum := 0
	for _, name := range f.nodeOrder {
		rec := f.nodes[name]
		if name == f.n.name || !rec.connected {
			continue
		}
		switch rec.kind {
		case kindCore:
			coreSum += rec.minFederates
		case kindBroker:
			need = max(need, rec.minFederates)
		}
	}
	return max(need, coreSum)
}

// nodeDisconnected retires every federate hosted at or below name.
func (f *federation) nodeDisconnected(name string) {
	gone := map[string]bool{name: true}
	for changed := true; changed; {
		changed = false
		for _, n := range f.nodeOrder {
			rec := f.nodes[n]
			if !gone[n] && gone[rec.parent] {
				gone[n] = true
				changed = true
			}
		}
	}
	for n := range gone {
		if rec, ok := f.nodes[n]; ok {
			rec.connected = false
		}
	}
	for _, id := range f.order {
		rec := f.feds[id]
		if gone[rec.core] && !rec.state.Terminal() {
			f.log.WithField("federate", rec.name).Info("federate left with its core")
			f.retire(rec, sim.StateFinalized)
		}
	}
	f.advance()
}

// === Registration ===

func (f *federation) registerFederate(a *Action) {
	if f.initGranted {
		f.reply(a, nil, sim.Errorf(sim.CodeInvalidState, "register federate", "federation is already initializing"))
		return
	}
	if _, dup := f.names[a.Name]; dup {
		f.reply(a, nil, sim.NewError(sim.CodeDuplicateName, "register federate", a.Name, nil))
		return
	}
	cfg := timing.DefaultConfig()
	if a.Config != nil {
		cfg = *a.Config
	}
	f.nextID++
	rec := &fedRecord{
		id:               f.nextID,
		name:             a.Name,
		core:             a.ReplyTo,
		state:            sim.StateCreated,
		coord:            timing.NewCoordinator(f.nextID, a.Name, cfg),
		terminateOnError: a.Flag,
	}
	f.feds[rec.id] = rec
	f.names[rec.name] = rec.id
	f.order = append(f.order, rec.id)
	f.resolver.Add(rec.coord)
	metrics.RecordFederateRegistered(f.n.name)
	f.log.WithFields(logrus.Fields{"federate": rec.name, "id": rec.id, "core": rec.core}).Info("federate registered")
	f.reply(a, &Action{DestFed: rec.id}, nil)
}

func (f *federation) federate(op string, id sim.FederateID) (*fedRecord, error) {
	rec, ok := f.feds[id]
	if !ok {
		return nil, sim.Errorf(sim.CodeNotFound, op, "unknown federate %d", id)
	}
	return rec, nil
}

func (f *federation) iface(op string, id sim.InterfaceID) (*ifaceRecord, error) {
	ir, ok := f.ifaces[id]
	if !ok {
		return nil, sim.Errorf(sim.CodeNotFound, op, "unknown interface %s", id)
	}
	return ir, nil
}

func (f *federation) registerInterface(a *Action) {
	op := "register " + sim.TableName(a.SourceHandle.Table)
	rec, err := f.federate(op, a.SourceFed)
	if err != nil {
		f.reply(a, nil, err)
		return
	}
	if rec.state != sim.StateCreated {
		f.reply(a, nil, sim.Errorf(sim.CodeInvalidState, op, "federate %s is %s", rec.name, rec.state))
		return
	}
	dir, ok := f.directory[a.SourceHandle.Table]
	if !ok {
		f.reply(a, nil, sim.Errorf(sim.CodeInvalidArgument, op, "unknown interface table %d", a.SourceHandle.Table))
		return
	}

	id := sim.InterfaceID{Fed: rec.id, Handle: a.SourceHandle}
	ir := &ifaceRecord{id: id, name: a.Name, typ: a.Type, units: a.Units, fed: rec}
	if a.Name != "" {
		h, err := dir.Register(a.Name, id)
		if err != nil {
			f.reply(a, nil, sim.NewError(sim.CodeDuplicateName, op, a.Name, nil))
			return
		}
		ir.dir = h
	}

	switch a.SourceHandle.Table {
	case sim.TableEndpoints:
		f.linkEndpointFederate(rec)
	case sim.TableFilters:
		flt, err := f.newFilter(id, a.Name, sim.FilterType(a.Count), a.Flag)
		if err != nil {
			if ir.dir.IsValid() {
				_ = dir.Remove(ir.dir)
			}
			f.reply(a, nil, err)
			return
		}
		ir.filter = flt
		f.chain.Add(flt)
	}

	f.ifaces[id] = ir
	rec.ifaces = append(rec.ifaces, id)
	f.log.WithFields(logrus.Fields{"federate": rec.name, "interface": a.Name}).Debugf("%s registered", sim.TableName(id.Handle.Table))
	f.reply(a, nil, nil)
	f.resolvePending(ir)
}

func (f *federation) newFilter(id sim.InterfaceID, name string, ft sim.FilterType, cloning bool) (*messaging.Filter, error) {
	subsystem := name
	if subsystem == "" {
		subsystem = id.String()
	}
	flt, err := messaging.NewFilter(id, name, ft, cloning, f.rng.ForSubsystem(sim.SubsystemFilter(subsystem)))
	if err != nil {
		return nil, err
	}
	if ft == sim.FilterCustom {
		rt := f.n.rt
		flt.SetOperator(messaging.OperatorFunc(func(m *sim.Message) *sim.Message {
			if op := rt.filterOperator(id); op != nil {
				return op.Process(m)
			}
			return m
		}))
	}
	return flt, nil
}

// linkEndpointFederate makes every federate owning endpoints depend on every
// other one, since any endpoint may message any other.
func (f *federation) linkEndpointFederate(rec *fedRecord) {
	if rec.hasEndpoints {
		return
	}
	rec.hasEndpoints = true
	for _, id := range f.order {
		other := f.feds[id]
		if other == rec || !other.hasEndpoints {
			continue
		}
		f.resolver.AddDependency(rec.id, other.id, true)
		f.resolver.AddDependency(other.id, rec.id, true)
	}
}

// === Connections ===

func targetTable(kind int) uint16 {
	switch kind {
	case linkPublicationTarget:
		return sim.TableInputs
	case linkInputSource:
		return sim.TablePublications
	}
	return sim.TableEndpoints
}

func (f *federation) lookupName(table uint16, name string) *ifaceRecord {
	_, id, err := f.directory[table].Lookup(name)
	if err != nil {
		return nil
	}
	return f.ifaces[id]
}

func (f *federation) addTarget(a *Action) {
	src, err := f.iface("add target", sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle})
	if err != nil {
		f.reply(a, nil, err)
		return
	}
	if a.Count == linkCloneDelivery && (src.filter == nil || !src.filter.Cloning()) {
		f.reply(a, nil, sim.Errorf(sim.CodeInvalidArgument, "add delivery", "filter %s is not cloning", src.name))
		return
	}
	dst := f.lookupName(targetTable(a.Count), a.Name)
	if dst == nil {
		f.unresolved = append(f.unresolved, pendingLink{from: src.id, target: a.Name, kind: a.Count})
		f.log.Debugf("target %s of %s not registered yet", a.Name, src.name)
		f.reply(a, nil, nil)
		return
	}
	f.reply(a, nil, f.link(src, dst, a.Count))
}

func (f *federation) resolvePending(ir *ifaceRecord) {
	if ir.name == "" {
		return
	}
	kept := f.unresolved[:0]
	for _, pl := range f.unresolved {
		if pl.target != ir.name || targetTable(pl.kind) != ir.id.Handle.Table {
			kept = append(kept, pl)
			continue
		}
		src, ok := f.ifaces[pl.from]
		if !ok || src.fed.state.Terminal() {
			continue
		}
		if err := f.link(src, ir, pl.kind); err != nil {
			f.log.Warnf("cannot connect %s to %s: %v", src.name, ir.name, err)
		}
	}
	f.unresolved = kept
}

func (f *federation) link(src, dst *ifaceRecord, kind int) error {
	switch kind {
	case linkPublicationTarget:
		return f.connect(src, dst)
	case linkInputSource:
		return f.connect(dst, src)
	case linkFilterSource:
		src.filter.AddSourceTarget(dst.name)
	case linkFilterDestination:
		src.filter.AddDestinationTarget(dst.name)
	case linkCloneDelivery:
		src.filter.AddDelivery(dst.name)
	default:
		return sim.Errorf(sim.CodeInvalidArgument, "add target", "unknown link kind %d", kind)
	}
	return nil
}

// connect wires a publication to an input. A publication that already
// holds a value delivers it to the new input immediately.
func (f *federation) connect(pub, in *ifaceRecord) error {
	if slices.Contains(in.targets, pub.id) {
		return nil
	}
	if in.singleConnection && len(in.targets) > 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "connect", "input %s allows a single connection", in.name)
	}
	if err := f.checkTypes(pub, in); err != nil {
		return err
	}
	pub.targets = append(pub.targets, in.id)
	in.targets = append(in.targets, pub.id)
	f.resolver.AddDependency(in.fed.id, pub.fed.id, !in.ignoreInterrupts)
	f.post(&Action{
		Kind:         ActConnectInput,
		RouteTo:      in.fed.core,
		DestFed:      in.fed.id,
		DestHandle:   in.id.Handle,
		SourceFed:    pub.fed.id,
		SourceHandle: pub.id.Handle,
	})
	f.log.WithFields(logrus.Fields{"publication": pub.name, "input": in.name}).Debug("connected")
	if pub.hasLast {
		f.deliverValue(pub, in, pub.lastTime, pub.last)
	}
	return nil
}

func compatibleTypes(a, b string) bool {
	if a == b {
		return true
	}
	ta, tb := sim.ParseDataType(a), sim.ParseDataType(b)
	if ta == sim.DataTypeAny || tb == sim.DataTypeAny {
		return true
	}
	return ta == tb && ta != sim.DataTypeUnknown
}

func (f *federation) checkTypes(pub, in *ifaceRecord) error {
	if !compatibleTypes(pub.typ, in.typ) {
		if pub.strictTypes || in.strictTypes {
			return sim.Errorf(sim.CodeInvalidArgument, "connect", "publication %s type %q does not match input %s type %q", pub.name, pub.typ, in.name, in.typ)
		}
		f.log.Warnf("publication %s type %q does not match input %s type %q", pub.name, pub.typ, in.name, in.typ)
	}
	if pub.units != "" && in.units != "" && pub.units != in.units && !pub.ignoreUnits && !in.ignoreUnits {
		f.log.Warnf("publication %s units %q do not match input %s units %q", pub.name, pub.units, in.name, in.units)
	}
	return nil
}

func (f *federation) setOption(a *Action) {
	ir, err := f.iface("set option", sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle})
	if err != nil {
		f.reply(a, nil, err)
		return
	}
	on := a.Number != 0
	switch sim.HandleOption(a.Count) {
	case sim.OptionConnectionRequired:
		ir.required = on
	case sim.OptionConnectionOptional:
		ir.required = !on
	case sim.OptionSingleConnectionOnly:
		ir.singleConnection = on
	case sim.OptionMultipleConnectionsAllowed:
		ir.singleConnection = !on
	case sim.OptionStrictTypeChecking:
		ir.strictTypes = on
	case sim.OptionIgnoreUnitMismatch:
		ir.ignoreUnits = on
	case sim.OptionIgnoreInterrupts:
		ir.ignoreInterrupts = on
	}
	f.reply(a, nil, nil)
}

func (f *federation) filterProperty(a *Action) {
	ir, err := f.iface("set filter property", sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle})
	if err != nil {
		f.reply(a, nil, err)
		return
	}
	if ir.filter == nil {
		f.reply(a, nil, sim.Errorf(sim.CodeInvalidArgument, "set filter property", "%s is not a filter", ir.name))
		return
	}
	if a.Flag {
		err = ir.filter.SetStringProperty(a.Name, a.Key)
	} else {
		err = ir.filter.SetProperty(a.Name, a.Number)
	}
	f.reply(a, nil, err)
}

// === Timing ===

func (f *federation) timingConfig(a *Action) {
	rec, err := f.federate("update timing", a.SourceFed)
	if err != nil || a.Config == nil {
		return
	}
	if err := rec.coord.Configure(*a.Config); err != nil {
		f.log.Warnf("timing update for %s rejected: %v", rec.name, err)
		return
	}
	f.advance()
}

func (f *federation) initRequest(a *Action) {
	rec, err := f.federate("request init", a.SourceFed)
	if err != nil || rec.state != sim.StateCreated {
		return
	}
	rec.initRequested = true
	f.checkInit()
}

// checkInit grants init to everyone once enough federates registered and
// all of them asked for it.
func (f *federation) checkInit() {
	if f.initGranted || f.halted {
		return
	}
	active := 0
	for _, id := range f.order {
		rec := f.feds[id]
		if rec.state.Terminal() {
			continue
		}
		if !rec.initRequested {
			return
		}
		active++
	}
	if active == 0 || len(f.order) < f.minFederates() {
		return
	}
	f.initGranted = true
	for _, id := range f.order {
		rec := f.feds[id]
		if rec.state.Terminal() {
			continue
		}
		rec.state = sim.StateInitializing
		_ = rec.coord.EnterInitializing()
		f.post(&Action{Kind: ActInitGrant, RouteTo: rec.core, DestFed: rec.id})
	}
	f.log.Infof("federation initializing with %d federates", active)
}

func (f *federation) requestFailed(rec *fedRecord, err error) {
	f.post(&Action{Kind: ActRequestFailed, RouteTo: rec.core, DestFed: rec.id, Err: toWireError(err)})
}

func (f *federation) execRequest(a *Action) {
	rec, err := f.federate("request exec", a.SourceFed)
	if err != nil {
		return
	}
	if err := f.checkRequired(rec); err != nil {
		f.failFederate(rec, err)
		return
	}
	if err := rec.coord.RequestExec(a.Iteration); err != nil {
		f.requestFailed(rec, err)
		return
	}
	f.advance()
}

// checkRequired fails exec entry while a required connection is missing.
func (f *federation) checkRequired(rec *fedRecord) error {
	for _, id := range rec.ifaces {
		ir := f.ifaces[id]
		if ir.required && len(ir.targets) == 0 {
			return sim.Errorf(sim.CodeConnectionFailure, "request exec", "required connection of %s %s is not established", sim.TableName(id.Handle.Table), ir.name)
		}
	}
	return nil
}

func (f *federation) timeRequest(a *Action) {
	rec, err := f.federate("request time", a.SourceFed)
	if err != nil {
		return
	}
	if err := rec.coord.RequestTime(a.Time, a.Iteration, a.Flag); err != nil {
		f.requestFailed(rec, err)
		return
	}
	f.advance()
}

// advance grants whatever the resolver now allows. Grants are posted after
// any deliveries already queued on the same links.
func (f *federation) advance() {
	if f.halted {
		return
	}
	for _, g := range f.resolver.Resolve() {
		rec := f.feds[g.Fed]
		if g.Exec {
			if g.Result == sim.NextStep {
				rec.state = sim.StateExecuting
			}
			f.post(&Action{Kind: ActExecGrant, RouteTo: rec.core, DestFed: rec.id, Result: g.Result})
			metrics.RecordGrant(f.n.name, "exec", g.Result.String(), 0)
		} else {
			f.post(&Action{Kind: ActTimeGrant, RouteTo: rec.core, DestFed: rec.id, Time: g.Time, Result: g.Result})
			advance := -1.0
			if !g.Time.IsMax() {
				advance = float64(g.Time - rec.lastGrant)
			}
			metrics.RecordGrant(f.n.name, "time", g.Result.String(), advance)
			rec.lastGrant = g.Time
		}
		f.trace.RecordGrant(trace.GrantRecord{
			Federate:  rec.name,
			Exec:      g.Exec,
			Time:      g.Time.Seconds(),
			Result:    g.Result.String(),
			Iteration: g.Iteration,
		})
		f.log.WithFields(logrus.Fields{"federate": rec.name, "time": g.Time, "result": g.Result}).Debug("grant")
	}
}

// === Values and messages ===

func (f *federation) publish(a *Action) {
	pub, ok := f.ifaces[sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle}]
	if !ok || pub.fed.state.Terminal() {
		return
	}
	pub.last, pub.lastTime, pub.hasLast = a.Value, a.Time, true
	for _, id := range pub.targets {
		if in, ok := f.ifaces[id]; ok {
			f.deliverValue(pub, in, a.Time, a.Value)
		}
	}
	f.advance()
}

func (f *federation) deliverValue(pub, in *ifaceRecord, ts sim.Time, v sim.Value) {
	dst := in.fed
	if dst.state.Terminal() {
		return
	}
	vt := ts + dst.coord.Config().InputDelay
	dst.coord.AddEvent(vt, !in.ignoreInterrupts)
	f.post(&Action{
		Kind:         ActDeliverValue,
		RouteTo:      dst.core,
		DestFed:      dst.id,
		DestHandle:   in.id.Handle,
		SourceFed:    pub.fed.id,
		SourceHandle: pub.id.Handle,
		Time:         ts,
		VisibleAt:    vt,
		Value:        v,
	})
	metrics.RecordValueRouted(f.n.name)
	f.trace.RecordDelivery(trace.DeliveryRecord{Kind: trace.DeliveryValue, Source: pub.name, Dest: in.name, Time: ts.Seconds(), VisibleAt: vt.Seconds()})
}

// sendMessage runs source filters, then destination filters, then delivers.
// Clones produced at either stage are delivered without further filtering.
func (f *federation) sendMessage(a *Action) {
	src, ok := f.ifaces[sim.InterfaceID{Fed: a.SourceFed, Handle: a.SourceHandle}]
	if !ok || src.fed.state.Terminal() || a.Message == nil {
		return
	}
	m := a.Message
	out := f.chain.ApplySource(m)
	for _, c := range out.Clones {
		f.deliverMessage(c)
	}
	if out.Message == nil {
		f.drop(m, "filter")
	} else {
		f.routeMessage(out.Message)
	}
	f.advance()
}

func (f *federation) routeMessage(m *sim.Message) {
	if f.lookupName(sim.TableEndpoints, m.Dest) == nil {
		f.drop(m, "unknown destination")
		return
	}
	out := f.chain.ApplyDestination(m)
	for _, c := range out.Clones {
		f.deliverMessage(c)
	}
	if out.Message == nil {
		f.drop(m, "filter")
		return
	}
	f.deliverMessage(out.Message)
}

func (f *federation) deliverMessage(m *sim.Message) {
	ep := f.lookupName(sim.TableEndpoints, m.Dest)
	if ep == nil {
		f.drop(m, "unknown destination")
		return
	}
	dst := ep.fed
	if dst.state.Terminal() {
		f.drop(m, "destination finalized")
		return
	}
	vt := m.Time + dst.coord.Config().InputDelay
	dst.coord.AddEvent(vt, true)
	f.post(&Action{Kind: ActDeliverMessage, RouteTo: dst.core, DestFed: dst.id, DestHandle: ep.id.Handle, Message: m, VisibleAt: vt})
	metrics.RecordMessageRouted(f.n.name)
	f.trace.RecordDelivery(trace.DeliveryRecord{Kind: trace.DeliveryMessage, Source: m.Source, Dest: m.Dest, Time: m.Time.Seconds(), VisibleAt: vt.Seconds()})
}

func (f *federation) drop(m *sim.Message, reason string) {
	entry := f.log.WithFields(logrus.Fields{"source": m.Source, "dest": m.Dest, "time": m.Time})
	if reason == "filter" {
		entry.Debug("message dropped by filter")
	} else {
		entry.Warnf("message dropped: %s", reason)
	}
	metrics.RecordMessageDropped(f.n.name, reason)
	f.trace.RecordDrop(trace.DropRecord{Source: m.Source, Dest: m.Dest, Time: m.Time.Seconds(), Reason: reason})
}

// === Leaving ===

// retire removes a federate from coordination and releases its names.
func (f *federation) retire(rec *fedRecord, st sim.State) {
	if rec.state.Terminal() {
		return
	}
	rec.state = st
	rec.coord.Finalize()
	for _, id := range rec.ifaces {
		ir := f.ifaces[id]
		if ir.dir.IsValid() {
			_ = f.directory[id.Handle.Table].Remove(ir.dir)
			ir.dir = sim.Handle{}
		}
		if ir.filter != nil {
			f.chain.Remove(id)
			f.n.rt.SetFilterOperator(id, nil)
		}
	}
	kept := f.unresolved[:0]
	for _, pl := range f.unresolved {
		if pl.from.Fed != rec.id {
			kept = append(kept, pl)
		}
	}
	f.unresolved = kept
	metrics.RecordFederateDone(f.n.name)
	if f.allDone() {
		f.log.Info("all federates have left the federation")
	}
}

func (f *federation) allDone() bool {
	for _, id := range f.order {
		if !f.feds[id].state.Terminal() {
			return false
		}
	}
	return true
}

func (f *federation) finalize(a *Action) {
	rec, err := f.federate("finalize", a.SourceFed)
	if err != nil {
		return
	}
	f.retire(rec, sim.StateFinalized)
	f.post(&Action{Kind: ActFinalizeAck, RouteTo: rec.core, DestFed: rec.id})
	f.log.WithField("federate", rec.name).Info("federate finalized")
	f.checkInit()
	f.advance()
}

func (f *federation) localError(a *Action) {
	rec, err := f.federate("local error", a.SourceFed)
	if err != nil {
		return
	}
	f.log.WithField("federate", rec.name).Errorf("federate reported error: %v", a.Err.Err())
	f.retire(rec, sim.StateError)
	if rec.terminateOnError {
		f.haltAll(rec.name)
		return
	}
	f.checkInit()
	f.advance()
}

// failFederate moves a federate into the error state on the root's say-so.
func (f *federation) failFederate(rec *fedRecord, err error) {
	f.post(&Action{Kind: ActError, RouteTo: rec.core, DestFed: rec.id, Err: toWireError(err)})
	f.retire(rec, sim.StateError)
	if rec.terminateOnError {
		f.haltAll(rec.name)
		return
	}
	f.advance()
}

// haltAll stops the whole federation after a fatal federate error.
func (f *federation) haltAll(cause string) {
	f.log.Errorf("halting federation after error in %s", cause)
	for _, id := range f.order {
		rec := f.feds[id]
		if rec.state.Terminal() {
			continue
		}
		f.retire(rec, sim.StateFinalized)
		f.post(&Action{Kind: ActHalt, RouteTo: rec.core, DestFed: rec.id})
	}
	f.halted = true
}

func (f *federation) close() {
	active := 0
	for _, id := range f.order {
		if !f.feds[id].state.Terminal() {
			active++
		}
	}
	f.log.WithFields(logrus.Fields{"federates": len(f.order), "active": active}).Info("federation root closing")
}
