package core

import (
	"strconv"

	"github.com/Jeffail/gabs/v2"

	"github.com/inference-sim/cosim/sim"
)

// InvalidQuery is the answer to an unknown target or query string.
const InvalidQuery = "#invalid"

var interfaceQueries = map[string]uint16{
	"publications": sim.TablePublications,
	"inputs":       sim.TableInputs,
	"endpoints":    sim.TableEndpoints,
	"filters":      sim.TableFilters,
}

// answer resolves a query at the root. caller is the node that asked and
// stands in for the "core" target.
func (f *federation) answer(target, query, caller string) string {
	switch target {
	case "", "root", "federation", "broker":
		return f.federationQuery(query)
	case "core":
		target = caller
	}
	if id, ok := f.names[target]; ok {
		return f.federateQuery(f.feds[id], query)
	}
	if rec, ok := f.nodes[target]; ok {
		if rec.name == f.n.name {
			return f.federationQuery(query)
		}
		return f.nodeQuery(rec, query)
	}
	if query == "exists" {
		return "false"
	}
	return InvalidQuery
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	return gabs.Wrap(items).String()
}

func formatBool(b bool) string { return strconv.FormatBool(b) }

func (f *federation) federationQuery(query string) string {
	if table, ok := interfaceQueries[query]; ok {
		return jsonList(f.directory[table].Names())
	}
	switch query {
	case "name":
		return f.n.name
	case "address":
		return f.n.Address()
	case "exists":
		return "true"
	case "isinit":
		return formatBool(f.initGranted)
	case "isconnected":
		return formatBool(f.n.IsConnected())
	case "state":
		return f.state()
	case "current_time":
		obj := gabs.New()
		for _, id := range f.order {
			rec := f.feds[id]
			_, _ = obj.Set(rec.coord.Granted().Seconds(), rec.name)
		}
		return obj.String()
	case "federates":
		return jsonList(f.federateNames(f.n.name))
	case "cores":
		return jsonList(f.nodeNames(kindCore))
	case "brokers":
		return jsonList(f.nodeNames(kindBroker))
	case "counts":
		obj := gabs.New()
		_, _ = obj.Set(len(f.order), "federates")
		_, _ = obj.Set(len(f.nodeNames(kindCore)), "cores")
		_, _ = obj.Set(len(f.nodeNames(kindBroker)), "brokers")
		for q, table := range interfaceQueries {
			_, _ = obj.Set(f.directory[table].Len(), q)
		}
		return obj.String()
	case "federate_map":
		return f.federateMap(f.n.name).String()
	case "dependency_graph":
		return f.dependencyGraph().String()
	}
	return InvalidQuery
}

// state summarises the federation lifecycle from its federates.
func (f *federation) state() string {
	switch {
	case f.halted:
		return "halted"
	case !f.initGranted:
		return sim.StateCreated.String()
	case len(f.order) > 0 && f.allDone():
		return sim.StateFinalized.String()
	}
	for _, id := range f.order {
		if f.feds[id].state == sim.StateExecuting {
			return sim.StateExecuting.String()
		}
	}
	return sim.StateInitializing.String()
}

func (f *federation) federateQuery(rec *fedRecord, query string) string {
	if table, ok := interfaceQueries[query]; ok {
		var names []string
		for _, id := range rec.ifaces {
			if ir := f.ifaces[id]; id.Handle.Table == table && ir.name != "" {
				names = append(names, ir.name)
			}
		}
		return jsonList(names)
	}
	switch query {
	case "name":
		return rec.name
	case "exists":
		return "true"
	case "address":
		if n := f.n.rt.lookup(rec.core); n != nil {
			return n.Address()
		}
		return ""
	case "isinit":
		return formatBool(rec.state != sim.StateCreated)
	case "isconnected":
		return formatBool(!rec.state.Terminal() && f.nodes[rec.core] != nil && f.nodes[rec.core].connected)
	case "state":
		return rec.state.String()
	case "current_time":
		return rec.coord.Granted().String()
	case "dependencies":
		return jsonList(f.fedNames(f.resolver.Dependencies(rec.id)))
	case "dependents":
		return jsonList(f.fedNames(f.resolver.Dependents(rec.id)))
	case "waiting_on":
		return jsonList(f.fedNames(f.resolver.Blockers(rec.id)))
	case "timing":
		obj := gabs.New()
		_, _ = obj.Set(rec.coord.Granted().Seconds(), "granted")
		_, _ = obj.Set(rec.coord.Requested().Seconds(), "requested")
		_, _ = obj.Set(rec.coord.Pending().String(), "pending")
		_, _ = obj.Set(rec.coord.Phase().String(), "phase")
		_, _ = obj.Set(f.fedNames(f.resolver.Blockers(rec.id)), "waiting_on")
		return obj.String()
	}
	return InvalidQuery
}

func (f *federation) nodeQuery(rec *nodeRecord, query string) string {
	switch query {
	case "name":
		return rec.name
	case "exists":
		return "true"
	case "address":
		if n := f.n.rt.lookup(rec.name); n != nil {
			return n.Address()
		}
		return ""
	case "isinit":
		return formatBool(f.initGranted)
	case "isconnected":
		return formatBool(rec.connected)
	case "federates":
		return jsonList(f.federateNames(rec.name))
	case "federate_map":
		return f.federateMap(rec.name).String()
	}
	if table, ok := interfaceQueries[query]; ok {
		hosted := make(map[sim.FederateID]bool)
		for _, name := range f.federateNames(rec.name) {
			hosted[f.names[name]] = true
		}
		var names []string
		f.directory[table].Each(func(_ sim.Handle, name string, id sim.InterfaceID) bool {
			if hosted[id.Fed] && name != "" {
				names = append(names, name)
			}
			return true
		})
		return jsonList(names)
	}
	return InvalidQuery
}

func (f *federation) fedNames(ids []sim.FederateID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if rec, ok := f.feds[id]; ok {
			out = append(out, rec.name)
		}
	}
	return out
}

func (f *federation) nodeNames(kind nodeKind) []string {
	var out []string
	for _, name := range f.nodeOrder {
		if rec := f.nodes[name]; rec.kind == kind && rec.connected && name != f.n.name {
			out = append(out, name)
		}
	}
	return out
}

// below reports whether node name sits at or under ancestor.
func (f *federation) below(name, ancestor string) bool {
	for name != "" {
		if name == ancestor {
			return true
		}
		rec, ok := f.nodes[name]
		if !ok {
			return false
		}
		name = rec.parent
	}
	return false
}

// federateNames lists federates hosted at or below the named node.
func (f *federation) federateNames(node string) []string {
	var out []string
	for _, id := range f.order {
		if rec := f.feds[id]; f.below(rec.core, node) {
			out = append(out, rec.name)
		}
	}
	return out
}

// federateMap describes the node tree under name with its federates.
func (f *federation) federateMap(name string) *gabs.Container {
	obj := gabs.New()
	_, _ = obj.Set(name, "name")
	if rec, ok := f.nodes[name]; ok {
		_, _ = obj.Set(string(rec.kind), "kind")
	}
	_, _ = obj.Array("federates")
	for _, id := range f.order {
		rec := f.feds[id]
		if rec.core != name {
			continue
		}
		fo := gabs.New()
		_, _ = fo.Set(rec.name, "name")
		_, _ = fo.Set(int(rec.id), "id")
		_, _ = fo.Set(rec.state.String(), "state")
		_ = obj.ArrayAppend(fo.Data(), "federates")
	}
	_, _ = obj.Array("children")
	for _, child := range f.nodeOrder {
		if rec := f.nodes[child]; rec.parent == name && child != name {
			_ = obj.ArrayAppend(f.federateMap(child).Data(), "children")
		}
	}
	return obj
}

func (f *federation) dependencyGraph() *gabs.Container {
	obj := gabs.New()
	_, _ = obj.Array("federates")
	for _, id := range f.order {
		rec := f.feds[id]
		fo := gabs.New()
		_, _ = fo.Set(rec.name, "name")
		_, _ = fo.Set(int(rec.id), "id")
		_, _ = fo.Set(rec.core, "parent")
		_, _ = fo.Set(f.fedNames(f.resolver.Dependencies(rec.id)), "dependencies")
		_, _ = fo.Set(f.fedNames(f.resolver.Dependents(rec.id)), "dependents")
		_ = obj.ArrayAppend(fo.Data(), "federates")
	}
	return obj
}
