package messaging

import (
	"math/rand"

	"github.com/inference-sim/cosim/sim"
)

// Filter is one registered filter: an operator, or for cloning filters a
// set of delivery endpoints, attached to source and destination endpoints.
type Filter struct {
	ID   sim.InterfaceID
	Name string
	Type sim.FilterType

	op         Operator
	cloning    bool
	sources    []string
	dests      []string
	deliveries []string
}

// NewFilter creates a filter of the given type. rng feeds the random
// operators.
func NewFilter(id sim.InterfaceID, name string, t sim.FilterType, cloning bool, rng *rand.Rand) (*Filter, error) {
	op, err := NewOperator(t, rng)
	if err != nil {
		return nil, err
	}
	return &Filter{ID: id, Name: name, Type: t, op: op, cloning: cloning || t == sim.FilterClone}, nil
}

// Cloning reports whether the filter copies messages instead of transforming them.
func (f *Filter) Cloning() bool { return f.cloning }

// SetOperator installs the operator of a custom filter.
func (f *Filter) SetOperator(op Operator) { f.op = op }

// Operator returns the installed operator, which may be nil.
func (f *Filter) Operator() Operator { return f.op }

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AddSourceTarget applies the filter to messages sent from endpoint.
func (f *Filter) AddSourceTarget(endpoint string) { f.sources = appendUnique(f.sources, endpoint) }

// AddDestinationTarget applies the filter to messages arriving at endpoint.
func (f *Filter) AddDestinationTarget(endpoint string) { f.dests = appendUnique(f.dests, endpoint) }

// AddDelivery adds a delivery endpoint of a cloning filter.
func (f *Filter) AddDelivery(endpoint string) { f.deliveries = appendUnique(f.deliveries, endpoint) }

// RemoveDelivery removes a delivery endpoint of a cloning filter.
func (f *Filter) RemoveDelivery(endpoint string) { f.deliveries = removeValue(f.deliveries, endpoint) }

// SourceTargets returns the endpoints whose outgoing messages are filtered.
func (f *Filter) SourceTargets() []string { return append([]string(nil), f.sources...) }

// DestinationTargets returns the endpoints whose incoming messages are filtered.
func (f *Filter) DestinationTargets() []string { return append([]string(nil), f.dests...) }

// Deliveries returns the delivery endpoints of a cloning filter.
func (f *Filter) Deliveries() []string { return append([]string(nil), f.deliveries...) }

// SetProperty sets a numeric operator property.
func (f *Filter) SetProperty(name string, v float64) error {
	c, ok := f.op.(Configurable)
	if !ok {
		return unknownProperty(f.Type.String(), name)
	}
	return c.SetProperty(name, v)
}

// SetStringProperty sets a text property. Cloning filters take
// "delivery", "add delivery" and "remove delivery".
func (f *Filter) SetStringProperty(name, v string) error {
	if f.cloning {
		switch propName(name) {
		case "delivery", "adddelivery":
			f.AddDelivery(v)
			return nil
		case "removedelivery":
			f.RemoveDelivery(v)
			return nil
		}
	}
	c, ok := f.op.(Configurable)
	if !ok {
		return unknownProperty(f.Type.String(), name)
	}
	return c.SetStringProperty(name, v)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Outcome is the result of running a message through a chain stage.
type Outcome struct {
	// Message is the transformed original, nil when a filter dropped it.
	Message *sim.Message
	// DroppedBy names the filter that dropped the message.
	DroppedBy string
	// Clones are the copies produced by cloning filters, addressed to their
	// delivery endpoints.
	Clones []*sim.Message
}

// Chain holds every filter of a federation in registration order.
type Chain struct {
	filters []*Filter
}

// NewChain creates an empty chain.
func NewChain() *Chain { return &Chain{} }

// Add appends f.
func (c *Chain) Add(f *Filter) { c.filters = append(c.filters, f) }

// Remove drops the filter with the given id.
func (c *Chain) Remove(id sim.InterfaceID) {
	for i, f := range c.filters {
		if f.ID == id {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// Get returns the filter with the given id, or nil.
func (c *Chain) Get(id sim.InterfaceID) *Filter {
	for _, f := range c.filters {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Filters returns every filter in registration order.
func (c *Chain) Filters() []*Filter { return append([]*Filter(nil), c.filters...) }

// Len is the number of filters.
func (c *Chain) Len() int { return len(c.filters) }

// ApplySource runs m through every filter targeting its source endpoint.
func (c *Chain) ApplySource(m *sim.Message) Outcome {
	var stage []*Filter
	for _, f := range c.filters {
		if contains(f.sources, m.Source) {
			stage = append(stage, f)
		}
	}
	return apply(m, stage)
}

// ApplyDestination runs m through every filter targeting its destination.
func (c *Chain) ApplyDestination(m *sim.Message) Outcome {
	var stage []*Filter
	for _, f := range c.filters {
		if contains(f.dests, m.Dest) {
			stage = append(stage, f)
		}
	}
	return apply(m, stage)
}

// apply runs one stage. Operators see a private copy; provenance fields are
// restored after every operator so no filter can rewrite them, and a time
// moved earlier than the incoming one is put back.
func apply(m *sim.Message, stage []*Filter) Outcome {
	out := Outcome{Message: m}
	for _, f := range stage {
		if f.cloning {
			for _, d := range f.deliveries {
				cp := out.Message.Clone()
				cp.Dest = d
				out.Clones = append(out.Clones, cp)
			}
			continue
		}
		if f.op == nil {
			continue
		}
		origSrc, origDst := out.Message.OriginalSource, out.Message.OriginalDest
		next := f.op.Process(out.Message.Clone())
		if next == nil {
			out.Message = nil
			out.DroppedBy = f.Name
			return out
		}
		next.OriginalSource, next.OriginalDest = origSrc, origDst
		next.Time = sim.MaxTime(next.Time, out.Message.Time)
		out.Message = next
	}
	return out
}
