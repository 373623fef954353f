package federate

import (
	"github.com/inference-sim/cosim/sim"
)

func (f *Federate) requireValues(op string) error {
	if !f.kind.values() {
		return sim.Errorf(sim.CodeInvalidState, op, "%s federate %s has no value interfaces", f.kind, f.Name())
	}
	return nil
}

func (f *Federate) requireMessages(op string) error {
	if !f.kind.messages() {
		return sim.Errorf(sim.CodeInvalidState, op, "%s federate %s has no endpoints", f.kind, f.Name())
	}
	return nil
}

// === Publications ===

// RegisterPublication registers a publication named "<federate>/<key>".
func (f *Federate) RegisterPublication(key, typ, units string) (*Publication, error) {
	return f.registerPublication(key, false, typ, units)
}

// RegisterGlobalPublication registers a publication under key as given.
func (f *Federate) RegisterGlobalPublication(key, typ, units string) (*Publication, error) {
	return f.registerPublication(key, true, typ, units)
}

// RegisterTypedPublication registers a local publication of a known type.
func (f *Federate) RegisterTypedPublication(key string, dt sim.DataType, units string) (*Publication, error) {
	return f.registerPublication(key, false, dt.String(), units)
}

func (f *Federate) registerPublication(key string, global bool, typ, units string) (*Publication, error) {
	if err := f.requireValues("register publication"); err != nil {
		return nil, err
	}
	h, err := f.state.RegisterPublication(key, global, typ, units)
	if err != nil {
		return nil, err
	}
	return f.publication(h), nil
}

func (f *Federate) publication(h sim.Handle) *Publication {
	return &Publication{iface: f.iface(h)}
}

// Publication finds a publication by full name or local key.
func (f *Federate) Publication(name string) (*Publication, error) {
	h, err := f.state.Publication(name)
	if err != nil {
		return nil, err
	}
	return f.publication(h), nil
}

// PublicationCount is the number of registered publications.
func (f *Federate) PublicationCount() int { return len(f.state.Handles(sim.TablePublications)) }

// === Inputs ===

// RegisterInput registers an input named "<federate>/<key>".
func (f *Federate) RegisterInput(key, typ, units string) (*Input, error) {
	return f.registerInput(key, false, typ, units)
}

// RegisterGlobalInput registers an input under key as given.
func (f *Federate) RegisterGlobalInput(key, typ, units string) (*Input, error) {
	return f.registerInput(key, true, typ, units)
}

// RegisterSubscription registers an unnamed input reading the publication
// target. The publication may be registered later.
func (f *Federate) RegisterSubscription(target, units string) (*Input, error) {
	in, err := f.registerInput("", false, "", units)
	if err != nil {
		return nil, err
	}
	if err := in.AddTarget(target); err != nil {
		return nil, err
	}
	return in, nil
}

func (f *Federate) registerInput(key string, global bool, typ, units string) (*Input, error) {
	if err := f.requireValues("register input"); err != nil {
		return nil, err
	}
	h, err := f.state.RegisterInput(key, global, typ, units)
	if err != nil {
		return nil, err
	}
	return f.input(h), nil
}

func (f *Federate) input(h sim.Handle) *Input {
	return &Input{iface: f.iface(h)}
}

// Input finds an input by full name or local key.
func (f *Federate) Input(name string) (*Input, error) {
	h, err := f.state.Input(name)
	if err != nil {
		return nil, err
	}
	return f.input(h), nil
}

// InputCount is the number of registered inputs.
func (f *Federate) InputCount() int { return len(f.state.Handles(sim.TableInputs)) }

// === Endpoints ===

// RegisterEndpoint registers an endpoint named "<federate>/<key>".
func (f *Federate) RegisterEndpoint(key, typ string) (*Endpoint, error) {
	return f.registerEndpoint(key, false, typ)
}

// RegisterGlobalEndpoint registers an endpoint under key as given.
func (f *Federate) RegisterGlobalEndpoint(key, typ string) (*Endpoint, error) {
	return f.registerEndpoint(key, true, typ)
}

func (f *Federate) registerEndpoint(key string, global bool, typ string) (*Endpoint, error) {
	if err := f.requireMessages("register endpoint"); err != nil {
		return nil, err
	}
	h, err := f.state.RegisterEndpoint(key, global, typ)
	if err != nil {
		return nil, err
	}
	return f.endpoint(h), nil
}

func (f *Federate) endpoint(h sim.Handle) *Endpoint {
	return &Endpoint{iface: f.iface(h)}
}

// Endpoint finds an endpoint by full name or local key.
func (f *Federate) Endpoint(name string) (*Endpoint, error) {
	h, err := f.state.Endpoint(name)
	if err != nil {
		return nil, err
	}
	return f.endpoint(h), nil
}

// EndpointCount is the number of registered endpoints.
func (f *Federate) EndpointCount() int { return len(f.state.Handles(sim.TableEndpoints)) }

// HasMessage reports whether any endpoint has a receivable message.
func (f *Federate) HasMessage() bool { return f.state.TotalPendingMessages() > 0 }

// PendingMessages is the number of receivable messages across endpoints.
func (f *Federate) PendingMessages() int { return f.state.TotalPendingMessages() }

// GetMessage pops the earliest receivable message of any endpoint, or
// returns nil.
func (f *Federate) GetMessage() *sim.Message { return f.state.GetAnyMessage() }

// === Filters ===

// RegisterFilter registers a filter named "<federate>/<key>".
func (f *Federate) RegisterFilter(key string, ft sim.FilterType) (*Filter, error) {
	return f.registerFilter(key, false, ft, false)
}

// RegisterGlobalFilter registers a filter under key as given.
func (f *Federate) RegisterGlobalFilter(key string, ft sim.FilterType) (*Filter, error) {
	return f.registerFilter(key, true, ft, false)
}

// RegisterCloningFilter registers a filter that copies the messages it
// sees to its delivery endpoints.
func (f *Federate) RegisterCloningFilter(key string) (*Filter, error) {
	return f.registerFilter(key, false, sim.FilterClone, true)
}

func (f *Federate) registerFilter(key string, global bool, ft sim.FilterType, cloning bool) (*Filter, error) {
	h, err := f.state.RegisterFilter(key, global, ft, cloning, "", "")
	if err != nil {
		return nil, err
	}
	return f.filter(h), nil
}

func (f *Federate) filter(h sim.Handle) *Filter {
	return &Filter{iface: f.iface(h)}
}

// Filter finds a filter by full name or local key.
func (f *Federate) Filter(name string) (*Filter, error) {
	h, err := f.state.Filter(name)
	if err != nil {
		return nil, err
	}
	return f.filter(h), nil
}

// FilterCount is the number of registered filters.
func (f *Federate) FilterCount() int { return len(f.state.Handles(sim.TableFilters)) }

// === Declared interfaces ===

// RegisterInterfaces registers everything a configuration document
// declares. Targets are connected as each interface is registered.
func (f *Federate) RegisterInterfaces(in Interfaces) error {
	for _, p := range in.Publications {
		pub, err := f.registerPublication(p.Key, p.Global, p.Type, p.Units)
		if err != nil {
			return err
		}
		if err := pub.setup(p.Targets, p.Options); err != nil {
			return err
		}
	}
	inputs := append(append([]InputSpec(nil), in.Inputs...), in.Subscriptions...)
	for _, s := range inputs {
		input, err := f.registerInput(s.Key, s.Global, s.Type, s.Units)
		if err != nil {
			return err
		}
		if err := input.setup(s.Targets, s.Options); err != nil {
			return err
		}
		if s.Default != nil {
			if err := input.SetDefault(s.Default); err != nil {
				return err
			}
		}
	}
	for _, e := range in.Endpoints {
		ep, err := f.registerEndpoint(e.Key, e.Global, e.Type)
		if err != nil {
			return err
		}
		if e.Destination != "" {
			if err := ep.SetDefaultDestination(e.Destination); err != nil {
				return err
			}
		}
	}
	for _, fl := range in.Filters {
		if err := f.registerFilterSpec(fl); err != nil {
			return err
		}
	}
	return nil
}

func (f *Federate) registerFilterSpec(spec FilterSpec) error {
	ft, err := sim.ParseFilterType(spec.Operation)
	if err != nil {
		return err
	}
	filt, err := f.registerFilter(spec.Key, spec.Global, ft, spec.Cloning)
	if err != nil {
		return err
	}
	for _, ep := range spec.SourceTargets {
		if err := filt.AddSourceTarget(ep); err != nil {
			return err
		}
	}
	for _, ep := range spec.DestinationTargets {
		if err := filt.AddDestinationTarget(ep); err != nil {
			return err
		}
	}
	for _, ep := range spec.Delivery {
		if err := filt.AddDeliveryEndpoint(ep); err != nil {
			return err
		}
	}
	for k, v := range spec.Properties {
		if err := filt.Set(k, v); err != nil {
			return err
		}
	}
	for k, v := range spec.StringProperties {
		if err := filt.SetString(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *Federate) iface(h sim.Handle) iface {
	return iface{fed: f, h: h}
}

