package federate

import (
	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/core"
	"github.com/inference-sim/cosim/sim/messaging"
)

// iface is the part shared by every interface handle.
type iface struct {
	fed *Federate
	h   sim.Handle
}

// Handle returns the opaque handle of the interface.
func (i iface) Handle() sim.Handle { return i.h }

// Name returns the registered name; unnamed inputs return "".
func (i iface) Name() string {
	name, _ := i.fed.state.InterfaceName(i.h)
	return name
}

// Type returns the declared type string.
func (i iface) Type() string {
	typ, _, _ := i.fed.state.InterfaceType(i.h)
	return typ
}

// Units returns the declared units.
func (i iface) Units() string {
	_, units, _ := i.fed.state.InterfaceType(i.h)
	return units
}

// SetOption sets a handle option such as connection_required.
func (i iface) SetOption(opt sim.HandleOption, value int) error {
	return i.fed.state.SetOption(i.h, opt, value)
}

// Option returns the last value set for a handle option.
func (i iface) Option(opt sim.HandleOption) int {
	v, _ := i.fed.state.Option(i.h, opt)
	return v
}

// AddTarget connects the interface to a named peer.
func (i iface) AddTarget(target string) error {
	return i.fed.state.AddTarget(i.h, target)
}

// setup connects declared targets and turns on declared options.
func (i iface) setup(targets, options []string) error {
	for _, t := range targets {
		if err := i.AddTarget(t); err != nil {
			return err
		}
	}
	for _, name := range options {
		opt, err := sim.ParseHandleOption(name)
		if err != nil {
			return err
		}
		if err := i.SetOption(opt, 1); err != nil {
			return err
		}
	}
	return nil
}

// Publication sends values to every connected input.
type Publication struct {
	iface
}

// Publish encodes v and publishes it. Any kind accepted by sim.NewValue
// may be published.
func (p *Publication) Publish(v any) error {
	val, err := sim.NewValue(v)
	if err != nil {
		return err
	}
	return p.fed.state.Publish(p.h, val)
}

// PublishBool publishes a bool.
func (p *Publication) PublishBool(v bool) error { return p.Publish(v) }

// PublishInt publishes an integer.
func (p *Publication) PublishInt(v int64) error { return p.Publish(v) }

// PublishDouble publishes a double.
func (p *Publication) PublishDouble(v float64) error { return p.Publish(v) }

// PublishComplex publishes a complex number.
func (p *Publication) PublishComplex(v complex128) error { return p.Publish(v) }

// PublishString publishes a string.
func (p *Publication) PublishString(v string) error { return p.Publish(v) }

// PublishVector publishes a vector of doubles.
func (p *Publication) PublishVector(v []float64) error { return p.Publish(v) }

// PublishNamedPoint publishes a named point.
func (p *Publication) PublishNamedPoint(name string, v float64) error {
	return p.Publish(sim.NamedPoint{Name: name, Value: v})
}

// PublishRaw publishes bytes untouched.
func (p *Publication) PublishRaw(v []byte) error { return p.Publish(v) }

// Last returns the value most recently published and its time.
func (p *Publication) Last() (sim.Value, sim.Time, error) {
	return p.fed.state.LastPublished(p.h)
}

// Input receives values from connected publications.
type Input struct {
	iface
}

// Value returns the current value: the latest delivered, or the default.
// An input that never received a value and has no default returns an
// empty Value.
func (in *Input) Value() (sim.Value, error) { return in.fed.state.Value(in.h) }

// Bool returns the current value as a bool.
func (in *Input) Bool() (bool, error) {
	v, err := in.Value()
	if err != nil {
		return false, err
	}
	return v.AsBool()
}

// Int returns the current value as an integer.
func (in *Input) Int() (int64, error) {
	v, err := in.Value()
	if err != nil {
		return 0, err
	}
	return v.AsInt()
}

// Double returns the current value as a double.
func (in *Input) Double() (float64, error) {
	v, err := in.Value()
	if err != nil {
		return 0, err
	}
	return v.AsDouble()
}

// Complex returns the current value as a complex number.
func (in *Input) Complex() (complex128, error) {
	v, err := in.Value()
	if err != nil {
		return 0, err
	}
	return v.AsComplex()
}

// StringValue returns the current value as a string.
func (in *Input) StringValue() (string, error) {
	v, err := in.Value()
	if err != nil {
		return "", err
	}
	return v.AsString()
}

// Vector returns the current value as a vector of doubles.
func (in *Input) Vector() ([]float64, error) {
	v, err := in.Value()
	if err != nil {
		return nil, err
	}
	return v.AsVector()
}

// NamedPoint returns the current value as a named point.
func (in *Input) NamedPoint() (sim.NamedPoint, error) {
	v, err := in.Value()
	if err != nil {
		return sim.NamedPoint{}, err
	}
	return v.AsNamedPoint()
}

// Raw returns the current value's bytes.
func (in *Input) Raw() ([]byte, error) {
	v, err := in.Value()
	if err != nil {
		return nil, err
	}
	return v.AsRaw()
}

// SetDefault sets the value returned before the first update.
func (in *Input) SetDefault(v any) error {
	val, err := sim.NewValue(v)
	if err != nil {
		return err
	}
	return in.fed.state.SetDefault(in.h, val)
}

// IsUpdated reports whether the last grant delivered a new value. Reading
// the value does not clear the flag; ClearUpdate does.
func (in *Input) IsUpdated() bool { return in.fed.state.IsUpdated(in.h) }

// ClearUpdate resets the updated flag.
func (in *Input) ClearUpdate() error { return in.fed.state.ClearUpdate(in.h) }

// LastUpdateTime returns the grant at which the value last changed.
func (in *Input) LastUpdateTime() sim.Time {
	t, _ := in.fed.state.LastUpdateTime(in.h)
	return t
}

// HasValue reports whether any update was ever delivered.
func (in *Input) HasValue() bool { return in.fed.state.HasValue(in.h) }

// Endpoint sends and receives messages.
type Endpoint struct {
	iface
}

// Send sends data to the default destination.
func (e *Endpoint) Send(data []byte) error {
	return e.fed.state.Send(e.h, "", data)
}

// SendTo sends data to dest.
func (e *Endpoint) SendTo(dest string, data []byte) error {
	return e.fed.state.Send(e.h, dest, data)
}

// SendAt sends data to dest stamped at t. Times earlier than the current
// grant plus output delay are moved up to it.
func (e *Endpoint) SendAt(dest string, data []byte, t sim.Time) error {
	return e.fed.state.SendAt(e.h, dest, data, t)
}

// SendMessage sends a copy of m; its source is replaced by this endpoint.
func (e *Endpoint) SendMessage(m *sim.Message) error {
	return e.fed.state.SendMessage(e.h, m)
}

// SetDefaultDestination sets where Send goes.
func (e *Endpoint) SetDefaultDestination(dest string) error {
	return e.fed.state.SetDefaultDestination(e.h, dest)
}

// DefaultDestination returns where Send goes.
func (e *Endpoint) DefaultDestination() string {
	d, _ := e.fed.state.DefaultDestination(e.h)
	return d
}

// HasMessage reports whether a message can be received now.
func (e *Endpoint) HasMessage() bool { return e.fed.state.HasMessage(e.h) }

// PendingMessages is the number of messages receivable now.
func (e *Endpoint) PendingMessages() int { return e.fed.state.PendingMessages(e.h) }

// GetMessage pops the next receivable message, or returns nil.
func (e *Endpoint) GetMessage() *sim.Message { return e.fed.state.GetMessage(e.h) }

// Filter transforms messages in flight.
type Filter struct {
	iface
}

// AddSourceTarget filters messages sent by endpoint.
func (fl *Filter) AddSourceTarget(endpoint string) error {
	return fl.fed.state.AddFilterTarget(fl.h, endpoint, core.FilterSourceTarget)
}

// AddDestinationTarget filters messages addressed to endpoint.
func (fl *Filter) AddDestinationTarget(endpoint string) error {
	return fl.fed.state.AddFilterTarget(fl.h, endpoint, core.FilterDestinationTarget)
}

// AddDeliveryEndpoint makes a cloning filter copy messages to endpoint.
func (fl *Filter) AddDeliveryEndpoint(endpoint string) error {
	return fl.fed.state.AddFilterTarget(fl.h, endpoint, core.FilterDeliveryTarget)
}

// Set sets a numeric filter property such as "delay" or "prob".
func (fl *Filter) Set(prop string, v float64) error {
	return fl.fed.state.SetFilterProperty(fl.h, prop, v)
}

// SetString sets a string filter property such as "newdestination".
func (fl *Filter) SetString(prop, v string) error {
	return fl.fed.state.SetFilterStringProperty(fl.h, prop, v)
}

// SetOperator installs the operator of a custom filter.
func (fl *Filter) SetOperator(op messaging.Operator) error {
	return fl.fed.state.SetFilterOperator(fl.h, op)
}
