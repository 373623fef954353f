// Package store holds the value side of a federate: the last published
// value of each publication and the delivered, pending and default values
// of each input.
//
// Types in this package are not safe for concurrent use; the owning
// federate state serialises access.
package store

import (
	"github.com/inference-sim/cosim/sim"
)

// Publication is the slot of one publication.
type Publication struct {
	Key      string
	Type     string
	Units    string
	DataType sim.DataType

	OnlyTransmitOnChange bool

	last      sim.Value
	lastTime  sim.Time
	published bool
}

// NewPublication creates an empty slot. An empty or unrecognised type
// leaves values in whatever kind they were published as.
func NewPublication(key, typ, units string) *Publication {
	return &Publication{Key: key, Type: typ, Units: units, DataType: sim.ParseDataType(typ)}
}

// Publish stores v at time t after converting it to the publication type.
// It reports whether the value has to be transmitted; with only transmit on
// change set, repeating the previous bytes is a no-op that leaves the
// stored time alone.
func (p *Publication) Publish(v sim.Value, t sim.Time) (sim.Value, bool, error) {
	conv, err := v.ConvertTo(p.DataType)
	if err != nil {
		return sim.Value{}, false, err
	}
	if p.OnlyTransmitOnChange && p.published && conv.Equal(p.last) {
		return conv, false, nil
	}
	p.last = conv
	p.lastTime = t
	p.published = true
	return conv, true, nil
}

// Last returns the most recently stored value and its time.
func (p *Publication) Last() (sim.Value, sim.Time, bool) {
	return p.last, p.lastTime, p.published
}
