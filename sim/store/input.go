package store

import (
	"math"
	"sort"

	"github.com/inference-sim/cosim/sim"
)

type sourceState struct {
	id    sim.InterfaceID
	value sim.Value
	time  sim.Time
	seq   uint64
	has   bool
}

type update struct {
	source    sim.InterfaceID
	time      sim.Time
	visibleAt sim.Time
	value     sim.Value
	seq       uint64
}

// Input is the value store of one input. Updates are queued on arrival and
// only become readable at a grant at or after their visibility time.
type Input struct {
	Key      string
	Type     string
	Units    string
	DataType sim.DataType

	OnlyUpdateOnChange bool
	Mode               sim.MultiInputMode

	defaultValue sim.Value
	sources      []*sourceState
	pending      []update
	seq          uint64
	updated      bool
	lastUpdate   sim.Time
}

// NewInput creates an input with no sources and no default.
func NewInput(key, typ, units string) *Input {
	return &Input{Key: key, Type: typ, Units: units, DataType: sim.ParseDataType(typ)}
}

// SetDefault sets the value returned until the first update is delivered.
func (in *Input) SetDefault(v sim.Value) {
	in.defaultValue = v
}

// Default returns the default value.
func (in *Input) Default() sim.Value { return in.defaultValue }

// AddSource connects a publication. Connecting the same source twice is a no-op.
func (in *Input) AddSource(id sim.InterfaceID) {
	if in.source(id) == nil {
		in.sources = append(in.sources, &sourceState{id: id})
	}
}

// Sources returns connected publications in connection order.
func (in *Input) Sources() []sim.InterfaceID {
	out := make([]sim.InterfaceID, len(in.sources))
	for i, s := range in.sources {
		out[i] = s.id
	}
	return out
}

func (in *Input) source(id sim.InterfaceID) *sourceState {
	for _, s := range in.sources {
		if s.id == id {
			return s
		}
	}
	return nil
}

// Enqueue records a value published at ts that becomes visible at vt.
// Updates from unknown sources connect them implicitly.
func (in *Input) Enqueue(src sim.InterfaceID, ts, vt sim.Time, v sim.Value) {
	in.AddSource(src)
	in.seq++
	u := update{source: src, time: ts, visibleAt: vt, value: v, seq: in.seq}
	i := sort.Search(len(in.pending), func(i int) bool {
		p := in.pending[i]
		return p.visibleAt > vt || (p.visibleAt == vt && p.seq > u.seq)
	})
	in.pending = append(in.pending, update{})
	copy(in.pending[i+1:], in.pending[i:])
	in.pending[i] = u
}

// PendingCount is the number of queued, undelivered updates.
func (in *Input) PendingCount() int { return len(in.pending) }

// Apply delivers every queued update visible at grant and recomputes the
// updated flag: it is set only if this grant delivered something new.
func (in *Input) Apply(grant sim.Time) bool {
	in.updated = false
	n := 0
	for n < len(in.pending) && in.pending[n].visibleAt.AtOrBefore(grant) {
		u := in.pending[n]
		n++
		s := in.source(u.source)
		if in.OnlyUpdateOnChange && s.has && s.value.Equal(u.value) {
			continue
		}
		s.value = u.value
		s.time = u.time
		s.seq = u.seq
		s.has = true
		in.updated = true
		in.lastUpdate = grant
	}
	in.pending = in.pending[n:]
	return in.updated
}

// IsUpdated reports whether the last grant delivered a new value. Reading
// the value does not clear it.
func (in *Input) IsUpdated() bool { return in.updated }

// ClearUpdate resets the updated flag.
func (in *Input) ClearUpdate() { in.updated = false }

// LastUpdateTime is the grant time at which the last update was delivered.
func (in *Input) LastUpdateTime() sim.Time { return in.lastUpdate }

// HasValue reports whether any source value has been delivered.
func (in *Input) HasValue() bool {
	for _, s := range in.sources {
		if s.has {
			return true
		}
	}
	return false
}

// Value returns the current value: the reduction of every source under the
// multi-input mode, or the default before the first delivery. An empty
// Value means nothing was ever set.
func (in *Input) Value() (sim.Value, error) {
	var live []*sourceState
	for _, s := range in.sources {
		if s.has {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return in.defaultValue, nil
	}
	if in.Mode == sim.MultiInputNoOp || (len(live) == 1 && in.Mode != sim.MultiInputVectorize) {
		latest := live[0]
		for _, s := range live[1:] {
			if s.time > latest.time || (s.time == latest.time && s.seq > latest.seq) {
				latest = s
			}
		}
		return latest.value, nil
	}
	return reduce(in.Mode, live)
}

func reduce(mode sim.MultiInputMode, live []*sourceState) (sim.Value, error) {
	switch mode {
	case sim.MultiInputVectorize:
		var out []float64
		for _, s := range live {
			vec, err := s.value.AsVector()
			if err != nil {
				return sim.Value{}, err
			}
			out = append(out, vec...)
		}
		return sim.NewValue(out)
	case sim.MultiInputAnd, sim.MultiInputOr:
		acc := mode == sim.MultiInputAnd
		for _, s := range live {
			b, err := s.value.AsBool()
			if err != nil {
				return sim.Value{}, err
			}
			if mode == sim.MultiInputAnd {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		return sim.NewValue(acc)
	}
	vals := make([]float64, len(live))
	for i, s := range live {
		f, err := s.value.AsDouble()
		if err != nil {
			return sim.Value{}, err
		}
		vals[i] = f
	}
	var out float64
	switch mode {
	case sim.MultiInputSum, sim.MultiInputAverage:
		for _, f := range vals {
			out += f
		}
		if mode == sim.MultiInputAverage {
			out /= float64(len(vals))
		}
	case sim.MultiInputDiff:
		out = vals[0]
		for _, f := range vals[1:] {
			out -= f
		}
	case sim.MultiInputMax:
		out = math.Inf(-1)
		for _, f := range vals {
			out = math.Max(out, f)
		}
	case sim.MultiInputMin:
		out = math.Inf(1)
		for _, f := range vals {
			out = math.Min(out, f)
		}
	default:
		return sim.Value{}, sim.Errorf(sim.CodeInvalidArgument, "reduce inputs", "unknown multi input mode %v", mode)
	}
	return sim.NewValue(out)
}
