// Package timing decides when federates may advance.
//
// Each federate has a Coordinator holding its time configuration, its last
// grant and its outstanding request. A Resolver owns the coordinators of a
// whole federation plus the dependency graph between them, and turns
// outstanding requests into grants:
//
//   - exec entry: a federate enters execution once every dependency is in
//     execution mode or waiting to enter it, optionally iterating first.
//   - time advance: a federate at time g asking for t is granted the
//     earliest of t and its earliest pending event, provided no dependency
//     could still send it something earlier. The "could still send" bound is
//     each dependency's earliest send time, relaxed Bellman-Ford style from
//     upper bounds until it stops moving.
package timing

import (
	"fmt"

	"github.com/inference-sim/cosim/sim"
)

// DefaultMaxIterations bounds iteration at one time step.
const DefaultMaxIterations = 50

// Config is the timing-relevant part of a federate's configuration.
type Config struct {
	Delta                    sim.Time `msgpack:"delta" json:"delta"`
	Period                   sim.Time `msgpack:"period" json:"period"`
	Offset                   sim.Time `msgpack:"offset" json:"offset"`
	InputDelay               sim.Time `msgpack:"in" json:"input_delay"`
	OutputDelay              sim.Time `msgpack:"out" json:"output_delay"`
	MaxIterations            int      `msgpack:"maxit" json:"max_iterations"`
	Observer                 bool     `msgpack:"obs" json:"observer"`
	SourceOnly               bool     `msgpack:"src" json:"source_only"`
	Uninterruptible          bool     `msgpack:"unint" json:"uninterruptible"`
	WaitForCurrentTimeUpdate bool     `msgpack:"wfctu" json:"wait_for_current_time_update"`
}

// DefaultConfig returns the configuration of a federate with no properties set.
func DefaultConfig() Config {
	return Config{
		Delta:         sim.TimeEpsilon,
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate rejects negative times and non-positive iteration limits.
func (c Config) Validate() error {
	for name, v := range map[string]sim.Time{
		"delta":        c.Delta,
		"period":       c.Period,
		"offset":       c.Offset,
		"input_delay":  c.InputDelay,
		"output_delay": c.OutputDelay,
	} {
		if v < 0 {
			return sim.Errorf(sim.CodeInvalidArgument, "validate timing", "%s must be non-negative, got %v", name, v)
		}
	}
	if c.MaxIterations <= 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "validate timing", "max_iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

// SetTime applies a time property.
func (c *Config) SetTime(p sim.Property, v sim.Time) error {
	if v < 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "set time property", "%s must be non-negative, got %v", p, v)
	}
	switch p {
	case sim.PropertyDelta:
		if v < sim.TimeEpsilon {
			v = sim.TimeEpsilon
		}
		c.Delta = v
	case sim.PropertyPeriod:
		c.Period = v
	case sim.PropertyOffset:
		c.Offset = v
	case sim.PropertyInputDelay:
		c.InputDelay = v
	case sim.PropertyOutputDelay:
		c.OutputDelay = v
	default:
		return sim.Errorf(sim.CodeInvalidArgument, "set time property", "%s is not a timing property", p)
	}
	return nil
}

// SetFlag applies a boolean option; flags that do not affect timing are
// reported as not handled.
func (c *Config) SetFlag(f sim.Flag, on bool) bool {
	switch f {
	case sim.FlagObserver:
		c.Observer = on
	case sim.FlagSourceOnly:
		c.SourceOnly = on
	case sim.FlagUninterruptible:
		c.Uninterruptible = on
	case sim.FlagInterruptible:
		c.Uninterruptible = !on
	case sim.FlagWaitForCurrentTimeUpdate:
		c.WaitForCurrentTimeUpdate = on
	default:
		return false
	}
	return true
}

// AlignUp returns the first time on the period/offset grid at or after t.
// Without a period every time is on the grid.
func (c Config) AlignUp(t sim.Time) sim.Time {
	if c.Period <= sim.TimeEpsilon || t.IsMax() {
		return t
	}
	if t.AtOrBefore(c.Offset) {
		return c.Offset
	}
	steps := float64((t - c.Offset) / c.Period)
	k := sim.Time(int64(steps))
	aligned := c.Offset + k*c.Period
	if aligned.Before(t) {
		aligned += c.Period
	}
	if aligned >= sim.TimeMax {
		return sim.TimeMax
	}
	return aligned
}

// NextStep returns the first allowed grant strictly after g: g advanced
// by delta, then moved onto the period grid.
func (c Config) NextStep(g sim.Time) sim.Time {
	t := g + c.Delta
	if c.Period <= sim.TimeEpsilon {
		return t
	}
	next := c.AlignUp(t)
	if !next.After(g) {
		next = c.AlignUp(g + c.Period)
	}
	return next
}

func (c Config) String() string {
	return fmt.Sprintf("delta=%v period=%v offset=%v in=%v out=%v", c.Delta, c.Period, c.Offset, c.InputDelay, c.OutputDelay)
}
