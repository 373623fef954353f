// Package apps provides ready-made federates for assembling scenarios: a Player
// that replays a schedule, a Recorder that captures what it sees and an Echo
// that answers messages.
package apps

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/federate"
)

// PointSpec is one scheduled publication. Points with a negative time are
// published during initialization.
type PointSpec struct {
	Time  sim.Time `yaml:"time"`
	Key   string   `yaml:"key"`
	Type  string   `yaml:"type,omitempty"`
	Value any      `yaml:"value"`
}

// MessageSpec is one scheduled message, sent from the player endpoint
// Source at Time.
type MessageSpec struct {
	Time   sim.Time `yaml:"time"`
	Source string   `yaml:"source"`
	Dest   string   `yaml:"dest"`
	Data   string   `yaml:"data"`
}

// PlayerConfig is the schedule a Player replays.
type PlayerConfig struct {
	Points   []PointSpec   `yaml:"points,omitempty"`
	Messages []MessageSpec `yaml:"messages,omitempty"`
	// Stop bounds the replay; zero plays the whole schedule.
	Stop sim.Time `yaml:"stop,omitempty"`
}

type point struct {
	time sim.Time
	pub  *federate.Publication
	val  sim.Value
}

type scheduledMessage struct {
	time sim.Time
	ep   *federate.Endpoint
	dest string
	data []byte
}

// Player replays scheduled values and messages into a federation. It
// requests exactly the times at which it has something to send.
type Player struct {
	fed      *federate.Federate
	points   []point
	messages []scheduledMessage
	stop     sim.Time
	log      *logrus.Entry

	pointIdx, msgIdx int
}

// NewPlayer registers a publication per point key and an endpoint per
// message source on fed. Keys containing '/' or '.' are registered global.
func NewPlayer(fed *federate.Federate, cfg PlayerConfig) (*Player, error) {
	p := &Player{
		fed:  fed,
		stop: cfg.Stop,
		log:  logrus.WithFields(logrus.Fields{"app": "player", "federate": fed.Name()}),
	}
	if p.stop == 0 {
		p.stop = sim.TimeMax
	}

	pubs := make(map[string]*federate.Publication)
	for _, ps := range cfg.Points {
		pub, ok := pubs[ps.Key]
		if !ok {
			var err error
			if isGlobalKey(ps.Key) {
				pub, err = fed.RegisterGlobalPublication(ps.Key, ps.Type, "")
			} else {
				pub, err = fed.RegisterPublication(ps.Key, ps.Type, "")
			}
			if err != nil {
				return nil, err
			}
			pubs[ps.Key] = pub
		}
		val, err := pointValue(ps.Value, ps.Type)
		if err != nil {
			return nil, sim.Errorf(sim.CodeInvalidArgument, "new player", "point %s at %v: %v", ps.Key, ps.Time, err)
		}
		p.points = append(p.points, point{time: ps.Time, pub: pub, val: val})
	}

	eps := make(map[string]*federate.Endpoint)
	for _, ms := range cfg.Messages {
		ep, ok := eps[ms.Source]
		if !ok {
			var err error
			if isGlobalKey(ms.Source) {
				ep, err = fed.RegisterGlobalEndpoint(ms.Source, "")
			} else {
				ep, err = fed.RegisterEndpoint(ms.Source, "")
			}
			if err != nil {
				return nil, err
			}
			eps[ms.Source] = ep
		}
		if ms.Time < 0 {
			return nil, sim.Errorf(sim.CodeInvalidArgument, "new player", "message from %s at negative time %v", ms.Source, ms.Time)
		}
		p.messages = append(p.messages, scheduledMessage{time: ms.Time, ep: ep, dest: ms.Dest, data: []byte(ms.Data)})
	}

	sort.SliceStable(p.points, func(i, j int) bool { return p.points[i].time < p.points[j].time })
	sort.SliceStable(p.messages, func(i, j int) bool { return p.messages[i].time < p.messages[j].time })
	return p, nil
}

func isGlobalKey(key string) bool { return strings.ContainsAny(key, "/.") }

// pointValue encodes a raw document value. Lists of numbers become vectors;
// a declared type converts the value.
func pointValue(raw any, typ string) (sim.Value, error) {
	if list, ok := raw.([]any); ok {
		vec := make([]float64, 0, len(list))
		for _, item := range list {
			switch n := item.(type) {
			case int:
				vec = append(vec, float64(n))
			case float64:
				vec = append(vec, n)
			default:
				return sim.Value{}, sim.Errorf(sim.CodeInvalidArgument, "point value", "vector element %T is not a number", item)
			}
		}
		raw = vec
	}
	v, err := sim.NewValue(raw)
	if err != nil {
		return sim.Value{}, err
	}
	if typ == "" {
		return v, nil
	}
	return v.ConvertTo(sim.ParseDataType(typ))
}

// Run publishes initialization points, enters execution and replays the
// schedule until it is exhausted or the stop time is passed. The federate
// is finalized on return.
func (p *Player) Run(ctx context.Context) error {
	if err := p.fed.EnterInitializingMode(); err != nil {
		return err
	}
	if err := p.sendThrough(-sim.TimeEpsilon); err != nil {
		return err
	}
	if err := p.fed.EnterExecutingMode(); err != nil {
		return err
	}
	if err := p.sendThrough(sim.TimeZero); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := p.nextTime()
		if next.IsMax() || next > p.stop {
			break
		}
		granted, err := p.fed.RequestTime(next)
		if err != nil {
			return err
		}
		if granted.IsMax() {
			p.log.Info("federation halted")
			break
		}
		if err := p.sendThrough(granted); err != nil {
			return err
		}
	}
	p.log.Debugf("replay done at %v", p.fed.CurrentTime())
	return p.fed.Finalize()
}

// Remaining is the number of scheduled points and messages not yet sent.
func (p *Player) Remaining() int {
	return len(p.points) - p.pointIdx + len(p.messages) - p.msgIdx
}

func (p *Player) nextTime() sim.Time {
	next := sim.TimeMax
	if p.pointIdx < len(p.points) {
		next = sim.MinTime(next, p.points[p.pointIdx].time)
	}
	if p.msgIdx < len(p.messages) {
		next = sim.MinTime(next, p.messages[p.msgIdx].time)
	}
	return next
}

// sendThrough sends everything scheduled at or before t.
func (p *Player) sendThrough(t sim.Time) error {
	for ; p.pointIdx < len(p.points) && p.points[p.pointIdx].time <= t; p.pointIdx++ {
		pt := p.points[p.pointIdx]
		if err := pt.pub.Publish(pt.val); err != nil {
			return err
		}
	}
	for ; p.msgIdx < len(p.messages) && p.messages[p.msgIdx].time <= t; p.msgIdx++ {
		m := p.messages[p.msgIdx]
		if err := m.ep.SendAt(m.dest, m.data, m.time); err != nil {
			return err
		}
	}
	return nil
}
