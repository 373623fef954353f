package apps

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/federate"
)

// RecorderConfig names what a Recorder captures.
type RecorderConfig struct {
	// Subscriptions are publication names to record.
	Subscriptions []string `yaml:"subscriptions,omitempty"`
	// Endpoints are registered on the recorder; messages sent to them are
	// recorded.
	Endpoints []string `yaml:"endpoints,omitempty"`
	// Taps are endpoints elsewhere in the federation whose outgoing
	// messages are cloned to the recorder.
	Taps []string `yaml:"taps,omitempty"`
	// Stop is the time the recorder runs to; zero runs until halted.
	Stop sim.Time `yaml:"stop,omitempty"`
	// Iterate re-requests the current time while updates keep arriving.
	Iterate bool `yaml:"iterate,omitempty"`
}

// ValuePoint is one recorded value update.
type ValuePoint struct {
	Time      sim.Time
	Iteration int
	Key       string
	Value     sim.Value
}

// MessageRecord is one recorded message together with the grant at which
// it was received.
type MessageRecord struct {
	Received sim.Time
	Message  *sim.Message
}

type recorded struct {
	key string
	in  *federate.Input
}

// Recorder captures every value update and message it sees until its stop
// time.
type Recorder struct {
	fed     *federate.Federate
	inputs  []recorded
	eps     []*federate.Endpoint
	stop    sim.Time
	iterate bool
	log     *logrus.Entry

	mu       sync.Mutex
	points   []ValuePoint
	messages []MessageRecord
}

// NewRecorder registers the subscriptions, endpoints and tap filters of cfg
// on fed.
func NewRecorder(fed *federate.Federate, cfg RecorderConfig) (*Recorder, error) {
	r := &Recorder{
		fed:     fed,
		stop:    cfg.Stop,
		iterate: cfg.Iterate,
		log:     logrus.WithFields(logrus.Fields{"app": "recorder", "federate": fed.Name()}),
	}
	if r.stop == 0 {
		r.stop = sim.TimeMax
	}
	for _, key := range cfg.Subscriptions {
		in, err := fed.RegisterSubscription(key, "")
		if err != nil {
			return nil, err
		}
		r.inputs = append(r.inputs, recorded{key: key, in: in})
	}
	for _, name := range cfg.Endpoints {
		ep, err := fed.RegisterGlobalEndpoint(name, "")
		if err != nil {
			return nil, err
		}
		r.eps = append(r.eps, ep)
	}
	if len(cfg.Taps) > 0 {
		tap, err := fed.RegisterEndpoint("tap", "")
		if err != nil {
			return nil, err
		}
		filt, err := fed.RegisterCloningFilter("tap_filter")
		if err != nil {
			return nil, err
		}
		if err := filt.AddDeliveryEndpoint(tap.Name()); err != nil {
			return nil, err
		}
		for _, src := range cfg.Taps {
			if err := filt.AddSourceTarget(src); err != nil {
				return nil, err
			}
		}
		r.eps = append(r.eps, tap)
	}
	return r, nil
}

// Run enters execution and records until the stop time or a halt. The
// federate is finalized on return.
func (r *Recorder) Run(ctx context.Context) error {
	if err := r.fed.EnterExecutingMode(); err != nil {
		return err
	}
	r.capture(r.fed.CurrentTime(), 0)
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			granted sim.Time
			err     error
		)
		if r.iterate {
			var res sim.IterationResult
			granted, res, err = r.fed.RequestTimeIterative(r.stop, sim.IterateIfNeeded)
			if res == sim.NextStep {
				iteration = 0
			}
		} else {
			granted, err = r.fed.RequestTime(r.stop)
		}
		if err != nil {
			return err
		}
		r.capture(granted, iteration)
		iteration++
		if granted >= r.stop {
			break
		}
	}
	return r.fed.Finalize()
}

func (r *Recorder) capture(t sim.Time, iteration int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.inputs {
		if !rec.in.IsUpdated() {
			continue
		}
		v, err := rec.in.Value()
		if err != nil {
			r.log.WithError(err).Warnf("read %s", rec.key)
			continue
		}
		_ = rec.in.ClearUpdate()
		r.points = append(r.points, ValuePoint{Time: t, Iteration: iteration, Key: rec.key, Value: v})
	}
	for _, ep := range r.eps {
		for m := ep.GetMessage(); m != nil; m = ep.GetMessage() {
			r.messages = append(r.messages, MessageRecord{Received: t, Message: m})
		}
	}
}

// Points returns a copy of the recorded value updates in grant order.
func (r *Recorder) Points() []ValuePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ValuePoint(nil), r.points...)
}

// Messages returns a copy of the recorded messages in receive order.
func (r *Recorder) Messages() []MessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MessageRecord(nil), r.messages...)
}

// WriteTo writes the recording as tab separated lines, values first.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(format string, args ...any) error {
		n, err := fmt.Fprintf(w, format, args...)
		total += int64(n)
		return err
	}
	for _, p := range r.Points() {
		if err := write("%v\t%d\t%s\t%s\n", p.Time, p.Iteration, p.Key, p.Value); err != nil {
			return total, err
		}
	}
	for _, m := range r.Messages() {
		if err := write("%v\tmessage\t%s\t%s\t%s\n", m.Received, m.Message.OriginalSource, m.Message.Dest, m.Message.String()); err != nil {
			return total, err
		}
	}
	return total, nil
}
