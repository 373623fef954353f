package apps

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/federate"
)

// EchoConfig configures an Echo.
type EchoConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Delay     sim.Time `yaml:"delay,omitempty"`
	// Stop is the time the echo runs to; zero runs until halted.
	Stop sim.Time `yaml:"stop,omitempty"`
}

// Echo answers every message it receives by sending the payload back to
// the message's original source after a fixed delay.
type Echo struct {
	fed  *federate.Federate
	eps  []*federate.Endpoint
	stop sim.Time
	log  *logrus.Entry

	mu     sync.Mutex
	delay  sim.Time
	echoed int
}

// NewEcho registers the configured endpoints on fed.
func NewEcho(fed *federate.Federate, cfg EchoConfig) (*Echo, error) {
	if cfg.Delay < 0 {
		return nil, sim.Errorf(sim.CodeInvalidArgument, "new echo", "negative delay %v", cfg.Delay)
	}
	e := &Echo{
		fed:   fed,
		stop:  cfg.Stop,
		delay: cfg.Delay,
		log:   logrus.WithFields(logrus.Fields{"app": "echo", "federate": fed.Name()}),
	}
	if e.stop == 0 {
		e.stop = sim.TimeMax
	}
	for _, name := range cfg.Endpoints {
		var (
			ep  *federate.Endpoint
			err error
		)
		if isGlobalKey(name) {
			ep, err = fed.RegisterGlobalEndpoint(name, "")
		} else {
			ep, err = fed.RegisterEndpoint(name, "")
		}
		if err != nil {
			return nil, err
		}
		e.eps = append(e.eps, ep)
	}
	return e, nil
}

// SetDelay changes the reply delay. Safe to call while Run is active.
func (e *Echo) SetDelay(d sim.Time) error {
	if d < 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "set echo delay", "negative delay %v", d)
	}
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
	return nil
}

// Echoed is the number of replies sent so far.
func (e *Echo) Echoed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echoed
}

// Run enters execution and replies to messages until the stop time. The
// federate is finalized on return.
func (e *Echo) Run(ctx context.Context) error {
	if err := e.fed.EnterExecutingMode(); err != nil {
		return err
	}
	for t := e.fed.CurrentTime(); t < e.stop; {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if t, err = e.fed.RequestTime(e.stop); err != nil {
			return err
		}
		if err := e.reply(t); err != nil {
			return err
		}
	}
	e.log.Debugf("echoed %d messages", e.Echoed())
	return e.fed.Finalize()
}

func (e *Echo) reply(t sim.Time) error {
	if t.IsMax() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ep := range e.eps {
		for m := ep.GetMessage(); m != nil; m = ep.GetMessage() {
			if err := ep.SendAt(m.OriginalSource, m.Data, t+e.delay); err != nil {
				return err
			}
			e.echoed++
		}
	}
	return nil
}
