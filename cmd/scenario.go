package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/apps"
	"github.com/inference-sim/cosim/sim/core"
	"github.com/inference-sim/cosim/sim/federate"
	"github.com/inference-sim/cosim/sim/trace"
)

// NodeSpec declares a broker or core.
type NodeSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Init string `yaml:"init"`
}

// FederateSpec declares one federate and the app that drives it.
type FederateSpec struct {
	Name string `yaml:"name"`
	Core string `yaml:"core"`
	App  string `yaml:"app"`
	// Config is an optional federate document, relative to the scenario.
	Config   string               `yaml:"config"`
	Player   *apps.PlayerConfig   `yaml:"player"`
	Recorder *apps.RecorderConfig `yaml:"recorder"`
	Echo     *apps.EchoConfig     `yaml:"echo"`
}

// Scenario is the file run by `cosim run`.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Scenario struct {
	Brokers   []NodeSpec     `yaml:"brokers"`
	Cores     []NodeSpec     `yaml:"cores"`
	Federates []FederateSpec `yaml:"federates"`

	dir string
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	sc.dir = filepath.Dir(path)
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Cores) == 0 {
		return fmt.Errorf("scenario declares no cores")
	}
	cores := make(map[string]bool)
	for _, c := range sc.Cores {
		if c.Name == "" {
			return fmt.Errorf("every core needs a name")
		}
		cores[c.Name] = true
	}
	seen := make(map[string]bool)
	for _, f := range sc.Federates {
		if f.Name == "" {
			return fmt.Errorf("every federate needs a name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate federate %q", f.Name)
		}
		seen[f.Name] = true
		if !cores[f.Core] {
			return fmt.Errorf("federate %s: unknown core %q", f.Name, f.Core)
		}
		var ok bool
		switch f.App {
		case "player":
			ok = f.Player != nil
		case "recorder":
			ok = f.Recorder != nil
		case "echo":
			ok = f.Echo != nil
		default:
			return fmt.Errorf("federate %s: unknown app %q (player, recorder, echo)", f.Name, f.App)
		}
		if !ok {
			return fmt.Errorf("federate %s: missing %s section", f.Name, f.App)
		}
	}
	return nil
}

// rootName is the node that coordinates the federation: the first broker,
// or the first core when the scenario has no brokers.
func (sc *Scenario) rootName() string {
	if len(sc.Brokers) > 0 {
		return sc.Brokers[0].Name
	}
	return sc.Cores[0].Name
}

type runnable interface {
	Run(ctx context.Context) error
}

type member struct {
	fed      *federate.Federate
	app      runnable
	recorder *apps.Recorder
}

// Federation is a scenario instantiated on a runtime.
type Federation struct {
	rt      *core.Runtime
	brokers []*core.Broker
	cores   []*core.Core
	members []member
}

// Build creates every node and federate of the scenario. The root node
// keeps a coordination trace at traceLevel.
func (sc *Scenario) Build(traceLevel trace.Level) (*Federation, error) {
	fl := &Federation{rt: core.NewRuntime()}
	if err := fl.build(sc, traceLevel); err != nil {
		_ = fl.Close()
		return nil, err
	}
	return fl, nil
}

func (fl *Federation) build(sc *Scenario, traceLevel trace.Level) error {
	root := sc.rootName()
	initFor := func(n NodeSpec) string {
		if n.Name == root && traceLevel != "" && traceLevel != trace.LevelNone {
			return strings.TrimSpace(n.Init + " --trace=" + string(traceLevel))
		}
		return n.Init
	}
	coreTypes := make(map[string]sim.CoreType)
	for _, b := range sc.Brokers {
		ct, err := sim.ParseCoreType(defaultType(b.Type))
		if err != nil {
			return err
		}
		br, err := fl.rt.NewBroker(ct, b.Name, initFor(b))
		if err != nil {
			return err
		}
		fl.brokers = append(fl.brokers, br)
	}
	for _, c := range sc.Cores {
		ct, err := sim.ParseCoreType(defaultType(c.Type))
		if err != nil {
			return err
		}
		cr, err := fl.rt.NewCore(ct, c.Name, initFor(c))
		if err != nil {
			return err
		}
		coreTypes[c.Name] = ct
		fl.cores = append(fl.cores, cr)
	}
	for _, fs := range sc.Federates {
		m, err := fl.buildMember(sc, fs, coreTypes[fs.Core])
		if err != nil {
			return fmt.Errorf("federate %s: %w", fs.Name, err)
		}
		fl.members = append(fl.members, m)
	}
	return nil
}

func defaultType(t string) string {
	if t == "" {
		return "inproc"
	}
	return t
}

func (fl *Federation) buildMember(sc *Scenario, fs FederateSpec, ct sim.CoreType) (member, error) {
	info := federate.NewInfo()
	if fs.Config != "" {
		path := fs.Config
		if !filepath.IsAbs(path) {
			path = filepath.Join(sc.dir, path)
		}
		loaded, err := federate.LoadInfo(path)
		if err != nil {
			return member{}, err
		}
		info = loaded
	}
	info.CoreName = fs.Core
	info.CoreType = ct

	fed, err := federate.NewCombinationFederate(fl.rt, fs.Name, info)
	if err != nil {
		return member{}, err
	}
	m := member{fed: fed}
	switch fs.App {
	case "player":
		m.app, err = apps.NewPlayer(fed, *fs.Player)
	case "recorder":
		m.recorder, err = apps.NewRecorder(fed, *fs.Recorder)
		m.app = m.recorder
	case "echo":
		m.app, err = apps.NewEcho(fed, *fs.Echo)
	}
	if err != nil {
		_ = fed.Close()
		return member{}, err
	}
	return m, nil
}

// Run drives every app concurrently until all of them finish. The first
// failure raises a local error on its federate so that the others are
// released.
func (fl *Federation) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range fl.members {
		g.Go(func() error {
			err := m.app.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logrus.Errorf("federate %s: %v", m.fed.Name(), err)
				_ = m.fed.LocalError(sim.CodeOf(err), err.Error())
			}
			return err
		})
	}
	return g.Wait()
}

// Initialize takes every federate into initializing mode.
func (fl *Federation) Initialize() error {
	for _, m := range fl.members {
		if err := m.fed.EnterInitializingModeAsync(); err != nil {
			return err
		}
	}
	for _, m := range fl.members {
		if err := m.fed.EnterInitializingModeComplete(); err != nil {
			return err
		}
	}
	return nil
}

// Query asks the federation root.
func (fl *Federation) Query(target, query string) (string, error) {
	if len(fl.brokers) > 0 {
		return fl.brokers[0].Query(target, query)
	}
	return fl.cores[0].Query(target, query)
}

// Trace returns the root's coordination trace.
func (fl *Federation) Trace() *trace.FederationTrace {
	if len(fl.brokers) > 0 {
		return fl.brokers[0].Trace()
	}
	if len(fl.cores) > 0 {
		return fl.cores[0].Trace()
	}
	return nil
}

// WriteRecordings writes every recorder's capture, each under a header
// naming its federate.
func (fl *Federation) WriteRecordings(w io.Writer) error {
	for _, m := range fl.members {
		if m.recorder == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "# %s\n", m.fed.Name()); err != nil {
			return err
		}
		if _, err := m.recorder.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every federate, frees the nodes and stops the runtime.
func (fl *Federation) Close() error {
	var errs []error
	for _, m := range fl.members {
		if err := m.fed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range fl.cores {
		if err := c.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range fl.brokers {
		if err := b.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := fl.rt.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
