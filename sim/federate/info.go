package federate

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/core"
	"github.com/inference-sim/cosim/sim/timing"
)

// Info describes how to create a federate: its name, the core it joins and
// its properties. The zero value is not usable; start from NewInfo.
type Info struct {
	Name          string
	CoreName      string
	CoreType      sim.CoreType
	CoreInit      string
	Broker        string
	BrokerAddress string
	Timeout       time.Duration // bound on every blocking call

	// Interfaces are registered when the federate is created.
	Interfaces Interfaces

	timeProps map[sim.Property]sim.Time
	intProps  map[sim.Property]int
	flags     map[sim.Flag]bool
}

// NewInfo returns an Info with default properties.
func NewInfo() *Info {
	return &Info{
		CoreType:  sim.CoreDefault,
		Timeout:   core.DefaultTimeout,
		timeProps: make(map[sim.Property]sim.Time),
		intProps:  make(map[sim.Property]int),
		flags:     make(map[sim.Flag]bool),
	}
}

// Clone returns a deep copy of i.
func (i *Info) Clone() *Info {
	c := *i
	c.timeProps = make(map[sim.Property]sim.Time, len(i.timeProps))
	for k, v := range i.timeProps {
		c.timeProps[k] = v
	}
	c.intProps = make(map[sim.Property]int, len(i.intProps))
	for k, v := range i.intProps {
		c.intProps[k] = v
	}
	c.flags = make(map[sim.Flag]bool, len(i.flags))
	for k, v := range i.flags {
		c.flags[k] = v
	}
	c.Interfaces = i.Interfaces.clone()
	return &c
}

// SetTimeProperty sets one of the time properties.
func (i *Info) SetTimeProperty(p sim.Property, t sim.Time) error {
	if !p.IsTimeProperty() {
		return sim.Errorf(sim.CodeInvalidArgument, "set time property", "%d is not a time property", int(p))
	}
	if t < 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "set time property", "%s must be non-negative, got %v", p, t)
	}
	i.timeProps[p] = t
	return nil
}

// TimeProperty returns a time property and whether it was set.
func (i *Info) TimeProperty(p sim.Property) (sim.Time, bool) {
	t, ok := i.timeProps[p]
	return t, ok
}

// SetIntegerProperty sets max_iterations or log_level.
func (i *Info) SetIntegerProperty(p sim.Property, v int) error {
	if !p.IsIntegerProperty() {
		return sim.Errorf(sim.CodeInvalidArgument, "set integer property", "%d is not an integer property", int(p))
	}
	if p == sim.PropertyMaxIterations && v <= 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "set integer property", "max_iterations must be positive, got %d", v)
	}
	i.intProps[p] = v
	return nil
}

// IntegerProperty returns an integer property and whether it was set.
func (i *Info) IntegerProperty(p sim.Property) (int, bool) {
	v, ok := i.intProps[p]
	return v, ok
}

// SetFlagOption toggles a boolean option.
func (i *Info) SetFlagOption(f sim.Flag, on bool) error {
	if !sim.ValidFlag(f) {
		return sim.Errorf(sim.CodeInvalidArgument, "set flag", "unknown flag %d", int(f))
	}
	i.flags[f] = on
	return nil
}

// FlagOption reports a flag's value; unset flags are false.
func (i *Info) FlagOption(f sim.Flag) bool { return i.flags[f] }

// LogLevel returns the federate log level.
func (i *Info) LogLevel() sim.LogLevel {
	if v, ok := i.intProps[sim.PropertyLogLevel]; ok {
		return sim.LogLevel(v)
	}
	return sim.LogWarning
}

// timingConfig folds the timing properties and flags into a coordinator
// configuration.
func (i *Info) timingConfig() (timing.Config, error) {
	cfg := timing.DefaultConfig()
	for p, t := range i.timeProps {
		switch p {
		case sim.PropertyDelta, sim.PropertyPeriod, sim.PropertyOffset, sim.PropertyInputDelay, sim.PropertyOutputDelay:
			if err := cfg.SetTime(p, t); err != nil {
				return cfg, err
			}
		}
	}
	for f, on := range i.flags {
		cfg.SetFlag(f, on)
	}
	if v, ok := i.intProps[sim.PropertyMaxIterations]; ok {
		cfg.MaxIterations = v
	}
	return cfg, cfg.Validate()
}

// federateConfig is what the core needs to register the federate.
func (i *Info) federateConfig() (core.FederateConfig, error) {
	t, err := i.timingConfig()
	if err != nil {
		return core.FederateConfig{}, err
	}
	return core.FederateConfig{
		Timing:               t,
		OnlyTransmitOnChange: i.flags[sim.FlagOnlyTransmitOnChange],
		OnlyUpdateOnChange:   i.flags[sim.FlagOnlyUpdateOnChange],
		TerminateOnError:     i.flags[sim.FlagTerminateOnError],
		LogLevel:             i.LogLevel(),
	}, nil
}

// grantTimeout is the bound on a single blocking call.
func (i *Info) grantTimeout() time.Duration {
	if t, ok := i.timeProps[sim.PropertyGrantTimeout]; ok && t > 0 {
		return t.Duration()
	}
	return i.Timeout
}

// realtimeWindow returns the lead and lag allowed against the wall clock.
// rt_tolerance sets both unless one is given explicitly.
func (i *Info) realtimeWindow() (lead, lag time.Duration) {
	tol := i.timeProps[sim.PropertyRTTolerance]
	lead, lag = tol.Duration(), tol.Duration()
	if t, ok := i.timeProps[sim.PropertyRTLead]; ok {
		lead = t.Duration()
	}
	if t, ok := i.timeProps[sim.PropertyRTLag]; ok {
		lag = t.Duration()
	}
	return lead, lag
}

// coreInit returns the init string for an automatically created core.
func (i *Info) coreInit() string {
	args := []string{i.CoreInit}
	if i.Broker != "" && !strings.Contains(i.CoreInit, "--broker") {
		args = append(args, "--broker="+i.Broker)
	}
	if i.BrokerAddress != "" && !strings.Contains(i.CoreInit, "--broker_address") {
		args = append(args, "--broker_address="+i.BrokerAddress)
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

// === Configuration documents ===

// PublicationSpec declares a publication in a configuration document.
type PublicationSpec struct {
	Key     string   `yaml:"key"`
	Global  bool     `yaml:"global,omitempty"`
	Type    string   `yaml:"type,omitempty"`
	Units   string   `yaml:"units,omitempty"`
	Targets []string `yaml:"targets,omitempty"`
	Options []string `yaml:"options,omitempty"` // handle option names, set to 1
}

// InputSpec declares an input. A subscription is an input whose key is
// empty and whose targets name the publications it reads.
type InputSpec struct {
	Key     string   `yaml:"key,omitempty"`
	Global  bool     `yaml:"global,omitempty"`
	Type    string   `yaml:"type,omitempty"`
	Units   string   `yaml:"units,omitempty"`
	Targets []string `yaml:"targets,omitempty"`
	Default any      `yaml:"default,omitempty"`
	Options []string `yaml:"options,omitempty"`
}

// EndpointSpec declares an endpoint.
type EndpointSpec struct {
	Key         string `yaml:"key"`
	Global      bool   `yaml:"global,omitempty"`
	Type        string `yaml:"type,omitempty"`
	Destination string `yaml:"destination,omitempty"` // default destination
}

// FilterSpec declares a filter and the endpoints it applies to.
type FilterSpec struct {
	Key                string             `yaml:"key"`
	Global             bool               `yaml:"global,omitempty"`
	Operation          string             `yaml:"operation"`
	Cloning            bool               `yaml:"cloning,omitempty"`
	SourceTargets      []string           `yaml:"source_targets,omitempty"`
	DestinationTargets []string           `yaml:"destination_targets,omitempty"`
	Delivery           []string           `yaml:"delivery,omitempty"`
	Properties         map[string]float64 `yaml:"properties,omitempty"`
	StringProperties   map[string]string  `yaml:"string_properties,omitempty"`
}

// Interfaces are the interfaces a configuration document declares.
type Interfaces struct {
	Publications  []PublicationSpec `yaml:"publications,omitempty"`
	Inputs        []InputSpec       `yaml:"inputs,omitempty"`
	Subscriptions []InputSpec       `yaml:"subscriptions,omitempty"`
	Endpoints     []EndpointSpec    `yaml:"endpoints,omitempty"`
	Filters       []FilterSpec      `yaml:"filters,omitempty"`
}

func (in Interfaces) clone() Interfaces {
	return Interfaces{
		Publications:  append([]PublicationSpec(nil), in.Publications...),
		Inputs:        append([]InputSpec(nil), in.Inputs...),
		Subscriptions: append([]InputSpec(nil), in.Subscriptions...),
		Endpoints:     append([]EndpointSpec(nil), in.Endpoints...),
		Filters:       append([]FilterSpec(nil), in.Filters...),
	}
}

// Empty reports whether nothing is declared.
func (in Interfaces) Empty() bool {
	return len(in.Publications)+len(in.Inputs)+len(in.Subscriptions)+len(in.Endpoints)+len(in.Filters) == 0
}

// document is the on-disk form of an Info. JSON documents are accepted too
// since JSON is a subset of YAML.
type document struct {
	Name          string          `yaml:"name"`
	CoreName      string          `yaml:"core_name,omitempty"`
	CoreType      string          `yaml:"core_type,omitempty"`
	CoreInit      string          `yaml:"core_init,omitempty"`
	Broker        string          `yaml:"broker,omitempty"`
	BrokerAddress string          `yaml:"broker_address,omitempty"`
	Timeout       *sim.Time       `yaml:"timeout,omitempty"`
	Properties    map[string]any  `yaml:"properties,omitempty"`
	Flags         map[string]bool `yaml:"flags,omitempty"`
	Interfaces    `yaml:",inline"`
}

// LoadInfo reads a federate configuration file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sim.NewError(sim.CodeInvalidArgument, "load federate info", path, fmt.Errorf("reading federate config: %w", err))
	}
	return ParseInfo(data)
}

// ParseInfo parses a YAML or JSON federate configuration document.
func ParseInfo(data []byte) (*Info, error) {
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, sim.NewError(sim.CodeInvalidArgument, "parse federate info", "", fmt.Errorf("parsing federate config: %w", err))
	}
	return doc.info()
}

func (d *document) info() (*Info, error) {
	info := NewInfo()
	info.Name = d.Name
	info.CoreName = d.CoreName
	info.CoreInit = d.CoreInit
	info.Broker = d.Broker
	info.BrokerAddress = d.BrokerAddress
	info.Interfaces = d.Interfaces
	if d.CoreType != "" {
		ct, err := sim.ParseCoreType(d.CoreType)
		if err != nil {
			return nil, err
		}
		info.CoreType = ct
	}
	if d.Timeout != nil {
		info.Timeout = d.Timeout.Duration()
	}
	for name, raw := range d.Properties {
		p, err := sim.ParseProperty(name)
		if err != nil {
			return nil, err
		}
		if err := info.setProperty(p, raw); err != nil {
			return nil, err
		}
	}
	for name, on := range d.Flags {
		f, err := sim.ParseFlag(name)
		if err != nil {
			return nil, err
		}
		info.flags[f] = on
	}
	if _, err := info.timingConfig(); err != nil {
		return nil, err
	}
	return info, nil
}

// setProperty applies a property value decoded from a document: times as
// numbers or duration strings, integers as numbers or, for log_level, names.
func (i *Info) setProperty(p sim.Property, raw any) error {
	text := fmt.Sprint(raw)
	if p.IsTimeProperty() {
		t, err := sim.ParseTime(text)
		if err != nil {
			return err
		}
		return i.SetTimeProperty(p, t)
	}
	if p == sim.PropertyLogLevel {
		lvl, err := sim.ParseLogLevel(text)
		if err != nil {
			return err
		}
		return i.SetIntegerProperty(p, int(lvl))
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return sim.NewError(sim.CodeInvalidArgument, "set integer property", p.String(), err)
	}
	return i.SetIntegerProperty(p, v)
}
