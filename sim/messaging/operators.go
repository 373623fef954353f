package messaging

import (
	"math"
	"math/rand"
	"regexp"
	"strings"

	"github.com/inference-sim/cosim/sim"
)

// Operator transforms a message in flight. Returning nil drops it.
type Operator interface {
	Process(m *sim.Message) *sim.Message
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(m *sim.Message) *sim.Message

// Process implements Operator.
func (f OperatorFunc) Process(m *sim.Message) *sim.Message { return f(m) }

// Configurable operators accept named properties.
type Configurable interface {
	SetProperty(name string, v float64) error
	SetStringProperty(name, v string) error
}

func unknownProperty(op, name string) error {
	return sim.Errorf(sim.CodeInvalidArgument, "set filter property", "%s filter has no property %q", op, name)
}

func propName(name string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(name))
}

// Delay shifts message time forward by a fixed amount.
type Delay struct {
	Delay sim.Time
}

// Process implements Operator.
func (d *Delay) Process(m *sim.Message) *sim.Message {
	m.Time += d.Delay
	return m
}

// SetProperty implements Configurable.
func (d *Delay) SetProperty(name string, v float64) error {
	if propName(name) != "delay" {
		return unknownProperty("delay", name)
	}
	if v < 0 {
		return sim.Errorf(sim.CodeInvalidArgument, "set filter property", "delay must be non-negative, got %v", v)
	}
	d.Delay = sim.Time(v)
	return nil
}

// SetStringProperty implements Configurable.
func (d *Delay) SetStringProperty(name, v string) error {
	t, err := sim.ParseTime(v)
	if err != nil {
		return err
	}
	return d.SetProperty(name, float64(t))
}

// Distribution names a random distribution.
type Distribution string

const (
	DistConstant     Distribution = "constant"
	DistUniform      Distribution = "uniform"
	DistBernoulli    Distribution = "bernoulli"
	DistBinomial     Distribution = "binomial"
	DistGeometric    Distribution = "geometric"
	DistPoisson      Distribution = "poisson"
	DistExponential  Distribution = "exponential"
	DistGamma        Distribution = "gamma"
	DistWeibull      Distribution = "weibull"
	DistExtremeValue Distribution = "extreme_value"
	DistNormal       Distribution = "normal"
	DistLognormal    Distribution = "lognormal"
	DistChiSquared   Distribution = "chi_squared"
	DistCauchy       Distribution = "cauchy"
	DistFisherF      Distribution = "fisher_f"
	DistStudentT     Distribution = "student_t"
)

var validDistributions = map[Distribution]bool{
	DistConstant: true, DistUniform: true, DistBernoulli: true, DistBinomial: true,
	DistGeometric: true, DistPoisson: true, DistExponential: true, DistGamma: true,
	DistWeibull: true, DistExtremeValue: true, DistNormal: true, DistLognormal: true,
	DistChiSquared: true, DistCauchy: true, DistFisherF: true, DistStudentT: true,
}

// Sample draws one value of d with parameters p1 and p2.
func (d Distribution) Sample(rng *rand.Rand, p1, p2 float64) float64 {
	switch d {
	case DistUniform:
		return p1 + rng.Float64()*(p2-p1)
	case DistNormal:
		return p1 + p2*rng.NormFloat64()
	case DistLognormal:
		return math.Exp(p1 + p2*rng.NormFloat64())
	case DistCauchy:
		return p1 + p2*math.Tan(math.Pi*(rng.Float64()-0.5))
	case DistExponential:
		return rng.ExpFloat64() / p1
	case DistExtremeValue:
		return p1 - p2*math.Log(-math.Log(openUnit(rng)))
	case DistWeibull:
		return p2 * math.Pow(-math.Log(openUnit(rng)), 1/p1)
	case DistGeometric:
		return math.Floor(math.Log(openUnit(rng))/math.Log(1-p1)) * p2
	case DistPoisson:
		return float64(poisson(rng, p1)) * p2
	case DistBernoulli:
		if rng.Float64() < p1 {
			return p2
		}
		return 0
	case DistBinomial:
		n := 0
		for i := 0; i < int(p1); i++ {
			if rng.Float64() < p2 {
				n++
			}
		}
		return float64(n)
	case DistGamma:
		return gamma(rng, p1) * p2
	case DistChiSquared:
		return 2 * gamma(rng, p1/2)
	case DistStudentT:
		return rng.NormFloat64() / math.Sqrt(2*gamma(rng, p1/2)/p1)
	case DistFisherF:
		return (2 * gamma(rng, p1/2) / p1) / (2 * gamma(rng, p2/2) / p2)
	}
	return p1
}

func openUnit(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}

func poisson(rng *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k, p := 0, rng.Float64()
	for p > limit {
		k++
		p *= rng.Float64()
	}
	return k
}

// gamma samples Gamma(shape, 1) with the Marsaglia-Tsang method.
func gamma(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		return gamma(rng, shape+1) * math.Pow(openUnit(rng), 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := openUnit(rng)
		if math.Log(u) < 0.5*x*x+d-d*v+d*math.Log(v) {
			return d * v
		}
	}
}

// RandomDelay shifts message time by a random non-negative amount.
type RandomDelay struct {
	Dist   Distribution
	Param1 float64
	Param2 float64
	rng    *rand.Rand
}

// NewRandomDelay creates a random delay drawing from rng.
func NewRandomDelay(rng *rand.Rand) *RandomDelay {
	return &RandomDelay{Dist: DistUniform, Param1: 0, Param2: 1, rng: rng}
}

// Process implements Operator.
func (r *RandomDelay) Process(m *sim.Message) *sim.Message {
	if d := r.Dist.Sample(r.rng, r.Param1, r.Param2); d > 0 && !math.IsNaN(d) {
		m.Time += sim.Time(d)
	}
	return m
}

// SetProperty implements Configurable.
func (r *RandomDelay) SetProperty(name string, v float64) error {
	switch propName(name) {
	case "param1", "mean", "min", "alpha", "p", "prob", "lambda", "n", "shape":
		r.Param1 = v
	case "param2", "stddev", "max", "beta", "scale":
		r.Param2 = v
	default:
		return unknownProperty("random delay", name)
	}
	return nil
}

// SetStringProperty implements Configurable.
func (r *RandomDelay) SetStringProperty(name, v string) error {
	if propName(name) != "distribution" && propName(name) != "dist" {
		return unknownProperty("random delay", name)
	}
	d := Distribution(strings.ToLower(strings.TrimSpace(v)))
	if !validDistributions[d] {
		return sim.Errorf(sim.CodeInvalidArgument, "set filter property", "unknown distribution %q", v)
	}
	r.Dist = d
	return nil
}

// RandomDrop drops messages with a fixed probability.
type RandomDrop struct {
	Prob float64
	rng  *rand.Rand
}

// NewRandomDrop creates a random drop drawing from rng.
func NewRandomDrop(rng *rand.Rand) *RandomDrop {
	return &RandomDrop{rng: rng}
}

// Process implements Operator.
func (r *RandomDrop) Process(m *sim.Message) *sim.Message {
	if r.Prob > 0 && r.rng.Float64() < r.Prob {
		return nil
	}
	return m
}

// SetProperty implements Configurable.
func (r *RandomDrop) SetProperty(name string, v float64) error {
	switch propName(name) {
	case "prob", "probability", "dropprob":
	default:
		return unknownProperty("random drop", name)
	}
	if v < 0 || v > 1 {
		return sim.Errorf(sim.CodeInvalidArgument, "set filter property", "drop probability must be in [0,1], got %v", v)
	}
	r.Prob = v
	return nil
}

// SetStringProperty implements Configurable.
func (r *RandomDrop) SetStringProperty(name, _ string) error {
	return unknownProperty("random drop", name)
}

// Reroute sends messages to a new destination, optionally only those whose
// destination matches one of the conditions.
type Reroute struct {
	NewDest    string
	conditions []*regexp.Regexp
}

// Process implements Operator.
func (r *Reroute) Process(m *sim.Message) *sim.Message {
	if r.NewDest == "" {
		return m
	}
	if len(r.conditions) > 0 {
		matched := false
		for _, re := range r.conditions {
			if re.MatchString(m.Dest) {
				matched = true
				break
			}
		}
		if !matched {
			return m
		}
	}
	m.Dest = r.NewDest
	return m
}

// SetProperty implements Configurable.
func (r *Reroute) SetProperty(name string, _ float64) error {
	return unknownProperty("reroute", name)
}

// SetStringProperty implements Configurable.
func (r *Reroute) SetStringProperty(name, v string) error {
	switch propName(name) {
	case "newdestination", "destination", "reroute":
		r.NewDest = v
	case "condition":
		re, err := regexp.Compile(v)
		if err != nil {
			return sim.NewError(sim.CodeInvalidArgument, "set filter property", name, err)
		}
		r.conditions = append(r.conditions, re)
	default:
		return unknownProperty("reroute", name)
	}
	return nil
}

// NewOperator creates the built-in operator for a filter type. Custom
// filters have no built-in operator and clone filters need none.
func NewOperator(t sim.FilterType, rng *rand.Rand) (Operator, error) {
	switch t {
	case sim.FilterCustom, sim.FilterClone:
		return nil, nil
	case sim.FilterDelay:
		return &Delay{}, nil
	case sim.FilterRandomDelay:
		return NewRandomDelay(rng), nil
	case sim.FilterRandomDrop:
		return NewRandomDrop(rng), nil
	case sim.FilterReroute:
		return &Reroute{}, nil
	}
	return nil, sim.Errorf(sim.CodeInvalidArgument, "create filter", "filter type %s is not supported", t)
}
