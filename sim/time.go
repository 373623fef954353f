package sim

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Time is federation time in seconds.
type Time float64

const (
	// TimeZero is the start of execution.
	TimeZero Time = 0
	// TimeEpsilon is the smallest distinguishable difference between two times.
	TimeEpsilon Time = 1e-9
	// TimeMax is the largest representable federation time. Requesting it
	// means "run until nothing else can happen".
	TimeMax Time = 9223372036.854775807
)

// Equal reports whether t and o are within TimeEpsilon of each other.
func (t Time) Equal(o Time) bool {
	return math.Abs(float64(t-o)) < float64(TimeEpsilon)
}

// Before reports whether t is earlier than o by more than TimeEpsilon.
func (t Time) Before(o Time) bool {
	return t < o-TimeEpsilon
}

// After reports whether t is later than o by more than TimeEpsilon.
func (t Time) After(o Time) bool {
	return t > o+TimeEpsilon
}

// AtOrBefore is the epsilon-tolerant t <= o.
func (t Time) AtOrBefore(o Time) bool {
	return !t.After(o)
}

// IsMax reports whether t has reached TimeMax.
func (t Time) IsMax() bool {
	return t >= TimeMax-TimeEpsilon
}

// Seconds returns t as a float64 number of seconds.
func (t Time) Seconds() float64 { return float64(t) }

// Duration converts t to a wall-clock duration, saturating at the maximum.
func (t Time) Duration() time.Duration {
	if t.IsMax() || float64(t)*1e9 >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(float64(t) * float64(time.Second))
}

// FromDuration converts a wall-clock duration to federation time.
func FromDuration(d time.Duration) Time {
	return Time(d.Seconds())
}

func (t Time) String() string {
	if t.IsMax() {
		return "max"
	}
	return strconv.FormatFloat(float64(t), 'g', -1, 64)
}

// MinTime returns the smaller of a and b.
func MinTime(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

// MaxTime returns the larger of a and b.
func MaxTime(a, b Time) Time {
	if a > b {
		return a
	}
	return b
}

// ParseTime accepts a plain number of seconds, a Go duration string
// ("250ms", "1.5s") or one of "max"/"inf".
func ParseTime(s string) (Time, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return TimeZero, Errorf(CodeInvalidArgument, "parse time", "empty time value")
	case "max", "inf", "infinity":
		return TimeMax, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 || math.IsNaN(f) {
			return TimeZero, Errorf(CodeInvalidArgument, "parse time", "time %q must be non-negative", s)
		}
		if f >= float64(TimeMax) {
			return TimeMax, nil
		}
		return Time(f), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return TimeZero, &Error{Code: CodeInvalidArgument, Op: "parse time", Name: s, Err: err}
	}
	if d < 0 {
		return TimeZero, Errorf(CodeInvalidArgument, "parse time", "time %q must be non-negative", s)
	}
	return FromDuration(d), nil
}

// UnmarshalYAML lets configuration files write times as numbers or strings.
func (t *Time) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time must be a scalar", node.Line)
	}
	parsed, err := ParseTime(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = parsed
	return nil
}
