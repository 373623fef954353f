package core

import (
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/trace"
)

// DefaultTimeout bounds every blocking round-trip to the root.
const DefaultTimeout = 30 * time.Second

// Options are the settings parsed from a core or broker init string.
type Options struct {
	Name          string
	Federates     int // minimum federates before init may be granted
	Broker        string
	BrokerAddress string
	LogLevel      sim.LogLevel
	AutoBroker    bool
	Port          int
	Timeout       time.Duration
	Seed          int64
	Trace         trace.Level
}

// DefaultOptions returns the settings used when an init string is empty.
func DefaultOptions() Options {
	return Options{
		Federates: 1,
		LogLevel:  sim.LogWarning,
		Timeout:   DefaultTimeout,
		Seed:      42,
		Trace:     trace.LevelNone,
	}
}

// ParseOptions parses a whitespace separated init string such as
// "-f 2 --name=core1 --broker=b1".
func ParseOptions(init string) (Options, error) {
	return ParseArgs(strings.Fields(init))
}

// ParseArgs parses init arguments already split into words.
func ParseArgs(args []string) (Options, error) {
	opts := DefaultOptions()
	fs := pflag.NewFlagSet("core", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var logLevel, timeout, traceLevel string
	fs.IntVarP(&opts.Federates, "federates", "f", opts.Federates, "Minimum number of federates before init is granted")
	fs.StringVar(&opts.Name, "name", "", "Node name; generated when empty")
	fs.StringVar(&opts.Broker, "broker", "", "Name of the parent broker")
	fs.StringVar(&opts.BrokerAddress, "broker_address", "", "Address of the parent broker (inproc://<name>)")
	fs.StringVar(&logLevel, "loglevel", opts.LogLevel.String(), "Log level (no_print, error, warning, summary, connections, interfaces, timing, data, debug, trace)")
	fs.BoolVar(&opts.AutoBroker, "autobroker", false, "Create the parent broker if it does not exist")
	fs.IntVar(&opts.Port, "port", 0, "Port for network transports")
	fs.StringVar(&timeout, "timeout", "", "Bound on blocking operations (seconds or a duration)")
	fs.Int64Var(&opts.Seed, "seed", opts.Seed, "Seed for random filters")
	fs.StringVar(&traceLevel, "trace", string(opts.Trace), "Coordination trace level (none, grants, full)")

	if err := fs.Parse(args); err != nil {
		return Options{}, sim.NewError(sim.CodeInvalidArgument, "parse init string", strings.Join(args, " "), err)
	}
	if fs.NArg() > 0 {
		return Options{}, sim.Errorf(sim.CodeInvalidArgument, "parse init string", "unexpected argument %q", fs.Arg(0))
	}

	lvl, err := sim.ParseLogLevel(logLevel)
	if err != nil {
		return Options{}, err
	}
	opts.LogLevel = lvl

	if timeout != "" {
		t, err := sim.ParseTime(timeout)
		if err != nil {
			return Options{}, err
		}
		opts.Timeout = t.Duration()
	}
	if !trace.IsValidLevel(traceLevel) {
		return Options{}, sim.Errorf(sim.CodeInvalidArgument, "parse init string", "unknown trace level %q", traceLevel)
	}
	opts.Trace = trace.Level(traceLevel)
	if opts.Federates < 0 {
		return Options{}, sim.Errorf(sim.CodeInvalidArgument, "parse init string", "federates must be >= 0, got %d", opts.Federates)
	}
	if opts.Broker == "" && opts.BrokerAddress != "" {
		opts.Broker = brokerFromAddress(opts.BrokerAddress)
	}
	return opts, nil
}

// brokerFromAddress strips a scheme and port from an address.
func brokerFromAddress(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
