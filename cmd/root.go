package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/cosim/sim/trace"
)

// version is overridden at link time.
var version = "dev"

var (
	logLevel    string // Log verbosity level
	traceLevel  string // Coordination trace level for `run`
	metricsAddr string // Address serving Prometheus metrics while running
	runTimeout  time.Duration
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "cosim",
	Short: "Co-simulation federation runner",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// runCmd executes a scenario
var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a federation scenario and print what its recorders captured",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !trace.IsValidLevel(traceLevel) {
			logrus.Fatalf("Unknown trace level %q (none, grants, full)", traceLevel)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}
		if metricsAddr != "" {
			srv := serveMetrics(metricsAddr)
			defer func() { _ = srv.Shutdown(context.Background()) }()
		}
		if err := runScenario(ctx, args[0], trace.Level(traceLevel), cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("Run failed: %v", err)
		}
		logrus.Info("Federation complete.")
	},
}

// queryCmd answers a query against an initialized scenario
var queryCmd = &cobra.Command{
	Use:   "query <scenario.yaml> <target> <query>",
	Short: "Initialize a scenario and print the answer to a federation query",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		answer, err := queryScenario(args[0], args[1], args[2])
		if err != nil {
			logrus.Fatalf("Query failed: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics server: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s/metrics", addr)
	return srv
}

// runScenario builds the scenario, runs every app, then writes recordings
// and, when tracing, the trace to out.
func runScenario(ctx context.Context, path string, level trace.Level, out io.Writer) error {
	sc, err := LoadScenario(path)
	if err != nil {
		return err
	}
	fl, err := sc.Build(level)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Close() }()

	start := time.Now()
	if err := fl.Run(ctx); err != nil {
		return err
	}
	logrus.Infof("Ran %d federates in %v", len(sc.Federates), time.Since(start))

	if err := fl.WriteRecordings(out); err != nil {
		return err
	}
	if level != "" && level != trace.LevelNone {
		return writeTrace(out, fl.Trace())
	}
	return nil
}

// queryScenario initializes every federate so the federation is fully
// connected, then asks the root.
func queryScenario(path, target, query string) (string, error) {
	sc, err := LoadScenario(path)
	if err != nil {
		return "", err
	}
	fl, err := sc.Build(trace.LevelNone)
	if err != nil {
		return "", err
	}
	defer func() { _ = fl.Close() }()
	if err := fl.Initialize(); err != nil {
		return "", err
	}
	return fl.Query(target, query)
}

func writeTrace(w io.Writer, ft *trace.FederationTrace) error {
	s := trace.Summarize(ft)
	if _, err := fmt.Fprintf(w, "=== Trace ===\ngrants: %d (exec %d, iterating %d), max time %g\nvalues: %d, messages: %d, drops: %d\n",
		s.TotalGrants, s.ExecGrants, s.IterationGrants, s.MaxGrantTime, s.ValueDeliveries, s.MessageDeliveries, s.Drops); err != nil {
		return err
	}
	if ft == nil {
		return nil
	}
	for _, g := range ft.Grants() {
		kind := "time"
		if g.Exec {
			kind = "exec"
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%g\t%s\t%d\n", g.Federate, kind, g.Time, g.Result, g.Iteration); err != nil {
			return err
		}
	}
	return writeDrops(w, s.DropsByReason)
}

// writeDrops prints drop counts ordered by reason.
func writeDrops(w io.Writer, drops map[string]int) error {
	reasons := make([]string, 0, len(drops))
	for reason := range drops {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		if _, err := fmt.Fprintf(w, "dropped %d: %s\n", drops[reason], reason); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&traceLevel, "trace", "none", "Coordination trace level (none, grants, full)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9090)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the run after this wall-clock duration (0 disables)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(versionCmd)
}
