package federate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/core"
)

const waitTimeout = 5 * time.Second

func newTestRuntime(t *testing.T) *core.Runtime {
	t.Helper()
	rt := core.NewRuntime()
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// sharedInfo puts every federate built from it on one root core.
func sharedInfo(ct sim.CoreType, init string) *Info {
	info := NewInfo()
	info.CoreName = "root"
	info.CoreType = ct
	info.CoreInit = init
	info.Timeout = waitTimeout
	return info
}

func newFederateT(t *testing.T, rt *core.Runtime, kind Kind, name string, info *Info) *Federate {
	t.Helper()
	f, err := newFederate(rt, kind, name, info)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// enterExec takes every federate into executing mode through the async
// forms so that a single goroutine can drive several federates.
func enterExec(t *testing.T, feds ...*Federate) {
	t.Helper()
	for _, f := range feds {
		require.NoError(t, f.EnterInitializingModeAsync())
	}
	for _, f := range feds {
		require.NoError(t, f.EnterInitializingModeComplete())
	}
	for _, f := range feds {
		require.NoError(t, f.EnterExecutingModeAsync())
	}
	for _, f := range feds {
		res, err := f.EnterExecutingModeComplete()
		require.NoError(t, err)
		require.Equal(t, sim.NextStep, res, "federate %s", f.Name())
	}
}
