package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
)

// linkTypes exercises both the pointer-passing and the serialising links.
var linkTypes = []sim.CoreType{sim.CoreInproc, sim.CoreTest}

const waitTimeout = 5 * time.Second

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime()
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newRootCore(t *testing.T, ct sim.CoreType, init string) *Core {
	t.Helper()
	c, err := newTestRuntime(t).NewCore(ct, "", init)
	require.NoError(t, err)
	return c
}

func registerFederate(t *testing.T, c *Core, name string) *FederateState {
	t.Helper()
	fs, err := c.RegisterFederate(name, DefaultFederateConfig())
	require.NoError(t, err)
	return fs
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), waitTimeout)
}

func await[T any](t *testing.T, f *Future[T]) T {
	t.Helper()
	ctx, cancel := testContext()
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

// enterExec takes every federate through init into executing mode.
func enterExec(t *testing.T, feds ...*FederateState) {
	t.Helper()
	inits := make([]*Future[Grant], 0, len(feds))
	for _, fs := range feds {
		f, err := fs.RequestInit()
		require.NoError(t, err)
		inits = append(inits, f)
	}
	for _, f := range inits {
		await(t, f)
	}
	execs := make([]*Future[Grant], 0, len(feds))
	for _, fs := range feds {
		f, err := fs.RequestExec(sim.NoIteration)
		require.NoError(t, err)
		execs = append(execs, f)
	}
	for i, f := range execs {
		g := await(t, f)
		require.Equal(t, sim.NextStep, g.Result, "federate %s", feds[i].Name())
	}
}

// requestTime blocks until fs is granted and returns the grant.
func requestTime(t *testing.T, fs *FederateState, at sim.Time) Grant {
	t.Helper()
	f, err := fs.RequestTime(at, sim.NoIteration)
	require.NoError(t, err)
	return await(t, f)
}

// flush waits until the root has processed everything c sent before.
func flush(t *testing.T, c *Core) {
	t.Helper()
	_, err := c.Query("federation", "name")
	require.NoError(t, err)
}
