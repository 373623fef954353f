package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/messaging"
)

func TestRuntime_NetworkTransport_NotAvailable(t *testing.T) {
	rt := newTestRuntime(t)
	for _, ct := range []sim.CoreType{sim.CoreZMQ, sim.CoreTCP, sim.CoreMPI} {
		_, err := rt.NewCore(ct, "", "")
		assert.Equal(t, sim.CodeConnectionFailure, sim.CodeOf(err), "core type %s", ct)
		assert.Contains(t, err.Error(), "transport not available")
	}
}

func TestRuntime_DuplicateNodeName(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.NewBroker(sim.CoreInproc, "hub", "")
	require.NoError(t, err)
	_, err = rt.NewCore(sim.CoreInproc, "hub", "")
	assert.Equal(t, sim.CodeDuplicateName, sim.CodeOf(err))
}

func TestRuntime_GeneratedNames_AreUnique(t *testing.T) {
	rt := newTestRuntime(t)
	c1, err := rt.NewCore(sim.CoreDefault, "", "")
	require.NoError(t, err)
	c2, err := rt.NewCore(sim.CoreDefault, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, c1.Identifier(), c2.Identifier())
	assert.Equal(t, "inproc://"+c1.Identifier(), c1.Address())
}

func TestRuntime_MissingBroker_TimesOut(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.NewCore(sim.CoreInproc, "lonely", "--broker=absent --timeout=50ms")
	assert.Equal(t, sim.CodeConnectionFailure, sim.CodeOf(err))

	// the failed core does not keep its name
	_, err = rt.FindCore("lonely")
	assert.Equal(t, sim.CodeNotFound, sim.CodeOf(err))
}

func TestRuntime_AutoBroker_CreatesDefaultBroker(t *testing.T) {
	rt := newTestRuntime(t)
	c, err := rt.NewCore(sim.CoreInproc, "c1", "--autobroker")
	require.NoError(t, err)

	b, err := rt.FindBroker(DefaultBrokerName)
	require.NoError(t, err)
	assert.True(t, b.IsRoot())
	assert.False(t, c.IsRoot())
	assert.True(t, c.IsConnected())
}

func TestRuntime_Free_LastReferenceDisconnects(t *testing.T) {
	rt := newTestRuntime(t)
	c, err := rt.NewCore(sim.CoreInproc, "c1", "")
	require.NoError(t, err)
	clone := c.Clone()

	require.NoError(t, c.Free())
	assert.True(t, clone.IsConnected(), "a remaining reference keeps the core alive")

	require.NoError(t, clone.Free())
	assert.True(t, clone.WaitForDisconnect(waitTimeout))
	assert.False(t, clone.IsConnected())

	_, err = clone.RegisterFederate("late", DefaultFederateConfig())
	assert.Equal(t, sim.CodeNotFound, sim.CodeOf(err))
	_, err = rt.FindCore("c1")
	assert.Equal(t, sim.CodeNotFound, sim.CodeOf(err))
}

func TestRuntime_BrokerDisconnect_HaltsCores(t *testing.T) {
	rt := newTestRuntime(t)
	b, err := rt.NewBroker(sim.CoreInproc, "hub", "")
	require.NoError(t, err)
	c, err := rt.NewCore(sim.CoreInproc, "c1", "--broker=hub")
	require.NoError(t, err)
	a := registerFederate(t, c, "A")
	_, err = a.RequestInit()
	require.NoError(t, err)

	require.NoError(t, b.Disconnect())

	assert.True(t, c.WaitForDisconnect(waitTimeout))
	assert.Equal(t, sim.StateFinalized, a.State())
	_, err = c.Query("federation", "name")
	assert.Equal(t, sim.CodeConnectionFailure, sim.CodeOf(err))
}

func TestRuntime_CustomFilterOperator(t *testing.T) {
	// GIVEN a custom filter that upper-cases payloads
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	src, err := a.RegisterEndpoint("ep", true, "")
	require.NoError(t, err)
	flt, err := a.RegisterFilter("shout", false, sim.FilterCustom, false, "", "")
	require.NoError(t, err)
	require.NoError(t, a.AddFilterTarget(flt, "ep", FilterDestinationTarget))
	require.NoError(t, a.SetFilterOperator(flt, messaging.OperatorFunc(func(m *sim.Message) *sim.Message {
		m.Data = []byte(string(m.Data) + "!")
		return m
	})))
	enterExec(t, a)

	// WHEN A messages itself
	require.NoError(t, a.SendAt(src, "ep", []byte("hey"), 1))
	requestTime(t, a, 2)

	// THEN the operator ran on the way in
	m := a.GetMessage(src)
	require.NotNil(t, m)
	assert.Equal(t, "hey!", m.String())
}
