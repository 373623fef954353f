package core

import (
	"testing"

	"github.com/Jeffail/gabs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/trace"
)

func mustValue(t *testing.T, x any) sim.Value {
	t.Helper()
	v, err := sim.NewValue(x)
	require.NoError(t, err)
	return v
}

func TestFederation_ValueExchange_HonoursDependency(t *testing.T) {
	for _, ct := range linkTypes {
		t.Run(ct.String(), func(t *testing.T) {
			// GIVEN A publishing to an input of B
			c := newRootCore(t, ct, "")
			a := registerFederate(t, c, "A")
			b := registerFederate(t, c, "B")
			pub, err := a.RegisterPublication("x", false, "double", "")
			require.NoError(t, err)
			in, err := b.RegisterInput("in", false, "double", "")
			require.NoError(t, err)
			require.NoError(t, b.AddTarget(in, "A/x"))
			enterExec(t, a, b)

			// WHEN A publishes at t=1 and moves on to t=3
			assert.Equal(t, sim.Time(1), requestTime(t, a, 1).Time)
			require.NoError(t, a.Publish(pub, mustValue(t, 3.5)))
			assert.Equal(t, sim.Time(3), requestTime(t, a, 3).Time)

			// THEN B asking for t=5 is interrupted at t=1 with the value
			g := requestTime(t, b, 5)
			assert.Equal(t, sim.Time(1), g.Time)
			assert.Equal(t, sim.NextStep, g.Result)
			assert.True(t, b.IsUpdated(in))
			v, err := b.Value(in)
			require.NoError(t, err)
			d, err := v.AsDouble()
			require.NoError(t, err)
			assert.Equal(t, 3.5, d)

			// AND B cannot pass A until A advances
			f, err := b.RequestTime(5, sim.NoIteration)
			require.NoError(t, err)
			flush(t, c)
			assert.False(t, f.IsDone(), "B must wait while A could still publish before t=5")
			assert.Equal(t, sim.Time(10), requestTime(t, a, 10).Time)
			assert.Equal(t, sim.Time(5), await(t, f).Time)
		})
	}
}

func TestFederation_LateSubscriberReceivesLastValue(t *testing.T) {
	// GIVEN a publication that already published during init
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")
	pub, err := a.RegisterPublication("x", true, "int", "")
	require.NoError(t, err)
	in, err := b.RegisterInput("", false, "int", "")
	require.NoError(t, err)
	enterExec(t, a, b)

	// WHEN B subscribes only after the value was published
	require.NoError(t, a.Publish(pub, mustValue(t, int64(7))))
	flush(t, c)
	require.NoError(t, b.AddTarget(in, "x"))
	assert.Equal(t, sim.Time(2), requestTime(t, a, 2).Time)
	requestTime(t, b, 1)

	// THEN the stored value reaches the new input
	v, err := b.Value(in)
	require.NoError(t, err)
	n, err := v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestFederation_InitWaitsForMinimumFederates(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "-f 2")
	a := registerFederate(t, c, "A")

	// WHEN only one of two expected federates asks for init
	fa, err := a.RequestInit()
	require.NoError(t, err)
	flush(t, c)

	// THEN the request stays outstanding
	_, err = fa.Poll()
	assert.ErrorIs(t, err, sim.ErrNotReadyYet)
	assert.Equal(t, sim.PendingInit, a.PendingOp())

	// WHEN the second federate joins and asks too
	b := registerFederate(t, c, "B")
	fb, err := b.RequestInit()
	require.NoError(t, err)

	// THEN both are granted
	await(t, fa)
	await(t, fb)
	assert.Equal(t, sim.StateInitializing, a.State())
	assert.Equal(t, sim.StateInitializing, b.State())
}

func TestFederation_RegisterAfterInit_Rejected(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	enterExec(t, a)

	_, err := c.RegisterFederate("late", DefaultFederateConfig())
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err))

	_, err = a.RegisterPublication("late", false, "double", "")
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err))
}

func TestFederation_DuplicateNames(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")

	_, err := c.RegisterFederate("A", DefaultFederateConfig())
	assert.Equal(t, sim.CodeDuplicateName, sim.CodeOf(err))

	_, err = a.RegisterPublication("shared", true, "double", "")
	require.NoError(t, err)
	_, err = b.RegisterPublication("shared", true, "double", "")
	assert.Equal(t, sim.CodeDuplicateName, sim.CodeOf(err))

	// the failed registration leaves nothing behind on B
	_, err = b.Publication("shared")
	assert.Error(t, err)
}

func TestFederation_Messages_DeliveredAtSendTime(t *testing.T) {
	for _, ct := range linkTypes {
		t.Run(ct.String(), func(t *testing.T) {
			// GIVEN endpoints on A and B
			c := newRootCore(t, ct, "")
			a := registerFederate(t, c, "A")
			b := registerFederate(t, c, "B")
			src, err := a.RegisterEndpoint("ep", false, "")
			require.NoError(t, err)
			dst, err := b.RegisterEndpoint("ep", false, "")
			require.NoError(t, err)
			enterExec(t, a, b)

			// WHEN A sends a message stamped t=2
			require.NoError(t, a.SendAt(src, "B/ep", []byte("hello"), 2))
			fa, err := a.RequestTime(10, sim.NoIteration)
			require.NoError(t, err)

			// THEN B is granted t=2 and receives it
			g := requestTime(t, b, 10)
			assert.Equal(t, sim.Time(2), g.Time)
			require.True(t, b.HasMessage(dst))
			m := b.GetMessage(dst)
			require.NotNil(t, m)
			assert.Equal(t, "hello", m.String())
			assert.Equal(t, "A/ep", m.Source)
			assert.Equal(t, "B/ep", m.OriginalDest)
			assert.Equal(t, sim.Time(2), m.Time)
			assert.Nil(t, b.GetMessage(dst), "queue must be empty after the only message")

			assert.Equal(t, sim.Time(10), requestTime(t, b, 10).Time)
			assert.Equal(t, sim.Time(10), await(t, fa).Time)
		})
	}
}

func TestFederation_DelayFilter_ShiftsMessageTime(t *testing.T) {
	// GIVEN a delay filter of 1.5 on A's endpoint
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")
	f := registerFederate(t, c, "F")
	src, err := a.RegisterEndpoint("ep", false, "")
	require.NoError(t, err)
	dst, err := b.RegisterEndpoint("ep", false, "")
	require.NoError(t, err)
	flt, err := f.RegisterFilter("delay", false, sim.FilterDelay, false, "", "")
	require.NoError(t, err)
	require.NoError(t, f.AddFilterTarget(flt, "A/ep", FilterSourceTarget))
	require.NoError(t, f.SetFilterProperty(flt, "delay", 1.5))
	enterExec(t, a, b, f)

	// WHEN A sends at t=0
	require.NoError(t, a.Send(src, "B/ep", []byte("late")))
	fa, err := a.RequestTime(10, sim.NoIteration)
	require.NoError(t, err)

	// THEN B sees it at t=1.5
	assert.Equal(t, sim.Time(1.5), requestTime(t, b, 10).Time)
	m := b.GetMessage(dst)
	require.NotNil(t, m)
	assert.Equal(t, sim.Time(1.5), m.Time)
	assert.Equal(t, "A/ep", m.OriginalSource)

	requestTime(t, b, 10)
	await(t, fa)
}

func TestFederation_CloneFilter_CopiesToDelivery(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")
	src, err := a.RegisterEndpoint("ep", false, "")
	require.NoError(t, err)
	dst, err := b.RegisterEndpoint("ep", false, "")
	require.NoError(t, err)
	tap, err := b.RegisterEndpoint("tap", false, "")
	require.NoError(t, err)
	flt, err := b.RegisterFilter("cloner", false, sim.FilterClone, false, "", "")
	require.NoError(t, err)
	require.NoError(t, b.AddFilterTarget(flt, "A/ep", FilterSourceTarget))
	require.NoError(t, b.AddFilterTarget(flt, "B/tap", FilterDeliveryTarget))
	enterExec(t, a, b)

	require.NoError(t, a.SendAt(src, "B/ep", []byte("data"), 1))
	fa, err := a.RequestTime(5, sim.NoIteration)
	require.NoError(t, err)

	assert.Equal(t, sim.Time(1), requestTime(t, b, 5).Time)
	orig := b.GetMessage(dst)
	cp := b.GetMessage(tap)
	require.NotNil(t, orig)
	require.NotNil(t, cp)
	assert.Equal(t, "data", cp.String())
	assert.Equal(t, "B/tap", cp.Dest)
	assert.Equal(t, "B/ep", cp.OriginalDest)

	requestTime(t, b, 5)
	await(t, fa)
}

func TestFederation_UnknownDestination_IsDroppedAndTraced(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "--trace=full")
	a := registerFederate(t, c, "A")
	src, err := a.RegisterEndpoint("ep", false, "")
	require.NoError(t, err)
	enterExec(t, a)

	require.NoError(t, a.Send(src, "nowhere", []byte("x")))
	flush(t, c)

	drops := c.Trace().Drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "unknown destination", drops[0].Reason)
	assert.Equal(t, "nowhere", drops[0].Dest)

	grants := c.Trace().Grants()
	require.NotEmpty(t, grants)
	assert.True(t, grants[0].Exec)
	assert.Equal(t, "A", grants[0].Federate)
}

func TestFederation_RequiredConnectionMissing_FailsExec(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	in, err := a.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, a.SetOption(in, sim.OptionConnectionRequired, 1))

	fi, err := a.RequestInit()
	require.NoError(t, err)
	await(t, fi)
	fe, err := a.RequestExec(sim.NoIteration)
	require.NoError(t, err)

	ctx, cancel := testContext()
	defer cancel()
	_, err = fe.Wait(ctx)
	assert.Equal(t, sim.CodeConnectionFailure, sim.CodeOf(err))
	assert.Equal(t, sim.StateError, a.State())
}

func TestFederation_SingleConnectionOnly(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	_, err := a.RegisterPublication("p1", true, "double", "")
	require.NoError(t, err)
	_, err = a.RegisterPublication("p2", true, "double", "")
	require.NoError(t, err)
	b := registerFederate(t, c, "B")
	in, err := b.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, b.SetOption(in, sim.OptionSingleConnectionOnly, 1))

	require.NoError(t, b.AddTarget(in, "p1"))
	err = b.AddTarget(in, "p2")
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(err))
}

func TestFederation_StrictTypes_RejectsMismatch(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	_, err := a.RegisterPublication("p", true, "string", "")
	require.NoError(t, err)
	in, err := a.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, a.SetOption(in, sim.OptionStrictTypeChecking, 1))

	err = a.AddTarget(in, "p")
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(err))
}

func TestFederation_Finalize_UnblocksDependents(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")
	_, err := a.RegisterPublication("x", false, "double", "")
	require.NoError(t, err)
	in, err := b.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, b.AddTarget(in, "A/x"))
	enterExec(t, a, b)

	// GIVEN B blocked behind A at t=0
	fb, err := b.RequestTime(4, sim.NoIteration)
	require.NoError(t, err)
	flush(t, c)
	require.False(t, fb.IsDone())

	// WHEN A finalizes
	ff, err := a.Finalize()
	require.NoError(t, err)
	await(t, ff)

	// THEN B advances to what it asked for and A's names are released
	assert.Equal(t, sim.Time(4), await(t, fb).Time)
	assert.Equal(t, sim.StateFinalized, a.State())
	pubs, err := c.Query("federation", "publications")
	require.NoError(t, err)
	assert.Equal(t, "[]", pubs)
}

func TestFederation_FinalizeWithPendingRequest_Fails(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "-f 2")
	a := registerFederate(t, c, "A")
	_, err := a.RequestInit()
	require.NoError(t, err)

	_, err = a.Finalize()
	assert.Equal(t, sim.CodeOperationPending, sim.CodeOf(err))

	_, err = a.RequestInit()
	assert.Equal(t, sim.CodeOperationPending, sim.CodeOf(err))
}

func TestFederation_TerminateOnError_HaltsEveryone(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "")
	cfg := DefaultFederateConfig()
	cfg.TerminateOnError = true
	a, err := c.RegisterFederate("A", cfg)
	require.NoError(t, err)
	b := registerFederate(t, c, "B")
	_, err = a.RegisterPublication("x", false, "double", "")
	require.NoError(t, err)
	in, err := b.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, b.AddTarget(in, "A/x"))
	enterExec(t, a, b)

	fb, err := b.RequestTime(3, sim.NoIteration)
	require.NoError(t, err)
	require.NoError(t, a.LocalError(sim.CodeFatal, "boom"))

	g := await(t, fb)
	assert.Equal(t, sim.Halted, g.Result)
	assert.Equal(t, sim.StateError, a.State())
	assert.Equal(t, sim.StateFinalized, b.State())
}

func TestFederation_BrokerHierarchy(t *testing.T) {
	for _, ct := range linkTypes {
		t.Run(ct.String(), func(t *testing.T) {
			// GIVEN two cores under one broker, one federate each
			rt := newTestRuntime(t)
			br, err := rt.NewBroker(ct, "hub", "")
			require.NoError(t, err)
			c1, err := rt.NewCore(ct, "c1", "--broker=hub")
			require.NoError(t, err)
			c2, err := rt.NewCore(ct, "c2", "--broker=hub")
			require.NoError(t, err)
			a := registerFederate(t, c1, "A")
			b := registerFederate(t, c2, "B")
			pub, err := a.RegisterPublication("x", false, "double", "")
			require.NoError(t, err)
			in, err := b.RegisterInput("in", false, "double", "")
			require.NoError(t, err)
			require.NoError(t, b.AddTarget(in, "A/x"))
			enterExec(t, a, b)

			// WHEN a value crosses the broker
			require.NoError(t, a.Publish(pub, mustValue(t, 2.0)))
			fa, err := a.RequestTime(5, sim.NoIteration)
			require.NoError(t, err)

			// THEN B sees it and the broker knows the topology
			requestTime(t, b, 1)
			d, err := mustDecode(b, in)
			require.NoError(t, err)
			assert.Equal(t, 2.0, d)
			await(t, fa)

			assert.True(t, br.IsRoot())
			assert.False(t, c1.IsRoot())
			cores, err := br.Query("federation", "cores")
			require.NoError(t, err)
			assert.Equal(t, `["c1","c2"]`, cores)
			feds, err := c2.Query("core", "federates")
			require.NoError(t, err)
			assert.Equal(t, `["B"]`, feds)
		})
	}
}

func mustDecode(fs *FederateState, in sim.Handle) (float64, error) {
	v, err := fs.Value(in)
	if err != nil {
		return 0, err
	}
	return v.AsDouble()
}

func TestFederation_CoreDisconnect_HaltsPendingRequests(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.NewBroker(sim.CoreInproc, "hub", "")
	require.NoError(t, err)
	c1, err := rt.NewCore(sim.CoreInproc, "c1", "--broker=hub")
	require.NoError(t, err)
	c2, err := rt.NewCore(sim.CoreInproc, "c2", "--broker=hub")
	require.NoError(t, err)
	a := registerFederate(t, c1, "A")
	b := registerFederate(t, c2, "B")
	_, err = a.RegisterPublication("x", false, "double", "")
	require.NoError(t, err)
	in, err := b.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, b.AddTarget(in, "A/x"))
	enterExec(t, a, b)

	// GIVEN A waiting on nothing and B waiting on A
	fb, err := b.RequestTime(3, sim.NoIteration)
	require.NoError(t, err)

	// WHEN B's own core disconnects
	require.NoError(t, c2.Disconnect())

	// THEN B's request completes as halted
	g := await(t, fb)
	assert.Equal(t, sim.Halted, g.Result)
	assert.False(t, c2.IsConnected())

	// AND A, no longer depending on anyone, keeps running
	assert.Equal(t, sim.Time(7), requestTime(t, a, 7).Time)
}

func TestFederation_Queries(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "--name=root")
	a := registerFederate(t, c, "A")
	b := registerFederate(t, c, "B")
	_, err := a.RegisterPublication("x", false, "double", "")
	require.NoError(t, err)
	in, err := b.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, b.AddTarget(in, "A/x"))
	_, err = b.RegisterEndpoint("ep", true, "")
	require.NoError(t, err)

	tests := []struct {
		target string
		query  string
		want   string
	}{
		{"federation", "name", "root"},
		{"root", "federates", `["A","B"]`},
		{"federation", "publications", `["A/x"]`},
		{"federation", "isinit", "false"},
		{"federation", "state", "created"},
		{"A", "state", "created"},
		{"B", "dependencies", `["A"]`},
		{"A", "dependents", `["B"]`},
		{"B", "waiting_on", `[]`},
		{"B", "endpoints", `["ep"]`},
		{"B", "exists", "true"},
		{"nobody", "exists", "false"},
		{"nobody", "state", InvalidQuery},
		{"federation", "frobnicate", InvalidQuery},
		{"core", "name", "root"},
		{"A", "address", "inproc://root"},
	}
	for _, tc := range tests {
		t.Run(tc.target+"/"+tc.query, func(t *testing.T) {
			got, err := a.Query(tc.target, tc.query)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	counts, err := c.Query("federation", "counts")
	require.NoError(t, err)
	parsed, err := gabs.ParseJSON([]byte(counts))
	require.NoError(t, err)
	assert.Equal(t, 2.0, parsed.Path("federates").Data())
	assert.Equal(t, 1.0, parsed.Path("inputs").Data())

	graph, err := c.Query("federation", "dependency_graph")
	require.NoError(t, err)
	parsed, err = gabs.ParseJSON([]byte(graph))
	require.NoError(t, err)
	entries := parsed.Path("federates").Children()
	require.Len(t, entries, 2)
	assert.Equal(t, "B", entries[1].Path("name").Data())
	assert.Equal(t, []any{"A"}, entries[1].Path("dependencies").Data())

	async := c.QueryAsync("A", "name")
	assert.Equal(t, "A", await(t, async))
}

func TestFederation_TraceLevelGrants_SkipsDeliveries(t *testing.T) {
	c := newRootCore(t, sim.CoreInproc, "--trace=grants")
	a := registerFederate(t, c, "A")
	pub, err := a.RegisterPublication("x", false, "double", "")
	require.NoError(t, err)
	in, err := a.RegisterInput("in", false, "double", "")
	require.NoError(t, err)
	require.NoError(t, a.AddTarget(in, "A/x"))
	enterExec(t, a)
	require.NoError(t, a.Publish(pub, mustValue(t, 1.0)))
	requestTime(t, a, 1)

	assert.Equal(t, trace.LevelGrants, c.Trace().Level())
	assert.Empty(t, c.Trace().Deliveries())
	summary := trace.Summarize(c.Trace())
	assert.Equal(t, 2, summary.TotalGrants)
	assert.Equal(t, 1, summary.ExecGrants)
}
