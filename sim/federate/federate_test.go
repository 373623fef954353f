package federate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/internal/testutil"
)

func TestFederate_ValueExchange(t *testing.T) {
	for _, ct := range []sim.CoreType{sim.CoreInproc, sim.CoreTest} {
		t.Run(ct.String(), func(t *testing.T) {
			// GIVEN a publisher and a subscriber sharing one core
			rt := newTestRuntime(t)
			info := sharedInfo(ct, "-f 2")
			a := newFederateT(t, rt, KindValue, "A", info)
			b := newFederateT(t, rt, KindValue, "B", info)
			pub, err := a.RegisterGlobalPublication("voltage", "double", "V")
			require.NoError(t, err)
			in, err := b.RegisterSubscription("voltage", "V")
			require.NoError(t, err)
			enterExec(t, a, b)

			// WHEN A publishes at t=1 and moves on to t=3
			granted, err := a.RequestTime(1)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(1), granted)
			require.NoError(t, pub.PublishDouble(3.5))
			granted, err = a.RequestTime(3)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(3), granted)

			// THEN B asking for t=5 wakes at t=1 holding the value
			granted, err = b.RequestTime(5)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(1), granted)
			assert.Equal(t, sim.Time(1), b.CurrentTime())
			assert.True(t, in.IsUpdated())
			v, err := in.Double()
			require.NoError(t, err)
			assert.Equal(t, 3.5, v)
			assert.Equal(t, sim.Time(1), in.LastUpdateTime())

			// AND reading does not clear the updated flag
			assert.True(t, in.IsUpdated())
			require.NoError(t, in.ClearUpdate())
			assert.False(t, in.IsUpdated())

			// AND B waits for A before passing t=3
			require.NoError(t, b.RequestTimeAsync(5))
			assert.Equal(t, sim.PendingTime, b.PendingOperation())
			granted, err = a.RequestTime(10)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(10), granted)
			granted, err = b.RequestTimeComplete()
			require.NoError(t, err)
			assert.Equal(t, sim.Time(5), granted)
			assert.Equal(t, sim.PendingNone, b.PendingOperation())
		})
	}
}

func TestFederate_TypedAccessors(t *testing.T) {
	// GIVEN inputs of several types fed from one publication each
	rt := newTestRuntime(t)
	a := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, "-f 2"))
	b := newFederateT(t, rt, KindValue, "B", sharedInfo(sim.CoreInproc, "-f 2"))
	tests := []struct {
		name    string
		typ     string
		publish func(p *Publication) error
		check   func(t *testing.T, in *Input)
	}{
		{"bool", "bool", func(p *Publication) error { return p.PublishBool(true) }, func(t *testing.T, in *Input) {
			v, err := in.Bool()
			require.NoError(t, err)
			assert.True(t, v)
		}},
		{"int", "int", func(p *Publication) error { return p.PublishInt(42) }, func(t *testing.T, in *Input) {
			v, err := in.Int()
			require.NoError(t, err)
			assert.Equal(t, int64(42), v)
		}},
		{"complex", "complex", func(p *Publication) error { return p.PublishComplex(complex(1, -2)) }, func(t *testing.T, in *Input) {
			v, err := in.Complex()
			require.NoError(t, err)
			assert.Equal(t, complex(1, -2), v)
		}},
		{"string", "string", func(p *Publication) error { return p.PublishString("on") }, func(t *testing.T, in *Input) {
			v, err := in.StringValue()
			require.NoError(t, err)
			assert.Equal(t, "on", v)
		}},
		{"vector", "vector", func(p *Publication) error { return p.PublishVector([]float64{1, 2, 3}) }, func(t *testing.T, in *Input) {
			v, err := in.Vector()
			require.NoError(t, err)
			assert.Equal(t, []float64{1, 2, 3}, v)
		}},
		{"named_point", "named_point", func(p *Publication) error { return p.PublishNamedPoint("load", 0.75) }, func(t *testing.T, in *Input) {
			v, err := in.NamedPoint()
			require.NoError(t, err)
			assert.Equal(t, sim.NamedPoint{Name: "load", Value: 0.75}, v)
		}},
		{"raw", "raw", func(p *Publication) error { return p.PublishRaw([]byte{0x01, 0x02}) }, func(t *testing.T, in *Input) {
			v, err := in.Raw()
			require.NoError(t, err)
			assert.Equal(t, []byte{0x01, 0x02}, v)
		}},
	}
	pubs := make([]*Publication, len(tests))
	inputs := make([]*Input, len(tests))
	for i, tc := range tests {
		var err error
		pubs[i], err = a.RegisterPublication(tc.name, tc.typ, "")
		require.NoError(t, err)
		inputs[i], err = b.RegisterInput(tc.name, tc.typ, "")
		require.NoError(t, err)
		require.NoError(t, inputs[i].AddTarget("A/"+tc.name))
	}
	enterExec(t, a, b)

	// WHEN every value is published at t=1
	_, err := a.RequestTime(1)
	require.NoError(t, err)
	for i, tc := range tests {
		require.NoError(t, tc.publish(pubs[i]), tc.name)
	}
	require.NoError(t, a.RequestTimeAsync(2))
	granted, err := b.RequestTime(2)
	require.NoError(t, err)
	assert.Equal(t, sim.Time(1), granted)

	// THEN each input decodes its own type
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, inputs[i])
		})
	}
	_, err = a.RequestTimeComplete()
	require.NoError(t, err)
}

func TestFederate_InputDefault(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))
	in, err := f.RegisterInput("setpoint", "double", "")
	require.NoError(t, err)

	// WHEN a default is set before any publisher exists
	require.NoError(t, in.SetDefault(12))

	// THEN reads return it converted to the input type
	v, err := in.Double()
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
	assert.False(t, in.HasValue())
	assert.False(t, in.IsUpdated())
	assert.Equal(t, "A/setpoint", in.Name())
	assert.Equal(t, "double", in.Type())
}

func TestFederate_KindRestrictsInterfaces(t *testing.T) {
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "")
	vf := newFederateT(t, rt, KindValue, "values", info)
	mf := newFederateT(t, rt, KindMessage, "messages", info)
	cf := newFederateT(t, rt, KindCombination, "both", info)

	_, err := vf.RegisterEndpoint("ep", "")
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err), "value federates have no endpoints")
	_, err = mf.RegisterPublication("x", "double", "")
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err), "message federates have no publications")
	_, err = mf.RegisterInput("x", "double", "")
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err), "message federates have no inputs")

	_, err = cf.RegisterPublication("x", "double", "")
	assert.NoError(t, err)
	_, err = cf.RegisterEndpoint("ep", "")
	assert.NoError(t, err)
	_, err = mf.RegisterFilter("f", sim.FilterDelay)
	assert.NoError(t, err, "every kind may register filters")

	assert.Equal(t, 1, cf.PublicationCount())
	assert.Equal(t, 1, cf.EndpointCount())
	assert.Equal(t, 0, cf.InputCount())
	assert.Equal(t, 1, mf.FilterCount())

	p, err := cf.Publication("x")
	require.NoError(t, err)
	assert.Equal(t, "both/x", p.Name())
	_, err = cf.Endpoint("missing")
	assert.Equal(t, sim.CodeNotFound, sim.CodeOf(err))
}

func TestFederate_AsyncProtocolMisuse(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))

	// WHEN Complete is called before any Async call
	err := f.EnterInitializingModeComplete()
	assert.Equal(t, sim.CodeOperationNotInitiated, sim.CodeOf(err))

	// WHEN a second operation starts while one is outstanding
	require.NoError(t, f.EnterInitializingModeAsync())
	err = f.EnterInitializingModeAsync()
	assert.Equal(t, sim.CodeOperationPending, sim.CodeOf(err))
	err = f.FinalizeAsync()
	assert.Equal(t, sim.CodeOperationPending, sim.CodeOf(err), "finalize with an operation outstanding")

	// THEN completing the wrong operation is rejected and the right one works
	_, err = f.EnterExecutingModeComplete()
	assert.Equal(t, sim.CodeInvalidState, sim.CodeOf(err))
	require.Eventually(t, f.IsAsyncOperationCompleted, waitTimeout, time.Millisecond)
	assert.Equal(t, sim.PendingInit, f.PendingOperation())
	require.NoError(t, f.EnterInitializingModeComplete())
	assert.Equal(t, sim.StateInitializing, f.State())
	assert.False(t, f.IsAsyncOperationCompleted())
}

func TestFederate_Messages(t *testing.T) {
	for _, ct := range []sim.CoreType{sim.CoreInproc, sim.CoreTest} {
		t.Run(ct.String(), func(t *testing.T) {
			// GIVEN endpoints on A and B
			rt := newTestRuntime(t)
			info := sharedInfo(ct, "-f 2")
			a := newFederateT(t, rt, KindMessage, "A", info)
			b := newFederateT(t, rt, KindCombination, "B", info)
			src, err := a.RegisterEndpoint("out", "")
			require.NoError(t, err)
			require.NoError(t, src.SetDefaultDestination("B/inbox"))
			dst, err := b.RegisterEndpoint("inbox", "")
			require.NoError(t, err)
			enterExec(t, a, b)

			// WHEN A sends one message now and one stamped t=2
			require.NoError(t, src.Send([]byte("now")))
			require.NoError(t, src.SendAt("B/inbox", []byte("later"), 2))
			require.NoError(t, a.RequestTimeAsync(10))

			// THEN B sees the first right after t=0 and the second at t=2
			granted, err := b.RequestTime(10)
			require.NoError(t, err)
			assert.Equal(t, sim.TimeEpsilon, granted)
			require.Equal(t, 1, dst.PendingMessages())
			m := b.GetMessage()
			require.NotNil(t, m)
			assert.Equal(t, "now", m.String())
			assert.Equal(t, "A/out", m.Source)
			assert.Nil(t, dst.GetMessage(), "queue empty until t=2")

			granted, err = b.RequestTime(10)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(2), granted)
			require.True(t, b.HasMessage())
			m = dst.GetMessage()
			require.NotNil(t, m)
			assert.Equal(t, "later", m.String())
			assert.Equal(t, sim.Time(2), m.Time)

			granted, err = b.RequestTime(10)
			require.NoError(t, err)
			assert.Equal(t, sim.Time(10), granted)
			granted, err = a.RequestTimeComplete()
			require.NoError(t, err)
			assert.Equal(t, sim.Time(10), granted)
		})
	}
}

func TestFederate_GrantTimeout_LeavesRequestOutstanding(t *testing.T) {
	// GIVEN B depending on A, with a short grant timeout on B
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "-f 2")
	a := newFederateT(t, rt, KindValue, "A", info)
	slow := info.Clone()
	require.NoError(t, slow.SetTimeProperty(sim.PropertyGrantTimeout, 0.05))
	b := newFederateT(t, rt, KindValue, "B", slow)
	_, err := a.RegisterPublication("x", "double", "")
	require.NoError(t, err)
	_, err = b.RegisterSubscription("A/x", "")
	require.NoError(t, err)
	enterExec(t, a, b)

	// WHEN B asks for t=5 while A never advances
	_, err = b.RequestTime(5)

	// THEN the call surfaces a timeout naming the blocker and the request
	// stays outstanding
	assert.True(t, sim.IsTimeout(err), "got %v", err)
	assert.Contains(t, err.Error(), `waiting on ["A"]`)
	assert.Equal(t, sim.PendingTime, b.PendingOperation())

	// WHEN A advances past 5
	_, err = a.RequestTime(6)
	require.NoError(t, err)

	// THEN the outstanding request completes
	granted, err := b.RequestTimeComplete()
	require.NoError(t, err)
	assert.Equal(t, sim.Time(5), granted)
}

func TestFederate_DynamicPeriod(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))

	// WHEN a period is set after creation
	require.NoError(t, f.SetTimeProperty(sim.PropertyPeriod, 1))
	assert.Equal(t, sim.Time(1), f.TimeProperty(sim.PropertyPeriod))
	require.NoError(t, f.EnterExecutingMode())

	// THEN grants land on the period grid
	granted, err := f.RequestTime(0.3)
	require.NoError(t, err)
	assert.Equal(t, sim.Time(1), granted)
	granted, err = f.RequestNextStep()
	require.NoError(t, err)
	assert.Equal(t, sim.Time(2), granted)
	granted, err = f.RequestTimeAdvance(2)
	require.NoError(t, err)
	assert.Equal(t, sim.Time(4), granted)
	_, err = f.RequestTimeAdvance(-1)
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(err))
}

func TestFederate_Properties(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))

	require.NoError(t, f.SetIntegerProperty(sim.PropertyMaxIterations, 7))
	assert.Equal(t, 7, f.IntegerProperty(sim.PropertyMaxIterations))
	require.NoError(t, f.SetIntegerProperty(sim.PropertyLogLevel, int(sim.LogDebug)))
	assert.Equal(t, int(sim.LogDebug), f.IntegerProperty(sim.PropertyLogLevel))

	require.NoError(t, f.SetFlagOption(sim.FlagObserver, true))
	assert.True(t, f.FlagOption(sim.FlagObserver))
	assert.True(t, f.state.Timing().Observer, "timing flags reach the coordinator")

	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(f.SetTimeProperty(sim.PropertyMaxIterations, 1)))
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(f.SetIntegerProperty(sim.PropertyPeriod, 1)))
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(f.SetFlagOption(sim.Flag(999), true)))
}

func TestFederate_Realtime_HoldsGrantsToWallClock(t *testing.T) {
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "")
	require.NoError(t, info.SetFlagOption(sim.FlagRealtime, true))
	f := newFederateT(t, rt, KindValue, "A", info)
	require.NoError(t, f.EnterExecutingMode())

	// WHEN a realtime federate asks for t=0.08s
	began := time.Now()
	granted, err := f.RequestTime(0.08)

	// THEN the grant is not returned before the wall clock catches up
	require.NoError(t, err)
	assert.Equal(t, sim.Time(0.08), granted)
	assert.GreaterOrEqual(t, time.Since(began), 60*time.Millisecond)
}

func TestFederate_FinalizeAndClose(t *testing.T) {
	rt := newTestRuntime(t)
	f, err := NewValueFederate(rt, "A", sharedInfo(sim.CoreInproc, ""))
	require.NoError(t, err)
	require.NoError(t, f.EnterExecutingMode())

	require.NoError(t, f.Finalize())
	assert.Equal(t, sim.StateFinalized, f.State())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "close is idempotent")
	assert.False(t, f.Core().IsConnected(), "the last federate releases its core")
}

func TestFederate_FinalizeAfterLocalError_StaysInError(t *testing.T) {
	// GIVEN a federate that reported an error
	rt := newTestRuntime(t)
	a := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))
	require.NoError(t, a.EnterExecutingMode())
	require.NoError(t, a.LocalError(sim.CodeFatal, "solver diverged"))

	// WHEN it is finalized and closed
	require.NoError(t, a.Finalize())
	require.NoError(t, a.Close())

	// THEN the error state is kept
	assert.Equal(t, sim.StateError, a.State())
	assert.Error(t, a.LastError())
}

func TestFederate_InterfaceLookupRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))
	tests := []struct {
		name     string
		register func() error
		lookup   func() (iface, error)
		wantName string
		wantType string
		wantUnit string
	}{
		{
			name: "global publication",
			register: func() error {
				_, err := f.RegisterGlobalPublication("pub1", "double", "V")
				return err
			},
			lookup: func() (iface, error) {
				p, err := f.Publication("pub1")
				if err != nil {
					return iface{}, err
				}
				return p.iface, nil
			},
			wantName: "pub1", wantType: "double", wantUnit: "V",
		},
		{
			name: "local publication by key",
			register: func() error {
				_, err := f.RegisterPublication("pub2", "int", "m")
				return err
			},
			lookup: func() (iface, error) {
				p, err := f.Publication("pub2")
				if err != nil {
					return iface{}, err
				}
				return p.iface, nil
			},
			wantName: "A/pub2", wantType: "int", wantUnit: "m",
		},
		{
			name: "local input by full name",
			register: func() error {
				_, err := f.RegisterInput("in1", "string", "")
				return err
			},
			lookup: func() (iface, error) {
				in, err := f.Input("A/in1")
				if err != nil {
					return iface{}, err
				}
				return in.iface, nil
			},
			wantName: "A/in1", wantType: "string", wantUnit: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.register())
			got, err := tc.lookup()
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, got.Name())
			assert.Equal(t, tc.wantType, got.Type())
			assert.Equal(t, tc.wantUnit, got.Units())
		})
	}
}

func TestFederate_OnlyTransmitOnChange_DeliversOneUpdate(t *testing.T) {
	// GIVEN a publication that only transmits on change
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "-f 2")
	a := newFederateT(t, rt, KindValue, "A", info)
	b := newFederateT(t, rt, KindValue, "B", info)
	pub, err := a.RegisterGlobalPublication("pub1", "double", "")
	require.NoError(t, err)
	require.NoError(t, pub.SetOption(sim.OptionOnlyTransmitOnChange, 1))
	in, err := b.RegisterSubscription("pub1", "")
	require.NoError(t, err)
	enterExec(t, a, b)

	// WHEN A publishes the same value at t=1 and t=2
	_, err = a.RequestTime(1)
	require.NoError(t, err)
	require.NoError(t, pub.PublishDouble(2.0))
	_, err = a.RequestTime(2)
	require.NoError(t, err)
	require.NoError(t, pub.PublishDouble(2.0))
	_, err = a.RequestTime(10)
	require.NoError(t, err)

	// THEN B sees an update at t=1 only
	granted, err := b.RequestTime(1)
	require.NoError(t, err)
	assert.Equal(t, sim.Time(1), granted)
	assert.True(t, in.IsUpdated())
	require.NoError(t, in.ClearUpdate())

	granted, err = b.RequestTime(2)
	require.NoError(t, err)
	assert.Equal(t, sim.Time(2), granted)
	assert.False(t, in.IsUpdated(), "the repeated value is not transmitted")
	v, err := in.Double()
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestFederate_Query(t *testing.T) {
	rt := newTestRuntime(t)
	f := newFederateT(t, rt, KindValue, "A", sharedInfo(sim.CoreInproc, ""))
	_, err := f.RegisterPublication("x", "double", "")
	require.NoError(t, err)

	name, err := f.Query("", "name")
	require.NoError(t, err)
	assert.Equal(t, "A", name)

	pubs, err := f.Query("federation", "publications")
	require.NoError(t, err)
	testutil.AssertJSONEqual(t, `["A/x"]`, pubs)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	state, err := f.QueryAsync("A", "state").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "created", state)
}

func TestFederate_LocalError_TerminatesFederation(t *testing.T) {
	// GIVEN A marked terminate_on_error and B waiting on it
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "-f 2")
	strict := info.Clone()
	require.NoError(t, strict.SetFlagOption(sim.FlagTerminateOnError, true))
	a := newFederateT(t, rt, KindValue, "A", strict)
	b := newFederateT(t, rt, KindValue, "B", info)
	_, err := a.RegisterPublication("x", "double", "")
	require.NoError(t, err)
	_, err = b.RegisterSubscription("A/x", "")
	require.NoError(t, err)
	enterExec(t, a, b)
	require.NoError(t, b.RequestTimeAsync(3))

	// WHEN A reports an error
	require.NoError(t, a.LocalError(sim.CodeFatal, "solver diverged"))

	// THEN B is halted at the maximum time
	granted, res, err := b.RequestTimeIterativeComplete()
	require.NoError(t, err)
	assert.Equal(t, sim.Halted, res)
	assert.True(t, granted.IsMax())
	assert.Equal(t, sim.StateError, a.State())
	assert.Error(t, a.LastError())
}

func TestFederate_BlockingCallsAcrossGoroutines(t *testing.T) {
	// GIVEN three value federates in a chain A -> B -> C
	rt := newTestRuntime(t)
	info := sharedInfo(sim.CoreInproc, "-f 3")
	names := []string{"A", "B", "C"}
	feds := make([]*Federate, len(names))
	for i, n := range names {
		feds[i] = newFederateT(t, rt, KindValue, n, info)
		_, err := feds[i].RegisterPublication("out", "double", "")
		require.NoError(t, err)
		if i > 0 {
			_, err := feds[i].RegisterSubscription(names[i-1]+"/out", "")
			require.NoError(t, err)
		}
	}

	// WHEN each runs its own blocking loop to t=5, publishing at every grant
	var g errgroup.Group
	for _, f := range feds {
		g.Go(func() error {
			if err := f.EnterExecutingMode(); err != nil {
				return err
			}
			pub, err := f.Publication("out")
			if err != nil {
				return err
			}
			for granted := sim.TimeZero; granted < 5; {
				if err := pub.PublishDouble(granted.Seconds()); err != nil {
					return err
				}
				next, err := f.RequestTime(5)
				if err != nil {
					return err
				}
				if next < granted {
					return fmt.Errorf("%s granted %v after %v", f.Name(), next, granted)
				}
				granted = next
			}
			return f.Finalize()
		})
	}

	// THEN everyone reaches the end and finalizes
	require.NoError(t, g.Wait())
	for _, f := range feds {
		assert.Equal(t, sim.StateFinalized, f.State(), f.Name())
		assert.Equal(t, sim.Time(5), f.CurrentTime(), f.Name())
	}
}
