package messaging

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
)

func newFilter(t *testing.T, idx uint32, ft sim.FilterType) *Filter {
	t.Helper()
	id := sim.InterfaceID{Fed: 1, Handle: sim.Handle{Table: sim.TableFilters, Index: idx, Generation: 1}}
	f, err := NewFilter(id, "f", ft, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return f
}

func TestChain_DelayFilter_ShiftsTime(t *testing.T) {
	// GIVEN a delay filter of 2.5 on the source endpoint
	c := NewChain()
	f := newFilter(t, 0, sim.FilterDelay)
	require.NoError(t, f.SetProperty("delay", 2.5))
	f.AddSourceTarget("src")
	c.Add(f)

	// WHEN a message sent at 1 passes the source stage
	in := msg("hello", 1)
	out := c.ApplySource(in)

	// THEN its time is 3.5 and the original is untouched
	require.NotNil(t, out.Message)
	assert.Equal(t, sim.Time(3.5), out.Message.Time)
	assert.Equal(t, sim.Time(1), in.Time)
}

func TestChain_CloneFilter_TwoDeliveries(t *testing.T) {
	// GIVEN a cloning filter with two delivery endpoints on "src"
	c := NewChain()
	f := newFilter(t, 0, sim.FilterClone)
	f.AddSourceTarget("src")
	require.NoError(t, f.SetStringProperty("delivery", "copy1"))
	f.AddDelivery("copy2")
	c.Add(f)

	// WHEN one message passes
	out := c.ApplySource(msg("payload", 0))

	// THEN the original continues and two identical copies are produced
	require.NotNil(t, out.Message)
	assert.Equal(t, "dst", out.Message.Dest)
	require.Len(t, out.Clones, 2)
	for i, want := range []string{"copy1", "copy2"} {
		cp := out.Clones[i]
		assert.Equal(t, want, cp.Dest)
		assert.Equal(t, []byte("payload"), cp.Data)
		assert.Equal(t, "src", cp.OriginalSource)
		assert.Equal(t, "dst", cp.OriginalDest)
	}
}

func TestChain_RegistrationOrder(t *testing.T) {
	c := NewChain()
	reroute := newFilter(t, 0, sim.FilterReroute)
	require.NoError(t, reroute.SetStringProperty("newdestination", "other"))
	reroute.AddDestinationTarget("dst")
	custom := newFilter(t, 1, sim.FilterCustom)
	custom.AddDestinationTarget("dst")
	custom.SetOperator(OperatorFunc(func(m *sim.Message) *sim.Message {
		m.Data = append(m.Data, '!')
		m.OriginalDest = "rewritten"
		return m
	}))
	c.Add(reroute)
	c.Add(custom)

	out := c.ApplyDestination(msg("x", 0))

	require.NotNil(t, out.Message)
	assert.Equal(t, "other", out.Message.Dest)
	assert.Equal(t, "x!", out.Message.String())
	assert.Equal(t, "dst", out.Message.OriginalDest, "provenance must survive operators")
}

func TestChain_CustomOperator_CannotMoveTimeEarlier(t *testing.T) {
	tests := []struct {
		name string
		set  sim.Time
		want sim.Time
	}{
		{"earlier is restored", 0, 5},
		{"later is kept", 7, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN a custom source filter that rewrites the message time
			c := NewChain()
			f := newFilter(t, 0, sim.FilterCustom)
			f.AddSourceTarget("src")
			f.SetOperator(OperatorFunc(func(m *sim.Message) *sim.Message {
				m.Time = tc.set
				return m
			}))
			c.Add(f)

			// WHEN a message sent at 5 passes the source stage
			out := c.ApplySource(msg("x", 5))

			// THEN its time never falls below the send time
			require.NotNil(t, out.Message)
			assert.Equal(t, tc.want, out.Message.Time)
		})
	}
}

func TestChain_RerouteCondition(t *testing.T) {
	f := newFilter(t, 0, sim.FilterReroute)
	require.NoError(t, f.SetStringProperty("newdestination", "sink"))
	require.NoError(t, f.SetStringProperty("condition", "^fed1/"))

	m := msg("x", 0)
	m.Dest = "fed2/ep"
	assert.Equal(t, "fed2/ep", f.Operator().Process(m).Dest)
	m.Dest = "fed1/ep"
	assert.Equal(t, "sink", f.Operator().Process(m).Dest)
}

func TestChain_RandomDrop_DropsEverything(t *testing.T) {
	c := NewChain()
	f := newFilter(t, 0, sim.FilterRandomDrop)
	require.NoError(t, f.SetProperty("prob", 1))
	f.AddSourceTarget("src")
	c.Add(f)

	out := c.ApplySource(msg("x", 0))
	assert.Nil(t, out.Message)
	assert.Equal(t, "f", out.DroppedBy)
}

func TestChain_RandomDelay_NeverEarlier(t *testing.T) {
	f := newFilter(t, 0, sim.FilterRandomDelay)
	require.NoError(t, f.SetStringProperty("distribution", "uniform"))
	require.NoError(t, f.SetProperty("min", 0.5))
	require.NoError(t, f.SetProperty("max", 1.5))

	for i := 0; i < 50; i++ {
		got := f.Operator().Process(msg("x", 1)).Time
		if got < 1.5 || got > 2.5 {
			t.Fatalf("uniform delay out of range: %v", got)
		}
	}
}

func TestChain_UnmatchedEndpoint_PassesThrough(t *testing.T) {
	c := NewChain()
	f := newFilter(t, 0, sim.FilterDelay)
	require.NoError(t, f.SetProperty("delay", 1))
	f.AddSourceTarget("elsewhere")
	c.Add(f)

	out := c.ApplySource(msg("x", 0))
	assert.Equal(t, sim.Time(0), out.Message.Time)
}

func TestFilter_InvalidProperties(t *testing.T) {
	tests := []struct {
		name string
		ft   sim.FilterType
		set  func(f *Filter) error
	}{
		{"delay unknown name", sim.FilterDelay, func(f *Filter) error { return f.SetProperty("bogus", 1) }},
		{"negative delay", sim.FilterDelay, func(f *Filter) error { return f.SetProperty("delay", -1) }},
		{"drop prob above one", sim.FilterRandomDrop, func(f *Filter) error { return f.SetProperty("prob", 2) }},
		{"unknown distribution", sim.FilterRandomDelay, func(f *Filter) error { return f.SetStringProperty("distribution", "zipf") }},
		{"bad regex", sim.FilterReroute, func(f *Filter) error { return f.SetStringProperty("condition", "(") }},
		{"custom has no properties", sim.FilterCustom, func(f *Filter) error { return f.SetProperty("delay", 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set(newFilter(t, 0, tt.ft))
			assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(err), "got %v", err)
		})
	}
}

func TestNewOperator_Firewall_Unsupported(t *testing.T) {
	_, err := NewOperator(sim.FilterFirewall, nil)
	assert.Equal(t, sim.CodeInvalidArgument, sim.CodeOf(err))
}

func TestDistribution_Constant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	assert.Equal(t, 3.0, DistConstant.Sample(rng, 3, 9))
	assert.Equal(t, 0.0, DistBernoulli.Sample(rng, 0, 5))
	assert.Equal(t, 5.0, DistBernoulli.Sample(rng, 1, 5))
}
