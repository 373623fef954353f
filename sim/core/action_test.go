package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/timing"
)

func TestAction_WireCodec_PreservesPayloads(t *testing.T) {
	// GIVEN an action carrying every kind of payload
	v, err := sim.NewValue([]float64{1, 2.5})
	require.NoError(t, err)
	cfg := timing.DefaultConfig()
	cfg.Period = 0.5
	a := &Action{
		Kind:         ActDeliverMessage,
		RouteTo:      "core1",
		RequestID:    42,
		SourceFed:    3,
		SourceHandle: sim.Handle{Table: sim.TableEndpoints, Index: 1, Generation: 2},
		Time:         1.25,
		Value:        v,
		Message:      &sim.Message{Source: "A/ep", Dest: "B/ep", Time: 1.25, Data: []byte("hi"), MessageID: 9},
		Config:       &cfg,
		Err:          toWireError(sim.Errorf(sim.CodeNotFound, "lookup", "no such thing")),
	}

	// WHEN it crosses a wire link
	b, err := EncodeAction(a)
	require.NoError(t, err)
	got, err := DecodeAction(b)
	require.NoError(t, err)

	// THEN routing, payloads and the error survive
	assert.Equal(t, a.Kind, got.Kind)
	assert.Equal(t, a.RouteTo, got.RouteTo)
	assert.Equal(t, a.RequestID, got.RequestID)
	assert.Equal(t, a.SourceHandle, got.SourceHandle)
	assert.True(t, a.Value.Equal(got.Value))
	assert.Equal(t, a.Message, got.Message)
	assert.Equal(t, cfg, *got.Config)
	assert.Equal(t, sim.CodeNotFound, sim.CodeOf(got.Err.Err()))
	assert.Contains(t, got.Err.Err().Error(), "no such thing")
}

func TestDecodeAction_Garbage_IsConnectionFailure(t *testing.T) {
	_, err := DecodeAction([]byte{0xc1})
	assert.Equal(t, sim.CodeConnectionFailure, sim.CodeOf(err))
}

func TestWireError_NilIsNoError(t *testing.T) {
	var w *WireError
	assert.NoError(t, w.Err())
	assert.Nil(t, toWireError(nil))
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "time_request", ActTimeRequest.String())
	assert.Contains(t, ActionKind(250).String(), "250")
}
