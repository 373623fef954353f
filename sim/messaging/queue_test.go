package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inference-sim/cosim/sim"
)

func msg(data string, t sim.Time) *sim.Message {
	return &sim.Message{Source: "src", OriginalSource: "src", Dest: "dst", OriginalDest: "dst", Time: t, Data: []byte(data)}
}

func TestQueue_NothingVisibleBeforeGrant(t *testing.T) {
	q := NewQueue()
	q.Push(msg("A", 0), 0)

	assert.Nil(t, q.Pop())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.Queued())
}

func TestQueue_FIFO_SameTimestamp(t *testing.T) {
	// GIVEN messages "A" then "B" with non-decreasing timestamps
	q := NewQueue()
	q.Push(msg("A", 1), 1)
	q.Push(msg("B", 1), 1)
	q.Push(msg("C", 2), 2)

	// WHEN a grant at 2 is applied
	q.Advance(2)

	// THEN they dequeue in send order
	var got []string
	for m := q.Pop(); m != nil; m = q.Pop() {
		got = append(got, m.String())
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestQueue_FutureMessage_HiddenUntilItsGrant(t *testing.T) {
	q := NewQueue()
	q.Push(msg("late", 5), 5)
	q.Push(msg("early", 1), 1)
	q.Advance(1)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "early", q.Pop().String())
	assert.Nil(t, q.Pop(), "message at 5 must not be readable at 1")

	q.Advance(5)
	assert.Equal(t, "late", q.Pop().String())
}

func TestQueue_ArrivalAfterGrant_WaitsForNextGrant(t *testing.T) {
	// GIVEN a queue advanced to 3
	q := NewQueue()
	q.Advance(3)

	// WHEN a message stamped 3 arrives after the grant
	q.Push(msg("A", 3), 3)

	// THEN it is only readable after the next grant
	assert.Nil(t, q.Peek())
	q.Advance(4)
	assert.NotNil(t, q.Peek())
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	q.Push(msg("A", 0), 0)
	q.Clear()
	q.Advance(1)
	assert.Nil(t, q.Pop())
	assert.Equal(t, 0, q.Queued())
}
