package upcall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := stateIdle
	s = transition(s, eventVersionAcquired)
	assert.Equal(t, statePreparing, s)

	s = transition(s, eventEnqueued)
	assert.Equal(t, statePending, s)

	s = transition(s, eventDowncallReceived)
	assert.Equal(t, stateCompleted, s)

	s = transition(s, eventConsumed)
	assert.Equal(t, stateReaped, s)
}

func TestTransitionPipeCloseFromPreparing(t *testing.T) {
	assert.Equal(t, stateCompleted, transition(statePreparing, eventPipeClosed))
}

func TestTransitionTimeoutFromPending(t *testing.T) {
	assert.Equal(t, stateCompleted, transition(statePending, eventTimeout))
}

func TestTransitionIgnoresUnrelatedEvent(t *testing.T) {
	assert.Equal(t, stateIdle, transition(stateIdle, eventDowncallReceived))
	assert.Equal(t, stateReaped, transition(stateReaped, eventDowncallReceived))
}

func TestStateStringCoversAllValues(t *testing.T) {
	for s := stateIdle; s <= stateReaped; s++ {
		assert.NotEqual(t, "unknown", s.String())
	}
}

func TestMsgLifecycleReachesReaped(t *testing.T) {
	m := newMsg(1000, "", []byte("payload"))
	assert.Equal(t, statePreparing, m.State())

	m.advance(eventEnqueued)
	assert.Equal(t, statePending, m.State())

	m.complete(eventDowncallReceived, &Result{Window: 1}, nil)
	assert.Equal(t, stateCompleted, m.State())

	res, err := m.wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Window)
	assert.Equal(t, stateReaped, m.State())
}

func TestMsgDoubleCompleteKeepsFirstOutcome(t *testing.T) {
	m := newMsg(1000, "", nil)
	m.advance(eventEnqueued)

	m.complete(eventDowncallReceived, &Result{Window: 7}, nil)
	m.complete(eventPipeClosed, nil, context.Canceled)

	res, err := m.wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Window)
}
