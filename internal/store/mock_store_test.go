// ABOUTME: Tests for the in-memory mock store
// ABOUTME: Covers copy isolation, failure injection and the gate status helpers

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	g := &GateState{AgentID: "spec-3", BlockingQuestions: []string{"q1"}}
	require.NoError(t, m.SaveGateState(ctx, g))
	g.BlockingQuestions[0] = "mutated"

	states, err := m.ListGateStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, []string{"q1"}, states[0].BlockingQuestions)
}

func TestMockStore_FailWrites(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	diskFull := errors.New("disk full")

	m.FailWrites(diskFull)
	err := m.SaveSession(ctx, &AgentSession{AgentID: "a"})
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 0, m.Writes())

	_, err = m.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	m.FailWrites(nil)
	require.NoError(t, m.SaveSession(ctx, &AgentSession{AgentID: "a"}))
	assert.Equal(t, 1, m.Writes())
}

func TestMockStore_PendingQuestions(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.SaveQuestion(ctx, &Question{ID: "q1"}))
	require.NoError(t, m.SaveQuestion(ctx, &Question{ID: "q2", Status: QuestionCancelled}))

	pending, err := m.ListPendingQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "q1", pending[0].ID)
}

func TestGateState_StatusPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		state  GateState
		status GateStatus
		reason string
	}{
		{"empty", GateState{}, GateOpen, ""},
		{"blocked", GateState{BlockingQuestions: []string{"q1"}, BlockReason: "ask"}, GateBlocked, "ask"},
		{"error over block", GateState{Errored: true, ErrorReason: "crash", BlockingQuestions: []string{"q1"}}, GateError, "crash"},
		{"halt over all", GateState{Halted: true, HaltReason: "stop", Errored: true, BlockingQuestions: []string{"q1"}}, GateHalted, "stop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.state.Status())
			assert.Equal(t, tt.reason, tt.state.Reason())
			assert.Equal(t, tt.status == GateOpen, tt.state.Empty())
		})
	}
}

func TestSessionState_Terminal(t *testing.T) {
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionDisconnected.Terminal())
	assert.False(t, SessionReady.Terminal())
	assert.False(t, SessionPending.Terminal())
}
