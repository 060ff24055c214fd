package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnState_Transitions(t *testing.T) {
	tests := []struct {
		from TurnState
		to   TurnState
		ok   bool
	}{
		{TurnStatePending, TurnStateUserSaved, true},
		{TurnStatePending, TurnStateCommitted, false},
		{TurnStateUserSaved, TurnStateAssistantSaved, true},
		{TurnStateUserSaved, TurnStatePartialFailure, true},
		{TurnStateUserSaved, TurnStateRejected, true},
		{TurnStateAssistantSaved, TurnStateCommitted, true},
		{TurnStateCommitted, TurnStateUserSaved, false},
		{TurnStateRejected, TurnStateUserSaved, false},
		{TurnStatePartialFailure, TurnStateUserSaved, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTurn_AdvanceRejectsIllegalTransition(t *testing.T) {
	turn := &Turn{State: TurnStatePending}

	require.NoError(t, turn.Advance(TurnStateUserSaved))
	err := turn.Advance(TurnStateCommitted)

	require.Error(t, err)
	assert.Equal(t, TurnStateUserSaved, turn.State)
}

func TestTurn_CanRetryOnlyOnce(t *testing.T) {
	turn := &Turn{State: TurnStatePartialFailure, Attempts: 1}
	assert.True(t, turn.CanRetry())

	turn.Attempts = 2
	assert.False(t, turn.CanRetry())

	turn = &Turn{State: TurnStateCommitted, Attempts: 1}
	assert.False(t, turn.CanRetry())
}
