package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TurnState is the persistence state of one conversation turn.
// State machine:
//
//	pending → user_saved → assistant_saved → committed
//	              ↓   ↑
//	   partial_failure (one retry re-enters user_saved)
//
//	user_saved → rejected (nothing meaningful was generated)
type TurnState string

const (
	TurnStatePending        TurnState = "pending"
	TurnStateUserSaved      TurnState = "user_saved"
	TurnStateAssistantSaved TurnState = "assistant_saved"
	TurnStateCommitted      TurnState = "committed"
	TurnStatePartialFailure TurnState = "partial_failure"
	TurnStateRejected       TurnState = "rejected"
)

// MaxTurnAttempts bounds generation attempts for one user message: the original plus one retry.
const MaxTurnAttempts = 2

var turnTransitions = map[TurnState][]TurnState{
	TurnStatePending:        {TurnStateUserSaved},
	TurnStateUserSaved:      {TurnStateAssistantSaved, TurnStatePartialFailure, TurnStateRejected},
	TurnStateAssistantSaved: {TurnStateCommitted},
	TurnStatePartialFailure: {TurnStateUserSaved},
}

// CanTransition reports whether from → to is a legal turn transition.
func (s TurnState) CanTransition(to TurnState) bool {
	for _, next := range turnTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions other than retry.
func (s TurnState) IsTerminal() bool {
	switch s {
	case TurnStateCommitted, TurnStateRejected, TurnStatePartialFailure:
		return true
	}
	return false
}

// Turn is the persisted trace of a turn's state machine.
type Turn struct {
	ConversationID     uuid.UUID  `json:"conversation_id"`
	TurnSeq            int64      `json:"turn_seq"`
	UserMessageID      uuid.UUID  `json:"user_message_id"`
	AssistantMessageID *uuid.UUID `json:"assistant_message_id,omitempty"`
	DataSourceID       *uuid.UUID `json:"datasource_id,omitempty"`
	State              TurnState  `json:"state"`
	Attempts           int        `json:"attempts"`
	LastErrorCode      string     `json:"last_error_code,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Advance moves the turn to the next state, rejecting illegal transitions.
func (t *Turn) Advance(to TurnState) error {
	if !t.State.CanTransition(to) {
		return fmt.Errorf("illegal turn transition %s → %s", t.State, to)
	}
	t.State = to
	return nil
}

// CanRetry reports whether a failed turn may be attempted again.
func (t *Turn) CanRetry() bool {
	return t.State == TurnStatePartialFailure && t.Attempts < MaxTurnAttempts
}
