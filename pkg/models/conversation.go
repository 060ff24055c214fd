package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a thread of turns. It exclusively owns its messages.
type Conversation struct {
	ID                 uuid.UUID            `json:"id"`
	OrganizationID     uuid.UUID            `json:"organization_id"`
	UserID             uuid.UUID            `json:"user_id"`
	Title              string               `json:"title"`
	ActiveDataSourceID *uuid.UUID           `json:"active_datasource_id,omitempty"`
	Metadata           ConversationMetadata `json:"metadata"`
	NextTurnSeq        int64                `json:"-"`
	IsDeleted          bool                 `json:"is_deleted"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// ConversationMetadata is stored as JSONB alongside the conversation.
type ConversationMetadata struct {
	LastDataSourceID *uuid.UUID `json:"last_datasource_id,omitempty"`
	LastEngine       string     `json:"last_engine,omitempty"`
}
