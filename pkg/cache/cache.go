// Package cache holds per-conversation session state in front of the database:
// recent messages, the active data source, turn progress, and each user's
// last-known-good data source.
//
// A deleted conversation leaves a tombstone. Writes for a tombstoned
// conversation are refused, so a reader that loaded state before the delete
// cannot put it back.
package cache

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

var (
	// ErrTombstoned is returned when writing state for a deleted conversation.
	ErrTombstoned = errors.New("conversation has been deleted")

	// ErrStaleMessages is returned by SetMessages when the messages were
	// invalidated after the caller read MessagesVersion.
	ErrStaleMessages = errors.New("cached messages were invalidated")
)

// SessionCache is safe for concurrent use. Getters report ok=false on a miss;
// a miss is never an error.
type SessionCache interface {
	GetMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, bool, error)

	// MessagesVersion returns the number of invalidations seen for the
	// conversation's messages. Read it before loading the messages to fill.
	MessagesVersion(ctx context.Context, conversationID uuid.UUID) (int64, error)

	// SetMessages stores msgs only if the messages version still equals version.
	SetMessages(ctx context.Context, conversationID uuid.UUID, msgs []models.Message, version int64) error

	// InvalidateMessages drops the cached messages and bumps the version.
	InvalidateMessages(ctx context.Context, conversationID uuid.UUID) error

	GetActiveDataSource(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, bool, error)
	SetActiveDataSource(ctx context.Context, conversationID, dataSourceID uuid.UUID) error

	GetTurn(ctx context.Context, conversationID uuid.UUID) (*models.Turn, bool, error)
	SetTurn(ctx context.Context, turn *models.Turn) error

	GetLastKnownGood(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	SetLastKnownGood(ctx context.Context, userID, dataSourceID uuid.UUID) error

	// DeleteConversation removes every cached key of the conversation and writes
	// its tombstone as one atomic step.
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) error
	IsTombstoned(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

const keyPrefix = "analyst:"

func messagesKey(id uuid.UUID) string        { return keyPrefix + "conv:" + id.String() + ":messages" }
func messagesVersionKey(id uuid.UUID) string { return keyPrefix + "conv:" + id.String() + ":messages_version" }
func activeKey(id uuid.UUID) string          { return keyPrefix + "conv:" + id.String() + ":active_ds" }
func turnKey(id uuid.UUID) string            { return keyPrefix + "conv:" + id.String() + ":turn" }
func tombstoneKey(id uuid.UUID) string       { return keyPrefix + "conv:" + id.String() + ":deleted" }
func lastKnownKey(id uuid.UUID) string       { return keyPrefix + "user:" + id.String() + ":last_ds" }

func conversationKeys(id uuid.UUID) []string {
	return []string{messagesKey(id), messagesVersionKey(id), activeKey(id), turnKey(id)}
}
