package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/database"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// ConversationRepository provides data access for conversations.
type ConversationRepository interface {
	// Ensure creates the conversation for userID if it does not exist yet and
	// returns it. A soft-deleted conversation is ErrNotFound.
	Ensure(ctx context.Context, id, userID uuid.UUID) (*models.Conversation, error)

	// Get returns a live conversation or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error)

	// SoftDelete marks the conversation and all of its messages deleted in one
	// transaction. Returns ErrNotFound when no live conversation matched.
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type conversationRepository struct{}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository() ConversationRepository {
	return &conversationRepository{}
}

var _ ConversationRepository = (*conversationRepository)(nil)

const conversationColumns = `id, organization_id, user_id, title, active_datasource_id, metadata, next_turn_seq, is_deleted, created_at, updated_at`

func (r *conversationRepository) Ensure(ctx context.Context, id, userID uuid.UUID) (*models.Conversation, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO engine_conversations (id, organization_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, scope.OrganizationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *conversationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + conversationColumns + ` FROM engine_conversations WHERE id = $1 AND NOT is_deleted`

	conv, err := scanConversation(scope.Conn.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *conversationRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	result, err := tx.Exec(ctx, `
		UPDATE engine_conversations
		SET is_deleted = true, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE engine_messages SET is_deleted = true WHERE conversation_id = $1 AND NOT is_deleted`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		c            models.Conversation
		metadataJSON []byte
	)
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.UserID, &c.Title, &c.ActiveDataSourceID, &metadataJSON,
		&c.NextTurnSeq, &c.IsDeleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
		}
	}
	return &c, nil
}
