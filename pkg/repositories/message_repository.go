package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/database"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// MessageRepository persists messages together with the turn records that trace
// each turn's state. Messages are append-only.
type MessageRepository interface {
	// SaveUserMessage assigns the next turn sequence number of the conversation and
	// stores msg with a user_saved turn in one transaction. Returns ErrNotFound if
	// the conversation is missing or deleted.
	SaveUserMessage(ctx context.Context, msg *models.Message, dataSourceID *uuid.UUID) (*models.Turn, error)

	// CommitAssistant stores the assistant message, marks the turn committed and
	// updates the conversation's active data source and metadata in one transaction.
	// The conversation row stays locked for the whole transaction. Returns
	// ErrDuplicateAnswer if msg carries the fingerprint of the latest committed
	// answer.
	CommitAssistant(ctx context.Context, turn *models.Turn, msg *models.Message, meta models.ConversationMetadata) error

	// FailTurn records a terminal failure state for a user_saved turn.
	FailTurn(ctx context.Context, turn *models.Turn) error

	// BeginRetry moves a partial_failure turn with attempts left back to user_saved
	// and returns it with its user message. Returns ErrNotFound for an unknown turn
	// and ErrConflict for a turn that cannot be retried.
	BeginRetry(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*models.Turn, *models.Message, error)

	// List returns the live messages of a conversation ordered by turn, user first.
	List(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)

	// LatestAssistantFingerprint returns the fingerprint of the most recent
	// committed assistant message.
	LatestAssistantFingerprint(ctx context.Context, conversationID uuid.UUID) (string, bool, error)
}

type messageRepository struct{}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository() MessageRepository {
	return &messageRepository{}
}

var _ MessageRepository = (*messageRepository)(nil)

const (
	messageColumns = `id, conversation_id, turn_seq, role, content, artifacts, fingerprint, is_deleted, created_at`
	turnColumns    = `conversation_id, turn_seq, user_message_id, assistant_message_id, datasource_id, state, attempts, COALESCE(last_error_code, ''), updated_at`
)

func (r *messageRepository) SaveUserMessage(ctx context.Context, msg *models.Message, dataSourceID *uuid.UUID) (*models.Turn, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE engine_conversations
		SET next_turn_seq = next_turn_seq + 1, updated_at = now()
		WHERE id = $1 AND NOT is_deleted
		RETURNING next_turn_seq - 1`, msg.ConversationID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to assign turn sequence: %w", err)
	}

	msg.TurnSeq = seq
	msg.Role = models.RoleUser
	if err := insertMessage(ctx, tx, scope.OrganizationID, msg); err != nil {
		return nil, err
	}

	turn := &models.Turn{
		ConversationID: msg.ConversationID,
		TurnSeq:        seq,
		UserMessageID:  msg.ID,
		DataSourceID:   dataSourceID,
		State:          models.TurnStateUserSaved,
		Attempts:       1,
		UpdatedAt:      msg.CreatedAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO engine_conversation_turns
			(conversation_id, turn_seq, organization_id, user_message_id, datasource_id, state, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		turn.ConversationID, turn.TurnSeq, scope.OrganizationID, turn.UserMessageID, turn.DataSourceID,
		string(turn.State), turn.Attempts, turn.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return turn, nil
}

func (r *messageRepository) CommitAssistant(ctx context.Context, turn *models.Turn, msg *models.Message, meta models.ConversationMetadata) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	// Concurrent commits on one conversation serialize here, so the duplicate
	// check below sees every answer committed before this one.
	var deleted bool
	err = tx.QueryRow(ctx,
		`SELECT is_deleted FROM engine_conversations WHERE id = $1 FOR UPDATE`, turn.ConversationID).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	if msg.Fingerprint != "" {
		last, ok, err := latestFingerprint(ctx, tx, turn.ConversationID)
		if err != nil {
			return err
		}
		if ok && last == msg.Fingerprint {
			return apperrors.ErrDuplicateAnswer
		}
	}

	msg.ConversationID = turn.ConversationID
	msg.TurnSeq = turn.TurnSeq
	msg.Role = models.RoleAssistant
	if err := insertMessage(ctx, tx, scope.OrganizationID, msg); err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `
		UPDATE engine_conversation_turns
		SET assistant_message_id = $3, state = $4, last_error_code = NULL, updated_at = now()
		WHERE conversation_id = $1 AND turn_seq = $2 AND state = $5`,
		turn.ConversationID, turn.TurnSeq, msg.ID, string(models.TurnStateCommitted), string(models.TurnStateUserSaved))
	if err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("turn %d is no longer awaiting an answer: %w", turn.TurnSeq, apperrors.ErrConflict)
	}

	result, err = tx.Exec(ctx, `
		UPDATE engine_conversations
		SET active_datasource_id = COALESCE($2, active_datasource_id), metadata = $3, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`,
		turn.ConversationID, meta.LastDataSourceID, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to update conversation metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	turn.AssistantMessageID = &msg.ID
	turn.State = models.TurnStateCommitted
	turn.LastErrorCode = ""
	return nil
}

func (r *messageRepository) FailTurn(ctx context.Context, turn *models.Turn) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	var code *string
	if turn.LastErrorCode != "" {
		code = &turn.LastErrorCode
	}
	result, err := scope.Conn.Exec(ctx, `
		UPDATE engine_conversation_turns
		SET state = $3, last_error_code = $4, updated_at = now()
		WHERE conversation_id = $1 AND turn_seq = $2 AND state = $5`,
		turn.ConversationID, turn.TurnSeq, string(turn.State), code, string(models.TurnStateUserSaved))
	if err != nil {
		return fmt.Errorf("failed to record turn failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *messageRepository) BeginRetry(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*models.Turn, *models.Message, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, nil, fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	turn, err := scanTurn(tx.QueryRow(ctx, `
		UPDATE engine_conversation_turns
		SET state = $3, attempts = attempts + 1, last_error_code = NULL, updated_at = now()
		WHERE conversation_id = $1 AND turn_seq = $2 AND state = $4 AND attempts < $5
		RETURNING `+turnColumns,
		conversationID, turnSeq, string(models.TurnStateUserSaved), string(models.TurnStatePartialFailure), models.MaxTurnAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM engine_conversation_turns WHERE conversation_id = $1 AND turn_seq = $2)`,
			conversationID, turnSeq).Scan(&exists); err != nil {
			return nil, nil, fmt.Errorf("failed to look up turn: %w", err)
		}
		if !exists {
			return nil, nil, apperrors.ErrNotFound
		}
		return nil, nil, fmt.Errorf("turn %d cannot be retried: %w", turnSeq, apperrors.ErrConflict)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reopen turn: %w", err)
	}

	msg, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM engine_messages WHERE id = $1 AND NOT is_deleted`, turn.UserMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get user message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return turn, msg, nil
}

func (r *messageRepository) List(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+messageColumns+`
		FROM engine_messages
		WHERE conversation_id = $1 AND NOT is_deleted
		ORDER BY turn_seq, CASE role WHEN 'user' THEN 0 ELSE 1 END`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

func (r *messageRepository) LatestAssistantFingerprint(ctx context.Context, conversationID uuid.UUID) (string, bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return "", false, fmt.Errorf("no tenant scope in context")
	}
	return latestFingerprint(ctx, scope.Conn, conversationID)
}

// rowQuerier is satisfied by both a pooled connection and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestFingerprint(ctx context.Context, q rowQuerier, conversationID uuid.UUID) (string, bool, error) {
	var fp string
	err := q.QueryRow(ctx, `
		SELECT m.fingerprint
		FROM engine_conversation_turns t
		JOIN engine_messages m ON m.id = t.assistant_message_id
		WHERE t.conversation_id = $1 AND t.state = $2 AND NOT m.is_deleted
		ORDER BY t.turn_seq DESC
		LIMIT 1`, conversationID, string(models.TurnStateCommitted)).Scan(&fp)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get latest fingerprint: %w", err)
	}
	return fp, true, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, organizationID uuid.UUID, msg *models.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()

	artifacts, err := json.Marshal(msg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO engine_messages (id, organization_id, conversation_id, turn_seq, role, content, artifacts, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, organizationID, msg.ConversationID, msg.TurnSeq, string(msg.Role), msg.Content, artifacts, msg.Fingerprint, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m         models.Message
		role      string
		artifacts []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TurnSeq, &role, &m.Content, &artifacts,
		&m.Fingerprint, &m.IsDeleted, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = models.MessageRole(role)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &m.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	return &m, nil
}

func scanTurn(row pgx.Row) (*models.Turn, error) {
	var (
		t     models.Turn
		state string
	)
	if err := row.Scan(&t.ConversationID, &t.TurnSeq, &t.UserMessageID, &t.AssistantMessageID, &t.DataSourceID,
		&state, &t.Attempts, &t.LastErrorCode, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = models.TurnState(state)
	return &t, nil
}
