package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/cache"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/llm"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/repositories"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

// Turn error codes that are not query-core error codes.
const (
	TurnCodeGenerationFailed apperrors.Code = "generation_failed"
	TurnCodePersistFailed    apperrors.Code = "persist_failed"
	TurnCodeDuplicate        apperrors.Code = "duplicate"
	TurnCodeNoContent        apperrors.Code = "no_content"
)

// TurnResult is the outcome of one submitted or retried turn. A turn that failed
// after the question was saved is still a result: Turn.State is partial_failure
// and Failure says why.
type TurnResult struct {
	Turn             *models.Turn    `json:"turn"`
	UserMessage      *models.Message `json:"user_message"`
	AssistantMessage *models.Message `json:"assistant_message,omitempty"`
	Result           *engine.Result  `json:"result,omitempty"`
	// Duplicate is set when the answer matched the previous committed answer and
	// was not stored again.
	Duplicate      bool             `json:"duplicate,omitempty"`
	Failure        *apperrors.Error `json:"failure,omitempty"`
	RetryAvailable bool             `json:"retry_available"`
}

// SessionService is the session state manager.
type SessionService interface {
	// ExecuteQuery runs a query without recording a turn.
	ExecuteQuery(ctx context.Context, conversationID, dataSourceID uuid.UUID, queryText string) (*engine.Result, error)

	// SubmitTurn saves the question, generates and runs an answer and commits it.
	// dataSourceID selects the source; nil restores the conversation's.
	SubmitTurn(ctx context.Context, conversationID uuid.UUID, userText string, dataSourceID *uuid.UUID) (*TurnResult, error)

	// RetryTurn answers a partial_failure turn again, once.
	RetryTurn(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*TurnResult, error)

	// RestoreActiveDataSource resolves the conversation's data source: its own last
	// source, then the client's or user's last-known-good, then none. Every
	// candidate is verified active before it is returned.
	RestoreActiveDataSource(ctx context.Context, conversationID uuid.UUID, clientLastKnown *uuid.UUID) (*uuid.UUID, error)

	// DeleteConversation soft-deletes the conversation and its messages and
	// invalidates cached state. A second delete reports NotFound.
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) (bool, error)

	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
}

type sessionService struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	sources       router.DataSourceLookup
	tables        vtable.Registry
	router        router.Router
	generator     llm.Generator
	cache         cache.SessionCache
	cfg           config.SessionConfig
	logger        *zap.Logger
}

var _ SessionService = (*sessionService)(nil)

// NewSessionService creates the session state manager.
func NewSessionService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	sources router.DataSourceLookup,
	tables vtable.Registry,
	rt router.Router,
	generator llm.Generator,
	sessionCache cache.SessionCache,
	cfg config.SessionConfig,
	logger *zap.Logger,
) SessionService {
	return &sessionService{
		conversations: conversations,
		messages:      messages,
		sources:       sources,
		tables:        tables,
		router:        rt,
		generator:     generator,
		cache:         sessionCache,
		cfg:           cfg,
		logger:        logger.Named("session"),
	}
}

func (s *sessionService) ExecuteQuery(ctx context.Context, conversationID, dataSourceID uuid.UUID, queryText string) (*engine.Result, error) {
	if conversationID != uuid.Nil {
		if _, err := s.liveConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return s.router.Execute(ctx, router.Request{
		Query:          queryText,
		DataSourceID:   dataSourceID,
		ConversationID: conversationID,
	})
}

func (s *sessionService) SubmitTurn(ctx context.Context, conversationID uuid.UUID, userText string, dataSourceID *uuid.UUID) (*TurnResult, error) {
	identity, err := auth.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if dead, _ := s.cache.IsTombstoned(ctx, conversationID); dead {
		return nil, apperrors.New(apperrors.CodeNotFound, "conversation not found")
	}
	conv, err := s.conversations.Ensure(ctx, conversationID, identity.UserID)
	if err != nil {
		return nil, conversationErr(err)
	}

	if dataSourceID == nil {
		if dataSourceID, err = s.resolveSource(ctx, conv, identity.UserID); err != nil {
			return nil, err
		}
	}

	// Pending → UserSaved. Nothing else runs until the question is durable.
	userMsg := &models.Message{ConversationID: conv.ID, Content: userText}
	turn, err := s.messages.SaveUserMessage(ctx, userMsg, dataSourceID)
	if err != nil {
		return nil, conversationErr(err)
	}
	s.afterWrite(ctx, turn)

	s.logger.Debug("Saved user message",
		zap.String("conversation_id", conv.ID.String()),
		zap.Int64("turn_seq", turn.TurnSeq))

	return s.answer(ctx, conv, turn, userMsg)
}

func (s *sessionService) RetryTurn(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*TurnResult, error) {
	conv, err := s.liveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turn, userMsg, err := s.messages.BeginRetry(ctx, conversationID, turnSeq)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("turn %d not found", turnSeq))
		}
		return nil, err
	}
	s.afterWrite(ctx, turn)

	s.logger.Info("Retrying turn",
		zap.String("conversation_id", conversationID.String()),
		zap.Int64("turn_seq", turnSeq),
		zap.Int("attempt", turn.Attempts))

	return s.answer(ctx, conv, turn, userMsg)
}

// answer runs generation and the query for a user_saved turn and persists the
// outcome. Failures become a partial_failure result, never a returned error.
func (s *sessionService) answer(ctx context.Context, conv *models.Conversation, turn *models.Turn, userMsg *models.Message) (*TurnResult, error) {
	res := &TurnResult{Turn: turn, UserMessage: userMsg}

	var ds *models.DataSource
	if turn.DataSourceID != nil {
		got, err := s.sources.Get(ctx, *turn.DataSourceID)
		if err != nil || !got.IsActive {
			return s.fail(ctx, res, models.TurnStatePartialFailure,
				apperrors.DataSourceNotFound(turn.DataSourceID.String(), err)), nil
		}
		ds = got
	}

	history, err := s.history(ctx, conv.ID, turn.TurnSeq)
	if err != nil {
		return s.fail(ctx, res, models.TurnStatePartialFailure,
			apperrors.Wrap(TurnCodePersistFailed, "failed to load conversation history", err)), nil
	}

	gen, err := s.generator.Generate(ctx, userMsg.Content, llm.GenerationContext{
		DataSource: ds,
		Tables:     s.fileTables(ds),
		History:    history,
	})
	if err != nil {
		return s.fail(ctx, res, models.TurnStatePartialFailure, s.generationFailure(ctx, err)), nil
	}

	artifacts := models.MessageArtifact{
		SQLText:   gen.Query,
		ChartSpec: gen.ChartSpec,
		Insights:  gen.Insights,
	}
	if gen.HasQuery() {
		if ds == nil {
			return s.fail(ctx, res, models.TurnStatePartialFailure,
				apperrors.New(apperrors.CodeDataSourceNotFound, "no data source is selected; select a data source")), nil
		}
		result, err := s.router.Execute(ctx, router.Request{Query: gen.Query, DataSourceID: ds.ID, ConversationID: conv.ID})
		if err != nil {
			return s.fail(ctx, res, models.TurnStatePartialFailure, asTyped(err)), nil
		}
		res.Result = result
		artifacts.RowCount = result.Metadata.RowCount
		artifacts.Engine = string(result.Metadata.Engine)
		artifacts.DataSourceID = &ds.ID
	}

	if !meaningful(gen.Narrative, artifacts) {
		return s.fail(ctx, res, models.TurnStateRejected, apperrors.New(TurnCodeNoContent, "nothing to answer with")), nil
	}

	fp := Fingerprint(gen.Narrative, s.cfg.FingerprintChars, artifacts.HasChart(), len(artifacts.Insights) > 0, artifacts.RowCount > 0)

	// UserSaved → AssistantSaved → Committed is written in one transaction with
	// the conversation's metadata. The duplicate check runs inside it.
	assistant := &models.Message{Content: gen.Narrative, Artifacts: artifacts, Fingerprint: fp}
	meta := conv.Metadata
	if ds != nil {
		meta.LastDataSourceID = &ds.ID
	}
	if res.Result != nil {
		meta.LastEngine = string(res.Result.Metadata.Engine)
	}
	if err := s.messages.CommitAssistant(context.WithoutCancel(ctx), turn, assistant, meta); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateAnswer) {
			res.Duplicate = true
			s.logger.Info("Dropping duplicate answer",
				zap.String("conversation_id", conv.ID.String()),
				zap.Int64("turn_seq", turn.TurnSeq))
			return s.fail(ctx, res, models.TurnStateRejected, apperrors.New(TurnCodeDuplicate, "same answer as the previous turn")), nil
		}
		s.logger.Error("Failed to commit assistant message",
			zap.String("conversation_id", conv.ID.String()),
			zap.Int64("turn_seq", turn.TurnSeq),
			zap.String("error", logging.SanitizeError(err)))
		return s.fail(ctx, res, models.TurnStatePartialFailure,
			apperrors.Wrap(TurnCodePersistFailed, "failed to save the answer", err)), nil
	}
	res.AssistantMessage = assistant
	s.afterWrite(ctx, turn)
	if ds != nil {
		s.remember(ctx, conv, ds.ID)
	}

	return res, nil
}

// fail records a terminal state for the turn. The write ignores cancellation of
// ctx so a timed-out request still leaves an accurate trace.
func (s *sessionService) fail(ctx context.Context, res *TurnResult, state models.TurnState, cause *apperrors.Error) *TurnResult {
	turn := res.Turn
	if err := turn.Advance(state); err != nil {
		s.logger.Error("Illegal turn transition", zap.Error(err))
	}
	turn.LastErrorCode = string(cause.Code)
	res.Failure = cause
	res.RetryAvailable = turn.CanRetry()

	if err := s.messages.FailTurn(context.WithoutCancel(ctx), turn); err != nil {
		s.logger.Error("Failed to record turn failure",
			zap.String("conversation_id", turn.ConversationID.String()),
			zap.Int64("turn_seq", turn.TurnSeq),
			zap.Error(err))
	}
	s.afterWrite(ctx, turn)

	level := s.logger.Warn
	if state == models.TurnStateRejected {
		level = s.logger.Info
	}
	level("Turn did not commit",
		zap.String("conversation_id", turn.ConversationID.String()),
		zap.Int64("turn_seq", turn.TurnSeq),
		zap.String("state", string(state)),
		zap.String("code", string(cause.Code)))
	return res
}

func (s *sessionService) RestoreActiveDataSource(ctx context.Context, conversationID uuid.UUID, clientLastKnown *uuid.UUID) (*uuid.UUID, error) {
	identity, err := auth.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.liveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	id := s.restore(ctx, conv, identity.UserID, clientLastKnown)
	if id != nil {
		if err := s.cache.SetActiveDataSource(ctx, conv.ID, *id); err != nil && !errors.Is(err, cache.ErrTombstoned) {
			s.logger.Warn("Failed to cache active data source", zap.Error(err))
		}
	}
	return id, nil
}

// restore walks the three tiers in order.
func (s *sessionService) restore(ctx context.Context, conv *models.Conversation, userID uuid.UUID, clientLastKnown *uuid.UUID) *uuid.UUID {
	candidates := []*uuid.UUID{conv.Metadata.LastDataSourceID, clientLastKnown}
	if id, ok, err := s.cache.GetLastKnownGood(ctx, userID); err == nil && ok {
		candidates = append(candidates, &id)
	}
	for _, c := range candidates {
		if c != nil && s.isActive(ctx, *c) {
			id := *c
			return &id
		}
	}
	return nil
}

// resolveSource picks the data source for a turn submitted without one. The
// cached pointer is only a hint and is verified like any other candidate.
func (s *sessionService) resolveSource(ctx context.Context, conv *models.Conversation, userID uuid.UUID) (*uuid.UUID, error) {
	if id, ok, err := s.cache.GetActiveDataSource(ctx, conv.ID); err == nil && ok && s.isActive(ctx, id) {
		return &id, nil
	}
	return s.restore(ctx, conv, userID, nil), nil
}

func (s *sessionService) isActive(ctx context.Context, id uuid.UUID) bool {
	ds, err := s.sources.Get(ctx, id)
	return err == nil && ds.IsActive
}

func (s *sessionService) DeleteConversation(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	// Once started, deletion runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if err := s.conversations.SoftDelete(ctx, conversationID); err != nil {
		return false, conversationErr(err)
	}

	if err := s.cache.DeleteConversation(ctx, conversationID); err != nil {
		// Reads always confirm the conversation in the database first, so a
		// stale cache cannot surface a deleted conversation.
		s.logger.Error("Failed to invalidate cached conversation",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}

	s.logger.Info("Deleted conversation", zap.String("conversation_id", conversationID.String()))
	return true, nil
}

func (s *sessionService) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	if _, err := s.liveConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	if msgs, ok, err := s.cache.GetMessages(ctx, conversationID); err == nil && ok {
		return msgs, nil
	}

	// The version is taken before the read so a commit that lands in between
	// makes the fill below a no-op instead of caching the older list.
	version, verr := s.cache.MessagesVersion(ctx, conversationID)
	msgs, err := s.messages.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		s.logger.Warn("Failed to read cached messages version", zap.Error(verr))
		return msgs, nil
	}
	err = s.cache.SetMessages(ctx, conversationID, msgs, version)
	if err != nil && !errors.Is(err, cache.ErrTombstoned) && !errors.Is(err, cache.ErrStaleMessages) {
		s.logger.Warn("Failed to cache messages", zap.Error(err))
	}
	return msgs, nil
}

// history returns up to HistoryTurns messages before turnSeq.
func (s *sessionService) history(ctx context.Context, conversationID uuid.UUID, turnSeq int64) ([]models.Message, error) {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var prior []models.Message
	for _, m := range msgs {
		if m.TurnSeq < turnSeq {
			prior = append(prior, m)
		}
	}
	if n := s.cfg.HistoryTurns; n > 0 && len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	return prior, nil
}

func (s *sessionService) fileTables(ds *models.DataSource) []models.VirtualTable {
	if ds == nil || ds.Kind != models.KindFile {
		return nil
	}
	if vt, ok := s.tables.Lookup(ds.FileID()); ok {
		return []models.VirtualTable{vt}
	}
	vt := models.VirtualTableFor(ds)
	vt.AliasName = vtable.AliasFor(vt.FileID)
	return []models.VirtualTable{vt}
}

func (s *sessionService) generationFailure(ctx context.Context, err error) *apperrors.Error {
	if ctx.Err() != nil {
		return apperrors.Wrap(apperrors.CodeQueryTimeout, "answer generation did not finish in time", err)
	}
	s.logger.Error("Generation failed",
		zap.String("type", string(llm.GetErrorType(err))),
		zap.String("error", logging.SanitizeError(err)))
	return apperrors.Wrap(TurnCodeGenerationFailed, "answer generation failed", err)
}

// afterWrite refreshes cached turn progress and drops cached messages. It
// runs even when the caller has gone away, since the write it follows did.
func (s *sessionService) afterWrite(ctx context.Context, turn *models.Turn) {
	ctx = context.WithoutCancel(ctx)
	if err := s.cache.InvalidateMessages(ctx, turn.ConversationID); err != nil {
		s.logger.Warn("Failed to invalidate cached messages", zap.Error(err))
	}
	if err := s.cache.SetTurn(ctx, turn); err != nil && !errors.Is(err, cache.ErrTombstoned) {
		s.logger.Warn("Failed to cache turn progress", zap.Error(err))
	}
}

func (s *sessionService) remember(ctx context.Context, conv *models.Conversation, dataSourceID uuid.UUID) {
	if err := s.cache.SetActiveDataSource(ctx, conv.ID, dataSourceID); err != nil && !errors.Is(err, cache.ErrTombstoned) {
		s.logger.Warn("Failed to cache active data source", zap.Error(err))
	}
	if err := s.cache.SetLastKnownGood(ctx, conv.UserID, dataSourceID); err != nil {
		s.logger.Warn("Failed to cache last known data source", zap.Error(err))
	}
}

func (s *sessionService) liveConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, conversationErr(err)
	}
	return conv, nil
}

// meaningful reports whether an answer has anything worth storing.
func meaningful(narrative string, a models.MessageArtifact) bool {
	return narrative != "" || a.HasChart() || len(a.Insights) > 0 || a.RowCount > 0
}

func conversationErr(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "conversation not found", err)
	}
	return err
}

func asTyped(err error) *apperrors.Error {
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return apperrors.Wrap(apperrors.CodeEngineUnavailable, "query failed", err)
}
