package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/repositories"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
)

// memStore is an in-memory ConversationRepository and MessageRepository.
type memStore struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*models.Conversation
	messages []models.Message
	turns    map[uuid.UUID]map[int64]*models.Turn

	commitErr error
}

var (
	_ repositories.ConversationRepository = (*memStore)(nil)
	_ repositories.MessageRepository      = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[uuid.UUID]*models.Conversation),
		turns: make(map[uuid.UUID]map[int64]*models.Turn),
	}
}

func (m *memStore) Ensure(ctx context.Context, id, userID uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		conv = &models.Conversation{ID: id, UserID: userID, NextTurnSeq: 1, CreatedAt: time.Now()}
		m.convs[id] = conv
	}
	if conv.IsDeleted {
		return nil, apperrors.ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok || conv.IsDeleted {
		return nil, apperrors.ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (m *memStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok || conv.IsDeleted {
		return apperrors.ErrNotFound
	}
	conv.IsDeleted = true
	for i := range m.messages {
		if m.messages[i].ConversationID == id {
			m.messages[i].IsDeleted = true
		}
	}
	return nil
}

func (m *memStore) SaveUserMessage(ctx context.Context, msg *models.Message, dataSourceID *uuid.UUID) (*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[msg.ConversationID]
	if !ok || conv.IsDeleted {
		return nil, apperrors.ErrNotFound
	}
	seq := conv.NextTurnSeq
	conv.NextTurnSeq++

	msg.ID = uuid.New()
	msg.TurnSeq = seq
	msg.Role = models.RoleUser
	msg.CreatedAt = time.Now()
	m.messages = append(m.messages, *msg)

	turn := &models.Turn{
		ConversationID: msg.ConversationID,
		TurnSeq:        seq,
		UserMessageID:  msg.ID,
		DataSourceID:   dataSourceID,
		State:          models.TurnStateUserSaved,
		Attempts:       1,
	}
	if m.turns[conv.ID] == nil {
		m.turns[conv.ID] = make(map[int64]*models.Turn)
	}
	stored := *turn
	m.turns[conv.ID][seq] = &stored
	return turn, nil
}

func (m *memStore) CommitAssistant(ctx context.Context, turn *models.Turn, msg *models.Message, meta models.ConversationMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	stored := m.turns[turn.ConversationID][turn.TurnSeq]
	if stored == nil || stored.State != models.TurnStateUserSaved {
		return apperrors.ErrConflict
	}
	conv := m.convs[turn.ConversationID]
	if conv.IsDeleted {
		return apperrors.ErrNotFound
	}
	if last, ok := m.latestFingerprintLocked(turn.ConversationID); ok && msg.Fingerprint != "" && last == msg.Fingerprint {
		return apperrors.ErrDuplicateAnswer
	}

	msg.ID = uuid.New()
	msg.ConversationID = turn.ConversationID
	msg.TurnSeq = turn.TurnSeq
	msg.Role = models.RoleAssistant
	msg.CreatedAt = time.Now()
	m.messages = append(m.messages, *msg)

	if meta.LastDataSourceID != nil {
		conv.ActiveDataSourceID = meta.LastDataSourceID
	}
	conv.Metadata = meta

	stored.State = models.TurnStateCommitted
	stored.AssistantMessageID = &msg.ID
	stored.LastErrorCode = ""
	turn.State = models.TurnStateCommitted
	turn.AssistantMessageID = &msg.ID
	turn.LastErrorCode = ""
	return nil
}

func (m *memStore) FailTurn(ctx context.Context, turn *models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.turns[turn.ConversationID][turn.TurnSeq]
	if stored == nil || stored.State != models.TurnStateUserSaved {
		return apperrors.ErrNotFound
	}
	stored.State = turn.State
	stored.LastErrorCode = turn.LastErrorCode
	return nil
}

func (m *memStore) BeginRetry(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*models.Turn, *models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.turns[conversationID][turnSeq]
	if stored == nil {
		return nil, nil, apperrors.ErrNotFound
	}
	if stored.State != models.TurnStatePartialFailure || stored.Attempts >= models.MaxTurnAttempts {
		return nil, nil, apperrors.ErrConflict
	}
	stored.State = models.TurnStateUserSaved
	stored.Attempts++
	turn := *stored

	for _, msg := range m.messages {
		if msg.ID == stored.UserMessageID {
			userMsg := msg
			return &turn, &userMsg, nil
		}
	}
	return nil, nil, apperrors.ErrNotFound
}

func (m *memStore) List(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(conversationID), nil
}

func (m *memStore) listLocked(conversationID uuid.UUID) []models.Message {
	var out []models.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && !msg.IsDeleted {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TurnSeq != out[j].TurnSeq {
			return out[i].TurnSeq < out[j].TurnSeq
		}
		return out[i].Role == models.RoleUser && out[j].Role == models.RoleAssistant
	})
	return out
}

func (m *memStore) LatestAssistantFingerprint(ctx context.Context, conversationID uuid.UUID) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.latestFingerprintLocked(conversationID)
	return fp, ok, nil
}

func (m *memStore) latestFingerprintLocked(conversationID uuid.UUID) (string, bool) {
	msgs := m.listLocked(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].Fingerprint, true
		}
	}
	return "", false
}

func (m *memStore) turn(conversationID uuid.UUID, seq int64) models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.turns[conversationID][seq]
}

func (m *memStore) conversation(id uuid.UUID) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.convs[id]
}

// fakeSources is a router.DataSourceLookup over a fixed set of sources.
type fakeSources struct {
	mu      sync.Mutex
	sources map[uuid.UUID]*models.DataSource
}

var _ router.DataSourceLookup = (*fakeSources)(nil)

func newFakeSources(sources ...*models.DataSource) *fakeSources {
	f := &fakeSources{sources: make(map[uuid.UUID]*models.DataSource)}
	for _, ds := range sources {
		f.sources[ds.ID] = ds
	}
	return f
}

func (f *fakeSources) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *ds
	return &c, nil
}

func (f *fakeSources) deactivate(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[id].IsActive = false
}

// fakeRouter returns a canned result or error.
type fakeRouter struct {
	mu      sync.Mutex
	result  *engine.Result
	err     error
	queries []string
}

var _ router.Router = (*fakeRouter)(nil)

func (f *fakeRouter) Plan(ctx context.Context, req router.Request) (*models.QueryPlan, error) {
	return &models.QueryPlan{SQLOrRequest: req.Query}, nil
}

func (f *fakeRouter) Execute(ctx context.Context, req router.Request) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Query)
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeRouter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func activeSource(kind models.DataSourceKind) *models.DataSource {
	return &models.DataSource{
		ID:       uuid.New(),
		Kind:     kind,
		Name:     string(kind) + "-source",
		IsActive: true,
	}
}
