package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/cache"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/llm"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

type noopLoader struct{}

func (noopLoader) Load(ctx context.Context, vt models.VirtualTable) (int, error) { return 0, nil }
func (noopLoader) Drop(ctx context.Context, alias string) error                  { return nil }

type sessionFixture struct {
	svc     SessionService
	store   *memStore
	sources *fakeSources
	router  *fakeRouter
	gen     *llm.StaticGenerator
	cache   *cache.MemoryCache
	ctx     context.Context
	userID  uuid.UUID
}

func newSessionFixture(t *testing.T, gen *llm.StaticGenerator, sources ...*models.DataSource) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		store:   newMemStore(),
		sources: newFakeSources(sources...),
		router: &fakeRouter{result: &engine.Result{
			Columns:  []engine.Column{{Name: "region"}, {Name: "total"}},
			Rows:     [][]any{{"EU", 10}, {"US", 20}},
			Metadata: engine.Metadata{Engine: models.EngineDirectSQL, RowCount: 2},
		}},
		gen:    gen,
		cache:  cache.NewMemoryCache(time.Hour, time.Hour),
		userID: uuid.New(),
	}
	f.ctx = auth.WithIdentity(context.Background(), auth.Identity{UserID: f.userID, OrganizationID: uuid.New()})
	f.useGenerator(gen)
	return f
}

func (f *sessionFixture) useGenerator(gen llm.Generator) {
	f.svc = NewSessionService(
		f.store, f.store, f.sources,
		vtable.NewRegistry(noopLoader{}, zap.NewNop()),
		f.router, gen, f.cache,
		config.SessionConfig{FingerprintChars: 200, HistoryTurns: 4},
		zap.NewNop(),
	)
}

// gatedGenerator holds every caller until n callers have arrived, then gives
// them all the same answer.
type gatedGenerator struct {
	arrived sync.WaitGroup
	reply   llm.Generation
}

func newGatedGenerator(n int, reply llm.Generation) *gatedGenerator {
	g := &gatedGenerator{reply: reply}
	g.arrived.Add(n)
	return g
}

func (g *gatedGenerator) Generate(ctx context.Context, prompt string, gc llm.GenerationContext) (*llm.Generation, error) {
	g.arrived.Done()
	g.arrived.Wait()
	gen := g.reply
	return &gen, nil
}

func answer(narrative, query string) llm.StaticReply {
	return llm.StaticReply{Generation: &llm.Generation{
		Narrative: narrative,
		Query:     query,
		ChartSpec: json.RawMessage(`{"type":"bar"}`),
	}}
}

func TestSubmitTurn_Commits(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("Sales by region", "SELECT region, sum(x) FROM sales GROUP BY region")), ds)
	convID := uuid.New()

	res, err := f.svc.SubmitTurn(f.ctx, convID, "sales by region?", &ds.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TurnStateCommitted, res.Turn.State)
	assert.Nil(t, res.Failure)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, 2, res.AssistantMessage.Artifacts.RowCount)
	assert.Equal(t, string(models.EngineDirectSQL), res.AssistantMessage.Artifacts.Engine)
	assert.NotEmpty(t, res.AssistantMessage.Fingerprint)
	assert.Equal(t, int64(1), res.Turn.TurnSeq)

	conv := f.store.conversation(convID)
	require.NotNil(t, conv.Metadata.LastDataSourceID)
	assert.Equal(t, ds.ID, *conv.Metadata.LastDataSourceID)
	assert.Equal(t, ds.ID, *conv.ActiveDataSourceID)
	assert.Equal(t, string(models.EngineDirectSQL), conv.Metadata.LastEngine)

	cached, ok, err := f.cache.GetActiveDataSource(f.ctx, convID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ds.ID, cached)

	lastKnown, ok, err := f.cache.GetLastKnownGood(f.ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ds.ID, lastKnown)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestSubmitTurn_RequiresIdentity(t *testing.T) {
	f := newSessionFixture(t, llm.NewStaticGenerator())
	_, err := f.svc.SubmitTurn(context.Background(), uuid.New(), "hi", nil)
	require.Error(t, err)
}

func TestSubmitTurn_UserMessageSurvivesGenerationFailure(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(llm.StaticReply{Err: llm.NewError(llm.ErrorTypeEndpoint, "upstream down", true, nil)})
	f := newSessionFixture(t, gen, ds)
	convID := uuid.New()

	res, err := f.svc.SubmitTurn(f.ctx, convID, "how many orders?", &ds.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TurnStatePartialFailure, res.Turn.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, TurnCodeGenerationFailed, res.Failure.Code)
	assert.True(t, res.RetryAvailable)
	assert.Nil(t, res.AssistantMessage)

	stored := f.store.turn(convID, res.Turn.TurnSeq)
	assert.Equal(t, models.TurnStatePartialFailure, stored.State)
	assert.Equal(t, string(TurnCodeGenerationFailed), stored.LastErrorCode)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "how many orders?", msgs[0].Content)
}

func TestSubmitTurn_CanceledRequestKeepsUserMessage(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "")), ds)
	convID := uuid.New()

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	res, err := f.svc.SubmitTurn(ctx, convID, "slow question", &ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStatePartialFailure, res.Turn.State)
	assert.Equal(t, apperrors.CodeQueryTimeout, res.Failure.Code)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.TurnStatePartialFailure, f.store.turn(convID, 1).State)
}

func TestSubmitTurn_EngineFailureKeepsTypedCode(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("Top customers", "SELEC * FROM customers")), ds)
	f.router.err = apperrors.QuerySyntax("syntax error at or near SELEC", "SELEC", nil)

	res, err := f.svc.SubmitTurn(f.ctx, uuid.New(), "top customers", &ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStatePartialFailure, res.Turn.State)
	assert.Equal(t, apperrors.CodeQuerySyntaxError, res.Failure.Code)
	assert.Equal(t, "SELEC", res.Failure.Fragment)
}

func TestSubmitTurn_InactiveSource(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	ds.IsActive = false
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "SELECT 1")), ds)

	res, err := f.svc.SubmitTurn(f.ctx, uuid.New(), "q", &ds.ID)
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Failure, apperrors.ErrDataSourceNotFound))
	assert.Equal(t, 0, f.gen.Calls())
}

func TestSubmitTurn_QueryWithoutSource(t *testing.T) {
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "SELECT 1")))

	res, err := f.svc.SubmitTurn(f.ctx, uuid.New(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, apperrors.CodeDataSourceNotFound, res.Failure.Code)
	assert.Equal(t, 0, f.router.calls())
}

func TestSubmitTurn_RejectsEmptyAnswer(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(llm.StaticReply{Generation: &llm.Generation{Narrative: ""}}), ds)
	convID := uuid.New()

	res, err := f.svc.SubmitTurn(f.ctx, convID, "hello?", &ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateRejected, res.Turn.State)
	assert.Equal(t, TurnCodeNoContent, res.Failure.Code)
	assert.False(t, res.RetryAvailable)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubmitTurn_RowsAloneAreMeaningful(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(llm.StaticReply{Generation: &llm.Generation{Query: "SELECT 1"}}), ds)

	res, err := f.svc.SubmitTurn(f.ctx, uuid.New(), "q", &ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, res.Turn.State)
}

func TestSubmitTurn_DropsDuplicateAnswer(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("Revenue grew 4%", "SELECT 1")), ds)
	convID := uuid.New()

	first, err := f.svc.SubmitTurn(f.ctx, convID, "revenue?", &ds.ID)
	require.NoError(t, err)
	require.Equal(t, models.TurnStateCommitted, first.Turn.State)

	second, err := f.svc.SubmitTurn(f.ctx, convID, "revenue again?", &ds.ID)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.TurnStateRejected, second.Turn.State)
	assert.Nil(t, second.AssistantMessage)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	var assistants []models.Message
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			assistants = append(assistants, m)
		}
	}
	require.Len(t, assistants, 1)
	assert.Len(t, msgs, 3)
}

func TestSubmitTurn_ConcurrentDuplicateAnswers(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(), ds)
	f.useGenerator(newGatedGenerator(2, llm.Generation{Narrative: "Revenue grew 4%", Query: "SELECT 1"}))
	convID := uuid.New()

	results := make([]*TurnResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.SubmitTurn(f.ctx, convID, fmt.Sprintf("revenue %d?", i), &ds.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	var committed, duplicates int
	for _, res := range results {
		require.NotNil(t, res)
		switch res.Turn.State {
		case models.TurnStateCommitted:
			committed++
		case models.TurnStateRejected:
			assert.True(t, res.Duplicate)
			assert.Equal(t, TurnCodeDuplicate, res.Failure.Code)
			duplicates++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, duplicates)

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	var assistants int
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)
	assert.Len(t, msgs, 3)
}

func TestSubmitTurn_RestoresSourceWhenNoneGiven(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(answer("first", "SELECT 1"), answer("second", "SELECT 2"))
	f := newSessionFixture(t, gen, ds)
	convID := uuid.New()

	_, err := f.svc.SubmitTurn(f.ctx, convID, "one", &ds.ID)
	require.NoError(t, err)

	res, err := f.svc.SubmitTurn(f.ctx, convID, "two", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Turn.DataSourceID)
	assert.Equal(t, ds.ID, *res.Turn.DataSourceID)
	assert.Equal(t, models.TurnStateCommitted, res.Turn.State)
}

func TestSubmitTurn_CommitFailureIsPartial(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "SELECT 1")), ds)
	f.store.commitErr = errors.New("connection reset")

	res, err := f.svc.SubmitTurn(f.ctx, uuid.New(), "q", &ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStatePartialFailure, res.Turn.State)
	assert.Equal(t, TurnCodePersistFailed, res.Failure.Code)
}

func TestRetryTurn(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(
		llm.StaticReply{Err: llm.NewError(llm.ErrorTypeEndpoint, "upstream down", true, nil)},
		answer("Now it works", "SELECT 1"),
	)
	f := newSessionFixture(t, gen, ds)
	convID := uuid.New()

	res, err := f.svc.SubmitTurn(f.ctx, convID, "q", &ds.ID)
	require.NoError(t, err)
	require.True(t, res.RetryAvailable)

	retried, err := f.svc.RetryTurn(f.ctx, convID, res.Turn.TurnSeq)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, retried.Turn.State)
	assert.Equal(t, 2, retried.Turn.Attempts)
	assert.Equal(t, res.UserMessage.ID, retried.UserMessage.ID)

	_, err = f.svc.RetryTurn(f.ctx, convID, res.Turn.TurnSeq)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestRetryTurn_OnlyOnce(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(llm.StaticReply{Err: llm.NewError(llm.ErrorTypeEndpoint, "down", true, nil)})
	f := newSessionFixture(t, gen, ds)
	convID := uuid.New()

	res, err := f.svc.SubmitTurn(f.ctx, convID, "q", &ds.ID)
	require.NoError(t, err)

	retried, err := f.svc.RetryTurn(f.ctx, convID, res.Turn.TurnSeq)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStatePartialFailure, retried.Turn.State)
	assert.False(t, retried.RetryAvailable)

	_, err = f.svc.RetryTurn(f.ctx, convID, res.Turn.TurnSeq)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = f.svc.RetryTurn(f.ctx, convID, 99)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRestoreActiveDataSource_Precedence(t *testing.T) {
	conversationSource := activeSource(models.KindDatabase)
	clientSource := activeSource(models.KindWarehouse)
	userSource := activeSource(models.KindAPI)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "SELECT 1")), conversationSource, clientSource, userSource)
	convID := uuid.New()

	_, err := f.svc.SubmitTurn(f.ctx, convID, "q", &conversationSource.ID)
	require.NoError(t, err)

	// Tier 1: the conversation's own last source wins over the client's.
	got, err := f.svc.RestoreActiveDataSource(f.ctx, convID, &clientSource.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conversationSource.ID, *got)

	// Tier 2: the client's last-known-good when the conversation's source is gone.
	f.sources.deactivate(conversationSource.ID)
	got, err = f.svc.RestoreActiveDataSource(f.ctx, convID, &clientSource.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, clientSource.ID, *got)

	// Tier 2: the user's cached last-known-good when the client sent nothing usable.
	require.NoError(t, f.cache.SetLastKnownGood(f.ctx, f.userID, userSource.ID))
	f.sources.deactivate(clientSource.ID)
	got, err = f.svc.RestoreActiveDataSource(f.ctx, convID, &clientSource.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, userSource.ID, *got)

	// Tier 3: nothing verifiable.
	f.sources.deactivate(userSource.ID)
	got, err = f.svc.RestoreActiveDataSource(f.ctx, convID, &clientSource.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRestoreActiveDataSource_UnknownConversation(t *testing.T) {
	f := newSessionFixture(t, llm.NewStaticGenerator())
	_, err := f.svc.RestoreActiveDataSource(f.ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteConversation_Twice(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "SELECT 1")), ds)
	convID := uuid.New()

	_, err := f.svc.SubmitTurn(f.ctx, convID, "q", &ds.ID)
	require.NoError(t, err)
	_, err = f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)

	ok, err := f.svc.DeleteConversation(f.ctx, convID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.DeleteConversation(f.ctx, convID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, ok)

	dead, err := f.cache.IsTombstoned(f.ctx, convID)
	require.NoError(t, err)
	assert.True(t, dead)

	_, err = f.svc.ListMessages(f.ctx, convID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.SubmitTurn(f.ctx, convID, "again", &ds.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteConversation_IgnoresCallerCancellation(t *testing.T) {
	f := newSessionFixture(t, llm.NewStaticGenerator(answer("x", "")))
	convID := uuid.New()
	_, err := f.svc.SubmitTurn(f.ctx, convID, "q", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	ok, err := f.svc.DeleteConversation(ctx, convID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, f.store.conversation(convID).IsDeleted)
}

func TestExecuteQuery(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	f := newSessionFixture(t, llm.NewStaticGenerator(), ds)

	res, err := f.svc.ExecuteQuery(f.ctx, uuid.Nil, ds.ID, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata.RowCount)

	_, err = f.svc.ExecuteQuery(f.ctx, uuid.New(), ds.ID, "SELECT 1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// hookedMessages runs afterList once, between List reading its rows and
// returning them.
type hookedMessages struct {
	*memStore
	hookMu    sync.Mutex
	afterList func()
}

func (h *hookedMessages) List(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	msgs, err := h.memStore.List(ctx, conversationID)
	h.hookMu.Lock()
	hook := h.afterList
	h.afterList = nil
	h.hookMu.Unlock()
	if hook != nil {
		hook()
	}
	return msgs, err
}

func (h *hookedMessages) setAfterList(fn func()) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.afterList = fn
}

func TestListMessages_CommitDuringFillIsNotHidden(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(answer("first", "SELECT 1"), answer("second", "SELECT 2"))
	f := newSessionFixture(t, gen, ds)
	hooked := &hookedMessages{memStore: f.store}
	f.svc = NewSessionService(
		f.store, hooked, f.sources,
		vtable.NewRegistry(noopLoader{}, zap.NewNop()),
		f.router, gen, f.cache,
		config.SessionConfig{FingerprintChars: 200, HistoryTurns: 4},
		zap.NewNop(),
	)
	convID := uuid.New()

	_, err := f.svc.SubmitTurn(f.ctx, convID, "q1", &ds.ID)
	require.NoError(t, err)

	hooked.setAfterList(func() {
		res, err := f.svc.SubmitTurn(f.ctx, convID, "q2", &ds.ID)
		require.NoError(t, err)
		require.Equal(t, models.TurnStateCommitted, res.Turn.State)
	})
	earlier, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	assert.Len(t, earlier, 2, "this read started before the second turn")

	msgs, err := f.svc.ListMessages(f.ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "second", msgs[3].Content)
}

func TestSubmitTurn_HistoryIsBounded(t *testing.T) {
	ds := activeSource(models.KindDatabase)
	gen := llm.NewStaticGenerator(answer("a1", "SELECT 1"), answer("a2", "SELECT 2"), answer("a3", "SELECT 3"), answer("a4", "SELECT 4"))
	f := newSessionFixture(t, gen, ds)
	convID := uuid.New()

	for _, q := range []string{"q1", "q2", "q3", "q4"} {
		_, err := f.svc.SubmitTurn(f.ctx, convID, q, &ds.ID)
		require.NoError(t, err)
	}

	prompts := gen.Prompts()
	require.Len(t, prompts, 4)
	last := prompts[3]
	assert.NotContains(t, last, "q1")
	assert.Contains(t, last, "q2")
	assert.Contains(t, last, "a3")
}
