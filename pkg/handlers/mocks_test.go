package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
	"github.com/ekaya-inc/ekaya-analyst/pkg/services"
)

func passthroughTenant(next http.HandlerFunc) http.HandlerFunc { return next }

func withIdentity(r *http.Request) *http.Request {
	r.Header.Set(auth.HeaderUserID, uuid.NewString())
	r.Header.Set(auth.HeaderOrganizationID, uuid.NewString())
	return r
}

type mockSessionService struct {
	result     *engine.Result
	turn       *services.TurnResult
	messages   []models.Message
	restored   *uuid.UUID
	err        error
	lastQuery  string
	lastDS     *uuid.UUID
	lastKnown  *uuid.UUID
	retriedSeq int64
}

var _ services.SessionService = (*mockSessionService)(nil)

func (m *mockSessionService) ExecuteQuery(ctx context.Context, conversationID, dataSourceID uuid.UUID, queryText string) (*engine.Result, error) {
	m.lastQuery = queryText
	m.lastDS = &dataSourceID
	return m.result, m.err
}

func (m *mockSessionService) SubmitTurn(ctx context.Context, conversationID uuid.UUID, userText string, dataSourceID *uuid.UUID) (*services.TurnResult, error) {
	m.lastQuery = userText
	m.lastDS = dataSourceID
	return m.turn, m.err
}

func (m *mockSessionService) RetryTurn(ctx context.Context, conversationID uuid.UUID, turnSeq int64) (*services.TurnResult, error) {
	m.retriedSeq = turnSeq
	return m.turn, m.err
}

func (m *mockSessionService) RestoreActiveDataSource(ctx context.Context, conversationID uuid.UUID, clientLastKnown *uuid.UUID) (*uuid.UUID, error) {
	m.lastKnown = clientLastKnown
	return m.restored, m.err
}

func (m *mockSessionService) DeleteConversation(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	return m.err == nil, m.err
}

func (m *mockSessionService) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	return m.messages, m.err
}

type mockPlanner struct {
	plan *models.QueryPlan
	err  error
}

var _ router.Router = (*mockPlanner)(nil)

func (m *mockPlanner) Plan(ctx context.Context, req router.Request) (*models.QueryPlan, error) {
	return m.plan, m.err
}

func (m *mockPlanner) Execute(ctx context.Context, req router.Request) (*engine.Result, error) {
	return nil, m.err
}

type mockDataSourceService struct {
	sources     []*models.DataSource
	schema      *models.SourceSchema
	err         error
	registered  map[string]any
	deactivated uuid.UUID
}

var _ services.DataSourceService = (*mockDataSourceService)(nil)

func (m *mockDataSourceService) Register(ctx context.Context, kind models.DataSourceKind, name string, descriptor map[string]any) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.registered = descriptor
	return &models.DataSource{ID: uuid.New(), Kind: kind, Name: name, Descriptor: descriptor, IsActive: true}, nil
}

func (m *mockDataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sources[0], nil
}

func (m *mockDataSourceService) List(ctx context.Context) ([]*models.DataSource, error) {
	return m.sources, m.err
}

func (m *mockDataSourceService) Deactivate(ctx context.Context, id uuid.UUID) error {
	m.deactivated = id
	return m.err
}

func (m *mockDataSourceService) RefreshSchema(ctx context.Context, id uuid.UUID) (*models.SourceSchema, error) {
	return m.schema, m.err
}

func (m *mockDataSourceService) RestoreFileTables(ctx context.Context) (int, error) {
	return 0, m.err
}
