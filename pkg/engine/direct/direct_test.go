package direct

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

type fakeExecutor struct {
	queries []string
	limits  []int
	result  *datasource.QueryExecutionResult
	err     error
	closed  bool
}

func (f *fakeExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	f.queries = append(f.queries, sqlQuery)
	f.limits = append(f.limits, limit)
	return f.result, f.err
}

func (f *fakeExecutor) QuoteIdentifier(name string) string { return `"` + name + `"` }
func (f *fakeExecutor) Dialect() string                    { return "postgres" }
func (f *fakeExecutor) Close() error                       { f.closed = true; return nil }

type fakeFactory struct {
	exec    *fakeExecutor
	openErr error
	dsType  string
}

func (f *fakeFactory) NewConnectionTester(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (datasource.ConnectionTester, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFactory) NewSchemaDiscoverer(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (datasource.SchemaDiscoverer, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFactory) NewQueryExecutor(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (datasource.QueryExecutor, error) {
	f.dsType = dsType
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.exec, nil
}

func (f *fakeFactory) Release(organizationID, datasourceID uuid.UUID) {}
func (f *fakeFactory) ListTypes() []datasource.AdapterInfo             { return nil }

func dbSource() models.DataSource {
	return models.DataSource{
		ID:         uuid.New(),
		Kind:       models.KindDatabase,
		Descriptor: map[string]any{"driver": "postgresql"},
		IsActive:   true,
	}
}

func TestExecute_AsksForOneExtraRow(t *testing.T) {
	exec := &fakeExecutor{result: &datasource.QueryExecutionResult{
		Columns: []datasource.ColumnInfo{{Name: "id", Type: "INT4"}, {Name: "status", Type: "TEXT"}},
		Rows:    []map[string]any{{"id": int32(5), "status": "open"}},
	}}
	factory := &fakeFactory{exec: exec}
	plan := &models.QueryPlan{Engine: models.EngineDirectSQL, SQLOrRequest: "SELECT * FROM orders WHERE id = 5", DataSource: dbSource()}

	rs, err := New(factory, zap.NewNop()).Execute(context.Background(), plan, 100)
	require.NoError(t, err)

	assert.Equal(t, "postgres", factory.dsType)
	assert.Equal(t, []int{101}, exec.limits)
	assert.Equal(t, [][]any{{int32(5), "open"}}, rs.Rows)
	assert.Equal(t, "INT4", rs.Columns[0].Type)
	assert.True(t, exec.closed)
}

func TestExecute_QueryErrorsPassThrough(t *testing.T) {
	syntaxErr := &datasource.SyntaxError{Message: "syntax error at or near \"FRMO\"", Fragment: "FRMO"}
	factory := &fakeFactory{exec: &fakeExecutor{err: syntaxErr}}
	plan := &models.QueryPlan{SQLOrRequest: "SELECT * FRMO orders", DataSource: dbSource()}

	_, err := New(factory, zap.NewNop()).Execute(context.Background(), plan, 10)
	assert.ErrorIs(t, err, syntaxErr)
}

func TestExecute_OpenFailureIsConnectionError(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	factory := &fakeFactory{openErr: dialErr}
	plan := &models.QueryPlan{SQLOrRequest: "SELECT 1", DataSource: dbSource()}

	_, err := New(factory, zap.NewNop()).Execute(context.Background(), plan, 10)
	var connErr *datasource.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.True(t, connErr.IsRetryable())
}

func TestExecute_OpenFailureNotTransientStaysPermanent(t *testing.T) {
	factory := &fakeFactory{openErr: errors.New("unsupported datasource driver: oracle")}
	plan := &models.QueryPlan{SQLOrRequest: "SELECT 1", DataSource: dbSource()}

	_, err := New(factory, zap.NewNop()).Execute(context.Background(), plan, 10)
	var connErr *datasource.ConnectionError
	assert.False(t, errors.As(err, &connErr))
}

func TestFetchTable_QuotesEachPart(t *testing.T) {
	exec := &fakeExecutor{result: &datasource.QueryExecutionResult{}}
	_, err := New(&fakeFactory{exec: exec}, zap.NewNop()).FetchTable(context.Background(), dbSource(), "sales.orders", 50)
	require.NoError(t, err)

	assert.Equal(t, []string{`SELECT * FROM "sales"."orders"`}, exec.queries)
	assert.Equal(t, []int{50}, exec.limits)
}
