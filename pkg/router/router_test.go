package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSources struct {
	mu      sync.Mutex
	sources map[uuid.UUID]*models.DataSource
}

func newFakeSources() *fakeSources {
	return &fakeSources{sources: make(map[uuid.UUID]*models.DataSource)}
}

func (f *fakeSources) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (f *fakeSources) add(kind models.DataSourceKind, descriptor map[string]any) *models.DataSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := &models.DataSource{ID: uuid.New(), Kind: kind, Descriptor: descriptor, IsActive: true}
	f.sources[ds.ID] = ds
	return ds
}

func (f *fakeSources) deactivate(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[id].IsActive = false
}

type fakeLoader struct {
	mu     sync.Mutex
	loads  map[string]int
	failOn map[string]error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loads: make(map[string]int), failOn: make(map[string]error)}
}

func (f *fakeLoader) Load(ctx context.Context, vt models.VirtualTable) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[vt.FileID]; err != nil {
		return 0, err
	}
	f.loads[vt.FileID]++
	return 3, nil
}

func (f *fakeLoader) Drop(ctx context.Context, alias string) error { return nil }

// fakeEngine replays scripted responses, one per call; the last one repeats.
type fakeEngine struct {
	kind  models.EngineKind
	mu    sync.Mutex
	plans []*models.QueryPlan
	steps []func(ctx context.Context) (*engine.RowSet, error)
}

func (f *fakeEngine) Kind() models.EngineKind { return f.kind }

func (f *fakeEngine) Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*engine.RowSet, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	n := len(f.plans)
	f.mu.Unlock()

	if len(f.steps) == 0 {
		return rowSet(1), nil
	}
	step := f.steps[len(f.steps)-1]
	if n <= len(f.steps) {
		step = f.steps[n-1]
	}
	return step(ctx)
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plans)
}

func rowSet(n int) *engine.RowSet {
	rs := &engine.RowSet{Columns: []engine.Column{{Name: "n"}}}
	for i := 0; i < n; i++ {
		rs.Rows = append(rs.Rows, []any{int64(i)})
	}
	return rs
}

func returns(rs *engine.RowSet, err error) func(context.Context) (*engine.RowSet, error) {
	return func(context.Context) (*engine.RowSet, error) { return rs, err }
}

type harness struct {
	sources *fakeSources
	loader  *fakeLoader
	tables  vtable.Registry
	engines map[models.EngineKind]*fakeEngine
	router  Router
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		RowCap:         10,
		Timeout:        2 * time.Second,
		RetryBaseDelay: time.Millisecond,
		SnapshotRowCap: 100,
	}
}

func newHarness(t *testing.T, cfg config.EngineConfig) *harness {
	t.Helper()
	h := &harness{
		sources: newFakeSources(),
		loader:  newFakeLoader(),
		engines: make(map[models.EngineKind]*fakeEngine),
	}
	h.tables = vtable.NewRegistry(h.loader, zap.NewNop())

	var executors []engine.Executor
	for _, kind := range []models.EngineKind{
		models.EngineVirtualLocal, models.EngineDirectSQL, models.EngineSemanticLayer, models.EngineTabularTransform,
	} {
		fe := &fakeEngine{kind: kind}
		h.engines[kind] = fe
		executors = append(executors, fe)
	}
	h.router = New(h.sources, h.tables, cfg, zap.NewNop(), executors...)
	return h
}

// addFile registers a file data source and its virtual table.
func (h *harness) addFile(t *testing.T, fileID string) *models.DataSource {
	t.Helper()
	ds := h.sources.add(models.KindFile, map[string]any{
		models.DescriptorFileID:     fileID,
		models.DescriptorStorageKey: fileID + ".csv",
	})
	_, err := h.tables.Register(models.VirtualTableFor(ds))
	require.NoError(t, err)
	return ds
}

// ============================================================================
// Database and warehouse selection
// ============================================================================

func TestPlan_SimpleDatabaseQueryUsesDirectSQL(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, map[string]any{"driver": "postgres"})

	plan, err := h.router.Plan(context.Background(), Request{Query: "SELECT * FROM orders WHERE id = 5;", DataSourceID: ds.ID})
	require.NoError(t, err)

	assert.Equal(t, models.EngineDirectSQL, plan.Engine)
	assert.Equal(t, models.ShapeSimple, plan.Shape)
	assert.Equal(t, "SELECT * FROM orders WHERE id = 5", plan.SQLOrRequest)
	assert.Empty(t, plan.SnapshotTables)
}

func TestPlan_ComplexDatabaseQueryUsesLocalSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindWarehouse, map[string]any{"driver": "postgres"})

	query := `SELECT r.name, date_trunc('month', o.created_at) AS month, SUM(oi.amount)
FROM Sales.Orders o
JOIN customers c ON c.id = o.customer_id
JOIN order_items oi ON oi.order_id = o.id
JOIN regions r ON r.id = c.region_id
GROUP BY r.name, date_trunc('month', o.created_at)`

	plan, err := h.router.Plan(context.Background(), Request{Query: query, DataSourceID: ds.ID})
	require.NoError(t, err)

	assert.Equal(t, models.EngineVirtualLocal, plan.Engine)
	assert.Equal(t, models.ShapeComplex, plan.Shape)
	assert.Equal(t, []string{"sales.orders", "customers", "order_items", "regions"}, plan.SnapshotTables)
	assert.Contains(t, plan.SQLOrRequest, `FROM "orders" o`)
	assert.Contains(t, plan.SQLOrRequest, `JOIN "regions" r`)
}

func TestPlan_SelectionIsPureFunctionOfShape(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	query := "SELECT region, SUM(amount) OVER (PARTITION BY region) FROM orders"

	first, err := h.router.Plan(context.Background(), Request{Query: query, DataSourceID: ds.ID})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.router.Plan(context.Background(), Request{Query: query, DataSourceID: ds.ID})
		require.NoError(t, err)
		assert.Equal(t, first.Engine, again.Engine)
	}
	assert.Equal(t, models.EngineVirtualLocal, first.Engine)
}

func TestPlan_OtherKinds(t *testing.T) {
	h := newHarness(t, testConfig())
	semantic := h.sources.add(models.KindSemantic, nil)
	api := h.sources.add(models.KindAPI, nil)

	plan, err := h.router.Plan(context.Background(), Request{Query: "revenue by region", DataSourceID: semantic.ID})
	require.NoError(t, err)
	assert.Equal(t, models.EngineSemanticLayer, plan.Engine)

	plan, err = h.router.Plan(context.Background(), Request{Query: "path: /v1/sales", DataSourceID: api.ID})
	require.NoError(t, err)
	assert.Equal(t, models.EngineTabularTransform, plan.Engine)
}

func TestPlan_RejectsNonQueries(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)

	_, err := h.router.Plan(context.Background(), Request{Query: "DELETE FROM orders", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrQuerySyntax)

	_, err = h.router.Plan(context.Background(), Request{Query: "SELECT 1; SELECT 2", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrQuerySyntax)
}

func TestPlan_MissingOrInactiveSource(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.router.Plan(context.Background(), Request{Query: "SELECT 1", DataSourceID: uuid.New()})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)

	ds := h.sources.add(models.KindDatabase, nil)
	h.sources.deactivate(ds.ID)
	_, err = h.router.Plan(context.Background(), Request{Query: "SELECT 1", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)
}

// ============================================================================
// File resolution
// ============================================================================

func TestPlan_SingleFileRewritesUnknownTable(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.addFile(t, "aaa")

	plan, err := h.router.Plan(context.Background(), Request{Query: "SELECT region, COUNT(*) FROM sales GROUP BY region", DataSourceID: ds.ID})
	require.NoError(t, err)

	assert.Equal(t, models.EngineVirtualLocal, plan.Engine)
	assert.Equal(t, `SELECT region, COUNT(*) FROM "file_aaa" GROUP BY region`, plan.SQLOrRequest)
	assert.Equal(t, "file_aaa", plan.GenericAliasTarget)
	require.Len(t, plan.ResolvedTables, 1)
}

func TestPlan_GenericAliasKeptForView(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.addFile(t, "aaa")

	plan, err := h.router.Plan(context.Background(), Request{Query: "SELECT * FROM data", DataSourceID: ds.ID})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM data", plan.SQLOrRequest)
	assert.Equal(t, "file_aaa", plan.GenericAliasTarget)
}

func TestPlan_UnregisteredPrimaryFileIsNotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindFile, map[string]any{models.DescriptorFileID: "fresh"})

	_, err := h.router.Plan(context.Background(), Request{Query: "SELECT * FROM file_fresh", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)

	_, ok := h.tables.Lookup("fresh")
	assert.False(t, ok, "planning never registers a table")
}

func TestPlan_AmbiguousTableReference(t *testing.T) {
	h := newHarness(t, testConfig())
	primary := h.addFile(t, "aaa")
	h.addFile(t, "bbb")

	_, err := h.router.Plan(context.Background(), Request{
		Query:        "SELECT * FROM sales s JOIN file_bbb b ON b.id = s.id",
		DataSourceID: primary.ID,
	})
	require.ErrorIs(t, err, apperrors.ErrAmbiguousTableReference)

	var typed *apperrors.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "sales", typed.Fragment)
	assert.Contains(t, typed.Message, "file_aaa")
	assert.Contains(t, typed.Message, "file_bbb")

	_, err = h.router.Plan(context.Background(), Request{
		Query:        "SELECT * FROM data JOIN file_bbb ON true",
		DataSourceID: primary.ID,
	})
	assert.ErrorIs(t, err, apperrors.ErrAmbiguousTableReference)
}

func TestExecute_TwoFileJoinThenDeletion(t *testing.T) {
	h := newHarness(t, testConfig())
	customers := h.addFile(t, "aaa")
	orders := h.addFile(t, "bbb")
	query := "SELECT c.name, SUM(o.amount) FROM file_aaa c JOIN file_bbb o ON o.customer_id = c.id GROUP BY c.name"

	result, err := h.router.Execute(context.Background(), Request{Query: query, DataSourceID: customers.ID})
	require.NoError(t, err)
	assert.Equal(t, models.EngineVirtualLocal, result.Metadata.Engine)
	assert.ElementsMatch(t, []string{"file_aaa", "file_bbb"}, result.Metadata.ResolvedTables)

	plan := h.engines[models.EngineVirtualLocal].plans[0]
	assert.Empty(t, plan.GenericAliasTarget, "two-file plans expose no generic alias")
	for _, vt := range plan.ResolvedTables {
		assert.True(t, vt.Materialized, vt.FileID)
	}

	// Deleting the orders file: the source goes inactive and its table is unregistered.
	h.sources.deactivate(orders.ID)
	require.NoError(t, h.tables.Unregister(context.Background(), "bbb"))

	_, err = h.router.Execute(context.Background(), Request{Query: query, DataSourceID: customers.ID})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)
	assert.Equal(t, 1, h.engines[models.EngineVirtualLocal].calls())
}

func TestExecute_DeletionWaitingOnLeaseRejectsNewQueries(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.addFile(t, "111")

	lease, err := h.tables.Acquire(context.Background(), "111")
	require.NoError(t, err)

	unregistered := make(chan error, 1)
	go func() { unregistered <- h.tables.Unregister(context.Background(), "111") }()
	require.Eventually(t, func() bool {
		_, ok := h.tables.Lookup("111")
		return !ok
	}, time.Second, time.Millisecond)

	// The source row is still active while the in-flight lease drains.
	_, err = h.router.Execute(context.Background(), Request{Query: "SELECT * FROM data", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)
	assert.Zero(t, h.engines[models.EngineVirtualLocal].calls())

	lease.Release()
	require.NoError(t, <-unregistered)
	_, ok := h.tables.Lookup("111")
	assert.False(t, ok)
}

func TestExecute_UnavailableFileIsDataSourceNotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.addFile(t, "aaa")
	h.loader.failOn["aaa"] = errors.New("storage: object not found")

	_, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM data", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrDataSourceNotFound)
	assert.ErrorIs(t, err, apperrors.ErrFileUnavailable)
}

func TestExecute_ReleasesLeases(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.addFile(t, "aaa")

	_, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM data", DataSourceID: ds.ID})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, h.tables.Evict(ctx, "aaa"), "evict must not wait on a lease left behind")
}

// ============================================================================
// Limits, retries and error mapping
// ============================================================================

func TestExecute_OverflowTruncatesAndFlags(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	h.engines[models.EngineDirectSQL].steps = []func(context.Context) (*engine.RowSet, error){returns(rowSet(11), nil)}

	result, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM orders", DataSourceID: ds.ID})
	require.NoError(t, err)
	assert.True(t, result.Metadata.Truncated)
	assert.Equal(t, 10, result.Metadata.RowCount)
	assert.Len(t, result.Rows, 10)
}

func TestExecute_ExactFitIsNotTruncated(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	h.engines[models.EngineDirectSQL].steps = []func(context.Context) (*engine.RowSet, error){returns(rowSet(10), nil)}

	result, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM orders", DataSourceID: ds.ID})
	require.NoError(t, err)
	assert.False(t, result.Metadata.Truncated)
	assert.Equal(t, 10, result.Metadata.RowCount)
}

func TestExecute_OverflowFailsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.FailOnOverflow = true
	h := newHarness(t, cfg)
	ds := h.sources.add(models.KindDatabase, nil)
	h.engines[models.EngineDirectSQL].steps = []func(context.Context) (*engine.RowSet, error){returns(rowSet(11), nil)}

	_, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM orders", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrResultTooLarge)
}

func TestExecute_SnapshotTruncationIsFlagged(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	rs := rowSet(2)
	rs.SourceTruncated = true
	h.engines[models.EngineVirtualLocal].steps = []func(context.Context) (*engine.RowSet, error){returns(rs, nil)}

	result, err := h.router.Execute(context.Background(), Request{
		Query:        "SELECT * FROM a JOIN b ON a.id = b.id JOIN c ON c.id = b.id",
		DataSourceID: ds.ID,
	})
	require.NoError(t, err)
	assert.True(t, result.Metadata.Truncated)
	assert.NotEmpty(t, result.Metadata.RewrittenQuery)
}

func TestExecute_RetriesConnectionFailureOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	connErr := &datasource.ConnectionError{Op: "query", Err: errors.New("connection reset by peer")}
	fe := h.engines[models.EngineDirectSQL]
	fe.steps = []func(context.Context) (*engine.RowSet, error){returns(nil, connErr), returns(rowSet(2), nil)}

	result, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM orders", DataSourceID: ds.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Metadata.Attempts)
	assert.Equal(t, 2, fe.calls())
}

func TestExecute_PersistentConnectionFailureIsEngineUnavailable(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindWarehouse, nil)
	connErr := &datasource.ConnectionError{Op: "query", Err: errors.New("connection refused")}
	fe := h.engines[models.EngineDirectSQL]
	fe.steps = []func(context.Context) (*engine.RowSet, error){returns(nil, connErr)}

	_, err := h.router.Execute(context.Background(), Request{Query: "SELECT * FROM orders", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrEngineUnavailable)
	assert.Equal(t, 2, fe.calls())
}

func TestExecute_SyntaxErrorVerbatimAndNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindDatabase, nil)
	fe := h.engines[models.EngineDirectSQL]
	fe.steps = []func(context.Context) (*engine.RowSet, error){
		returns(nil, &datasource.SyntaxError{Message: `column "regoin" does not exist`, Fragment: "regoin"}),
	}

	_, err := h.router.Execute(context.Background(), Request{Query: "SELECT regoin FROM orders", DataSourceID: ds.ID})
	require.ErrorIs(t, err, apperrors.ErrQuerySyntax)

	var typed *apperrors.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, `column "regoin" does not exist`, typed.Message)
	assert.Equal(t, "regoin", typed.Fragment)
	assert.Equal(t, 1, fe.calls())
}

func TestExecute_FileEnginesAreNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	ds := h.sources.add(models.KindAPI, nil)
	fe := h.engines[models.EngineTabularTransform]
	fe.steps = []func(context.Context) (*engine.RowSet, error){
		returns(nil, &datasource.ConnectionError{Op: "GET /sales", Err: errors.New("503")}),
	}

	_, err := h.router.Execute(context.Background(), Request{Query: "path: /sales", DataSourceID: ds.ID})
	assert.ErrorIs(t, err, apperrors.ErrEngineUnavailable)
	assert.Equal(t, 1, fe.calls())
}

func TestExecute_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	ds := h.sources.add(models.KindSemantic, nil)
	h.engines[models.EngineSemanticLayer].steps = []func(context.Context) (*engine.RowSet, error){
		func(ctx context.Context) (*engine.RowSet, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, err := h.router.Execute(context.Background(), Request{Query: "revenue", DataSourceID: ds.ID})
	require.ErrorIs(t, err, apperrors.ErrQueryTimeout)
	assert.True(t, strings.Contains(err.Error(), "20ms"))
}
