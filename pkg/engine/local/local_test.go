package local

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := NewWorkspace(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() }) //nolint:errcheck
	return w
}

func customersTable() *ingest.Table {
	return &ingest.Table{
		Columns: []ingest.Column{{Name: "id", Type: ingest.TypeInteger}, {Name: "name", Type: ingest.TypeText}},
		Rows:    [][]any{{int64(1), "alice"}, {int64(2), "bob"}, {int64(3), "carol"}},
	}
}

func ordersTable() *ingest.Table {
	return &ingest.Table{
		Columns: []ingest.Column{{Name: "fid", Type: ingest.TypeInteger}, {Name: "amount", Type: ingest.TypeReal}},
		Rows:    [][]any{{int64(1), 10.0}, {int64(1), 5.5}, {int64(3), 7.25}},
	}
}

func TestWorkspace_JoinAcrossFiles(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	require.NoError(t, w.LoadTable(ctx, "file_111", customersTable()))
	require.NoError(t, w.LoadTable(ctx, "file_222", ordersTable()))

	rs, err := w.Query(ctx, `SELECT f.name, SUM(g.amount) AS total FROM "file_111" f JOIN "file_222" g ON f.id = g.fid GROUP BY f.name ORDER BY f.name`, "", 100)
	require.NoError(t, err)

	require.Len(t, rs.Columns, 2)
	assert.Equal(t, "name", rs.Columns[0].Name)
	assert.Equal(t, [][]any{{"alice", 15.5}, {"carol", 7.25}}, rs.Rows)
}

func TestWorkspace_GenericAliasIsConnectionScoped(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	require.NoError(t, w.LoadTable(ctx, "file_111", customersTable()))

	rs, err := w.Query(ctx, "SELECT count(*) AS n FROM data", "file_111", 10)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3)}}, rs.Rows)

	rs, err = w.Query(ctx, "SELECT d.name FROM data d JOIN file_111 f ON f.id = d.id WHERE d.id = 2", "file_111", 10)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"bob"}}, rs.Rows, "both names read the same rows")

	_, err = w.Query(ctx, "SELECT * FROM data", "", 10)
	var syntaxErr *datasource.SyntaxError
	require.True(t, errors.As(err, &syntaxErr), "view must not outlive the query, got %v", err)
	assert.Equal(t, "data", syntaxErr.Fragment)
}

func TestWorkspace_LimitAndSyntaxErrors(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	require.NoError(t, w.LoadTable(ctx, "file_111", customersTable()))

	rs, err := w.Query(ctx, "SELECT * FROM file_111", "", 2)
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)

	_, err = w.Query(ctx, "SELEC id FROM file_111", "", 2)
	var syntaxErr *datasource.SyntaxError
	require.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, "SELEC", syntaxErr.Fragment)
	assert.False(t, syntaxErr.IsRetryable())
}

func TestWorkspace_DropTable(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	require.NoError(t, w.LoadTable(ctx, "file_111", customersTable()))
	require.NoError(t, w.DropTable(ctx, "file_111"))
	require.NoError(t, w.DropTable(ctx, "file_111"))

	_, err := w.Query(ctx, "SELECT * FROM file_111", "", 10)
	var syntaxErr *datasource.SyntaxError
	require.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, "file_111", syntaxErr.Fragment)
}

func TestLocalNames(t *testing.T) {
	names := LocalNames([]string{"public.orders", "archive.orders", "customers", "sales.Regions"})
	assert.Equal(t, map[string]string{
		"public.orders":  "public_orders",
		"archive.orders": "archive_orders",
		"customers":      "customers",
		"sales.regions":  "Regions",
	}, names)

	rewritten := RewriteForSnapshot("SELECT * FROM public.orders o JOIN sales.Regions r ON r.id = o.region_id", names)
	assert.Equal(t, `SELECT * FROM "public_orders" o JOIN "Regions" r ON r.id = o.region_id`, rewritten)
}

type fakeSnapshotSource struct {
	tables map[string]*engine.RowSet
	limits map[string]int
}

func (f *fakeSnapshotSource) FetchTable(ctx context.Context, ds models.DataSource, table string, limit int) (*engine.RowSet, error) {
	rs, ok := f.tables[table]
	if !ok {
		return nil, errors.New("relation does not exist")
	}
	f.limits[table] = limit
	rows := rs.Rows
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return &engine.RowSet{Columns: rs.Columns, Rows: rows}, nil
}

func TestEngine_ExecuteSnapshotPlan(t *testing.T) {
	src := &fakeSnapshotSource{
		limits: map[string]int{},
		tables: map[string]*engine.RowSet{
			"public.customers": {
				Columns: []engine.Column{{Name: "id", Type: "INT4"}, {Name: "region", Type: "TEXT"}},
				Rows:    [][]any{{int64(1), "west"}, {int64(2), "east"}, {int64(3), "west"}},
			},
			"public.orders": {
				Columns: []engine.Column{{Name: "customer_id", Type: "INT4"}, {Name: "amount", Type: "FLOAT8"}},
				Rows:    [][]any{{int64(1), 10.0}, {int64(3), 5.0}},
			},
		},
	}
	e := New(newTestWorkspace(t), src, 2, zap.NewNop())

	tables := []string{"public.customers", "public.orders"}
	plan := &models.QueryPlan{
		Engine:         models.EngineVirtualLocal,
		Kind:           models.KindDatabase,
		SnapshotTables: tables,
		SQLOrRequest: RewriteForSnapshot(
			"SELECT c.region, SUM(o.amount) OVER (PARTITION BY c.region) AS total FROM public.customers c JOIN public.orders o ON o.customer_id = c.id",
			LocalNames(tables)),
		DataSource: models.DataSource{ID: uuid.New(), Kind: models.KindDatabase},
	}

	rs, err := e.Execute(context.Background(), plan, 10)
	require.NoError(t, err)
	assert.True(t, rs.SourceTruncated, "customers has more rows than the snapshot cap")
	assert.Equal(t, 3, src.limits["public.customers"], "cap+1 rows are requested to detect overflow")
	assert.Equal(t, [][]any{{"west", 10.0}}, rs.Rows, "customer 3 was cut from the snapshot")
}

func TestEngine_ExecuteSnapshotFetchError(t *testing.T) {
	src := &fakeSnapshotSource{limits: map[string]int{}, tables: map[string]*engine.RowSet{}}
	e := New(newTestWorkspace(t), src, 10, zap.NewNop())

	_, err := e.Execute(context.Background(), &models.QueryPlan{
		Kind:           models.KindWarehouse,
		SnapshotTables: []string{"missing"},
		SQLOrRequest:   `SELECT * FROM "missing"`,
	}, 10)
	assert.Error(t, err)
}
