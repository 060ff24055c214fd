// Package direct runs queries on the live connection of a database or warehouse source.
package direct

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/retry"
)

// Engine executes SQL through the adapter registered for the source's driver.
type Engine struct {
	adapters datasource.AdapterFactory
	logger   *zap.Logger
}

var _ engine.Executor = (*Engine)(nil)

// New creates a direct SQL engine.
func New(adapters datasource.AdapterFactory, logger *zap.Logger) *Engine {
	return &Engine{adapters: adapters, logger: logger.Named("direct-sql")}
}

func (e *Engine) Kind() models.EngineKind { return models.EngineDirectSQL }

func (e *Engine) Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*engine.RowSet, error) {
	ds := &plan.DataSource
	exec, err := e.executor(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer exec.Close() //nolint:errcheck

	e.logger.Debug("Executing query",
		zap.String("datasource_id", ds.ID.String()),
		zap.String("driver", ds.Driver()),
		zap.String("query", logging.SanitizeQuery(plan.SQLOrRequest)))

	res, err := exec.Query(ctx, plan.SQLOrRequest, limit+1)
	if err != nil {
		return nil, err
	}
	return toRowSet(res), nil
}

// FetchTable reads up to limit rows of one table for a local snapshot.
// table may be schema-qualified ("public.orders").
func (e *Engine) FetchTable(ctx context.Context, ds models.DataSource, table string, limit int) (*engine.RowSet, error) {
	exec, err := e.executor(ctx, &ds)
	if err != nil {
		return nil, err
	}
	defer exec.Close() //nolint:errcheck

	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = exec.QuoteIdentifier(p)
	}
	res, err := exec.Query(ctx, "SELECT * FROM "+strings.Join(parts, "."), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", table, err)
	}
	return toRowSet(res), nil
}

func (e *Engine) executor(ctx context.Context, ds *models.DataSource) (datasource.QueryExecutor, error) {
	exec, err := e.adapters.NewQueryExecutor(ctx, ds.Driver(), ds.Descriptor, ds.OrganizationID, ds.ID)
	if err != nil {
		var connErr *datasource.ConnectionError
		if !errors.As(err, &connErr) && (datasource.IsTransportError(err) || retry.IsRetryable(err)) {
			err = &datasource.ConnectionError{Op: "open " + ds.Driver() + " connection", Err: err}
		}
		e.logger.Warn("Failed to open data source connection",
			zap.String("datasource_id", ds.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}
	return exec, nil
}

func toRowSet(res *datasource.QueryExecutionResult) *engine.RowSet {
	cols := make([]engine.Column, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = engine.Column{Name: c.Name, Type: c.Type}
	}
	return &engine.RowSet{Columns: cols, Rows: engine.RowsFromMaps(cols, res.Rows)}
}
