package local

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// SnapshotSource reads source tables for complex database queries.
type SnapshotSource interface {
	FetchTable(ctx context.Context, ds models.DataSource, table string, limit int) (*engine.RowSet, error)
}

// Engine is the VirtualEngineLocal executor.
type Engine struct {
	workspace      *Workspace
	snapshots      SnapshotSource
	snapshotRowCap int
	logger         *zap.Logger
}

var _ engine.Executor = (*Engine)(nil)

// New creates the local engine. snapshotRowCap bounds the rows copied per source table.
func New(workspace *Workspace, snapshots SnapshotSource, snapshotRowCap int, logger *zap.Logger) *Engine {
	return &Engine{
		workspace:      workspace,
		snapshots:      snapshots,
		snapshotRowCap: snapshotRowCap,
		logger:         logger.Named("local-engine"),
	}
}

func (e *Engine) Kind() models.EngineKind { return models.EngineVirtualLocal }

// Execute runs a file plan against the workspace, or a complex database plan
// against a fresh snapshot of its referenced tables. Database plans carry SQL
// already rewritten to the snapshot's local table names.
func (e *Engine) Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*engine.RowSet, error) {
	if plan.Kind == models.KindFile {
		return e.workspace.Query(ctx, plan.SQLOrRequest, plan.GenericAliasTarget, limit+1)
	}

	if e.snapshots == nil {
		return nil, fmt.Errorf("no snapshot source configured")
	}

	ds := plan.DataSource
	tables, truncated, err := fetchSnapshots(ctx, plan.SnapshotTables, e.snapshotRowCap,
		func(ctx context.Context, table string, n int) (*engine.RowSet, error) {
			return e.snapshots.FetchTable(ctx, ds, table, n)
		})
	if err != nil {
		return nil, err
	}

	rs, err := QuerySnapshot(ctx, plan.SQLOrRequest, tables, limit+1)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Ran snapshot query",
		zap.String("datasource_id", ds.ID.String()),
		zap.Strings("tables", plan.SnapshotTables),
		zap.Bool("source_truncated", truncated))

	rs.SourceTruncated = truncated
	return rs, nil
}
