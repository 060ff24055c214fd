// Package local is the embedded analytical engine: uploaded files and source
// snapshots are loaded into SQLite and queried there.
package local

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

// Workspace is the SQLite database holding materialized files, one table per alias.
type Workspace struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var _ vtable.TableSink = (*Workspace)(nil)

// NewWorkspace opens a fresh workspace database under dir. Materialization state
// lives in memory, so tables left by a previous process are discarded.
func NewWorkspace(dir string, logger *zap.Logger) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	path := filepath.Join(dir, "workspace.db")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to reset workspace: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}

	return &Workspace{db: db, path: path, logger: logger.Named("workspace")}, nil
}

// LoadTable replaces table name with the contents of tbl in one transaction.
func (w *Workspace) LoadTable(ctx context.Context, name string, tbl *ingest.Table) error {
	columns := make([]engine.Column, len(tbl.Columns))
	for i, c := range tbl.Columns {
		columns[i] = engine.Column{Name: c.Name, Type: string(c.Type)}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := createTable(ctx, tx, name, columns, tbl.Rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}

	w.logger.Debug("Loaded table", zap.String("table", name), zap.Int("rows", len(tbl.Rows)))
	return nil
}

// DropTable removes a materialized table. Dropping a missing table is not an error.
func (w *Workspace) DropTable(ctx context.Context, name string) error {
	if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	return nil
}

// Query runs a read-only query over materialized tables and returns at most limit rows.
// When genericTarget is set, the query may also refer to that table as "data":
// a temporary view is created on the connection that runs the query, so both
// names read the same rows and no other query sees the view.
func (w *Workspace) Query(ctx context.Context, query, genericTarget string, limit int) (*engine.RowSet, error) {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	if genericTarget != "" {
		view := quoteIdent(vtable.GenericAlias)
		if _, err := conn.ExecContext(ctx, "DROP VIEW IF EXISTS temp."+view); err != nil {
			return nil, classifyError(err)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TEMP VIEW %s AS SELECT * FROM main.%s", view, quoteIdent(genericTarget))); err != nil {
			return nil, classifyError(err)
		}
		defer w.dropGenericView(ctx, conn)
	}

	return runQuery(ctx, conn, query, limit)
}

// dropGenericView removes the per-connection view. If that fails the connection
// is discarded instead of going back to the pool with the view still attached.
func (w *Workspace) dropGenericView(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP VIEW IF EXISTS temp."+quoteIdent(vtable.GenericAlias)); err != nil {
		w.logger.Warn("Failed to drop generic alias view; discarding connection", zap.Error(err))
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

// Close closes the workspace database and removes its files.
func (w *Workspace) Close() error {
	err := w.db.Close()
	for _, p := range []string{w.path, w.path + "-wal", w.path + "-shm"} {
		_ = os.Remove(p)
	}
	return err
}
