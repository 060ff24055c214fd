package local

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	sqlutil "github.com/ekaya-inc/ekaya-analyst/pkg/sql"
)

// SnapshotTable is a read-only copy of one source table.
type SnapshotTable struct {
	Name    string // as referenced in the query, possibly schema-qualified
	Columns []engine.Column
	Rows    [][]any
}

// LocalNames maps each lower-cased qualified name to a SQLite table name. The
// bare table name is used unless two schemas share it.
func LocalNames(tables []string) map[string]string {
	counts := make(map[string]int)
	for _, t := range tables {
		counts[strings.ToLower(bareName(t))]++
	}

	out := make(map[string]string, len(tables))
	for _, t := range tables {
		name := bareName(t)
		if counts[strings.ToLower(name)] > 1 {
			name = strings.ReplaceAll(t, ".", "_")
		}
		out[strings.ToLower(t)] = name
	}
	return out
}

func bareName(qualified string) string {
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// RewriteForSnapshot points every snapshot table reference at its local name.
func RewriteForSnapshot(query string, names map[string]string) string {
	return sqlutil.RewriteTableRefs(query, func(ref sqlutil.TableRef) (string, bool) {
		local, ok := names[strings.ToLower(ref.QualifiedName())]
		if !ok {
			return "", false
		}
		return quoteIdent(local), true
	})
}

// QuerySnapshot loads tables into a private in-memory database, runs query
// there and discards the database. query must already refer to the local names
// (see RewriteForSnapshot).
func QuerySnapshot(ctx context.Context, query string, tables []SnapshotTable, limit int) (*engine.RowSet, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	defer db.Close() //nolint:errcheck
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	qualified := make([]string, len(tables))
	for i, t := range tables {
		qualified[i] = t.Name
	}
	names := LocalNames(qualified)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot load: %w", err)
	}
	for _, t := range tables {
		if err := createTable(ctx, tx, names[strings.ToLower(t.Name)], t.Columns, t.Rows); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot load: %w", err)
	}

	return runQuery(ctx, db, query, limit)
}

// fetchSnapshots reads every table concurrently. A table with more than rowCap
// rows is cut to rowCap and reported through truncated.
func fetchSnapshots(ctx context.Context, names []string, rowCap int, fetch func(ctx context.Context, table string, limit int) (*engine.RowSet, error)) (tables []SnapshotTable, truncated bool, err error) {
	tables = make([]SnapshotTable, len(names))
	cut := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			rs, err := fetch(gctx, name, rowCap+1)
			if err != nil {
				return err
			}
			rows := rs.Rows
			if len(rows) > rowCap {
				rows = rows[:rowCap]
				cut[i] = true
			}
			tables[i] = SnapshotTable{Name: name, Columns: rs.Columns, Rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	for _, c := range cut {
		truncated = truncated || c
	}
	return tables, truncated, nil
}
