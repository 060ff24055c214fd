package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"modernc.org/sqlite" // also registers the "sqlite" driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
)

const insertBatchSize = 500

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var unsafeTypeChars = regexp.MustCompile(`[^A-Za-z0-9_ ]`)

// declaredType keeps a source type name usable as a SQLite column type so
// SQLite can derive column affinity from it.
func declaredType(t string) string {
	return strings.TrimSpace(unsafeTypeChars.ReplaceAllString(t, ""))
}

// createTable creates name and inserts rows. Callers provide the transaction.
func createTable(ctx context.Context, tx execer, name string, columns []engine.Column, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("table %s has no columns", name)
	}

	defs := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		def := quoteIdent(c.Name)
		if t := declaredType(c.Type); t != "" {
			def += " " + t
		}
		defs[i] = def
		placeholders[i] = "?"
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", name, err)
	}
	defer stmt.Close() //nolint:errcheck

	for i, row := range rows {
		if i%insertBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert row %d into %s: %w", i+1, name, err)
		}
	}
	return nil
}

// runQuery wraps query with a LIMIT and scans every row.
func runQuery(ctx context.Context, q queryer, query string, limit int) (*engine.RowSet, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", query, limit))
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	columns := make([]engine.Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = engine.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	return &engine.RowSet{Columns: columns, Rows: out}, nil
}

var sqliteFragmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`near "([^"]*)"`),
	regexp.MustCompile(`no such (?:table|column|function): (\S+)`),
	regexp.MustCompile(`ambiguous column name: (\S+)`),
}

// classifyError maps SQLite result codes onto the adapter error types the router understands.
func classifyError(err error) error {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}

	msg := sqlErr.Error()
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_ERROR:
		fragment := ""
		for _, re := range sqliteFragmentPatterns {
			if m := re.FindStringSubmatch(msg); m != nil {
				fragment = m[1]
				break
			}
		}
		return &datasource.SyntaxError{Message: msg, Fragment: fragment, Err: err}
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &datasource.ConnectionError{Op: "query local engine", Err: err}
	default:
		return err
	}
}
