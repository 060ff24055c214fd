package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// QueryExecutor runs bounded read-only queries on PostgreSQL and compatible warehouses.
type QueryExecutor struct {
	pool      *pgxpool.Pool
	ownedPool bool
}

// NewQueryExecutor creates an executor using connMgr, or a private pool if connMgr is nil.
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (*QueryExecutor, error) {
	pool, owned, err := acquirePool(ctx, cfg, connMgr, organizationID, datasourceID)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{pool: pool, ownedPool: owned}, nil
}

// Query runs sqlQuery inside a read-only transaction, wrapped with LIMIT.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	queryToRun := fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", sqlQuery, datasource.EffectiveLimit(limit))

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classifyError(err, queryToRun)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	rows, err := tx.Query(ctx, queryToRun)
	if err != nil {
		return nil, classifyError(err, queryToRun)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, queryToRun)
	}

	return &datasource.QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// QuoteIdentifier quotes a PostgreSQL identifier.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Dialect returns "postgres".
func (e *QueryExecutor) Dialect() string { return "postgres" }

// Close releases the pool only if this executor created it.
func (e *QueryExecutor) Close() error {
	if e.ownedPool && e.pool != nil {
		e.pool.Close()
	}
	return nil
}

// classifyError maps driver failures onto the adapter error types.
// SQLSTATE class 42 (syntax/access rule) and 22 (data exception) are query problems;
// 08 (connection), 53 (insufficient resources) and 57P (operator intervention) are
// availability problems.
func classifyError(err error, sentQuery string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "22"):
			return &datasource.SyntaxError{
				Message:  pgErr.Message,
				Fragment: fragmentAt(sentQuery, int(pgErr.Position)),
				Err:      err,
			}
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return &datasource.ConnectionError{Op: "query", Err: err}
		}
		return fmt.Errorf("failed to execute query: %w", err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || datasource.IsTransportError(err) || pgconn.SafeToRetry(err) {
		return &datasource.ConnectionError{Op: "query", Err: err}
	}
	return fmt.Errorf("failed to execute query: %w", err)
}

// fragmentAt returns the token starting at a 1-based character position.
func fragmentAt(query string, position int) string {
	runes := []rune(query)
	if position <= 0 || position > len(runes) {
		return ""
	}
	start := position - 1
	end := start
	for end < len(runes) && !unicode.IsSpace(runes[end]) && !strings.ContainsRune("(),;", runes[end]) {
		end++
	}
	if end == start {
		end = start + 1
	}
	return string(runes[start:end])
}

// normalizeValue converts pgx-specific types into plain Go values that encode to JSON
// and load into the local engine.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}

func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case pgtype.BoolOID:
		return "BOOL"
	case pgtype.Int2OID:
		return "INT2"
	case pgtype.Int4OID:
		return "INT4"
	case pgtype.Int8OID:
		return "INT8"
	case pgtype.Float4OID:
		return "FLOAT4"
	case pgtype.Float8OID:
		return "FLOAT8"
	case pgtype.NumericOID:
		return "NUMERIC"
	case pgtype.TextOID:
		return "TEXT"
	case pgtype.VarcharOID:
		return "VARCHAR"
	case pgtype.BPCharOID:
		return "BPCHAR"
	case pgtype.DateOID:
		return "DATE"
	case pgtype.TimestampOID:
		return "TIMESTAMP"
	case pgtype.TimestamptzOID:
		return "TIMESTAMPTZ"
	case pgtype.UUIDOID:
		return "UUID"
	case pgtype.JSONOID:
		return "JSON"
	case pgtype.JSONBOID:
		return "JSONB"
	default:
		return "UNKNOWN"
	}
}

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
