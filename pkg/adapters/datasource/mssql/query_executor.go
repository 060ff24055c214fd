package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// QueryExecutor runs bounded read-only queries on SQL Server and Azure Synapse.
type QueryExecutor struct {
	db      *sql.DB
	ownedDB bool
}

// NewQueryExecutor creates an executor using connMgr, or a private pool if connMgr is nil.
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (*QueryExecutor, error) {
	db, owned, err := acquireDB(ctx, cfg, connMgr, organizationID, datasourceID)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{db: db, ownedDB: owned}, nil
}

// Query wraps sqlQuery with TOP (n) and runs it in a read-only snapshot transaction.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	queryToRun := fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS _q", datasource.EffectiveLimit(limit), sqlQuery)

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	rows, err := tx.QueryContext(ctx, queryToRun)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	columns := make([]datasource.ColumnInfo, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = datasource.ColumnInfo{
			Name: ct.Name(),
			Type: mapSQLServerType(ct.DatabaseTypeName()),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = convertValue(values[i], columnTypes[i].DatabaseTypeName())
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	return &datasource.QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// convertValue turns driver byte slices into strings or numbers.
func convertValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch {
	case isDecimalType(dbType):
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
		return string(b)
	case isStringType(dbType):
		return string(b)
	}
	return v
}

// QuoteIdentifier brackets a SQL Server identifier.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	return quoteName(name)
}

// Dialect returns "sqlserver".
func (e *QueryExecutor) Dialect() string { return "sqlserver" }

// Close releases the pool only if this executor created it.
func (e *QueryExecutor) Close() error {
	if e.ownedDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

// SQL Server error numbers that mean the statement itself is wrong.
var queryErrorNumbers = map[int32]bool{
	102:  true, // incorrect syntax near
	105:  true, // unclosed quotation mark
	156:  true, // incorrect syntax near keyword
	207:  true, // invalid column name
	208:  true, // invalid object name
	209:  true, // ambiguous column name
	245:  true, // conversion failed
	4104: true, // multi-part identifier could not be bound
	8120: true, // column not in GROUP BY
	8134: true, // divide by zero
}

// SQL Server error numbers that mean the server is unavailable or overloaded.
var connectionErrorNumbers = map[int32]bool{
	-2:    true, // timeout expired
	233:   true, // no process on the other end of the pipe
	1205:  true, // deadlock victim
	4060:  true, // cannot open database
	10053: true, // transport-level error
	10054: true, // connection forcibly closed
	40197: true, // Azure: error processing request
	40501: true, // Azure: service busy
	40613: true, // Azure: database unavailable
}

var nearPattern = regexp.MustCompile(`near (?:the keyword )?'([^']*)'`)

func classifyError(err error) error {
	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		switch {
		case queryErrorNumbers[sqlErr.Number]:
			syntaxErr := &datasource.SyntaxError{Message: sqlErr.Message, Err: err}
			if m := nearPattern.FindStringSubmatch(sqlErr.Message); m != nil {
				syntaxErr.Fragment = m[1]
			}
			return syntaxErr
		case connectionErrorNumbers[sqlErr.Number]:
			return &datasource.ConnectionError{Op: "query", Err: err}
		}
		return fmt.Errorf("failed to execute query: %w", err)
	}

	if datasource.IsTransportError(err) {
		return &datasource.ConnectionError{Op: "query", Err: err}
	}
	return fmt.Errorf("failed to execute query: %w", err)
}

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
