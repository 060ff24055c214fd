package datasource

import "context"

// ConnectionTester verifies that a data source is reachable with its descriptor.
// Each implementation owns its connection and must be closed when done.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
	Close() error
}

// SchemaDiscoverer lists tables and columns so a data source's schema can be refreshed.
type SchemaDiscoverer interface {
	// DiscoverTables returns all user tables (excludes system schemas).
	DiscoverTables(ctx context.Context) ([]TableMetadata, error)

	// DiscoverColumns returns columns for a specific table in ordinal order.
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnMetadata, error)

	Close() error
}

// MaxQueryLimit is the hard cap on rows any adapter will return from Query.
const MaxQueryLimit = 100_000

// QueryExecutor runs read-only SQL against a live data source.
type QueryExecutor interface {
	// Query runs a SELECT statement and returns bounded results.
	// The query is always wrapped with a dialect-specific limit:
	//   - PostgreSQL: SELECT * FROM (query) AS _q LIMIT n
	//   - SQL Server: SELECT TOP (n) * FROM (query) AS _q
	//
	// limit <= 0 or limit > MaxQueryLimit uses MaxQueryLimit.
	//
	// Failures are classified: *SyntaxError for statements the server rejected,
	// *ConnectionError for transport and availability failures.
	Query(ctx context.Context, sqlQuery string, limit int) (*QueryExecutionResult, error)

	// QuoteIdentifier quotes a table or column name in the adapter's dialect.
	QuoteIdentifier(name string) string

	// Dialect names the SQL dialect ("postgres", "sqlserver").
	Dialect() string

	// Close releases any resources held by the executor (not a managed pool).
	Close() error
}

// ColumnInfo describes a result column with its database type name.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // e.g. "TEXT", "INT4", "NVARCHAR"
}

// QueryExecutionResult holds the rows produced by Query.
type QueryExecutionResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// TableMetadata is a discovered table.
type TableMetadata struct {
	SchemaName string
	TableName  string
	RowCount   int64
}

// ColumnMetadata is a discovered column.
type ColumnMetadata struct {
	ColumnName      string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	OrdinalPosition int
}

// EffectiveLimit applies the MaxQueryLimit rules to a requested limit.
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
