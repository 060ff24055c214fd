package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// Catalog answers connection checks and schema discovery for one SQL Server data source.
type Catalog struct {
	config  *Config
	db      *sql.DB
	ownedDB bool
}

var (
	_ datasource.ConnectionTester = (*Catalog)(nil)
	_ datasource.SchemaDiscoverer = (*Catalog)(nil)
)

// NewCatalog uses the pool held by connMgr, or a private pool if connMgr is nil.
func NewCatalog(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (*Catalog, error) {
	db, owned, err := acquireDB(ctx, cfg, connMgr, organizationID, datasourceID)
	if err != nil {
		return nil, err
	}
	return &Catalog{config: cfg, db: db, ownedDB: owned}, nil
}

// TestConnection checks the session's database and that the login can read it.
func (c *Catalog) TestConnection(ctx context.Context) error {
	var (
		currentDB string
		canRead   sql.NullInt32
	)
	err := c.db.QueryRowContext(ctx, "SELECT DB_NAME(), HAS_PERMS_BY_NAME(DB_NAME(), 'DATABASE', 'SELECT')").Scan(&currentDB, &canRead)
	if err != nil {
		return &datasource.ConnectionError{Op: "connect", Err: err}
	}
	if !strings.EqualFold(currentDB, c.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", c.config.Database, currentDB)
	}
	if canRead.Valid && canRead.Int32 == 0 {
		return fmt.Errorf("login has no SELECT permission on database %q", currentDB)
	}
	return nil
}

// DiscoverTables lists user tables and views. Row counts come from partition
// statistics, so views report zero.
func (c *Catalog) DiscoverTables(ctx context.Context) ([]datasource.TableMetadata, error) {
	const query = `
	SET NOCOUNT ON;
	SELECT
	    SCHEMA_NAME(o.schema_id),
	    o.name,
	    COALESCE(SUM(p.rows), 0)
	FROM sys.objects o
	LEFT JOIN sys.partitions p ON p.object_id = o.object_id AND p.index_id IN (0, 1)
	WHERE o.type IN ('U', 'V')
	  AND o.is_ms_shipped = 0
	GROUP BY o.schema_id, o.name
	ORDER BY 1, 2`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []datasource.TableMetadata
	for rows.Next() {
		var t datasource.TableMetadata
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.RowCount); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// DiscoverColumns returns a table's or view's columns in ordinal order with
// types mapped onto the names the other drivers report.
func (c *Catalog) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	const query = `
	SET NOCOUNT ON;
	SELECT
	    c.name,
	    TYPE_NAME(c.user_type_id),
	    c.is_nullable,
	    c.column_id,
	    CAST(CASE WHEN EXISTS (
	        SELECT 1
	        FROM sys.index_columns ic
	        JOIN sys.indexes i ON i.object_id = ic.object_id AND i.index_id = ic.index_id
	        WHERE i.is_primary_key = 1 AND ic.object_id = c.object_id AND ic.column_id = c.column_id
	    ) THEN 1 ELSE 0 END AS bit)
	FROM sys.columns c
	WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY c.column_id`

	rows, err := c.db.QueryContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var col datasource.ColumnMetadata
		if err := rows.Scan(&col.ColumnName, &col.DataType, &col.IsNullable, &col.OrdinalPosition, &col.IsPrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.DataType = mapSQLServerType(col.DataType)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// Close releases the pool only if this catalog created it.
func (c *Catalog) Close() error {
	if c.ownedDB && c.db != nil {
		return c.db.Close()
	}
	return nil
}
