package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// minServerVersion is PostgreSQL 10, the first release with pg_class.relispartition.
const minServerVersion = 100000

// Catalog answers connection checks and schema discovery for one PostgreSQL data source.
type Catalog struct {
	config    *Config
	pool      *pgxpool.Pool
	ownedPool bool
}

var (
	_ datasource.ConnectionTester = (*Catalog)(nil)
	_ datasource.SchemaDiscoverer = (*Catalog)(nil)
)

// NewCatalog uses the pool held by connMgr, or a private pool if connMgr is nil.
func NewCatalog(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (*Catalog, error) {
	pool, owned, err := acquirePool(ctx, cfg, connMgr, organizationID, datasourceID)
	if err != nil {
		return nil, err
	}
	return &Catalog{config: cfg, pool: pool, ownedPool: owned}, nil
}

// TestConnection checks that the session landed on the configured database and
// that the server is new enough for discovery.
func (c *Catalog) TestConnection(ctx context.Context) error {
	var (
		currentDB string
		version   int
	)
	err := c.pool.QueryRow(ctx, "SELECT current_database(), current_setting('server_version_num')::int").Scan(&currentDB, &version)
	if err != nil {
		return &datasource.ConnectionError{Op: "connect", Err: err}
	}
	if !strings.EqualFold(currentDB, c.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", c.config.Database, currentDB)
	}
	if version < minServerVersion {
		return fmt.Errorf("server version %d is not supported; PostgreSQL 10 or later is required", version)
	}
	return nil
}

// DiscoverTables lists tables, partitioned parents, views and materialized views
// the session can read. Individual partitions are folded into their parent.
func (c *Catalog) DiscoverTables(ctx context.Context) ([]datasource.TableMetadata, error) {
	const query = `
		SELECT n.nspname, cl.relname, GREATEST(cl.reltuples, 0)::bigint
		FROM pg_class cl
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		WHERE cl.relkind IN ('r', 'p', 'v', 'm')
		  AND NOT cl.relispartition
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND n.nspname NOT LIKE 'pg\_toast%'
		  AND has_table_privilege(cl.oid, 'SELECT')
		ORDER BY n.nspname, cl.relname`

	rows, err := c.pool.Query(ctx, query)
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

// DiscoverColumns returns a relation's live columns in ordinal order, with
// types rendered by format_type.
func (c *Catalog) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	const query = `
		SELECT
			a.attname,
			format_type(a.atttypid, a.atttypmod),
			NOT a.attnotnull,
			COALESCE(a.attnum = ANY (pk.conkey), false),
			a.attnum
		FROM pg_attribute a
		JOIN pg_class cl ON cl.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		LEFT JOIN pg_constraint pk ON pk.conrelid = cl.oid AND pk.contype = 'p'
		WHERE n.nspname = $1 AND cl.relname = $2
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`

	rows, err := c.pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var (
			col    datasource.ColumnMetadata
			ordNum int16
		)
		if err := rows.Scan(&col.ColumnName, &col.DataType, &col.IsNullable, &col.IsPrimaryKey, &ordNum); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.OrdinalPosition = int(ordNum)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// Close releases the pool only if this catalog created it.
func (c *Catalog) Close() error {
	if c.ownedPool && c.pool != nil {
		c.pool.Close()
	}
	return nil
}
