package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConnector abstracts a driver's connection pool so the ConnectionManager can
// health-check and expire pools of any driver.
type PoolConnector interface {
	Ping(ctx context.Context) error
	Close() error
	GetType() string
}

// PostgresPoolWrapper wraps *pgxpool.Pool.
type PostgresPoolWrapper struct {
	pool *pgxpool.Pool
}

// NewPostgresPoolWrapper wraps pool.
func NewPostgresPoolWrapper(pool *pgxpool.Pool) *PostgresPoolWrapper {
	return &PostgresPoolWrapper{pool: pool}
}

func (w *PostgresPoolWrapper) Ping(ctx context.Context) error { return w.pool.Ping(ctx) }
func (w *PostgresPoolWrapper) GetType() string                { return "postgres" }

func (w *PostgresPoolWrapper) Close() error {
	w.pool.Close()
	return nil
}

// SQLPoolWrapper wraps a database/sql pool (SQL Server).
type SQLPoolWrapper struct {
	db     *sql.DB
	dbType string
}

// NewSQLPoolWrapper wraps db under dbType.
func NewSQLPoolWrapper(db *sql.DB, dbType string) *SQLPoolWrapper {
	return &SQLPoolWrapper{db: db, dbType: dbType}
}

func (w *SQLPoolWrapper) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }
func (w *SQLPoolWrapper) Close() error                   { return w.db.Close() }
func (w *SQLPoolWrapper) GetType() string                { return w.dbType }

// PostgresPool extracts the *pgxpool.Pool from a connector.
func PostgresPool(connector PoolConnector) (*pgxpool.Pool, error) {
	w, ok := connector.(*PostgresPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a PostgreSQL pool (got %s)", connector.GetType())
	}
	return w.pool, nil
}

// SQLDB extracts the *sql.DB from a connector.
func SQLDB(connector PoolConnector) (*sql.DB, error) {
	w, ok := connector.(*SQLPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a database/sql pool (got %s)", connector.GetType())
	}
	return w.db, nil
}
