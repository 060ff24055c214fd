package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// acquirePool returns a shared pool from connMgr, or a private pool when connMgr is nil
// (tests and one-off connection checks). owned reports whether the caller must close it.
func acquirePool(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (pool *pgxpool.Pool, owned bool, err error) {
	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", err)
		}
		if connMgr != nil {
			mc := connMgr.Config()
			poolConfig.MaxConns = mc.PoolMaxConns
			poolConfig.MinConns = mc.PoolMinConns
			poolConfig.MaxConnIdleTime = mc.TTL
		}
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, &datasource.ConnectionError{Op: "connect to postgres", Err: err}
		}
		return p, nil
	}

	if connMgr == nil {
		p, err := connect(ctx)
		return p, true, err
	}

	connector, err := connMgr.GetOrCreate(ctx, organizationID, datasourceID, func(ctx context.Context) (datasource.PoolConnector, error) {
		p, err := connect(ctx)
		if err != nil {
			return nil, err
		}
		return datasource.NewPostgresPoolWrapper(p), nil
	})
	if err != nil {
		return nil, false, err
	}

	p, err := datasource.PostgresPool(connector)
	return p, false, err
}
