package mssql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the "azuresql" driver

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

// acquireDB returns a shared *sql.DB from connMgr, or a private one when connMgr is nil.
// owned reports whether the caller must close it.
func acquireDB(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (db *sql.DB, owned bool, err error) {
	open := func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open(cfg.DriverName(), cfg.ConnectionString())
		if err != nil {
			return nil, err
		}
		if connMgr != nil {
			mc := connMgr.Config()
			db.SetMaxOpenConns(int(mc.PoolMaxConns))
			db.SetMaxIdleConns(int(mc.PoolMinConns))
			db.SetConnMaxIdleTime(mc.TTL)
		} else {
			db.SetConnMaxIdleTime(time.Minute)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, &datasource.ConnectionError{Op: "connect to sql server", Err: err}
		}
		return db, nil
	}

	if connMgr == nil {
		db, err := open(ctx)
		return db, true, err
	}

	connector, err := connMgr.GetOrCreate(ctx, organizationID, datasourceID, func(ctx context.Context) (datasource.PoolConnector, error) {
		db, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return datasource.NewSQLPoolWrapper(db, "sqlserver"), nil
	})
	if err != nil {
		return nil, false, err
	}

	db, err = datasource.SQLDB(connector)
	return db, false, err
}
