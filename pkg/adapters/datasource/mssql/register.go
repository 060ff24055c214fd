package mssql

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "sqlserver",
			DisplayName: "Microsoft SQL Server",
			Description: "SQL Server 2016+, Azure SQL Database and Azure Synapse",
		},
		Factory: func(ctx context.Context, descriptor map[string]any, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (datasource.ConnectionTester, error) {
			c, err := newCatalog(ctx, descriptor, connMgr, organizationID, datasourceID)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		SchemaDiscovererFactory: func(ctx context.Context, descriptor map[string]any, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (datasource.SchemaDiscoverer, error) {
			c, err := newCatalog(ctx, descriptor, connMgr, organizationID, datasourceID)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		QueryExecutorFactory: func(ctx context.Context, descriptor map[string]any, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (datasource.QueryExecutor, error) {
			cfg, err := FromMap(descriptor)
			if err != nil {
				return nil, err
			}
			return NewQueryExecutor(ctx, cfg, connMgr, organizationID, datasourceID)
		},
	})
}

func newCatalog(ctx context.Context, descriptor map[string]any, connMgr *datasource.ConnectionManager, organizationID, datasourceID uuid.UUID) (*Catalog, error) {
	cfg, err := FromMap(descriptor)
	if err != nil {
		return nil, err
	}
	return NewCatalog(ctx, cfg, connMgr, organizationID, datasourceID)
}
