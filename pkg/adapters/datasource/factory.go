package datasource

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AdapterFactory creates driver components from the registry.
type AdapterFactory interface {
	NewConnectionTester(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (ConnectionTester, error)
	NewSchemaDiscoverer(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (SchemaDiscoverer, error)
	NewQueryExecutor(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (QueryExecutor, error)

	// Release closes the shared pool held for a data source, if any.
	Release(organizationID, datasourceID uuid.UUID)

	ListTypes() []AdapterInfo
}

type registryFactory struct {
	connMgr *ConnectionManager
}

// NewAdapterFactory returns a factory backed by the global registry.
func NewAdapterFactory(connMgr *ConnectionManager) AdapterFactory {
	return &registryFactory{connMgr: connMgr}
}

func (f *registryFactory) NewConnectionTester(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (ConnectionTester, error) {
	reg, ok := lookup(dsType)
	if !ok || reg.Factory == nil {
		return nil, fmt.Errorf("unsupported datasource driver: %s", dsType)
	}
	return reg.Factory(ctx, descriptor, f.connMgr, organizationID, datasourceID)
}

func (f *registryFactory) NewSchemaDiscoverer(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (SchemaDiscoverer, error) {
	reg, ok := lookup(dsType)
	if !ok || reg.SchemaDiscovererFactory == nil {
		return nil, fmt.Errorf("schema discovery not supported for driver: %s", dsType)
	}
	return reg.SchemaDiscovererFactory(ctx, descriptor, f.connMgr, organizationID, datasourceID)
}

func (f *registryFactory) NewQueryExecutor(ctx context.Context, dsType string, descriptor map[string]any, organizationID, datasourceID uuid.UUID) (QueryExecutor, error) {
	reg, ok := lookup(dsType)
	if !ok || reg.QueryExecutorFactory == nil {
		return nil, fmt.Errorf("query execution not supported for driver: %s", dsType)
	}
	return reg.QueryExecutorFactory(ctx, descriptor, f.connMgr, organizationID, datasourceID)
}

func (f *registryFactory) Release(organizationID, datasourceID uuid.UUID) {
	if f.connMgr != nil {
		f.connMgr.Remove(organizationID, datasourceID)
	}
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

var _ AdapterFactory = (*registryFactory)(nil)
