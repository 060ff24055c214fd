package datasource

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// AdapterInfo describes a registered driver.
type AdapterInfo struct {
	Type        string `json:"type"`         // descriptor "driver" value: "postgres", "sqlserver"
	DisplayName string `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description"`
}

// FactoryFunc builds an adapter component from a decrypted descriptor. Pools are shared
// through connMgr per (organization, data source).
type FactoryFunc[T any] func(ctx context.Context, descriptor map[string]any, connMgr *ConnectionManager, organizationID, datasourceID uuid.UUID) (T, error)

// AdapterRegistration contains info and factories for one driver.
type AdapterRegistration struct {
	Info                    AdapterInfo
	Factory                 FactoryFunc[ConnectionTester]
	SchemaDiscovererFactory FactoryFunc[SchemaDiscoverer]
	QueryExecutorFactory    FactoryFunc[QueryExecutor]
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called from each driver package's init().
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered drivers, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

func lookup(dsType string) (AdapterRegistration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[dsType]
	return reg, ok
}

// IsRegistered reports whether a driver type is available.
func IsRegistered(dsType string) bool {
	_, ok := lookup(dsType)
	return ok
}
