package database

import "context"

type contextKey string

// TenantScopeKey is the context key for the tenant-scoped connection.
const TenantScopeKey contextKey = "tenantScope"

// GetTenantScope returns the tenant-scoped connection stored in ctx.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores scope in ctx.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// WithMaintenanceScope returns a context carrying an unscoped connection and its
// release function. Row level security lets such a connection see every
// organization, so it is only for startup and background work.
func (db *DB) WithMaintenanceScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := db.WithoutTenant(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), scope.Close, nil
}
