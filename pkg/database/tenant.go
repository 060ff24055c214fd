package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// orgSetting is the session variable read by the row level security policies.
const orgSetting = "app.current_org_id"

// TenantScope is a borrowed pool connection. When OrganizationID is set the
// connection only sees that organization's rows.
type TenantScope struct {
	Conn           *pgxpool.Conn
	OrganizationID uuid.UUID
}

// Close clears the organization setting and returns the connection to the pool.
// Skipping it leaks the setting to the next borrower.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	if s.OrganizationID != uuid.Nil {
		_, _ = s.Conn.Exec(context.Background(), "RESET "+orgSetting)
	}
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant borrows a connection restricted to one organization.
func (db *DB) WithTenant(ctx context.Context, organizationID uuid.UUID) (*TenantScope, error) {
	if organizationID == uuid.Nil {
		return nil, fmt.Errorf("organization id is required")
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('"+orgSetting+"', $1, false)", organizationID.String()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to set organization scope: %w", err)
	}
	return &TenantScope{Conn: conn, OrganizationID: organizationID}, nil
}

// WithoutTenant borrows a connection with no organization restriction.
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &TenantScope{Conn: conn}, nil
}
