package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/database"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// DatasourceRepository defines the interface for data source metadata access.
// Descriptors are stored sealed - encryption/decryption is handled by the service layer.
type DatasourceRepository interface {
	// Create inserts a data source with a caller-assigned ID. Returns ErrConflict if
	// an active data source with the same name exists in the organization.
	Create(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error

	// Get retrieves a data source, active or not. Returns the model and sealed descriptor.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error)

	// List retrieves the organization's active data sources, newest first.
	List(ctx context.Context) ([]*models.DataSource, []string, error)

	// UpdateSchema stores freshly discovered schema for an active data source.
	UpdateSchema(ctx context.Context, id uuid.UUID, schema *models.SourceSchema) error

	// Deactivate soft-deletes a data source. Returns ErrNotFound if it is missing or
	// already inactive.
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type datasourceRepository struct{}

// NewDatasourceRepository creates a new datasource repository.
func NewDatasourceRepository() DatasourceRepository {
	return &datasourceRepository{}
}

var _ DatasourceRepository = (*datasourceRepository)(nil)

const datasourceColumns = `id, organization_id, name, kind, descriptor_encrypted, schema, is_active, created_at, updated_at`

func (r *datasourceRepository) Create(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	schemaJSON, err := marshalSchema(ds.Schema)
	if err != nil {
		return err
	}

	now := time.Now()
	ds.OrganizationID = scope.OrganizationID
	ds.IsActive = true
	ds.CreatedAt = now
	ds.UpdatedAt = now

	query := `
		INSERT INTO engine_datasources (id, organization_id, name, kind, descriptor_encrypted, schema, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`

	_, err = scope.Conn.Exec(ctx, query,
		ds.ID, ds.OrganizationID, ds.Name, string(ds.Kind), sealedDescriptor, schemaJSON, ds.CreatedAt, ds.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}

	return nil
}

func (r *datasourceRepository) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, "", fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + datasourceColumns + ` FROM engine_datasources WHERE id = $1`

	ds, sealed, err := scanDatasource(scope.Conn.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}
	return ds, sealed, nil
}

func (r *datasourceRepository) List(ctx context.Context) ([]*models.DataSource, []string, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT ` + datasourceColumns + `
		FROM engine_datasources
		WHERE is_active
		ORDER BY created_at DESC`

	rows, err := scope.Conn.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var (
		sources []*models.DataSource
		sealed  []string
	)
	for rows.Next() {
		ds, s, err := scanDatasource(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		sources = append(sources, ds)
		sealed = append(sealed, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating datasources: %w", err)
	}

	return sources, sealed, nil
}

func (r *datasourceRepository) UpdateSchema(ctx context.Context, id uuid.UUID, schema *models.SourceSchema) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	schemaJSON, err := marshalSchema(schema)
	if err != nil {
		return err
	}

	result, err := scope.Conn.Exec(ctx,
		`UPDATE engine_datasources SET schema = $2, updated_at = now() WHERE id = $1 AND is_active`,
		id, schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to update datasource schema: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *datasourceRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`UPDATE engine_datasources SET is_active = false, updated_at = now() WHERE id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate datasource: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanDatasource(row pgx.Row) (*models.DataSource, string, error) {
	var (
		ds         models.DataSource
		kind       string
		sealed     string
		schemaJSON []byte
	)
	if err := row.Scan(&ds.ID, &ds.OrganizationID, &ds.Name, &kind, &sealed, &schemaJSON,
		&ds.IsActive, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
		return nil, "", err
	}
	ds.Kind = models.DataSourceKind(kind)
	if len(schemaJSON) > 0 {
		ds.Schema = &models.SourceSchema{}
		if err := json.Unmarshal(schemaJSON, ds.Schema); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal schema: %w", err)
		}
	}
	return &ds, sealed, nil
}

func marshalSchema(schema *models.SourceSchema) ([]byte, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
