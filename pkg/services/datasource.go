package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/crypto"
	"github.com/ekaya-inc/ekaya-analyst/pkg/database"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/repositories"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

var (
	// ErrSchemaUnsupported is returned by RefreshSchema for kinds with no schema discovery.
	ErrSchemaUnsupported = errors.New("schema discovery is not supported for this data source kind")

	// ErrInvalidDataSource wraps every registration validation failure.
	ErrInvalidDataSource = errors.New("invalid data source")
)

// discoveryConcurrency bounds parallel column discovery during RefreshSchema.
const discoveryConcurrency = 4

// FileInspector reads the columns of an uploaded file without materializing it.
type FileInspector interface {
	Inspect(ctx context.Context, vt models.VirtualTable) ([]ingest.Column, error)
}

// DataSourceService is the data source registry. Get also satisfies the
// router's lookup and is served from an in-process read-through cache.
type DataSourceService interface {
	Register(ctx context.Context, kind models.DataSourceKind, name string, descriptor map[string]any) (*models.DataSource, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)
	List(ctx context.Context) ([]*models.DataSource, error)

	// Deactivate soft-deletes a data source. The source reads as inactive from
	// the start of the call, and for files the virtual table is unregistered
	// before the row is deactivated, so no new plan can reference it.
	Deactivate(ctx context.Context, id uuid.UUID) error

	RefreshSchema(ctx context.Context, id uuid.UUID) (*models.SourceSchema, error)

	// RestoreFileTables registers the virtual tables of every active file source
	// visible in ctx. The server calls it at startup.
	RestoreFileTables(ctx context.Context) (int, error)
}

type dataSourceService struct {
	repo      repositories.DatasourceRepository
	sealer    *crypto.DescriptorSealer
	tables    vtable.Registry
	adapters  datasource.AdapterFactory
	inspector FileInspector
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]*models.DataSource
	// retiring holds sources whose deactivation is in progress.
	retiring map[uuid.UUID]struct{}
}

var (
	_ DataSourceService       = (*dataSourceService)(nil)
	_ router.DataSourceLookup = (*dataSourceService)(nil)
)

// NewDataSourceService creates the data source registry.
func NewDataSourceService(
	repo repositories.DatasourceRepository,
	sealer *crypto.DescriptorSealer,
	tables vtable.Registry,
	adapters datasource.AdapterFactory,
	inspector FileInspector,
	logger *zap.Logger,
) DataSourceService {
	return &dataSourceService{
		repo:      repo,
		sealer:    sealer,
		tables:    tables,
		adapters:  adapters,
		inspector: inspector,
		logger:    logger.Named("datasources"),
		cache:     make(map[uuid.UUID]*models.DataSource),
		retiring:  make(map[uuid.UUID]struct{}),
	}
}

func (s *dataSourceService) Register(ctx context.Context, kind models.DataSourceKind, name string, descriptor map[string]any) (*models.DataSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDataSource)
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDataSource, kind)
	}
	if descriptor == nil {
		descriptor = make(map[string]any)
	}
	if err := validateDescriptor(kind, descriptor); err != nil {
		return nil, err
	}

	ds := &models.DataSource{
		ID:         uuid.New(),
		Name:       name,
		Kind:       kind,
		Descriptor: descriptor,
	}

	sealed, err := s.sealer.Seal(ds.ID.String(), descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to seal descriptor: %w", err)
	}
	if err := s.repo.Create(ctx, ds, sealed); err != nil {
		return nil, err
	}

	if kind == models.KindFile {
		vt, err := s.tables.Register(models.VirtualTableFor(ds))
		if err != nil {
			s.logger.Warn("Failed to register virtual table",
				zap.String("datasource_id", ds.ID.String()),
				zap.Error(err))
		} else {
			s.logger.Debug("Registered virtual table", zap.String("alias", vt.AliasName))
		}
	}

	s.store(ds)
	s.logger.Info("Registered data source",
		zap.String("id", ds.ID.String()),
		zap.String("organization_id", ds.OrganizationID.String()),
		zap.String("kind", string(kind)),
		zap.String("name", name))

	return cloneDataSource(ds), nil
}

func (s *dataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	orgID, err := organizationOf(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && cached.OrganizationID == orgID {
		return s.visible(cached), nil
	}

	ds, sealed, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.open(ds, sealed); err != nil {
		return nil, err
	}
	s.store(ds)
	return s.visible(ds), nil
}

func (s *dataSourceService) List(ctx context.Context) ([]*models.DataSource, error) {
	sources, sealed, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i, ds := range sources {
		if err := s.open(ds, sealed[i]); err != nil {
			return nil, err
		}
		s.store(ds)
	}
	return sources, nil
}

func (s *dataSourceService) Deactivate(ctx context.Context, id uuid.UUID) error {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ds.IsActive {
		return apperrors.ErrNotFound
	}
	if !s.retire(id) {
		return apperrors.ErrNotFound
	}
	defer s.unretire(id)

	if ds.Kind == models.KindFile {
		if err := s.tables.Unregister(ctx, ds.FileID()); err != nil && !errors.Is(err, vtable.ErrNotRegistered) {
			return fmt.Errorf("failed to unregister virtual table: %w", err)
		}
	}

	if err := s.repo.Deactivate(ctx, id); err != nil {
		if ds.Kind == models.KindFile {
			if _, rerr := s.tables.Register(models.VirtualTableFor(ds)); rerr != nil {
				s.logger.Error("Failed to restore virtual table after failed deactivation",
					zap.String("datasource_id", id.String()),
					zap.Error(rerr))
			}
		}
		return err
	}

	s.forget(id)
	if ds.Kind == models.KindDatabase || ds.Kind == models.KindWarehouse {
		s.adapters.Release(ds.OrganizationID, ds.ID)
	}

	s.logger.Info("Deactivated data source",
		zap.String("id", id.String()),
		zap.String("kind", string(ds.Kind)))
	return nil
}

func (s *dataSourceService) RefreshSchema(ctx context.Context, id uuid.UUID) (*models.SourceSchema, error) {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ds.IsActive {
		return nil, apperrors.ErrNotFound
	}

	var tables []models.SchemaTable
	switch ds.Kind {
	case models.KindDatabase, models.KindWarehouse:
		tables, err = s.discoverTables(ctx, ds)
	case models.KindFile:
		tables, err = s.inspectFile(ctx, ds)
	default:
		return nil, ErrSchemaUnsupported
	}
	if err != nil {
		return nil, err
	}

	schema := &models.SourceSchema{Tables: tables, RefreshedAt: time.Now().UTC()}
	if err := s.repo.UpdateSchema(ctx, id, schema); err != nil {
		return nil, err
	}
	s.forget(id)

	s.logger.Info("Refreshed data source schema",
		zap.String("id", id.String()),
		zap.Int("tables", len(tables)))
	return schema, nil
}

func (s *dataSourceService) RestoreFileTables(ctx context.Context) (int, error) {
	sources, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ds := range sources {
		if ds.Kind != models.KindFile {
			continue
		}
		if _, err := s.tables.Register(models.VirtualTableFor(ds)); err != nil {
			s.logger.Warn("Skipping file source",
				zap.String("datasource_id", ds.ID.String()),
				zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (s *dataSourceService) discoverTables(ctx context.Context, ds *models.DataSource) ([]models.SchemaTable, error) {
	disc, err := s.adapters.NewSchemaDiscoverer(ctx, ds.Driver(), ds.Descriptor, ds.OrganizationID, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data source: %w", err)
	}
	defer disc.Close() //nolint:errcheck

	found, err := disc.DiscoverTables(ctx)
	if err != nil {
		s.logger.Error("Table discovery failed",
			zap.String("datasource_id", ds.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("failed to discover tables: %w", err)
	}

	tables := make([]models.SchemaTable, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for i, t := range found {
		tables[i] = models.SchemaTable{Schema: t.SchemaName, Name: t.TableName}
		g.Go(func() error {
			cols, err := disc.DiscoverColumns(gctx, t.SchemaName, t.TableName)
			if err != nil {
				return fmt.Errorf("failed to discover columns of %s.%s: %w", t.SchemaName, t.TableName, err)
			}
			out := make([]models.SchemaColumn, len(cols))
			for j, c := range cols {
				out[j] = models.SchemaColumn{Name: c.ColumnName, DataType: c.DataType}
			}
			tables[i].Columns = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *dataSourceService) inspectFile(ctx context.Context, ds *models.DataSource) ([]models.SchemaTable, error) {
	vt, ok := s.tables.Lookup(ds.FileID())
	if !ok {
		return nil, apperrors.DataSourceNotFound(ds.ID.String(), vtable.ErrNotRegistered)
	}

	cols, err := s.inspector.Inspect(ctx, vt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileUnavailable, "file could not be read", err)
	}
	out := make([]models.SchemaColumn, len(cols))
	for i, c := range cols {
		out[i] = models.SchemaColumn{Name: c.Name, DataType: string(c.Type)}
	}
	return []models.SchemaTable{{Name: vt.AliasName, Columns: out}}, nil
}

func (s *dataSourceService) open(ds *models.DataSource, sealed string) error {
	descriptor, err := s.sealer.Open(ds.ID.String(), sealed)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return fmt.Errorf("data source %s: %w", ds.ID, apperrors.ErrCredentialsKeyMismatch)
		}
		return fmt.Errorf("failed to open descriptor: %w", err)
	}
	ds.Descriptor = descriptor
	return nil
}

func (s *dataSourceService) store(ds *models.DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[ds.ID] = cloneDataSource(ds)
}

func (s *dataSourceService) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

// retire marks id as being deactivated. It reports false if another
// deactivation of id is already running.
func (s *dataSourceService) retire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.retiring[id]; ok {
		return false
	}
	s.retiring[id] = struct{}{}
	return true
}

func (s *dataSourceService) unretire(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retiring, id)
}

// visible copies ds as callers see it: inactive while it is retiring.
func (s *dataSourceService) visible(ds *models.DataSource) *models.DataSource {
	out := cloneDataSource(ds)
	s.mu.RLock()
	_, retiring := s.retiring[ds.ID]
	s.mu.RUnlock()
	if retiring {
		out.IsActive = false
	}
	return out
}

func validateDescriptor(kind models.DataSourceKind, d map[string]any) error {
	var required []string
	switch kind {
	case models.KindFile:
		required = []string{models.DescriptorStorageKey}
	case models.KindAPI, models.KindSemantic:
		required = []string{"base_url"}
	case models.KindDatabase, models.KindWarehouse:
		required = []string{"host"}
	}
	for _, key := range required {
		if v, _ := d[key].(string); strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: descriptor field %q is required for %s sources", ErrInvalidDataSource, key, kind)
		}
	}
	return nil
}

func organizationOf(ctx context.Context) (uuid.UUID, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return uuid.Nil, fmt.Errorf("no tenant scope in context")
	}
	return scope.OrganizationID, nil
}

func cloneDataSource(ds *models.DataSource) *models.DataSource {
	out := *ds
	out.Descriptor = maps.Clone(ds.Descriptor)
	return &out
}
