// Package vtable maps uploaded files to stable, joinable table aliases and
// tracks whether each file is materialized in the local query engine.
package vtable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// ErrNotRegistered is returned for files with no registered virtual table,
// including files whose data source was deleted.
var ErrNotRegistered = errors.New("virtual table not registered")

// Registry is the shared file namespace of the query core. All methods are
// safe for concurrent use; there is no lock held across files.
type Registry interface {
	// Register adds a file. Registering the same file again returns the existing table.
	// A file cannot be registered again until its Unregister has finished.
	Register(vt models.VirtualTable) (models.VirtualTable, error)
	Lookup(fileID string) (models.VirtualTable, bool)
	LookupAlias(alias string) (models.VirtualTable, bool)

	// EnsureMaterialized loads the file into the local engine at most once per
	// concurrent burst of callers. Callers must hold a lease on the file.
	EnsureMaterialized(ctx context.Context, fileID string) (models.VirtualTable, error)

	// Acquire takes a lease on each file for the duration of a plan.
	Acquire(ctx context.Context, fileIDs ...string) (*Lease, error)

	// Evict drops a materialized file once no lease holds it. No-op when not materialized.
	Evict(ctx context.Context, fileID string) error

	// Unregister removes the mapping at once, so new leases fail, then drops the
	// table after outstanding leases drain. If ctx ends first the mapping is restored.
	Unregister(ctx context.Context, fileID string) error

	Snapshot() []models.VirtualTable

	// EvictIdle evicts unleased tables unused for at least olderThan and returns how many.
	EvictIdle(ctx context.Context, olderThan time.Duration) (int, error)
}

type entry struct {
	vt       models.VirtualTable
	leases   int
	idle     chan struct{} // closed while leases == 0
	evicting chan struct{} // non-nil while an eviction is in progress
	lastUsed time.Time
}

type registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	draining map[string]struct{} // unregistered, table not yet dropped
	flight   singleflight.Group
	loader  Loader
	logger  *zap.Logger
	now     func() time.Time
}

var _ Registry = (*registry)(nil)

// NewRegistry creates an empty registry that materializes through loader.
func NewRegistry(loader Loader, logger *zap.Logger) Registry {
	return &registry{
		entries:  make(map[string]*entry),
		draining: make(map[string]struct{}),
		loader:   loader,
		logger:   logger.Named("vtable"),
		now:      time.Now,
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (r *registry) Register(vt models.VirtualTable) (models.VirtualTable, error) {
	if vt.FileID == "" {
		return models.VirtualTable{}, fmt.Errorf("file id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[vt.FileID]; ok {
		if e.vt.DataSourceID != vt.DataSourceID {
			return models.VirtualTable{}, fmt.Errorf("file %s is already registered to data source %s", vt.FileID, e.vt.DataSourceID)
		}
		return e.vt, nil
	}
	if _, ok := r.draining[vt.FileID]; ok {
		return models.VirtualTable{}, fmt.Errorf("file %s is still being unregistered", vt.FileID)
	}

	vt.AliasName = AliasFor(vt.FileID)
	vt.Materialized = false
	vt.RowCount = 0
	vt.MaterializedAt = nil

	r.entries[vt.FileID] = &entry{vt: vt, idle: closedChan(), lastUsed: r.now()}
	r.logger.Debug("Registered virtual table",
		zap.String("file_id", vt.FileID),
		zap.String("alias", vt.AliasName),
		zap.String("datasource_id", vt.DataSourceID.String()))
	return vt, nil
}

func (r *registry) Lookup(fileID string) (models.VirtualTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fileID]
	if !ok {
		return models.VirtualTable{}, false
	}
	return e.vt, true
}

func (r *registry) LookupAlias(alias string) (models.VirtualTable, bool) {
	fileID, ok := FileIDFromAlias(alias)
	if !ok {
		return models.VirtualTable{}, false
	}
	return r.Lookup(fileID)
}

func (r *registry) EnsureMaterialized(ctx context.Context, fileID string) (models.VirtualTable, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[fileID]
		if !ok {
			r.mu.Unlock()
			return models.VirtualTable{}, fmt.Errorf("%w: %s", ErrNotRegistered, fileID)
		}
		if e.vt.Materialized {
			e.lastUsed = r.now()
			vt := e.vt
			r.mu.Unlock()
			return vt, nil
		}
		r.mu.Unlock()

		vt, err := r.awaitLoad(ctx, fileID, e)
		if errors.Is(err, ErrNotRegistered) && r.replaced(fileID, e) {
			// Joined the load of an earlier registration of the file.
			continue
		}
		return vt, err
	}
}

// awaitLoad waits for the load of e. Loads of one file never overlap, so a
// load for a newer registration starts only after an older one has finished.
func (r *registry) awaitLoad(ctx context.Context, fileID string, e *entry) (models.VirtualTable, error) {
	// The load is shared by every waiter, so one caller giving up must not cancel it.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(fileID, func() (any, error) {
		return r.materialize(loadCtx, fileID, e)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.VirtualTable{}, res.Err
		}
		return res.Val.(models.VirtualTable), nil
	case <-ctx.Done():
		return models.VirtualTable{}, ctx.Err()
	}
}

// replaced reports whether fileID is now registered to an entry other than e.
func (r *registry) replaced(fileID string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[fileID]
	return ok && cur != e
}

func (r *registry) materialize(ctx context.Context, fileID string, e *entry) (models.VirtualTable, error) {
	r.mu.Lock()
	if r.entries[fileID] != e {
		r.mu.Unlock()
		return models.VirtualTable{}, fmt.Errorf("%w: %s", ErrNotRegistered, fileID)
	}
	if e.vt.Materialized {
		vt := e.vt
		r.mu.Unlock()
		return vt, nil
	}
	vt := e.vt
	r.mu.Unlock()

	start := r.now()
	rows, err := r.loader.Load(ctx, vt)
	if err != nil {
		r.logger.Warn("Failed to materialize file",
			zap.String("file_id", fileID),
			zap.String("alias", vt.AliasName),
			zap.Error(err))
		return models.VirtualTable{}, apperrors.Wrap(apperrors.CodeFileUnavailable,
			fmt.Sprintf("file %s could not be loaded", fileID), err)
	}

	r.mu.Lock()
	if r.entries[fileID] != e {
		// Unregistered while loading; nothing else will drop this table.
		r.mu.Unlock()
		if dropErr := r.loader.Drop(ctx, vt.AliasName); dropErr != nil {
			r.logger.Warn("Failed to drop table of unregistered file", zap.String("alias", vt.AliasName), zap.Error(dropErr))
		}
		return models.VirtualTable{}, fmt.Errorf("%w: %s", ErrNotRegistered, fileID)
	}
	now := r.now()
	e.vt.Materialized = true
	e.vt.RowCount = rows
	e.vt.MaterializedAt = &now
	e.lastUsed = now
	vt = e.vt
	r.mu.Unlock()

	r.logger.Info("Materialized file",
		zap.String("file_id", fileID),
		zap.String("alias", vt.AliasName),
		zap.Int("rows", rows),
		zap.Duration("elapsed", now.Sub(start)))
	return vt, nil
}

// Lease pins files for the duration of a plan. Release is idempotent.
type Lease struct {
	r       *registry
	entries []*entry
	once    sync.Once
}

// FileIDs returns the leased files in acquisition order.
func (l *Lease) FileIDs() []string {
	ids := make([]string, len(l.entries))
	for i, e := range l.entries {
		ids[i] = e.vt.FileID
	}
	return ids
}

// Release returns every lease taken by Acquire.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		for _, e := range l.entries {
			l.r.release(e)
		}
	})
}

func (r *registry) Acquire(ctx context.Context, fileIDs ...string) (*Lease, error) {
	lease := &Lease{r: r}
	seen := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		e, err := r.acquireOne(ctx, id)
		if err != nil {
			lease.Release()
			return nil, err
		}
		lease.entries = append(lease.entries, e)
	}
	return lease, nil
}

func (r *registry) acquireOne(ctx context.Context, fileID string) (*entry, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[fileID]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, fileID)
		}
		if wait := e.evicting; wait != nil {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.leases == 0 {
			e.idle = make(chan struct{})
		}
		e.leases++
		e.lastUsed = r.now()
		r.mu.Unlock()
		return e, nil
	}
}

func (r *registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.leases == 0 {
		return
	}
	e.leases--
	e.lastUsed = r.now()
	if e.leases == 0 {
		close(e.idle)
	}
}

// waitIdle blocks until e has no leases.
func (r *registry) waitIdle(ctx context.Context, e *entry) error {
	for {
		r.mu.Lock()
		if e.leases == 0 {
			r.mu.Unlock()
			return nil
		}
		idle := e.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *registry) Evict(ctx context.Context, fileID string) error {
	_, err := r.evict(ctx, fileID, false)
	return err
}

// evict drops the table of fileID. With onlyIfIdle it skips leased tables
// instead of waiting for them. It reports whether a table was dropped.
func (r *registry) evict(ctx context.Context, fileID string, onlyIfIdle bool) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[fileID]
	if !ok || !e.vt.Materialized || (onlyIfIdle && e.leases > 0) {
		r.mu.Unlock()
		return false, nil
	}
	if wait := e.evicting; wait != nil {
		r.mu.Unlock()
		select {
		case <-wait:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	done := make(chan struct{})
	e.evicting = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		e.evicting = nil
		close(done)
		r.mu.Unlock()
	}()

	if err := r.waitIdle(ctx, e); err != nil {
		return false, err
	}

	r.mu.Lock()
	alias := e.vt.AliasName
	materialized := e.vt.Materialized
	r.mu.Unlock()
	if !materialized {
		return false, nil
	}

	if err := r.loader.Drop(ctx, alias); err != nil {
		return false, fmt.Errorf("failed to drop %s: %w", alias, err)
	}

	r.mu.Lock()
	e.vt.Materialized = false
	e.vt.RowCount = 0
	e.vt.MaterializedAt = nil
	r.mu.Unlock()

	r.logger.Debug("Evicted virtual table", zap.String("file_id", fileID), zap.String("alias", alias))
	return true, nil
}

func (r *registry) Unregister(ctx context.Context, fileID string) error {
	r.mu.Lock()
	e, ok := r.entries[fileID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, fileID)
	r.draining[fileID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.draining, fileID)
		r.mu.Unlock()
	}()

	r.logger.Info("Unregistered virtual table",
		zap.String("file_id", fileID),
		zap.String("alias", e.vt.AliasName))

	if err := r.waitIdle(ctx, e); err != nil {
		// Register is refused while draining, so the slot is still free.
		r.mu.Lock()
		r.entries[fileID] = e
		r.mu.Unlock()
		return fmt.Errorf("failed waiting for leases on %s: %w", e.vt.AliasName, err)
	}

	r.mu.Lock()
	materialized := e.vt.Materialized
	e.vt.Materialized = false
	alias := e.vt.AliasName
	r.mu.Unlock()

	if !materialized {
		return nil
	}
	if err := r.loader.Drop(ctx, alias); err != nil {
		return fmt.Errorf("failed to drop %s: %w", alias, err)
	}
	return nil
}

func (r *registry) Snapshot() []models.VirtualTable {
	r.mu.Lock()
	out := make([]models.VirtualTable, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.vt)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AliasName < out[j].AliasName })
	return out
}

func (r *registry) EvictIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	var candidates []string
	for id, e := range r.entries {
		if e.vt.Materialized && e.leases == 0 && !e.lastUsed.After(cutoff) {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, id := range candidates {
		dropped, err := r.evict(ctx, id, true)
		if err != nil {
			return evicted, err
		}
		if dropped {
			evicted++
		}
	}
	return evicted, nil
}

// RunSweeper calls EvictIdle every interval until ctx is done.
func RunSweeper(ctx context.Context, reg Registry, interval, olderThan time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.EvictIdle(ctx, olderThan)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Idle eviction failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Evicted idle virtual tables", zap.Int("count", n))
			}
		}
	}
}
