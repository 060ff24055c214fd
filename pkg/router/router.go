// Package router picks one execution engine per query and data source and
// converts every engine failure into a typed error.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-analyst/pkg/audit"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/local"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/retry"
	sqlutil "github.com/ekaya-inc/ekaya-analyst/pkg/sql"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

// DataSourceLookup resolves data sources for the caller's organization.
// A missing source is reported as apperrors.ErrNotFound.
type DataSourceLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)
}

// Request is one query against a primary data source.
type Request struct {
	Query          string
	DataSourceID   uuid.UUID
	ConversationID uuid.UUID
}

// Router plans and executes queries.
type Router interface {
	// Plan resolves tables and selects the engine without executing anything.
	Plan(ctx context.Context, req Request) (*models.QueryPlan, error)

	// Execute plans and runs the query. Failures are *apperrors.Error.
	Execute(ctx context.Context, req Request) (*engine.Result, error)
}

type router struct {
	sources DataSourceLookup
	tables  vtable.Registry
	engines map[models.EngineKind]engine.Executor
	cfg     config.EngineConfig
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

var _ Router = (*router)(nil)

// New creates a router. Each executor is registered under its own Kind.
func New(sources DataSourceLookup, tables vtable.Registry, cfg config.EngineConfig, logger *zap.Logger, executors ...engine.Executor) Router {
	engines := make(map[models.EngineKind]engine.Executor, len(executors))
	for _, e := range executors {
		engines[e.Kind()] = e
	}
	return &router{
		sources: sources,
		tables:  tables,
		engines: engines,
		cfg:     cfg,
		auditor: audit.NewSecurityAuditor(logger),
		logger:  logger.Named("router"),
	}
}

func (r *router) Plan(ctx context.Context, req Request) (*models.QueryPlan, error) {
	ds, err := r.activeSource(ctx, req.DataSourceID)
	if err != nil {
		return nil, r.fail(err)
	}

	plan := &models.QueryPlan{
		Kind:           ds.Kind,
		DataSource:     *ds,
		SubmittedQuery: strings.TrimSpace(req.Query),
		SQLOrRequest:   strings.TrimSpace(req.Query),
	}

	switch ds.Kind {
	case models.KindSemantic:
		plan.Engine = models.EngineSemanticLayer
	case models.KindAPI:
		plan.Engine = models.EngineTabularTransform
	case models.KindFile:
		if err := r.validate(ctx, plan); err != nil {
			return nil, r.fail(err)
		}
		plan.Engine = models.EngineVirtualLocal
		if err := r.planFile(ctx, plan); err != nil {
			return nil, r.fail(err)
		}
	case models.KindDatabase, models.KindWarehouse:
		if err := r.validate(ctx, plan); err != nil {
			return nil, r.fail(err)
		}
		planDatabase(plan)
	default:
		return nil, r.fail(apperrors.DataSourceNotFound(ds.ID.String(), fmt.Errorf("unsupported data source kind %q", ds.Kind)))
	}

	routingDecisions.WithLabelValues(string(plan.Engine), string(plan.Kind)).Inc()
	return plan, nil
}

func (r *router) activeSource(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, err := r.sources.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.DataSourceNotFound(id.String(), err)
		}
		return nil, fmt.Errorf("failed to load data source %s: %w", id, err)
	}
	if !ds.IsActive {
		return nil, apperrors.DataSourceNotFound(id.String(), nil)
	}
	return ds, nil
}

func (r *router) validate(ctx context.Context, plan *models.QueryPlan) error {
	result := sqlutil.ValidateAndNormalize(plan.SubmittedQuery)
	if result.Error != nil {
		if !errors.Is(result.Error, sqlutil.ErrEmptyQuery) {
			r.auditor.LogRejectedStatement(ctx, plan.DataSource.ID, result.Error.Error())
		}
		return apperrors.QuerySyntax(result.Error.Error(), "", result.Error)
	}
	plan.SubmittedQuery = result.NormalizedSQL
	plan.SQLOrRequest = result.NormalizedSQL
	return nil
}

// planDatabase picks DirectSQL for simple queries and a local snapshot for
// complex ones. The choice depends only on the query text.
func planDatabase(plan *models.QueryPlan) {
	analysis := sqlutil.Classify(plan.SubmittedQuery)
	if analysis.Shape == sqlutil.ShapeSimple {
		plan.Engine = models.EngineDirectSQL
		plan.Shape = models.ShapeSimple
		return
	}

	plan.Engine = models.EngineVirtualLocal
	plan.Shape = models.ShapeComplex

	foldCase := plan.DataSource.Driver() == "postgres"
	for _, ref := range sqlutil.ReferencedTables(plan.SubmittedQuery) {
		name := ref.QualifiedName()
		// Postgres folds unquoted identifiers to lower case.
		if foldCase && !ref.Quoted {
			name = strings.ToLower(name)
		}
		plan.SnapshotTables = append(plan.SnapshotTables, name)
	}
	plan.SQLOrRequest = local.RewriteForSnapshot(plan.SubmittedQuery, local.LocalNames(plan.SnapshotTables))
}

// planFile resolves every table token of a file query. Files in play are the
// primary file plus every file named by alias. Other tokens are rewritten to
// the primary alias only when the primary is the only file in play.
func (r *router) planFile(ctx context.Context, plan *models.QueryPlan) error {
	ds := &plan.DataSource
	// Only the data source registry registers tables. A miss means the file
	// was never restored or is being deleted.
	primary, ok := r.tables.Lookup(ds.FileID())
	if !ok {
		return apperrors.DataSourceNotFound(ds.ID.String(), vtable.ErrNotRegistered)
	}

	inPlay := []models.VirtualTable{primary}
	seen := map[string]bool{primary.FileID: true}
	var unresolved []sqlutil.TableRef

	for _, ref := range sqlutil.ExtractTableRefs(plan.SubmittedQuery) {
		if ref.Schema == "" && ref.Key() == vtable.GenericAlias {
			unresolved = append(unresolved, ref)
			continue
		}
		fileID, isAlias := vtable.FileIDFromAlias(ref.Key())
		if ref.Schema != "" || !isAlias {
			unresolved = append(unresolved, ref)
			continue
		}
		if seen[fileID] {
			continue
		}
		vt, err := r.referencedFile(ctx, fileID)
		if err != nil {
			return err
		}
		seen[fileID] = true
		inPlay = append(inPlay, vt)
	}

	if len(unresolved) > 0 && len(inPlay) > 1 {
		aliases := make([]string, len(inPlay))
		for i, vt := range inPlay {
			aliases[i] = vt.AliasName
		}
		token := unresolved[0].QualifiedName()
		return &apperrors.Error{
			Code:     apperrors.CodeAmbiguousTableReference,
			Message:  fmt.Sprintf("table %q does not name a file; use one of %s", token, strings.Join(aliases, ", ")),
			Fragment: token,
		}
	}

	plan.ResolvedTables = inPlay
	if len(inPlay) == 1 {
		plan.GenericAliasTarget = primary.AliasName
	}
	plan.SQLOrRequest = sqlutil.RewriteTableRefs(plan.SubmittedQuery, func(ref sqlutil.TableRef) (string, bool) {
		if ref.Schema == "" && ref.Key() == vtable.GenericAlias {
			return "", false
		}
		if _, isAlias := vtable.FileIDFromAlias(ref.Key()); isAlias && ref.Schema == "" {
			return "", false
		}
		return sqlutil.QuoteIdentifier(primary.AliasName), true
	})
	return nil
}

// referencedFile resolves a file named by alias. The file must be registered
// and its data source active and visible to the caller.
func (r *router) referencedFile(ctx context.Context, fileID string) (models.VirtualTable, error) {
	vt, ok := r.tables.Lookup(fileID)
	if !ok {
		return models.VirtualTable{}, apperrors.DataSourceNotFound(vtable.AliasFor(fileID), vtable.ErrNotRegistered)
	}
	if _, err := r.activeSource(ctx, vt.DataSourceID); err != nil {
		return models.VirtualTable{}, err
	}
	return vt, nil
}

func (r *router) Execute(ctx context.Context, req Request) (*engine.Result, error) {
	plan, err := r.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	exec, ok := r.engines[plan.Engine]
	if !ok {
		return nil, r.fail(apperrors.New(apperrors.CodeEngineUnavailable, fmt.Sprintf("no %s engine configured", plan.Engine)))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if plan.Kind == models.KindFile {
		lease, err := r.prepareFiles(ctx, plan)
		if err != nil {
			return nil, r.fail(r.mapError(ctx, plan, err))
		}
		defer lease.Release()
	}

	start := time.Now()
	rs, attempts, err := r.run(ctx, exec, plan)
	elapsed := time.Since(start)
	executionDuration.WithLabelValues(string(plan.Engine)).Observe(elapsed.Seconds())
	if err != nil {
		mapped := r.mapError(ctx, plan, err)
		r.logger.Info("Query failed",
			zap.String("conversation_id", req.ConversationID.String()),
			zap.String("datasource_id", plan.DataSource.ID.String()),
			zap.String("engine", string(plan.Engine)),
			zap.Int("attempts", attempts),
			zap.String("code", string(apperrors.CodeOf(mapped))),
			zap.String("error", logging.SanitizeError(err)))
		return nil, r.fail(mapped)
	}

	result, err := r.bound(plan, rs)
	if err != nil {
		return nil, r.fail(err)
	}
	result.Metadata.DurationMs = elapsed.Milliseconds()
	result.Metadata.Attempts = attempts

	r.logger.Debug("Query executed",
		zap.String("conversation_id", req.ConversationID.String()),
		zap.String("engine", string(plan.Engine)),
		zap.Int("rows", result.Metadata.RowCount),
		zap.Bool("truncated", result.Metadata.Truncated),
		zap.Int64("duration_ms", result.Metadata.DurationMs))
	return result, nil
}

// prepareFiles leases every file of the plan and materializes it. The lease is
// held until the caller releases it after execution.
func (r *router) prepareFiles(ctx context.Context, plan *models.QueryPlan) (*vtable.Lease, error) {
	ids := make([]string, len(plan.ResolvedTables))
	for i, vt := range plan.ResolvedTables {
		ids[i] = vt.FileID
	}

	lease, err := r.tables.Acquire(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		vt, err := r.tables.EnsureMaterialized(ctx, id)
		if err != nil {
			lease.Release()
			return nil, err
		}
		plan.ResolvedTables[i] = vt
	}
	return lease, nil
}

// run executes once, or with a single backoff retry on connection failures for
// database and warehouse sources.
func (r *router) run(ctx context.Context, exec engine.Executor, plan *models.QueryPlan) (*engine.RowSet, int, error) {
	if plan.Kind != models.KindDatabase && plan.Kind != models.KindWarehouse {
		rs, err := exec.Execute(ctx, plan, r.cfg.RowCap)
		return rs, 1, err
	}
	return retry.DoIfRetryableWithResult(ctx, retry.EngineConfig(r.cfg.RetryBaseDelay), func() (*engine.RowSet, error) {
		return exec.Execute(ctx, plan, r.cfg.RowCap)
	})
}

// bound applies the row cap. Overflow is either an error or a flagged,
// truncated result, never a silent cut.
func (r *router) bound(plan *models.QueryPlan, rs *engine.RowSet) (*engine.Result, error) {
	rows := rs.Rows
	overflow := len(rows) > r.cfg.RowCap
	if (overflow || rs.SourceTruncated) && r.cfg.FailOnOverflow {
		return nil, apperrors.New(apperrors.CodeResultTooLarge,
			fmt.Sprintf("result exceeds the %d row limit; narrow the query", r.cfg.RowCap))
	}
	if overflow {
		rows = rows[:r.cfg.RowCap]
	}
	truncated := overflow || rs.SourceTruncated
	if truncated {
		truncatedResults.WithLabelValues(string(plan.Engine)).Inc()
	}

	meta := engine.Metadata{
		Engine:    plan.Engine,
		Shape:     plan.Shape,
		RowCount:  len(rows),
		Truncated: truncated,
	}
	for _, vt := range plan.ResolvedTables {
		meta.ResolvedTables = append(meta.ResolvedTables, vt.AliasName)
	}
	meta.ResolvedTables = append(meta.ResolvedTables, plan.SnapshotTables...)
	if plan.SQLOrRequest != plan.SubmittedQuery {
		meta.RewrittenQuery = plan.SQLOrRequest
	}

	if rows == nil {
		rows = [][]any{}
	}
	return &engine.Result{Columns: rs.Columns, Rows: rows, Metadata: meta}, nil
}

// mapError converts an engine or registry failure into the typed taxonomy.
func (r *router) mapError(ctx context.Context, plan *models.QueryPlan, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeQueryTimeout, fmt.Sprintf("query exceeded %s", r.cfg.Timeout), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var syntaxErr *datasource.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apperrors.QuerySyntax(syntaxErr.Message, syntaxErr.Fragment, err)
	}
	if errors.Is(err, vtable.ErrNotRegistered) || errors.Is(err, apperrors.ErrFileUnavailable) {
		return apperrors.DataSourceNotFound(plan.DataSource.ID.String(), err)
	}

	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return apperrors.Wrap(apperrors.CodeEngineUnavailable, fmt.Sprintf("%s engine failed", plan.Engine), err)
}

func (r *router) fail(err error) error {
	if code := apperrors.CodeOf(err); code != "" {
		routerFailures.WithLabelValues(string(code)).Inc()
	}
	return err
}
