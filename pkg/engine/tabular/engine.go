package tabular

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/audit"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-analyst/pkg/sql"
)

// Engine is the TabularTransform executor.
type Engine struct {
	fetcher APIFetcher
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

var _ engine.Executor = (*Engine)(nil)

// New creates a tabular engine.
func New(fetcher APIFetcher, logger *zap.Logger) *Engine {
	return &Engine{fetcher: fetcher, auditor: audit.NewSecurityAuditor(logger), logger: logger.Named("tabular")}
}

func (e *Engine) Kind() models.EngineKind { return models.EngineTabularTransform }

// Execute parses the request, screens its parameters, fetches and transforms.
// Parse and screening failures are reported as syntax errors.
func (e *Engine) Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*engine.RowSet, error) {
	req, err := ParseRequest(plan.SQLOrRequest)
	if err != nil {
		return nil, &datasource.SyntaxError{Message: err.Error(), Err: err}
	}

	if err := sqlutil.ScreenParameters(req.screenedValues()); err != nil {
		var injErr *sqlutil.InjectionError
		if errors.As(err, &injErr) {
			flagged := make([]audit.InjectionDetails, len(injErr.Results))
			for i, r := range injErr.Results {
				flagged[i] = audit.InjectionDetails{ParamName: r.ParamName, Fingerprint: r.Fingerprint}
			}
			e.auditor.LogInjectionAttempt(ctx, plan.DataSource.ID, flagged)
		}
		return nil, &datasource.SyntaxError{Message: "request parameters rejected", Fragment: firstFlagged(injErr), Err: err}
	}

	tbl, err := e.fetcher.Fetch(ctx, plan.DataSource, req)
	if err != nil {
		return nil, err
	}

	rs, err := Apply(tbl, req)
	if err != nil {
		return nil, &datasource.SyntaxError{Message: fmt.Sprintf("invalid api request: %v", err), Err: err}
	}
	if len(rs.Rows) > limit+1 {
		rs.Rows = rs.Rows[:limit+1]
	}
	return rs, nil
}

func firstFlagged(injErr *sqlutil.InjectionError) string {
	if injErr == nil || len(injErr.Results) == 0 {
		return ""
	}
	return injErr.Results[0].ParamName
}
