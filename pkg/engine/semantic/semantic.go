// Package semantic forwards queries to an external semantic layer that owns
// metric definitions and joins.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/httpjson"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// Descriptor keys of a semantic data source.
const (
	DescriptorBaseURL = "base_url"
	DescriptorAPIKey  = "api_key"
)

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type queryResponse struct {
	Columns []engine.Column `json:"columns"`
	Rows    [][]any         `json:"rows"`
}

type errorResponse struct {
	Error struct {
		Message  string `json:"message"`
		Fragment string `json:"fragment"`
	} `json:"error"`
}

// Engine is the SemanticLayer executor.
type Engine struct {
	client *httpjson.Client
	logger *zap.Logger
}

var _ engine.Executor = (*Engine)(nil)

// New creates a semantic-layer engine.
func New(client *httpjson.Client, logger *zap.Logger) *Engine {
	return &Engine{client: client, logger: logger.Named("semantic-layer")}
}

func (e *Engine) Kind() models.EngineKind { return models.EngineSemanticLayer }

// Execute posts the query to {base_url}/v1/query and asks for limit+1 rows.
func (e *Engine) Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*engine.RowSet, error) {
	ds := plan.DataSource
	baseURL := ds.DescriptorString(DescriptorBaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("semantic data source %s has no %s", ds.ID, DescriptorBaseURL)
	}

	headers := map[string]string{}
	if key := ds.DescriptorString(DescriptorAPIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	body, err := e.client.Do(ctx, httpjson.Request{
		Method:  http.MethodPost,
		BaseURL: baseURL,
		Path:    []string{"v1", "query"},
		Headers: headers,
		Body:    queryRequest{Query: plan.SQLOrRequest, Limit: limit + 1},
	})
	if err != nil {
		return nil, classify(err)
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode semantic layer response: %w", err)
	}
	e.logger.Debug("Semantic layer answered",
		zap.String("datasource_id", ds.ID.String()),
		zap.Int("rows", len(resp.Rows)))

	return &engine.RowSet{Columns: resp.Columns, Rows: resp.Rows}, nil
}

// classify turns a rejected request (400 or 422) into a syntax error carrying
// the layer's own message.
func classify(err error) error {
	var statusErr *httpjson.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	if statusErr.StatusCode != http.StatusBadRequest && statusErr.StatusCode != http.StatusUnprocessableEntity {
		return err
	}

	var er errorResponse
	if json.Unmarshal(statusErr.Body, &er) != nil || er.Error.Message == "" {
		return &datasource.SyntaxError{Message: string(statusErr.Body), Err: err}
	}
	return &datasource.SyntaxError{Message: er.Error.Message, Fragment: er.Error.Fragment, Err: err}
}
