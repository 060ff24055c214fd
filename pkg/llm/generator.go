// Package llm turns a user question plus conversation context into a
// generated answer: a query for the active data source, a chart spec, insights
// and a narrative.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// GenerationContext is everything the generator may see besides the question.
type GenerationContext struct {
	DataSource *models.DataSource // nil when the conversation has no active source
	Tables     []models.VirtualTable
	History    []models.Message
}

// Generation is the structured answer of one generation call.
type Generation struct {
	Narrative string          `json:"narrative"`
	Query     string          `json:"query,omitempty"` // SQL or an engine request, run against the data source
	ChartSpec json.RawMessage `json:"chart,omitempty"`
	Insights  []string        `json:"insights,omitempty"`
}

// HasQuery reports whether the generation asks for a query to be run.
func (g *Generation) HasQuery() bool {
	return strings.TrimSpace(g.Query) != ""
}

// Generator produces answers. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, prompt string, gc GenerationContext) (*Generation, error)
}

// parseGeneration reads a model reply that should contain one JSON object. A
// reply with a bare sql fence instead is accepted as query plus narrative.
func parseGeneration(reply string) (*Generation, error) {
	g, err := ParseJSONResponse[Generation](reply)
	if err != nil {
		if query, prose, ok := fencedQuery(reply); ok {
			return &Generation{Narrative: prose, Query: query}, nil
		}
		return nil, NewError(ErrorTypeResponse, "reply is not a generation object", false, err)
	}
	g.Narrative = strings.TrimSpace(g.Narrative)
	return &g, nil
}
