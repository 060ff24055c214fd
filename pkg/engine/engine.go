// Package engine defines the execution backends the router dispatches to and
// the result shape they share.
package engine

import (
	"context"

	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// Column is one result column. Type is the engine's own type name and may be empty.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// RowSet is what an engine returns. Engines read at most limit+1 rows so the
// caller can tell an exact fit from an overflow.
type RowSet struct {
	Columns []Column
	Rows    [][]any
	// SourceTruncated is set when an input (a snapshot table) was cut at its cap.
	SourceTruncated bool
}

// Executor runs a plan. There is exactly one executor per models.EngineKind.
type Executor interface {
	Kind() models.EngineKind
	Execute(ctx context.Context, plan *models.QueryPlan, limit int) (*RowSet, error)
}

// Metadata describes how a result was produced.
type Metadata struct {
	Engine         models.EngineKind `json:"engine"`
	Shape          models.QueryShape `json:"shape,omitempty"`
	RowCount       int               `json:"row_count"`
	Truncated      bool              `json:"truncated"`
	DurationMs     int64             `json:"duration_ms"`
	ResolvedTables []string          `json:"resolved_tables,omitempty"`
	Attempts       int               `json:"attempts"`
	RewrittenQuery string            `json:"rewritten_query,omitempty"`
}

// Result is the router's answer to one query.
type Result struct {
	Columns  []Column `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Metadata Metadata `json:"metadata"`
}

// RowsFromMaps orders map rows by columns.
func RowsFromMaps(columns []Column, maps []map[string]any) [][]any {
	rows := make([][]any, len(maps))
	for i, m := range maps {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = m[c.Name]
		}
		rows[i] = row
	}
	return rows
}
