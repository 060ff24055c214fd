package models

// EngineKind names one of the interchangeable execution backends.
type EngineKind string

const (
	EngineVirtualLocal     EngineKind = "virtual_engine_local"
	EngineDirectSQL        EngineKind = "direct_sql"
	EngineSemanticLayer    EngineKind = "semantic_layer"
	EngineTabularTransform EngineKind = "tabular_transform"
)

// QueryShape is the static syntactic classification of a SQL query.
type QueryShape string

const (
	ShapeSimple  QueryShape = "simple"
	ShapeComplex QueryShape = "complex"
)

// QueryPlan is built per request by the Engine Router and discarded after execution.
// Its only persisted trace is the SQL artifact attached to the resulting message.
type QueryPlan struct {
	Engine         EngineKind     `json:"engine"`
	Kind           DataSourceKind `json:"kind"`
	Shape          QueryShape     `json:"shape,omitempty"`
	ResolvedTables []VirtualTable `json:"resolved_tables,omitempty"`
	// SnapshotTables lists source tables copied into the local engine for complex queries.
	SnapshotTables []string `json:"snapshot_tables,omitempty"`
	// GenericAliasTarget is set when the plan exposes a single file under the generic alias.
	GenericAliasTarget string `json:"generic_alias_target,omitempty"`
	// SubmittedQuery is the validated query before any table rewriting.
	SubmittedQuery string     `json:"submitted_query"`
	SQLOrRequest   string     `json:"sql_or_request"`
	DataSource     DataSource `json:"-"`
}
