package vtable

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/storage"
)

// Loader materializes a virtual table into the local engine and drops it again.
type Loader interface {
	Load(ctx context.Context, vt models.VirtualTable) (rowCount int, err error)
	Drop(ctx context.Context, alias string) error
}

// TableSink is the part of the local engine workspace a FileLoader writes to.
type TableSink interface {
	LoadTable(ctx context.Context, name string, tbl *ingest.Table) error
	DropTable(ctx context.Context, name string) error
}

// FileLoader reads a file from storage, parses it and loads it into a TableSink
// under the table's alias.
type FileLoader struct {
	storage storage.FileStorage
	parsers *ingest.Registry
	sink    TableSink
	maxRows int
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a loader. maxRows bounds the rows read per file; 0 is unlimited.
func NewFileLoader(store storage.FileStorage, parsers *ingest.Registry, sink TableSink, maxRows int) *FileLoader {
	return &FileLoader{storage: store, parsers: parsers, sink: sink, maxRows: maxRows}
}

// inspectRows is how many records Inspect reads to infer column types.
const inspectRows = 1000

func (l *FileLoader) Load(ctx context.Context, vt models.VirtualTable) (int, error) {
	tbl, err := l.parse(ctx, vt, l.maxRows)
	if err != nil {
		return 0, err
	}

	if err := l.sink.LoadTable(ctx, vt.AliasName, tbl); err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", vt.AliasName, err)
	}
	return len(tbl.Rows), nil
}

// Inspect reads the head of a file and returns its inferred columns without
// loading anything.
func (l *FileLoader) Inspect(ctx context.Context, vt models.VirtualTable) ([]ingest.Column, error) {
	tbl, err := l.parse(ctx, vt, inspectRows)
	if err != nil {
		return nil, err
	}
	return tbl.Columns, nil
}

func (l *FileLoader) parse(ctx context.Context, vt models.VirtualTable, maxRows int) (*ingest.Table, error) {
	format := string(vt.Format)
	if format == "" {
		format = ingest.FormatFromName(vt.StorageKey)
	}

	rc, err := l.storage.Open(ctx, vt.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", vt.StorageKey, err)
	}
	defer rc.Close() //nolint:errcheck

	tbl, err := l.parsers.Parse(ctx, format, rc, ingest.Options{MaxRows: maxRows})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", vt.StorageKey, err)
	}
	return tbl, nil
}

func (l *FileLoader) Drop(ctx context.Context, alias string) error {
	return l.sink.DropTable(ctx, alias)
}
