// Package ingest parses uploaded tabular files into typed rows ready to load
// into the local query engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ColumnType is the storage class inferred for a column.
type ColumnType string

const (
	TypeInteger ColumnType = "INTEGER"
	TypeReal    ColumnType = "REAL"
	TypeText    ColumnType = "TEXT"
)

// Column describes one column of a parsed table.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a parsed file. Row values are int64, float64, string or nil and
// line up with Columns.
type Table struct {
	Columns []Column
	Rows    [][]any
}

var (
	// ErrUnsupportedFormat is returned when no parser handles a format.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoData is returned for files without a header row or records.
	ErrNoData = errors.New("file contains no tabular data")
)

// Options tune parsing.
type Options struct {
	Sheet   string // XLSX sheet name; the first sheet when empty
	MaxRows int    // 0 means unlimited
}

// Parser turns one file format into a Table.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, opts Options) (*Table, error)
	SupportedFormats() []string
}

// Registry maps format names to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in CSV, XLSX and JSON parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&CSVParser{}, &XLSXParser{}, &JSONParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Register adds or replaces the parser for format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[strings.ToLower(format)] = p
}

// Get returns the parser for format.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return p, nil
}

// Parse looks up the parser for format and runs it.
func (r *Registry) Parse(ctx context.Context, format string, rd io.Reader, opts Options) (*Table, error) {
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, rd, opts)
}

// FormatFromName derives the format from a file name or storage key extension.
func FormatFromName(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
