package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// CSVParser reads comma-separated files with a header row.
type CSVParser struct{}

func (p *CSVParser) SupportedFormats() []string { return []string{"csv"} }

func (p *CSVParser) Parse(ctx context.Context, r io.Reader, opts Options) (*Table, error) {
	return parseDelimited(ctx, r, ',', opts)
}

func parseDelimited(ctx context.Context, r io.Reader, delim rune, opts Options) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	var records [][]string
	for {
		if len(records)%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV record %d: %w", len(records)+2, err)
		}
		if isBlankRecord(rec) {
			continue
		}
		records = append(records, rec)
		if opts.MaxRows > 0 && len(records) >= opts.MaxRows {
			break
		}
	}

	return buildTable(header, records)
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if v != "" {
			return false
		}
	}
	return true
}
