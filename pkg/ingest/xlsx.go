package ingest

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXParser reads one worksheet of an Excel workbook; the first row is the header.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xlsm"} }

func (p *XLSXParser) Parse(ctx context.Context, r io.Reader, opts Options) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrNoData
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Leading blank rows are common above the header in hand-made sheets.
	for len(rows) > 0 && isBlankRecord(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	records := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlankRecord(row) {
			continue
		}
		records = append(records, row)
		if opts.MaxRows > 0 && len(records) >= opts.MaxRows {
			break
		}
	}

	return buildTable(rows[0], records)
}
