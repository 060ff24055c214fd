package ingest

import (
	"fmt"
	"strconv"
	"strings"
)

// buildTable normalizes headers, infers a type per column and converts the raw
// string cells. Short rows are padded with NULLs and long rows truncated.
func buildTable(header []string, records [][]string) (*Table, error) {
	if len(header) == 0 {
		return nil, ErrNoData
	}

	names := normalizeHeaders(header)
	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name, Type: inferColumnType(records, i)}
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row := make([]any, len(columns))
		for i, col := range columns {
			if i >= len(rec) {
				continue
			}
			row[i] = convertCell(rec[i], col.Type)
		}
		rows = append(rows, row)
	}

	return &Table{Columns: columns, Rows: rows}, nil
}

// normalizeHeaders trims names, fills blanks as column_N and suffixes duplicates
// (case-insensitively) with _2, _3 and so on.
func normalizeHeaders(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int)
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
			seen[strings.ToLower(name)]++
		}
		out[i] = name
	}
	return out
}

// inferColumnType returns INTEGER when every non-empty cell parses as an integer,
// REAL when every non-empty cell parses as a number, and TEXT otherwise.
// An all-empty column is TEXT.
func inferColumnType(records [][]string, col int) ColumnType {
	sawValue := false
	allInt, allReal := true, true

	for _, rec := range records {
		if col >= len(rec) {
			continue
		}
		v := strings.TrimSpace(rec[col])
		if v == "" {
			continue
		}
		sawValue = true
		if allInt && !isInteger(v) {
			allInt = false
		}
		if allReal && !isNumber(v) {
			allReal = false
		}
		if !allInt && !allReal {
			return TypeText
		}
	}

	switch {
	case !sawValue:
		return TypeText
	case allInt:
		return TypeInteger
	case allReal:
		return TypeReal
	default:
		return TypeText
	}
}

// isInteger rejects values with leading zeros ("007") so identifiers like zip
// codes stay text.
func isInteger(v string) bool {
	if _, err := strconv.ParseInt(v, 10, 64); err != nil {
		return false
	}
	return !hasLeadingZero(v)
}

// isNumber accepts decimal notation only; NaN, Inf and hex floats are text.
func isNumber(v string) bool {
	digits := strings.TrimLeft(v, "+-")
	if digits == "" || !(digits[0] == '.' || (digits[0] >= '0' && digits[0] <= '9')) {
		return false
	}
	if strings.ContainsAny(digits, "xXpP_") || hasLeadingZero(v) {
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func hasLeadingZero(v string) bool {
	digits := strings.TrimLeft(v, "+-")
	return len(digits) > 1 && digits[0] == '0' && digits[1] >= '0' && digits[1] <= '9'
}

func convertCell(raw string, t ColumnType) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch t {
	case TypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case TypeReal:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return raw
}
