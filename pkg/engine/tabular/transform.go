package tabular

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-analyst/pkg/engine"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
)

// frame is an intermediate result: named columns over positional rows.
type frame struct {
	columns []engine.Column
	rows    [][]any
}

func frameFromTable(tbl *ingest.Table) *frame {
	cols := make([]engine.Column, len(tbl.Columns))
	for i, c := range tbl.Columns {
		cols[i] = engine.Column{Name: c.Name, Type: string(c.Type)}
	}
	return &frame{columns: cols, rows: tbl.Rows}
}

func (f *frame) index(name string) (int, error) {
	for i, c := range f.columns {
		if strings.EqualFold(c.Name, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown column %q", name)
}

// Apply runs filters, grouping, ordering and the request limit, in that order.
func Apply(tbl *ingest.Table, req *Request) (*engine.RowSet, error) {
	f := frameFromTable(tbl)

	for _, flt := range req.Filters {
		if err := f.filter(flt); err != nil {
			return nil, err
		}
	}
	if len(req.GroupBy) > 0 || len(req.Aggregates) > 0 {
		grouped, err := f.aggregate(req.GroupBy, req.Aggregates)
		if err != nil {
			return nil, err
		}
		f = grouped
	}
	if err := f.order(req.OrderBy); err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(f.rows) > req.Limit {
		f.rows = f.rows[:req.Limit]
	}
	return &engine.RowSet{Columns: f.columns, Rows: f.rows}, nil
}

func (f *frame) filter(flt Filter) error {
	col, err := f.index(flt.Column)
	if err != nil {
		return err
	}
	kept := f.rows[:0:0]
	for _, row := range f.rows {
		if matches(row[col], flt.Op, flt.Value) {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	return nil
}

func matches(cell any, op string, value any) bool {
	switch op {
	case "eq":
		return equal(cell, value)
	case "ne":
		return !equal(cell, value)
	case "contains":
		if cell == nil {
			return false
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(cell)), strings.ToLower(fmt.Sprint(value)))
	case "in":
		list, ok := value.([]any)
		if !ok {
			return equal(cell, value)
		}
		for _, v := range list {
			if equal(cell, v) {
				return true
			}
		}
		return false
	}

	c, ok := compare(cell, value)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

// compare orders two values numerically when both are numbers and as text
// otherwise. NULL is not comparable.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return 0, false
}

type group struct {
	key  []any
	rows [][]any
}

func (f *frame) aggregate(groupBy []string, aggs []Aggregate) (*frame, error) {
	keyCols := make([]int, len(groupBy))
	out := &frame{}
	for i, name := range groupBy {
		idx, err := f.index(name)
		if err != nil {
			return nil, err
		}
		keyCols[i] = idx
		out.columns = append(out.columns, f.columns[idx])
	}

	aggCols := make([]int, len(aggs))
	for i, a := range aggs {
		aggCols[i] = -1
		if a.Column != "" && a.Column != "*" {
			idx, err := f.index(a.Column)
			if err != nil {
				return nil, err
			}
			aggCols[i] = idx
		}
		out.columns = append(out.columns, engine.Column{Name: a.Name(), Type: aggregateType(a, f, aggCols[i])})
	}

	// Groups keep first-seen order so unordered output is stable.
	var groups []*group
	byKey := make(map[string]*group)
	for _, row := range f.rows {
		key := make([]any, len(keyCols))
		for i, idx := range keyCols {
			key[i] = row[idx]
		}
		k := fmt.Sprintf("%#v", key)
		g, ok := byKey[k]
		if !ok {
			g = &group{key: key}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}
	if len(groups) == 0 && len(groupBy) == 0 {
		groups = append(groups, &group{})
	}

	for _, g := range groups {
		row := append([]any{}, g.key...)
		for i, a := range aggs {
			row = append(row, compute(a.Func, aggCols[i], g.rows))
		}
		out.rows = append(out.rows, row)
	}
	return out, nil
}

func aggregateType(a Aggregate, f *frame, col int) string {
	switch a.Func {
	case "count", "count_distinct":
		return string(ingest.TypeInteger)
	case "sum", "avg":
		return string(ingest.TypeReal)
	}
	if col >= 0 {
		return f.columns[col].Type
	}
	return ""
}

func compute(fn string, col int, rows [][]any) any {
	if fn == "count" && col < 0 {
		return int64(len(rows))
	}

	var (
		count    int64
		sum      float64
		numeric  int
		extreme  any
		distinct = make(map[string]bool)
	)
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		count++
		distinct[fmt.Sprintf("%#v", v)] = true
		if n, ok := toFloat(v); ok {
			sum += n
			numeric++
		}
		if extreme == nil {
			extreme = v
			continue
		}
		if c, ok := compare(v, extreme); ok && ((fn == "min" && c < 0) || (fn == "max" && c > 0)) {
			extreme = v
		}
	}

	switch fn {
	case "count":
		return count
	case "count_distinct":
		return int64(len(distinct))
	case "sum":
		if numeric == 0 {
			return nil
		}
		return sum
	case "avg":
		if numeric == 0 {
			return nil
		}
		return sum / float64(numeric)
	default:
		return extreme
	}
}

// order sorts stably; NULLs sort last regardless of direction.
func (f *frame) order(orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	cols := make([]int, len(orders))
	for i, o := range orders {
		idx, err := f.index(o.Column)
		if err != nil {
			return err
		}
		cols[i] = idx
	}

	sort.SliceStable(f.rows, func(i, j int) bool {
		for k, o := range orders {
			a, b := f.rows[i][cols[k]], f.rows[j][cols[k]]
			if a == nil || b == nil {
				if (a == nil) != (b == nil) {
					return b == nil
				}
				continue
			}
			c, _ := compare(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}
