// Package tabular answers questions over REST API data sources: it fetches
// records over HTTP and filters, aggregates and orders them in memory.
package tabular

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Filter keeps records whose column compares true against Value.
type Filter struct {
	Column string `yaml:"column" json:"column"`
	Op     string `yaml:"op" json:"op"` // eq, ne, gt, gte, lt, lte, contains, in
	Value  any    `yaml:"value" json:"value"`
}

// Aggregate computes one output column per group.
type Aggregate struct {
	Func   string `yaml:"func" json:"func"` // count, count_distinct, sum, avg, min, max
	Column string `yaml:"column" json:"column"`
	As     string `yaml:"as" json:"as"`
}

// Name returns the output column name of the aggregate.
func (a Aggregate) Name() string {
	if a.As != "" {
		return a.As
	}
	if a.Column == "" || a.Column == "*" {
		return a.Func
	}
	return a.Func + "_" + a.Column
}

// Order sorts the output by one column.
type Order struct {
	Column string `yaml:"column" json:"column"`
	Desc   bool   `yaml:"desc" json:"desc"`
}

// Request is the plan body of an api data source: where to fetch and what to
// do with the records afterwards.
type Request struct {
	Path       string         `yaml:"path" json:"path"`
	Method     string         `yaml:"method" json:"method"`
	Params     map[string]any `yaml:"params" json:"params"`
	Filters    []Filter       `yaml:"filters" json:"filters"`
	GroupBy    []string       `yaml:"group_by" json:"group_by"`
	Aggregates []Aggregate    `yaml:"aggregates" json:"aggregates"`
	OrderBy    []Order        `yaml:"order_by" json:"order_by"`
	Limit      int            `yaml:"limit" json:"limit"`
}

var (
	validOps   = map[string]bool{"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true, "contains": true, "in": true}
	validFuncs = map[string]bool{"count": true, "count_distinct": true, "sum": true, "avg": true, "min": true, "max": true}
)

// ParseRequest reads a request written as YAML or JSON.
func ParseRequest(text string) (*Request, error) {
	var req Request
	if err := yaml.Unmarshal([]byte(text), &req); err != nil {
		return nil, fmt.Errorf("invalid api request: %w", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Request) validate() error {
	r.Method = strings.ToUpper(r.Method)
	switch r.Method {
	case "":
		r.Method = "GET"
	case "GET", "POST":
	default:
		return fmt.Errorf("unsupported api method %q", r.Method)
	}
	for i := range r.Filters {
		f := &r.Filters[i]
		f.Op = strings.ToLower(f.Op)
		if f.Op == "" {
			f.Op = "eq"
		}
		if f.Column == "" || !validOps[f.Op] {
			return fmt.Errorf("invalid filter %d: column %q op %q", i, f.Column, f.Op)
		}
	}
	for i := range r.Aggregates {
		a := &r.Aggregates[i]
		a.Func = strings.ToLower(a.Func)
		if !validFuncs[a.Func] {
			return fmt.Errorf("unsupported aggregate %q", a.Func)
		}
		if a.Func != "count" && (a.Column == "" || a.Column == "*") {
			return fmt.Errorf("aggregate %s needs a column", a.Func)
		}
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// screenedValues collects everything that is forwarded upstream or compared
// against upstream data, keyed for parameter screening.
func (r *Request) screenedValues() map[string]any {
	values := make(map[string]any, 2)
	if len(r.Params) > 0 {
		values["params"] = r.Params
	}
	if len(r.Filters) > 0 {
		filters := make([]any, len(r.Filters))
		for i, f := range r.Filters {
			filters[i] = map[string]any{"value": f.Value}
		}
		values["filters"] = filters
	}
	return values
}
