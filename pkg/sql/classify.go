package sql

import "fmt"

// Shape is the static classification of a query.
type Shape string

const (
	// ShapeSimple is a scan or filter over one table with at most one grouping dimension.
	ShapeSimple Shape = "simple"
	// ShapeComplex is an OLAP-shaped query: multi-way joins, window functions
	// or multi-level grouping.
	ShapeComplex Shape = "complex"
)

// Thresholds for complex classification.
const (
	ComplexJoinThreshold        = 2 // JOIN keywords
	ComplexGroupingDimThreshold = 2 // expressions in a single GROUP BY
)

// Analysis is the outcome of Classify with the counts that decided it.
type Analysis struct {
	Shape           Shape
	Joins           int
	WindowFunctions int
	GroupingDims    int // largest dimension count of any GROUP BY
	GroupByClauses  int
	NestedGroupBy   bool
	Reasons         []string
}

var groupByTerminators = []string{
	"HAVING", "ORDER", "LIMIT", "OFFSET", "WINDOW", "UNION", "INTERSECT", "EXCEPT", "FETCH", "QUALIFY",
}

// Classify counts JOIN, GROUP BY and window-function keywords and compares them
// against fixed thresholds. It never inspects data or statistics, so the same
// text always gets the same shape.
func Classify(query string) Analysis {
	tokens := Tokenize(query)
	a := Analysis{Shape: ShapeSimple}
	groupDepths := make(map[int]bool)

	for i, tok := range tokens {
		switch {
		case tok.IsWord("JOIN"):
			a.Joins++

		case tok.IsWord("OVER"):
			if i+1 < len(tokens) && (tokens[i+1].IsPunct("(") || tokens[i+1].IsIdentifier()) {
				a.WindowFunctions++
			}

		case tok.IsWord("GROUP"):
			if i+1 >= len(tokens) || !tokens[i+1].IsWord("BY") {
				continue
			}
			a.GroupByClauses++
			groupDepths[tok.Depth] = true
			if dims := groupingDimensions(tokens, i+2, tok.Depth); dims > a.GroupingDims {
				a.GroupingDims = dims
			}
		}
	}
	a.NestedGroupBy = len(groupDepths) > 1

	if a.Joins >= ComplexJoinThreshold {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%d joins", a.Joins))
	}
	if a.WindowFunctions > 0 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%d window functions", a.WindowFunctions))
	}
	if a.GroupingDims >= ComplexGroupingDimThreshold {
		a.Reasons = append(a.Reasons, fmt.Sprintf("group by over %d dimensions", a.GroupingDims))
	}
	if a.NestedGroupBy {
		a.Reasons = append(a.Reasons, "nested group by")
	}
	if len(a.Reasons) > 0 {
		a.Shape = ShapeComplex
	}
	return a
}

// groupingDimensions counts the top-level expressions of a GROUP BY list starting at
// tokens[start]. ROLLUP, CUBE and GROUPING SETS always count as multi-dimensional.
func groupingDimensions(tokens []Token, start, depth int) int {
	if start >= len(tokens) {
		return 0
	}
	dims := 1
	for k := start; k < len(tokens); k++ {
		tok := tokens[k]
		if tok.Depth < depth || tok.IsPunct(";") {
			break
		}
		if tok.Depth != depth {
			continue
		}
		if tok.IsWord(groupByTerminators...) {
			break
		}
		if tok.IsWord("ROLLUP", "CUBE", "GROUPING") && dims < ComplexGroupingDimThreshold {
			dims = ComplexGroupingDimThreshold
		}
		if tok.IsPunct(",") {
			dims++
		}
	}
	return dims
}
