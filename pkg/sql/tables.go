package sql

import (
	"sort"
	"strings"
)

// TableRef is one occurrence of a table name in FROM or JOIN position.
type TableRef struct {
	Schema string // qualifier before the last dot, if any
	Name   string
	Quoted bool
	Start  int // byte span of the whole qualified name in the query
	End    int
}

// Key returns the lookup key for the reference: the lower-cased, unqualified name.
func (r TableRef) Key() string {
	return strings.ToLower(r.Name)
}

// QualifiedName returns schema.name, or just name when unqualified.
func (r TableRef) QualifiedName() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Words that end a table reference and therefore cannot be an implicit alias.
var tableRefTerminators = map[string]bool{
	"WHERE": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "ON": true, "USING": true, "GROUP": true,
	"ORDER": true, "HAVING": true, "LIMIT": true, "OFFSET": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "WINDOW": true, "FETCH": true, "FOR": true, "QUALIFY": true, "TABLESAMPLE": true,
	"WITH": true, "LATERAL": true, "SELECT": true, "FROM": true, "AS": true, "VALUES": true,
	"APPLY": true, "PIVOT": true, "UNPIVOT": true,
}

// Functions whose argument syntax uses FROM (EXTRACT(year FROM d), SUBSTRING(s FROM 2)).
var fromArgumentFunctions = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "TRIM": true, "POSITION": true, "OVERLAY": true,
}

// ExtractTableRefs returns every table referenced in FROM or JOIN position, in
// source order. Names bound by a WITH clause, subqueries and table functions
// are not table references and are skipped.
func ExtractTableRefs(query string) []TableRef {
	tokens := Tokenize(query)
	ctes := cteNames(tokens)
	ignored := ignoredFromKeywords(tokens)

	var refs []TableRef
	for i, tok := range tokens {
		if !tok.IsWord("FROM", "JOIN") || ignored[i] {
			continue
		}
		fromList := tok.IsWord("FROM")

		j := i + 1
		for j < len(tokens) {
			ref, next, ok := parseTableRef(tokens, j)
			if ok && !(ref.Schema == "" && ctes[ref.Key()]) {
				refs = append(refs, ref)
			}
			next = skipAlias(tokens, next)
			if !fromList || next >= len(tokens) || !tokens[next].IsPunct(",") || tokens[next].Depth != tok.Depth {
				break
			}
			j = next + 1
		}
	}
	return refs
}

// ReferencedTables returns the distinct table references of a query keyed by
// Key(), keeping the first occurrence of each.
func ReferencedTables(query string) []TableRef {
	seen := make(map[string]bool)
	var out []TableRef
	for _, ref := range ExtractTableRefs(query) {
		k := strings.ToLower(ref.QualifiedName())
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ref)
	}
	return out
}

// RewriteTableRefs replaces table references in query. replace is called for
// every reference and returns the replacement text, or false to keep it.
func RewriteTableRefs(query string, replace func(TableRef) (string, bool)) string {
	refs := ExtractTableRefs(query)
	type edit struct {
		start, end int
		text       string
	}
	var edits []edit
	for _, ref := range refs {
		if text, ok := replace(ref); ok {
			edits = append(edits, edit{ref.Start, ref.End, text})
		}
	}
	if len(edits) == 0 {
		return query
	}
	sort.Slice(edits, func(a, b int) bool { return edits[a].start < edits[b].start })

	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(query[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(query[last:])
	return b.String()
}

// QuoteIdentifier double-quotes an identifier for ANSI dialects.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func parseTableRef(tokens []Token, j int) (TableRef, int, bool) {
	for j < len(tokens) && tokens[j].IsWord("ONLY", "LATERAL") {
		j++
	}
	if j >= len(tokens) {
		return TableRef{}, j, false
	}
	if tokens[j].IsPunct("(") {
		return TableRef{}, skipParens(tokens, j), false
	}
	if !tokens[j].IsIdentifier() || (tokens[j].Kind == TokenWord && tableRefTerminators[tokens[j].Value]) {
		return TableRef{}, j, false
	}

	parts := []Token{tokens[j]}
	k := j + 1
	for k+1 < len(tokens) && tokens[k].IsPunct(".") && tokens[k+1].IsIdentifier() {
		parts = append(parts, tokens[k+1])
		k += 2
	}

	// name(...) is a table function, not a table.
	if k < len(tokens) && tokens[k].IsPunct("(") {
		return TableRef{}, skipParens(tokens, k), false
	}

	last := parts[len(parts)-1]
	ref := TableRef{
		Name:   last.Name(),
		Quoted: last.Kind == TokenQuoted,
		Start:  parts[0].Start,
		End:    last.End,
	}
	if len(parts) > 1 {
		qualifiers := make([]string, 0, len(parts)-1)
		for _, p := range parts[:len(parts)-1] {
			qualifiers = append(qualifiers, p.Name())
		}
		ref.Schema = strings.Join(qualifiers, ".")
	}
	return ref, k, true
}

// skipAlias advances past "AS alias", a bare alias and an optional column alias list.
func skipAlias(tokens []Token, j int) int {
	if j >= len(tokens) {
		return j
	}
	switch {
	case tokens[j].IsWord("AS"):
		j++
		if j < len(tokens) && tokens[j].IsIdentifier() {
			j++
		}
	case tokens[j].Kind == TokenQuoted:
		j++
	case tokens[j].Kind == TokenWord && !tableRefTerminators[tokens[j].Value]:
		j++
	default:
		return j
	}
	if j < len(tokens) && tokens[j].IsPunct("(") {
		j = skipParens(tokens, j)
	}
	return j
}

// skipParens returns the index just past the parenthesis matching tokens[open].
func skipParens(tokens []Token, open int) int {
	depth := tokens[open].Depth
	for k := open + 1; k < len(tokens); k++ {
		if tokens[k].IsPunct(")") && tokens[k].Depth == depth {
			return k + 1
		}
	}
	return len(tokens)
}

// cteNames collects the lower-cased names bound by every WITH clause in the query.
func cteNames(tokens []Token) map[string]bool {
	names := make(map[string]bool)
	for i, tok := range tokens {
		if !tok.IsWord("WITH") {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].IsWord("RECURSIVE") {
			j++
		}
		for j < len(tokens) && tokens[j].IsIdentifier() {
			name := strings.ToLower(tokens[j].Name())
			j++
			if j < len(tokens) && tokens[j].IsPunct("(") {
				j = skipParens(tokens, j)
			}
			if j >= len(tokens) || !tokens[j].IsWord("AS") {
				break
			}
			j++
			for j < len(tokens) && tokens[j].IsWord("NOT", "MATERIALIZED") {
				j++
			}
			if j >= len(tokens) || !tokens[j].IsPunct("(") {
				break
			}
			names[name] = true
			j = skipParens(tokens, j)
			if j >= len(tokens) || !tokens[j].IsPunct(",") {
				break
			}
			j++
		}
	}
	return names
}

// ignoredFromKeywords marks FROM tokens that belong to function argument syntax
// or IS [NOT] DISTINCT FROM rather than a FROM clause.
func ignoredFromKeywords(tokens []Token) map[int]bool {
	ignored := make(map[int]bool)
	for i, tok := range tokens {
		if tok.IsWord("FROM") && i >= 2 && tokens[i-1].IsWord("DISTINCT") && tokens[i-2].IsWord("IS", "NOT") {
			ignored[i] = true
			continue
		}
		if !tok.IsPunct("(") || i == 0 || !(tokens[i-1].Kind == TokenWord && fromArgumentFunctions[tokens[i-1].Value]) {
			continue
		}
		for k := i + 1; k < len(tokens); k++ {
			if tokens[k].IsPunct(")") && tokens[k].Depth == tok.Depth {
				break
			}
			if tokens[k].IsWord("FROM") && tokens[k].Depth == tok.Depth+1 {
				ignored[k] = true
			}
		}
	}
	return ignored
}
