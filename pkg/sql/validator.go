// Package sql provides static analysis of analytical queries: validation,
// shape classification, table reference extraction and parameter screening.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrEmptyQuery indicates the query has no statement at all.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrNotReadOnly indicates the statement is not a query (DDL or DML).
	ErrNotReadOnly = errors.New("only read-only SELECT queries are permitted")
)

// ValidationResult contains the normalized SQL and any validation errors.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

var dataModifyingWords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT",
	"CREATE", "DROP", "ALTER", "TRUNCATE", "GRANT", "REVOKE",
	"COPY", "ATTACH", "DETACH", "PRAGMA", "VACUUM", "EXEC", "EXECUTE", "CALL",
}

// ValidateAndNormalize trims whitespace, strips a trailing semicolon and checks
// that what is left is exactly one read-only statement.
//
// The validation order is:
// 1. Strip trailing semicolons and whitespace (normalize)
// 2. Reject any remaining semicolon outside literals and comments
// 3. Reject statements that do not start with SELECT, WITH or VALUES, and CTEs
// whose bodies modify data
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	normalized := stripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	if normalized == "" {
		return ValidationResult{Error: ErrEmptyQuery}
	}

	tokens := Tokenize(normalized)
	if len(tokens) == 0 {
		return ValidationResult{Error: ErrEmptyQuery}
	}

	for _, tok := range tokens {
		if tok.IsPunct(";") {
			return ValidationResult{Error: ErrMultipleStatements}
		}
	}

	if !tokens[0].IsWord("SELECT", "WITH", "VALUES") && !tokens[0].IsPunct("(") {
		return ValidationResult{Error: ErrNotReadOnly}
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1].IsPunct("(") && tokens[i].IsWord(dataModifyingWords...) {
			return ValidationResult{Error: ErrNotReadOnly}
		}
	}

	return ValidationResult{NormalizedSQL: normalized}
}

// stripTrailingSemicolon removes trailing semicolons and any whitespace around them.
func stripTrailingSemicolon(sqlQuery string) string {
	for {
		trimmed := strings.TrimRight(sqlQuery, " \t\n\r")
		if !strings.HasSuffix(trimmed, ";") {
			return trimmed
		}
		sqlQuery = strings.TrimSuffix(trimmed, ";")
	}
}
