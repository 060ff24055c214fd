package sql

import (
	"errors"
	"testing"
)

func TestValidateAndNormalize_ValidQueries(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple select without semicolon", "SELECT 1", "SELECT 1"},
		{"trailing semicolon", "SELECT 1;", "SELECT 1"},
		{"repeated trailing semicolons", "SELECT 1 ; ;", "SELECT 1"},
		{"leading and trailing whitespace", "  SELECT 1  ", "SELECT 1"},
		{"semicolon inside single quoted string", "SELECT * FROM users WHERE name = 'test;test'", "SELECT * FROM users WHERE name = 'test;test'"},
		{"semicolon inside quoted identifier", `SELECT * FROM "table;name"`, `SELECT * FROM "table;name"`},
		{"SQL standard escaped quote", "SELECT * FROM users WHERE name = 'O''Brien';", "SELECT * FROM users WHERE name = 'O''Brien'"},
		{"semicolon inside comment", "SELECT * FROM users -- not; a statement\nWHERE id = 1", "SELECT * FROM users -- not; a statement\nWHERE id = 1"},
		{"CTE", "WITH t AS (SELECT 1 AS x) SELECT x FROM t;", "WITH t AS (SELECT 1 AS x) SELECT x FROM t"},
		{"parenthesized union", "(SELECT 1) UNION (SELECT 2)", "(SELECT 1) UNION (SELECT 2)"},
		{"column named like a keyword", "SELECT t.update FROM t", "SELECT t.update FROM t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAndNormalize(tt.input)
			if result.Error != nil {
				t.Fatalf("unexpected error: %v", result.Error)
			}
			if result.NormalizedSQL != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result.NormalizedSQL)
			}
		})
	}
}

func TestValidateAndNormalize_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyQuery},
		{"only semicolons", "  ;  ", ErrEmptyQuery},
		{"only a comment", "-- nothing here", ErrEmptyQuery},
		{"two statements", "SELECT 1; SELECT 2", ErrMultipleStatements},
		{"stacked drop", "SELECT * FROM users; DROP TABLE users;", ErrMultipleStatements},
		{"drop", "DROP TABLE users", ErrNotReadOnly},
		{"insert", "insert into t values (1)", ErrNotReadOnly},
		{"data-modifying CTE", "WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", ErrNotReadOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAndNormalize(tt.input)
			if !errors.Is(result.Error, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, result.Error)
			}
			if result.NormalizedSQL != "" {
				t.Errorf("expected empty normalized SQL on error, got %q", result.NormalizedSQL)
			}
		})
	}
}
