package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           any
		expectInjection bool
	}{
		{"clean string value", "12345", false},
		{"clean email address", "user@example.com", false},
		{"clean date string", "2024-01-15", false},
		{"clean search term", "laptop computers", false},
		{"apostrophe in name", "O'Brien", false},
		{"integer value", 100, false},
		{"float value", 99.95, false},
		{"nil value", nil, false},
		{"classic quote injection", "' OR '1'='1", true},
		{"drop table injection", "'; DROP TABLE users--", true},
		{"union select injection", "1 UNION SELECT * FROM passwords", true},
		{"comment injection", "admin'--", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection("param", tt.value)
			if !tt.expectInjection {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.True(t, result.IsSQLi)
			assert.NotEmpty(t, result.Fingerprint)
			assert.Equal(t, "param", result.ParamName)
		})
	}
}

func TestCheckAllParameters_Nested(t *testing.T) {
	params := map[string]any{
		"region": "west",
		"limit":  100,
		"filters": []any{
			map[string]any{"column": "status", "value": "open"},
			map[string]any{"column": "name", "value": "' OR 1=1--"},
		},
	}

	results := CheckAllParameters(params)
	require.Len(t, results, 1)
	assert.Equal(t, "filters.1.value", results[0].ParamName)
}

func TestScreenParameters(t *testing.T) {
	assert.NoError(t, ScreenParameters(map[string]any{"q": "quarterly revenue"}))

	err := ScreenParameters(map[string]any{"search": "'; DROP TABLE users--"})
	var injErr *InjectionError
	require.True(t, errors.As(err, &injErr))
	assert.Contains(t, err.Error(), "search")
}
