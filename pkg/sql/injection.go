package sql

import (
	"fmt"
	"sort"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a parameter value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the parameter that failed the check
	ParamValue  any    // The value that was checked
}

// InjectionError is returned by ScreenParameters when any value looks like SQL injection.
type InjectionError struct {
	Results []*InjectionCheckResult
}

func (e *InjectionError) Error() string {
	names := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		names = append(names, fmt.Sprintf("%s (%s)", r.ParamName, r.Fingerprint))
	}
	return "potential SQL injection in parameters: " + strings.Join(names, ", ")
}

// CheckParameterForInjection uses libinjection to detect SQL injection patterns
// in a parameter value.
//
// Only string values are checked. Returns nil if no injection is detected.
//
// Example:
//
//	result := CheckParameterForInjection("search", "'; DROP TABLE users--")
//	// result.IsSQLi == true
//	// result.ParamName == "search"
func CheckParameterForInjection(paramName string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			ParamName:   paramName,
			ParamValue:  value,
		}
	}

	return nil
}

// CheckAllParameters validates all parameter values for SQL injection attempts,
// descending into nested maps and slices. Nested values are reported with a
// dotted path ("filters.0.value"). Results are sorted by parameter name.
func CheckAllParameters(params map[string]any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for name, value := range params {
		results = append(results, checkValue(name, value)...)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ParamName < results[j].ParamName })
	return results
}

// ScreenParameters returns an *InjectionError when any parameter fails the check.
func ScreenParameters(params map[string]any) error {
	if results := CheckAllParameters(params); len(results) > 0 {
		return &InjectionError{Results: results}
	}
	return nil
}

func checkValue(path string, value any) []*InjectionCheckResult {
	switch v := value.(type) {
	case map[string]any:
		var out []*InjectionCheckResult
		for k, nested := range v {
			out = append(out, checkValue(path+"."+k, nested)...)
		}
		return out
	case []any:
		var out []*InjectionCheckResult
		for i, nested := range v {
			out = append(out, checkValue(fmt.Sprintf("%s.%d", path, i), nested)...)
		}
		return out
	case []string:
		var out []*InjectionCheckResult
		for i, nested := range v {
			out = append(out, checkValue(fmt.Sprintf("%s.%d", path, i), nested)...)
		}
		return out
	default:
		if r := CheckParameterForInjection(path, value); r != nil {
			return []*InjectionCheckResult{r}
		}
		return nil
	}
}
