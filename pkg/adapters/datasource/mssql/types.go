package mssql

import "strings"

type typeClass int

const (
	classOther typeClass = iota
	classString
	classDecimal
)

type typeInfo struct {
	name  string // name reported to callers, shared with the postgres driver
	class typeClass
}

var sqlServerTypes = map[string]typeInfo{
	"INT":              {"INTEGER", classOther},
	"DECIMAL":          {"NUMERIC", classDecimal},
	"NUMERIC":          {"NUMERIC", classDecimal},
	"MONEY":            {"MONEY", classDecimal},
	"SMALLMONEY":       {"MONEY", classDecimal},
	"FLOAT":            {"DOUBLE PRECISION", classOther},
	"CHAR":             {"CHAR", classString},
	"NCHAR":            {"CHAR", classString},
	"VARCHAR":          {"VARCHAR", classString},
	"NVARCHAR":         {"VARCHAR", classString},
	"TEXT":             {"TEXT", classString},
	"NTEXT":            {"TEXT", classString},
	"BINARY":           {"BYTEA", classOther},
	"VARBINARY":        {"BYTEA", classOther},
	"IMAGE":            {"BYTEA", classOther},
	"DATETIME":         {"TIMESTAMP", classOther},
	"DATETIME2":        {"TIMESTAMP", classOther},
	"SMALLDATETIME":    {"TIMESTAMP", classOther},
	"DATETIMEOFFSET":   {"TIMESTAMP WITH TIME ZONE", classOther},
	"BIT":              {"BOOLEAN", classOther},
	"UNIQUEIDENTIFIER": {"UUID", classOther},
}

func lookupType(sqlServerType string) typeInfo {
	upper := strings.ToUpper(sqlServerType)
	if info, ok := sqlServerTypes[upper]; ok {
		return info
	}
	return typeInfo{name: upper}
}

// mapSQLServerType maps a SQL Server type name onto the name the other drivers use.
func mapSQLServerType(sqlServerType string) string {
	return lookupType(sqlServerType).name
}

func isStringType(sqlType string) bool {
	return lookupType(sqlType).class == classString
}

func isDecimalType(sqlType string) bool {
	return lookupType(sqlType).class == classDecimal
}

// quoteName brackets an identifier the way QUOTENAME() does.
func quoteName(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}
