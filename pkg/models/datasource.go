package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataSourceKind is the closed set of data source variants. The Engine Router
// has exactly one handler per kind.
type DataSourceKind string

const (
	KindFile      DataSourceKind = "file"
	KindDatabase  DataSourceKind = "database"
	KindWarehouse DataSourceKind = "warehouse"
	KindAPI       DataSourceKind = "api"
	KindSemantic  DataSourceKind = "semantic"
)

// AllDataSourceKinds lists every valid kind.
var AllDataSourceKinds = []DataSourceKind{KindFile, KindDatabase, KindWarehouse, KindAPI, KindSemantic}

// IsValid returns true if k is one of the known kinds.
func (k DataSourceKind) IsValid() bool {
	for _, known := range AllDataSourceKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseDataSourceKind converts a string into a DataSourceKind.
func ParseDataSourceKind(s string) (DataSourceKind, error) {
	k := DataSourceKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown data source kind %q", s)
	}
	return k, nil
}

// DataSource is a registered source of data for an organization.
// Descriptor holds connection details (credentials, host, storage key, endpoint)
// and is encrypted at rest by the service layer.
type DataSource struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	Name           string         `json:"name"`
	Kind           DataSourceKind `json:"kind"`
	Descriptor     map[string]any `json:"descriptor"`
	Schema         *SourceSchema  `json:"schema,omitempty"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SourceSchema is the discovered shape of a data source.
type SourceSchema struct {
	Tables      []SchemaTable `json:"tables"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// SchemaTable describes one table (or file sheet) of a data source.
type SchemaTable struct {
	Schema  string         `json:"schema,omitempty"`
	Name    string         `json:"name"`
	Columns []SchemaColumn `json:"columns"`
}

// SchemaColumn describes one column.
type SchemaColumn struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// DescriptorString returns a string value from the descriptor, or "" if absent.
func (d *DataSource) DescriptorString(key string) string {
	if d.Descriptor == nil {
		return ""
	}
	if v, ok := d.Descriptor[key].(string); ok {
		return v
	}
	return ""
}

// FileID returns the stable file identifier of a file-kind source.
// Uploads carry an explicit file_id; otherwise the data source id is used.
func (d *DataSource) FileID() string {
	if id := d.DescriptorString(DescriptorFileID); id != "" {
		return id
	}
	return d.ID.String()
}

// Driver returns the adapter type for database and warehouse sources ("postgres", "sqlserver").
func (d *DataSource) Driver() string {
	switch driver := strings.ToLower(d.DescriptorString("driver")); driver {
	case "":
		return "postgres"
	case "postgresql", "pg":
		return "postgres"
	case "mssql", "azuresql", "synapse":
		return "sqlserver"
	default:
		return driver
	}
}
