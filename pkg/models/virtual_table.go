package models

import (
	"time"

	"github.com/google/uuid"
)

// FileFormat is the on-disk format of an uploaded file.
type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatXLSX FileFormat = "xlsx"
	FormatJSON FileFormat = "json"
)

// VirtualTable is the queryable handle of a file-kind data source.
type VirtualTable struct {
	FileID         string     `json:"file_id"`
	AliasName      string     `json:"alias_name"`
	DataSourceID   uuid.UUID  `json:"datasource_id"`
	StorageKey     string     `json:"storage_key"`
	Format         FileFormat `json:"format"`
	Materialized   bool       `json:"materialized"`
	RowCount       int        `json:"row_count"`
	MaterializedAt *time.Time `json:"materialized_at,omitempty"`
}

// Descriptor keys of a file-kind data source.
const (
	DescriptorFileID     = "file_id"
	DescriptorStorageKey = "storage_key"
	DescriptorFormat     = "format"
)

// VirtualTableFor describes the file behind a file-kind data source. The alias
// is left for the registry to derive.
func VirtualTableFor(ds *DataSource) VirtualTable {
	return VirtualTable{
		FileID:       ds.FileID(),
		DataSourceID: ds.ID,
		StorageKey:   ds.DescriptorString(DescriptorStorageKey),
		Format:       FileFormat(ds.DescriptorString(DescriptorFormat)),
	}
}
