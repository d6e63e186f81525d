// Package core defines the contracts every source connector implements and
// the uniform row model the ingestion pipeline consumes. Connectors translate
// their native wire formats into UniformRow values so the rest of the engine
// never sees a driver type.
package core

import (
	"context"
)

// SourceType identifies a connector implementation.
type SourceType string

const (
	SourceTypePostGIS   SourceType = "postgis"
	SourceTypeCassandra SourceType = "cassandra"
	SourceTypeMongoDB   SourceType = "mongodb"
)

// UniformRow is a single row read from a source, with column order preserved.
// Values hold driver-neutral Go values; geometry columns may still carry
// source-specific encodings that pkg/geo normalizes downstream.
type UniformRow struct {
	Schema  string
	Table   string
	Columns []string
	Values  map[string]interface{}
}

// Get returns the value for a column, or nil if absent.
func (r *UniformRow) Get(column string) interface{} {
	return r.Values[column]
}

// Set assigns a column value, appending to the column order on first write.
func (r *UniformRow) Set(column string, value interface{}) {
	if r.Values == nil {
		r.Values = make(map[string]interface{})
	}
	if _, exists := r.Values[column]; !exists {
		r.Columns = append(r.Columns, column)
	}
	r.Values[column] = value
}

// RowStream is a pull-based cursor over source rows. Callers must invoke
// Close regardless of how iteration ends.
type RowStream interface {
	// Next advances to the next row, returning false at end of stream or
	// on error. Check Err after a false return.
	Next() bool
	// Row returns the current row. Only valid after a true Next.
	Row() *UniformRow
	// Err returns the error that terminated iteration, if any.
	Err() error
	// Close releases the underlying cursor. Idempotent.
	Close()
}

// StreamOptions controls how a connector reads a table.
type StreamOptions struct {
	// OrderByColumn orders the stream and anchors incremental reads.
	// Empty means an unordered full scan.
	OrderByColumn string
	// CheckpointValue, when non-nil, restricts the stream to rows whose
	// order column is strictly greater than this value.
	CheckpointValue interface{}
	// FetchSize is the cursor page size. Zero uses the connector default.
	FetchSize int
	// MaxRows caps the stream. Zero means unbounded.
	MaxRows int
}

// FullScan returns options for an unordered full table read.
func FullScan(fetchSize int) StreamOptions {
	return StreamOptions{FetchSize: fetchSize}
}

// Since returns options for an incremental read ordered by the given column,
// restricted to rows after the checkpoint.
func Since(orderBy string, checkpoint interface{}, fetchSize int) StreamOptions {
	return StreamOptions{
		OrderByColumn:   orderBy,
		CheckpointValue: checkpoint,
		FetchSize:       fetchSize,
	}
}

// ColumnMetadata describes a single source column. NativeType is the
// source's own type name, unmapped.
type ColumnMetadata struct {
	Name       string `json:"name"`
	NativeType string `json:"native_type"`
	Nullable   bool   `json:"nullable"`
	Primary    bool   `json:"primary"`
	IsGeometry bool   `json:"is_geometry"`
}

// TableMetadata describes a source table. RowEstimate is advisory and may
// be zero when the source cannot provide one cheaply.
type TableMetadata struct {
	Schema      string           `json:"schema"`
	Name        string           `json:"name"`
	Columns     []ColumnMetadata `json:"columns"`
	PrimaryKey  []string         `json:"primary_key"`
	RowEstimate int64            `json:"row_estimate"`
	HasGeometry bool             `json:"has_geometry"`
}

// SpatialTable describes a table carrying geometry, discovered during
// introspection.
type SpatialTable struct {
	Schema         string `json:"schema"`
	Name           string `json:"name"`
	GeometryColumn string `json:"geometry_column"`
	GeometryType   string `json:"geometry_type"`
	SRID           int    `json:"srid"`
	// LatColumn/LngColumn are set instead of GeometryColumn when the table
	// stores coordinates as a numeric pair.
	LatColumn string `json:"lat_column,omitempty"`
	LngColumn string `json:"lng_column,omitempty"`
	// Extent is the table's bounding box when the source can compute one.
	Extent      []float64 `json:"extent,omitempty"`
	RowEstimate int64     `json:"row_estimate,omitempty"`
}

// ConnectionInfo is the result of a connectivity probe.
type ConnectionInfo struct {
	ServerVersion string `json:"server_version"`
	Database      string `json:"database"`
	LatencyMillis int64  `json:"latency_millis"`
}

// SourceConnector is the contract each source database implements.
// Implementations register themselves with the connector registry in init.
type SourceConnector interface {
	// SourceType returns the connector's type identifier.
	SourceType() SourceType

	// TestConnection probes the source and reports server details.
	TestConnection(ctx context.Context) (*ConnectionInfo, error)

	// ListSchemas enumerates schemas (keyspaces, databases) visible to the
	// configured credentials.
	ListSchemas(ctx context.Context) ([]string, error)

	// ListTables enumerates tables within a schema.
	ListTables(ctx context.Context, schema string) ([]string, error)

	// IntrospectTable returns column-level metadata for one table.
	IntrospectTable(ctx context.Context, schema, table string) (*TableMetadata, error)

	// IntrospectSpatialTables discovers geometry-bearing tables in a schema.
	IntrospectSpatialTables(ctx context.Context, schema string) ([]SpatialTable, error)

	// StreamRows opens a cursor over a table.
	StreamRows(ctx context.Context, schema, table string, opts StreamOptions) (RowStream, error)

	// Close releases all connections held by the connector.
	Close() error
}
