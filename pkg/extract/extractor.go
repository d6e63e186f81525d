// Package extract turns uniform source rows into features: a stable external
// identity, a normalized geometry, JSON-safe attributes, and a content hash
// for change detection.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/twpayne/go-geom"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/geo"
)

// Feature is the extracted, source-neutral representation of one row.
type Feature struct {
	// ExternalID identifies the row in its source: colon-joined primary key
	// values, or the hex content hash when no key columns are configured.
	ExternalID string
	// Geometry is the normalized geometry.
	Geometry geom.T
	// Attributes holds the non-geometry columns, coerced to JSON-safe values.
	Attributes map[string]interface{}
	// AttrNames preserves source column order for deterministic hashing.
	AttrNames []string
	// ContentHash is the SHA-256 digest of the attribute entries.
	ContentHash []byte
}

// Extractor converts rows for one table. The geometry locator is either a
// single geometry column or a latitude/longitude pair.
type Extractor struct {
	geometryColumn string
	latColumn      string
	lngColumn      string
	pkColumns      []string
}

// NewExtractor builds an extractor reading geometry from a single column.
func NewExtractor(geometryColumn string, pkColumns ...string) *Extractor {
	return &Extractor{geometryColumn: geometryColumn, pkColumns: pkColumns}
}

// NewLatLngExtractor builds an extractor reading geometry from a numeric
// latitude/longitude column pair.
func NewLatLngExtractor(latColumn, lngColumn string, pkColumns ...string) *Extractor {
	return &Extractor{latColumn: latColumn, lngColumn: lngColumn, pkColumns: pkColumns}
}

// HasStableIdentity reports whether extracted features carry a real source
// identity. Without key columns the content hash stands in for the id, which
// makes the sink append-only for updated rows.
func (e *Extractor) HasStableIdentity() bool {
	return len(e.pkColumns) > 0
}

// Extract converts a row. Returns false when the row carries no usable
// geometry; such rows are skipped, not failed.
func (e *Extractor) Extract(row *core.UniformRow) (*Feature, bool) {
	g, ok := e.geometry(row)
	if !ok {
		return nil, false
	}

	f := &Feature{
		Geometry:   g,
		Attributes: make(map[string]interface{}, len(row.Columns)),
	}
	for _, col := range row.Columns {
		if e.isGeometryColumn(col) {
			continue
		}
		f.AttrNames = append(f.AttrNames, col)
		f.Attributes[col] = jsonSafe(row.Values[col])
	}

	f.ContentHash = contentHash(f.AttrNames, f.Attributes)

	if e.HasStableIdentity() {
		f.ExternalID = e.externalID(row)
	} else {
		f.ExternalID = hex.EncodeToString(f.ContentHash)
	}
	return f, true
}

func (e *Extractor) geometry(row *core.UniformRow) (geom.T, bool) {
	if e.geometryColumn != "" {
		return geo.Convert(row.Get(e.geometryColumn))
	}
	return geo.FromLatLng(row.Get(e.latColumn), row.Get(e.lngColumn))
}

func (e *Extractor) isGeometryColumn(col string) bool {
	if e.geometryColumn != "" {
		return col == e.geometryColumn
	}
	return col == e.latColumn || col == e.lngColumn
}

// externalID joins primary key values with colons. A missing or nil key
// component contributes the literal string "null" so ids stay aligned across
// rows with sparse keys.
func (e *Extractor) externalID(row *core.UniformRow) string {
	id := ""
	for i, col := range e.pkColumns {
		if i > 0 {
			id += ":"
		}
		v := row.Get(col)
		if v == nil {
			id += "null"
		} else {
			id += stringify(v)
		}
	}
	return id
}

// contentHash digests attribute entries in column order: the key bytes
// always, the value's string form only when non-nil. Nil and absent values
// hash identically.
func contentHash(names []string, attrs map[string]interface{}) []byte {
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		if v := attrs[name]; v != nil {
			h.Write([]byte(stringify(v)))
		}
	}
	return h.Sum(nil)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return hex.EncodeToString(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// jsonSafe coerces a value into something the sink can store as JSON.
// Values the encoder cannot handle degrade to their string form.
func jsonSafe(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case []byte:
		return hex.EncodeToString(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		if _, err := json.Marshal(t); err == nil {
			return t
		}
		return fmt.Sprintf("%v", t)
	}
}
