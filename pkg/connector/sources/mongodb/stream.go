package mongodb

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/errors"
)

// rowStream adapts mongo.Cursor to core.RowStream. Documents decode as
// bson.D so top-level field order survives into the uniform row.
type rowStream struct {
	ctx     context.Context
	schema  string
	table   string
	cursor  *mongo.Cursor
	current *core.UniformRow
	err     error
	closed  bool
}

func newRowStream(ctx context.Context, schema, table string, cursor *mongo.Cursor) *rowStream {
	return &rowStream{ctx: ctx, schema: schema, table: table, cursor: cursor}
}

func (s *rowStream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if !s.cursor.Next(s.ctx) {
		if err := s.cursor.Err(); err != nil {
			s.err = errors.Wrap(err, errors.ErrorTypeQuery, "mongodb iteration failed")
		}
		return false
	}

	var doc bson.D
	if err := s.cursor.Decode(&doc); err != nil {
		s.err = errors.Wrap(err, errors.ErrorTypeQuery, "failed to decode document")
		return false
	}

	row := &core.UniformRow{
		Schema:  s.schema,
		Table:   s.table,
		Columns: make([]string, 0, len(doc)),
		Values:  make(map[string]interface{}, len(doc)),
	}
	for _, elem := range doc {
		row.Columns = append(row.Columns, elem.Key)
		row.Values[elem.Key] = normalizeValue(elem.Value)
	}
	s.current = row
	return true
}

func (s *rowStream) Row() *core.UniformRow {
	return s.current
}

func (s *rowStream) Err() error {
	return s.err
}

func (s *rowStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.cursor.Close(s.ctx)
}

// normalizeValue converts BSON driver types into driver-neutral Go values.
// GeoJSON sub-documents become geometries; other sub-documents become maps.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return t.Data
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case bson.D:
		if g, ok := decodeGeoJSON(t); ok {
			return g
		}
		out := make(map[string]interface{}, len(t))
		for _, elem := range t {
			out[elem.Key] = normalizeValue(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// decodeGeoJSON recognizes GeoJSON sub-documents by their type/coordinates
// shape and decodes them into geometries.
func decodeGeoJSON(doc bson.D) (geom.T, bool) {
	var hasType, hasCoords bool
	for _, elem := range doc {
		switch elem.Key {
		case "type":
			_, hasType = elem.Value.(string)
		case "coordinates":
			hasCoords = true
		}
	}
	if !hasType || !hasCoords {
		return nil, false
	}

	plain := make(map[string]interface{}, len(doc))
	for _, elem := range doc {
		plain[elem.Key] = normalizeValue2(elem.Value)
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return nil, false
	}

	var g geom.T
	if err := geojson.Unmarshal(data, &g); err != nil {
		return nil, false
	}
	return g, true
}

// normalizeValue2 is normalizeValue without GeoJSON detection, used while
// serializing a candidate GeoJSON document to avoid recursing into itself.
func normalizeValue2(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue2(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, elem := range t {
			out[elem.Key] = normalizeValue2(elem.Value)
		}
		return out
	default:
		return v
	}
}

// bsonTypeName maps a BSON value to a coarse type label for introspection.
func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case int32, int64, int:
		return "int"
	case float64, float32:
		return "double"
	case bool:
		return "bool"
	case primitive.DateTime:
		return "date"
	case primitive.ObjectID:
		return "objectid"
	case primitive.Binary:
		return "binary"
	case bson.D, bson.M:
		return "document"
	case primitive.A:
		return "array"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
