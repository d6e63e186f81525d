package extract

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisource/tessera/pkg/connector/core"
)

func makeRow(cols []string, vals map[string]interface{}) *core.UniformRow {
	return &core.UniformRow{Schema: "public", Table: "roads", Columns: cols, Values: vals}
}

func TestExtractBasics(t *testing.T) {
	e := NewExtractor("geom", "id")
	row := makeRow(
		[]string{"id", "name", "geom"},
		map[string]interface{}{"id": int64(7), "name": "main st", "geom": "POINT (1 2)"},
	)

	f, ok := e.Extract(row)
	require.True(t, ok)
	assert.Equal(t, "7", f.ExternalID)
	assert.NotNil(t, f.Geometry)
	assert.Equal(t, []string{"id", "name"}, f.AttrNames)
	assert.NotContains(t, f.Attributes, "geom")
	assert.Len(t, f.ContentHash, 32)
}

func TestExtractSkipsRowsWithoutGeometry(t *testing.T) {
	e := NewExtractor("geom", "id")
	row := makeRow([]string{"id", "geom"}, map[string]interface{}{"id": 1, "geom": nil})

	_, ok := e.Extract(row)
	assert.False(t, ok)
}

func TestCompositeExternalID(t *testing.T) {
	e := NewExtractor("geom", "region", "id")
	row := makeRow(
		[]string{"region", "id", "geom"},
		map[string]interface{}{"region": "eu", "id": int64(9), "geom": "POINT (0 0)"},
	)

	f, ok := e.Extract(row)
	require.True(t, ok)
	assert.Equal(t, "eu:9", f.ExternalID)
}

func TestExternalIDNullComponent(t *testing.T) {
	e := NewExtractor("geom", "region", "id")
	row := makeRow(
		[]string{"region", "id", "geom"},
		map[string]interface{}{"region": nil, "id": int64(9), "geom": "POINT (0 0)"},
	)

	f, ok := e.Extract(row)
	require.True(t, ok)
	assert.Equal(t, "null:9", f.ExternalID)
}

func TestHashFallbackIdentity(t *testing.T) {
	e := NewExtractor("geom")
	assert.False(t, e.HasStableIdentity())

	row := makeRow(
		[]string{"name", "geom"},
		map[string]interface{}{"name": "x", "geom": "POINT (0 0)"},
	)
	f, ok := e.Extract(row)
	require.True(t, ok)
	assert.Equal(t, hex.EncodeToString(f.ContentHash), f.ExternalID)
}

func TestContentHashDeterministic(t *testing.T) {
	e := NewExtractor("geom", "id")
	vals := map[string]interface{}{"id": int64(1), "name": "a", "geom": "POINT (0 0)"}

	f1, _ := e.Extract(makeRow([]string{"id", "name", "geom"}, vals))
	f2, _ := e.Extract(makeRow([]string{"id", "name", "geom"}, vals))
	assert.Equal(t, f1.ContentHash, f2.ContentHash)
}

func TestContentHashSensitiveToValues(t *testing.T) {
	e := NewExtractor("geom", "id")
	cols := []string{"id", "name", "geom"}

	f1, _ := e.Extract(makeRow(cols, map[string]interface{}{"id": int64(1), "name": "a", "geom": "POINT (0 0)"}))
	f2, _ := e.Extract(makeRow(cols, map[string]interface{}{"id": int64(1), "name": "b", "geom": "POINT (0 0)"}))
	assert.NotEqual(t, f1.ContentHash, f2.ContentHash)
}

func TestContentHashNilMatchesAbsent(t *testing.T) {
	// A nil value contributes only its key, same as an absent value.
	h1 := contentHash([]string{"a", "b"}, map[string]interface{}{"a": "x", "b": nil})
	h2 := contentHash([]string{"a", "b"}, map[string]interface{}{"a": "x"})
	assert.Equal(t, h1, h2)
}

func TestLatLngExtractor(t *testing.T) {
	e := NewLatLngExtractor("lat", "lng", "id")
	row := makeRow(
		[]string{"id", "lat", "lng", "name"},
		map[string]interface{}{"id": int64(3), "lat": 55.7, "lng": 12.5, "name": "cph"},
	)

	f, ok := e.Extract(row)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, f.AttrNames)
	assert.NotContains(t, f.Attributes, "lat")
	assert.NotContains(t, f.Attributes, "lng")
}

func TestJSONSafeCoercion(t *testing.T) {
	assert.Equal(t, "010203", jsonSafe([]byte{1, 2, 3}))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01T12:00:00Z", jsonSafe(ts))

	assert.Equal(t, int64(5), jsonSafe(int64(5)))
	assert.Nil(t, jsonSafe(nil))

	// Unencodable values degrade to their string form.
	ch := make(chan int)
	_, isString := jsonSafe(ch).(string)
	assert.True(t, isString)
}
