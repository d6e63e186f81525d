package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformRowSetPreservesOrder(t *testing.T) {
	row := &UniformRow{Schema: "public", Table: "roads"}
	row.Set("id", 1)
	row.Set("name", "main st")
	row.Set("geom", "POINT (0 0)")
	row.Set("name", "updated")

	assert.Equal(t, []string{"id", "name", "geom"}, row.Columns)
	assert.Equal(t, "updated", row.Get("name"))
	assert.Nil(t, row.Get("missing"))
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"roads", "my_table", "_private", "Table123", "a"}
	for _, name := range valid {
		assert.NoError(t, ValidateIdentifier(name), name)
	}

	invalid := []string{"", "1table", "my-table", "a b", `a"b`, "a;drop table x", "café"}
	for _, name := range invalid {
		assert.Error(t, ValidateIdentifier(name), name)
	}
}

func TestValidateIdentifierLength(t *testing.T) {
	long := make([]byte, 128)
	for i := range long {
		long[i] = 'a'
	}
	assert.NoError(t, ValidateIdentifier(string(long)))
	assert.Error(t, ValidateIdentifier(string(long)+"a"))
}

func TestQuoteIdentifier(t *testing.T) {
	q, err := QuoteIdentifier("roads")
	require.NoError(t, err)
	assert.Equal(t, `"roads"`, q)

	_, err = QuoteIdentifier(`bad"name`)
	assert.Error(t, err)
}

func TestDetectGeometryColumn(t *testing.T) {
	cols := []ColumnMetadata{
		{Name: "id", NativeType: "bigint"},
		{Name: "geom", NativeType: "geometry"},
	}
	assert.Equal(t, "geom", DetectGeometryColumn(cols))

	byType := []ColumnMetadata{
		{Name: "id", NativeType: "bigint"},
		{Name: "boundary", NativeType: "geometry"},
	}
	assert.Equal(t, "boundary", DetectGeometryColumn(byType))

	none := []ColumnMetadata{{Name: "id", NativeType: "bigint"}}
	assert.Equal(t, "", DetectGeometryColumn(none))
}

func TestDetectGeometryColumnSubstringHints(t *testing.T) {
	// Name hints match as substrings, the way columns are named in the wild.
	cases := map[string]string{
		"road_geom":          "road_geom",
		"pickup_location":    "pickup_location",
		"building_footprint": "building_footprint",
		"coordinates":        "coordinates",
		"the_shape":          "the_shape",
	}
	for name, want := range cases {
		cols := []ColumnMetadata{
			{Name: "id", NativeType: "bigint"},
			{Name: name, NativeType: "text"},
		}
		assert.Equal(t, want, DetectGeometryColumn(cols), name)
	}
}

func TestHasGeometryNameHint(t *testing.T) {
	assert.True(t, HasGeometryNameHint("GEOM"))
	assert.True(t, HasGeometryNameHint("pickup_location"))
	assert.True(t, HasGeometryNameHint("linestring_wkb"))
	assert.False(t, HasGeometryNameHint("id"))
	assert.False(t, HasGeometryNameHint("longitude"))
}

func TestIsGeometryColumn(t *testing.T) {
	assert.True(t, IsGeometryColumn(ColumnMetadata{Name: "payload", NativeType: "geometry"}))
	assert.True(t, IsGeometryColumn(ColumnMetadata{Name: "road_geom", NativeType: "text"}))
	assert.False(t, IsGeometryColumn(ColumnMetadata{Name: "name", NativeType: "text"}))
}

func TestDetectLatLngColumns(t *testing.T) {
	cols := []ColumnMetadata{
		{Name: "id", NativeType: "bigint"},
		{Name: "latitude", NativeType: "double"},
		{Name: "longitude", NativeType: "double"},
	}
	lat, lng := DetectLatLngColumns(cols)
	assert.Equal(t, "latitude", lat)
	assert.Equal(t, "longitude", lng)
}

func TestDetectLatLngColumnsExactBeatsSuffix(t *testing.T) {
	cols := []ColumnMetadata{
		{Name: "origin_lat", NativeType: "double"},
		{Name: "lat", NativeType: "double"},
		{Name: "origin_lon", NativeType: "double"},
		{Name: "lon", NativeType: "double"},
	}
	lat, lng := DetectLatLngColumns(cols)
	assert.Equal(t, "lat", lat)
	assert.Equal(t, "lon", lng)
}

func TestDetectLatLngColumnsRequiresBoth(t *testing.T) {
	cols := []ColumnMetadata{
		{Name: "lat", NativeType: "double"},
		{Name: "value", NativeType: "double"},
	}
	lat, lng := DetectLatLngColumns(cols)
	assert.Equal(t, "", lat)
	assert.Equal(t, "", lng)
}

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials([]byte(`{"host":"db.local","port":5432,"database":"gis","user":"u","password":"p"}`))
	require.NoError(t, err)
	assert.Equal(t, "db.local", creds.Host)
	assert.Equal(t, 5432, creds.Port)

	_, err = ParseCredentials([]byte(`{"user":"u"}`))
	assert.Error(t, err)

	_, err = ParseCredentials([]byte(`not json`))
	assert.Error(t, err)

	uri, err := ParseCredentials([]byte(`{"uri":"mongodb://localhost:27017"}`))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017", uri.URI)
}

func TestStreamOptionConstructors(t *testing.T) {
	full := FullScan(1000)
	assert.Empty(t, full.OrderByColumn)
	assert.Nil(t, full.CheckpointValue)
	assert.Equal(t, 1000, full.FetchSize)

	inc := Since("updated_at", "2026-01-01", 500)
	assert.Equal(t, "updated_at", inc.OrderByColumn)
	assert.Equal(t, "2026-01-01", inc.CheckpointValue)
	assert.Equal(t, 500, inc.FetchSize)
}
