package cassandra

import (
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisource/tessera/pkg/connector/core"
)

func TestBuildStreamCQLFullScan(t *testing.T) {
	cql, args, err := buildStreamCQL("geo", "sensors", core.FullScan(1000))
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "geo"."sensors"`, cql)
	assert.Empty(t, args)
}

func TestBuildStreamCQLIncremental(t *testing.T) {
	cql, args, err := buildStreamCQL("geo", "sensors", core.Since("updated_at", int64(42), 1000))
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "geo"."sensors" WHERE "updated_at" > ? ALLOW FILTERING`, cql)
	require.Len(t, args, 1)
	assert.Equal(t, int64(42), args[0])
}

func TestBuildStreamCQLRejectsBadIdentifiers(t *testing.T) {
	_, _, err := buildStreamCQL("geo;", "sensors", core.StreamOptions{})
	assert.Error(t, err)

	_, _, err = buildStreamCQL("geo", "sensors", core.Since("bad col", nil, 0))
	assert.NoError(t, err, "order column without checkpoint is ignored")

	_, _, err = buildStreamCQL("geo", "sensors", core.Since("bad col", 1, 0))
	assert.Error(t, err)
}

func TestTableMetadataGeometryFlags(t *testing.T) {
	tbl := &gocql.TableMetadata{
		PartitionKey: []*gocql.ColumnMetadata{{Name: "id"}},
		Columns: map[string]*gocql.ColumnMetadata{
			"id":        {Name: "id", Type: "uuid"},
			"road_geom": {Name: "road_geom", Type: "blob"},
			"name":      {Name: "name", Type: "text"},
		},
	}

	meta := tableMetadata("geo", "roads", tbl)
	assert.True(t, meta.HasGeometry)
	assert.Equal(t, []string{"id"}, meta.PrimaryKey)

	byName := make(map[string]core.ColumnMetadata)
	for _, col := range meta.Columns {
		byName[col.Name] = col
	}
	assert.True(t, byName["road_geom"].IsGeometry)
	assert.Equal(t, "blob", byName["road_geom"].NativeType)
	assert.False(t, byName["name"].IsGeometry)
}

func TestIsSystemKeyspace(t *testing.T) {
	assert.True(t, isSystemKeyspace("system"))
	assert.True(t, isSystemKeyspace("system_schema"))
	assert.False(t, isSystemKeyspace("geo"))
}
