package postgis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisource/tessera/pkg/connector/core"
)

func TestBuildStreamQueryFullScan(t *testing.T) {
	sql, args, err := buildStreamQuery("public", "roads", core.FullScan(1000))
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."roads"`, sql)
	assert.Empty(t, args)
}

func TestBuildStreamQueryIncremental(t *testing.T) {
	sql, args, err := buildStreamQuery("public", "roads", core.Since("updated_at", "2026-01-01", 500))
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."roads" WHERE "updated_at" > $1 ORDER BY "updated_at" ASC`, sql)
	require.Len(t, args, 1)
	assert.Equal(t, "2026-01-01", args[0])
}

func TestBuildStreamQueryOrderedWithoutCheckpoint(t *testing.T) {
	sql, args, err := buildStreamQuery("public", "roads", core.StreamOptions{OrderByColumn: "id"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."roads" ORDER BY "id" ASC`, sql)
	assert.Empty(t, args)
}

func TestBuildStreamQueryMaxRows(t *testing.T) {
	sql, _, err := buildStreamQuery("public", "roads", core.StreamOptions{MaxRows: 10})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."roads" LIMIT 10`, sql)
}

func TestIsGeometryUDT(t *testing.T) {
	assert.True(t, isGeometryUDT("geometry"))
	assert.True(t, isGeometryUDT("geography"))
	assert.True(t, isGeometryUDT("Geometry"))
	assert.False(t, isGeometryUDT("bigint"))
	assert.False(t, isGeometryUDT("jsonb"))
}

func TestBuildStreamQueryRejectsBadIdentifiers(t *testing.T) {
	_, _, err := buildStreamQuery("public; drop table x", "roads", core.StreamOptions{})
	assert.Error(t, err)

	_, _, err = buildStreamQuery("public", `roads"`, core.StreamOptions{})
	assert.Error(t, err)

	_, _, err = buildStreamQuery("public", "roads", core.StreamOptions{OrderByColumn: "a b"})
	assert.Error(t, err)
}
