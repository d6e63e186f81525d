package postgis

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/errors"
)

// IntrospectSpatialTables discovers geometry-bearing tables via the
// geometry_columns view, annotating each with its extent and a row estimate.
func (c *Connector) IntrospectSpatialTables(ctx context.Context, schema string) ([]core.SpatialTable, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT gc.f_table_name, gc.f_geometry_column, gc.type, gc.srid,
		       COALESCE(cls.reltuples::bigint, 0)
		FROM geometry_columns gc
		LEFT JOIN pg_class cls ON cls.relname = gc.f_table_name
		LEFT JOIN pg_namespace ns ON ns.oid = cls.relnamespace AND ns.nspname = gc.f_table_schema
		WHERE gc.f_table_schema = $1
		ORDER BY gc.f_table_name`, schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query geometry_columns")
	}
	defer rows.Close()

	var tables []core.SpatialTable
	for rows.Next() {
		st := core.SpatialTable{Schema: schema}
		if err := rows.Scan(&st.Name, &st.GeometryColumn, &st.GeometryType, &st.SRID, &st.RowEstimate); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan spatial table")
		}
		tables = append(tables, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "spatial table iteration failed")
	}

	for i := range tables {
		extent, err := c.tableExtent(ctx, schema, tables[i].Name, tables[i].GeometryColumn)
		if err != nil {
			// Extent is advisory; a failed computation must not hide the table.
			c.logger.Warn("failed to compute table extent",
				zap.String("table", tables[i].Name), zap.Error(err))
			continue
		}
		tables[i].Extent = extent
	}

	return tables, nil
}

// rowEstimate reads the planner's row estimate for a table.
func (c *Connector) rowEstimate(ctx context.Context, schema, table string) (int64, error) {
	var estimate int64
	err := c.pool.QueryRow(ctx, `
		SELECT COALESCE(cls.reltuples::bigint, 0)
		FROM pg_class cls
		JOIN pg_namespace ns ON ns.oid = cls.relnamespace
		WHERE ns.nspname = $1 AND cls.relname = $2`, schema, table).Scan(&estimate)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row estimate")
	}
	return estimate, nil
}

// tableExtent computes the bounding box [minX, minY, maxX, maxY] of a
// geometry column, or nil for an empty table.
func (c *Connector) tableExtent(ctx context.Context, schema, table, column string) ([]float64, error) {
	qSchema, err := core.QuoteIdentifier(schema)
	if err != nil {
		return nil, err
	}
	qTable, err := core.QuoteIdentifier(table)
	if err != nil {
		return nil, err
	}
	qColumn, err := core.QuoteIdentifier(column)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`
		SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e)
		FROM (SELECT ST_Extent(%s) AS e FROM %s.%s) sub
		WHERE e IS NOT NULL`, qColumn, qSchema, qTable)

	var minX, minY, maxX, maxY float64
	err = c.pool.QueryRow(ctx, sql).Scan(&minX, &minY, &maxX, &maxY)
	if stderrors.Is(err, pgx.ErrNoRows) {
		// Empty table, not an error.
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to compute extent")
	}

	return []float64{minX, minY, maxX, maxY}, nil
}
