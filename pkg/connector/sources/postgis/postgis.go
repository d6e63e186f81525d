// Package postgis implements the PostGIS source connector on pgx connection
// pooling. Geometry columns come back as hex-encoded EWKB, which pkg/geo
// decodes downstream.
package postgis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/logger"
)

func init() {
	registry.Register(core.SourceTypePostGIS, func(creds *core.Credentials) (core.SourceConnector, error) {
		return New(creds)
	})
}

// Connector reads from PostGIS-enabled PostgreSQL databases.
type Connector struct {
	pool   *pgxpool.Pool
	creds  *core.Credentials
	logger *zap.Logger
}

// New creates a PostGIS connector. The pool connects lazily; the first
// query or TestConnection establishes connectivity.
func New(creds *core.Credentials) (*Connector, error) {
	dsn := creds.URI
	if dsn == "" {
		sslMode := creds.SSLMode
		if sslMode == "" {
			sslMode = "prefer"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			creds.User, creds.Password, creds.Host, creds.Port, creds.Database, sslMode)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgis connection config")
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgis pool")
	}

	return &Connector{
		pool:   pool,
		creds:  creds,
		logger: logger.Get().With(zap.String("connector", "postgis")),
	}, nil
}

// SourceType returns the connector type identifier.
func (c *Connector) SourceType() core.SourceType {
	return core.SourceTypePostGIS
}

// TestConnection probes the server and reports version and latency.
func (c *Connector) TestConnection(ctx context.Context) (*core.ConnectionInfo, error) {
	start := time.Now()

	var version, database string
	err := c.pool.QueryRow(ctx, "SELECT version(), current_database()").Scan(&version, &database)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "postgis connection test failed")
	}

	// The extension may be absent; its version is advisory.
	var postgisVersion string
	if err := c.pool.QueryRow(ctx, "SELECT PostGIS_Lib_Version()").Scan(&postgisVersion); err == nil {
		version = fmt.Sprintf("%s (PostGIS %s)", version, postgisVersion)
	} else {
		c.logger.Warn("postgis extension not reported", zap.Error(err))
	}

	return &core.ConnectionInfo{
		ServerVersion: version,
		Database:      database,
		LatencyMillis: time.Since(start).Milliseconds(),
	}, nil
}

// ListSchemas enumerates user schemas.
func (c *Connector) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY schema_name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list schemas")
	}
	defer rows.Close()

	return collectStrings(rows)
}

// ListTables enumerates base tables in a schema.
func (c *Connector) ListTables(ctx context.Context, schema string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	defer rows.Close()

	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan row")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
	}
	return out, nil
}

// IntrospectTable returns column metadata and the primary key for a table.
func (c *Connector) IntrospectTable(ctx context.Context, schema, table string) (*core.TableMetadata, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT column_name, udt_name, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to introspect columns")
	}
	defer rows.Close()

	meta := &core.TableMetadata{Schema: schema, Name: table}
	for rows.Next() {
		var col core.ColumnMetadata
		if err := rows.Scan(&col.Name, &col.NativeType, &col.Nullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan column metadata")
		}
		col.IsGeometry = isGeometryUDT(col.NativeType)
		if col.IsGeometry {
			meta.HasGeometry = true
		}
		meta.Columns = append(meta.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "column iteration failed")
	}
	if len(meta.Columns) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s.%s not found", schema, table)
	}

	pk, err := c.primaryKey(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	meta.PrimaryKey = pk
	pkSet := make(map[string]bool, len(pk))
	for _, name := range pk {
		pkSet[name] = true
	}
	for i := range meta.Columns {
		meta.Columns[i].Primary = pkSet[meta.Columns[i].Name]
	}

	if est, err := c.rowEstimate(ctx, schema, table); err == nil {
		meta.RowEstimate = est
	} else {
		c.logger.Warn("row estimate unavailable",
			zap.String("table", schema+"."+table), zap.Error(err))
	}

	return meta, nil
}

// isGeometryUDT reports whether a udt name is a PostGIS spatial type.
func isGeometryUDT(udt string) bool {
	lower := strings.ToLower(udt)
	return strings.HasPrefix(lower, "geometry") || strings.HasPrefix(lower, "geography")
}

func (c *Connector) primaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read primary key")
	}
	defer rows.Close()

	return collectStrings(rows)
}

// StreamRows opens a cursor over a table, optionally restricted to rows
// after a checkpoint on the order column.
func (c *Connector) StreamRows(ctx context.Context, schema, table string, opts core.StreamOptions) (core.RowStream, error) {
	sql, args, err := buildStreamQuery(schema, table, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("streaming rows",
		zap.String("schema", schema),
		zap.String("table", table),
		zap.String("order_by", opts.OrderByColumn))

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to stream %s.%s", schema, table)
	}

	return newRowStream(schema, table, rows), nil
}

// buildStreamQuery assembles the streaming SQL. Identifiers are validated
// and quoted; the checkpoint travels as a bind parameter.
func buildStreamQuery(schema, table string, opts core.StreamOptions) (string, []interface{}, error) {
	qSchema, err := core.QuoteIdentifier(schema)
	if err != nil {
		return "", nil, err
	}
	qTable, err := core.QuoteIdentifier(table)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	var args []interface{}
	fmt.Fprintf(&b, "SELECT * FROM %s.%s", qSchema, qTable)

	if opts.OrderByColumn != "" {
		qOrder, err := core.QuoteIdentifier(opts.OrderByColumn)
		if err != nil {
			return "", nil, err
		}
		if opts.CheckpointValue != nil {
			args = append(args, opts.CheckpointValue)
			fmt.Fprintf(&b, " WHERE %s > $1", qOrder)
		}
		fmt.Fprintf(&b, " ORDER BY %s ASC", qOrder)
	}

	if opts.MaxRows > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.MaxRows)
	}

	return b.String(), args, nil
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	c.pool.Close()
	return nil
}
