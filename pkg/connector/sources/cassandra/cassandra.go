// Package cassandra implements the Cassandra source connector on gocql.
// Cassandra has no geometry catalog, so spatial discovery falls back to
// column-name and type heuristics: blob columns that look like geometry, or
// latitude/longitude numeric pairs.
package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/logger"
)

const defaultPageSize = 5000

func init() {
	registry.Register(core.SourceTypeCassandra, func(creds *core.Credentials) (core.SourceConnector, error) {
		return New(creds)
	})
}

// Connector reads from Cassandra clusters.
type Connector struct {
	session  *gocql.Session
	keyspace string
	logger   *zap.Logger
}

// New connects to a Cassandra cluster. Unlike the pool-based connectors the
// gocql session is established eagerly.
func New(creds *core.Credentials) (*Connector, error) {
	cluster := gocql.NewCluster(creds.Host)
	if creds.Port > 0 {
		cluster.Port = creds.Port
	}
	cluster.Keyspace = creds.Database
	cluster.Timeout = 10 * time.Second
	cluster.Consistency = gocql.LocalQuorum
	if creds.User != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: creds.User,
			Password: creds.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to cassandra")
	}

	return &Connector{
		session:  session,
		keyspace: creds.Database,
		logger:   logger.Get().With(zap.String("connector", "cassandra")),
	}, nil
}

// SourceType returns the connector type identifier.
func (c *Connector) SourceType() core.SourceType {
	return core.SourceTypeCassandra
}

// TestConnection probes the cluster and reports the release version.
func (c *Connector) TestConnection(ctx context.Context) (*core.ConnectionInfo, error) {
	start := time.Now()

	var version string
	err := c.session.Query("SELECT release_version FROM system.local").
		WithContext(ctx).Scan(&version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "cassandra connection test failed")
	}

	return &core.ConnectionInfo{
		ServerVersion: version,
		Database:      c.keyspace,
		LatencyMillis: time.Since(start).Milliseconds(),
	}, nil
}

// ListSchemas enumerates non-system keyspaces.
func (c *Connector) ListSchemas(ctx context.Context) ([]string, error) {
	iter := c.session.Query("SELECT keyspace_name FROM system_schema.keyspaces").
		WithContext(ctx).Iter()

	var keyspaces []string
	var name string
	for iter.Scan(&name) {
		if !isSystemKeyspace(name) {
			keyspaces = append(keyspaces, name)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list keyspaces")
	}
	sort.Strings(keyspaces)
	return keyspaces, nil
}

func isSystemKeyspace(name string) bool {
	switch name {
	case "system", "system_schema", "system_auth", "system_distributed", "system_traces", "system_views", "system_virtual_schema":
		return true
	}
	return false
}

// ListTables enumerates tables in a keyspace.
func (c *Connector) ListTables(ctx context.Context, schema string) ([]string, error) {
	meta, err := c.keyspaceMetadata(schema)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(meta.Tables))
	for name := range meta.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

func (c *Connector) keyspaceMetadata(keyspace string) (*gocql.KeyspaceMetadata, error) {
	meta, err := c.session.KeyspaceMetadata(keyspace)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to read metadata for keyspace %s", keyspace)
	}
	return meta, nil
}

// IntrospectTable returns column metadata and the partition key for a table.
func (c *Connector) IntrospectTable(ctx context.Context, schema, table string) (*core.TableMetadata, error) {
	ksMeta, err := c.keyspaceMetadata(schema)
	if err != nil {
		return nil, err
	}

	tblMeta, ok := ksMeta.Tables[table]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s.%s not found", schema, table)
	}

	meta := tableMetadata(schema, table, tblMeta)
	if count, err := c.countRows(ctx, schema, table); err == nil {
		meta.RowEstimate = count
	} else {
		c.logger.Warn("failed to count table rows",
			zap.String("table", schema+"."+table), zap.Error(err))
	}
	return meta, nil
}

func tableMetadata(schema, table string, tbl *gocql.TableMetadata) *core.TableMetadata {
	meta := &core.TableMetadata{Schema: schema, Name: table}

	pkSet := make(map[string]bool)
	for _, col := range tbl.PartitionKey {
		meta.PrimaryKey = append(meta.PrimaryKey, col.Name)
		pkSet[col.Name] = true
	}
	for _, col := range tbl.ClusteringColumns {
		meta.PrimaryKey = append(meta.PrimaryKey, col.Name)
		pkSet[col.Name] = true
	}

	names := make([]string, 0, len(tbl.Columns))
	for name := range tbl.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		col := tbl.Columns[name]
		cm := core.ColumnMetadata{
			Name:       col.Name,
			NativeType: col.Type,
			Nullable:   !pkSet[col.Name],
			Primary:    pkSet[col.Name],
		}
		cm.IsGeometry = core.IsGeometryColumn(cm)
		if cm.IsGeometry {
			meta.HasGeometry = true
		}
		meta.Columns = append(meta.Columns, cm)
	}
	return meta
}

// IntrospectSpatialTables discovers tables with geometry-like blob columns
// or latitude/longitude pairs.
func (c *Connector) IntrospectSpatialTables(ctx context.Context, schema string) ([]core.SpatialTable, error) {
	ksMeta, err := c.keyspaceMetadata(schema)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ksMeta.Tables))
	for name := range ksMeta.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var spatial []core.SpatialTable
	for _, name := range names {
		meta := tableMetadata(schema, name, ksMeta.Tables[name])

		if geomCol := core.DetectGeometryColumn(meta.Columns); geomCol != "" {
			tbl := core.SpatialTable{
				Schema:         schema,
				Name:           name,
				GeometryColumn: geomCol,
				GeometryType:   "Geometry",
				SRID:           4326,
			}
			c.fillTableStats(ctx, &tbl)
			spatial = append(spatial, tbl)
			continue
		}

		if lat, lng := core.DetectLatLngColumns(meta.Columns); lat != "" {
			tbl := core.SpatialTable{
				Schema:       schema,
				Name:         name,
				GeometryType: "Point",
				SRID:         4326,
				LatColumn:    lat,
				LngColumn:    lng,
			}
			c.fillTableStats(ctx, &tbl)
			spatial = append(spatial, tbl)
		}
	}
	return spatial, nil
}

// countRows runs a full-scan COUNT over a table.
func (c *Connector) countRows(ctx context.Context, schema, table string) (int64, error) {
	qSchema, err := core.QuoteIdentifier(schema)
	if err != nil {
		return 0, err
	}
	qTable, err := core.QuoteIdentifier(table)
	if err != nil {
		return 0, err
	}

	var count int64
	cql := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", qSchema, qTable)
	if err := c.session.Query(cql).WithContext(ctx).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count table rows")
	}
	return count, nil
}

// fillTableStats adds a row count and, for lat/lng tables, a min/max extent.
// Both are full-scan aggregates, so failures only degrade the report.
func (c *Connector) fillTableStats(ctx context.Context, tbl *core.SpatialTable) {
	count, err := c.countRows(ctx, tbl.Schema, tbl.Name)
	if err != nil {
		c.logger.Warn("failed to count table rows",
			zap.String("table", tbl.Schema+"."+tbl.Name),
			zap.Error(err))
		return
	}
	tbl.RowEstimate = count

	if tbl.LatColumn == "" || count == 0 {
		return
	}
	qSchema, err := core.QuoteIdentifier(tbl.Schema)
	if err != nil {
		return
	}
	qTable, err := core.QuoteIdentifier(tbl.Name)
	if err != nil {
		return
	}
	qLat, err := core.QuoteIdentifier(tbl.LatColumn)
	if err != nil {
		return
	}
	qLng, err := core.QuoteIdentifier(tbl.LngColumn)
	if err != nil {
		return
	}

	var minLng, minLat, maxLng, maxLat float64
	cql := fmt.Sprintf("SELECT min(%s), min(%s), max(%s), max(%s) FROM %s.%s",
		qLng, qLat, qLng, qLat, qSchema, qTable)
	if err := c.session.Query(cql).WithContext(ctx).Scan(&minLng, &minLat, &maxLng, &maxLat); err != nil {
		c.logger.Warn("failed to compute table extent",
			zap.String("table", tbl.Schema+"."+tbl.Name),
			zap.Error(err))
		return
	}
	tbl.Extent = []float64{minLng, minLat, maxLng, maxLat}
}

// StreamRows opens a paged iterator over a table. Cassandra cannot order by
// arbitrary columns, so incremental reads filter on the checkpoint with
// ALLOW FILTERING and leave ordering to the caller.
func (c *Connector) StreamRows(ctx context.Context, schema, table string, opts core.StreamOptions) (core.RowStream, error) {
	cql, args, err := buildStreamCQL(schema, table, opts)
	if err != nil {
		return nil, err
	}

	pageSize := opts.FetchSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	c.logger.Debug("streaming rows",
		zap.String("keyspace", schema),
		zap.String("table", table))

	iter := c.session.Query(cql, args...).WithContext(ctx).PageSize(pageSize).Iter()
	return newRowStream(schema, table, iter, opts.MaxRows), nil
}

func buildStreamCQL(schema, table string, opts core.StreamOptions) (string, []interface{}, error) {
	qSchema, err := core.QuoteIdentifier(schema)
	if err != nil {
		return "", nil, err
	}
	qTable, err := core.QuoteIdentifier(table)
	if err != nil {
		return "", nil, err
	}

	cql := fmt.Sprintf("SELECT * FROM %s.%s", qSchema, qTable)
	var args []interface{}

	if opts.OrderByColumn != "" && opts.CheckpointValue != nil {
		qCol, err := core.QuoteIdentifier(opts.OrderByColumn)
		if err != nil {
			return "", nil, err
		}
		cql += fmt.Sprintf(" WHERE %s > ? ALLOW FILTERING", qCol)
		args = append(args, opts.CheckpointValue)
	}

	return cql, args, nil
}

// Close releases the session.
func (c *Connector) Close() error {
	c.session.Close()
	return nil
}
