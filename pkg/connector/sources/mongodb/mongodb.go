// Package mongodb implements the MongoDB source connector on the official
// driver. Documents are flattened at the top level into uniform rows, with
// GeoJSON sub-documents decoded into geometries during streaming.
package mongodb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/connector/registry"
	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/logger"
)

const (
	defaultBatchSize = 5000
	sampleSize       = 50
)

func init() {
	registry.Register(core.SourceTypeMongoDB, func(creds *core.Credentials) (core.SourceConnector, error) {
		return New(creds)
	})
}

// Connector reads from MongoDB deployments.
type Connector struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger
}

// New connects to a MongoDB deployment. Credentials may carry a full URI;
// otherwise one is assembled from host and port.
func New(creds *core.Credentials) (*Connector, error) {
	uri := creds.URI
	if uri == "" {
		uri = "mongodb://" + creds.Host
		if creds.Port > 0 {
			uri = uri + ":" + strconv.Itoa(creds.Port)
		}
	}

	opts := options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second)
	if creds.User != "" {
		opts.SetAuth(options.Credential{Username: creds.User, Password: creds.Password})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to mongodb")
	}

	return &Connector{
		client:   client,
		database: creds.Database,
		logger:   logger.Get().With(zap.String("connector", "mongodb")),
	}, nil
}

// SourceType returns the connector type identifier.
func (c *Connector) SourceType() core.SourceType {
	return core.SourceTypeMongoDB
}

// TestConnection pings the deployment and reads the server version.
func (c *Connector) TestConnection(ctx context.Context) (*core.ConnectionInfo, error) {
	start := time.Now()

	if err := c.client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "mongodb connection test failed")
	}

	var info struct {
		Version string `bson:"version"`
	}
	res := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
	if err := res.Decode(&info); err != nil {
		// Version is advisory; restricted users may lack buildInfo.
		c.logger.Debug("buildInfo unavailable", zap.Error(err))
	}

	return &core.ConnectionInfo{
		ServerVersion: info.Version,
		Database:      c.database,
		LatencyMillis: time.Since(start).Milliseconds(),
	}, nil
}

// ListSchemas enumerates databases visible to the credentials.
func (c *Connector) ListSchemas(ctx context.Context) ([]string, error) {
	names, err := c.client.ListDatabaseNames(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list databases")
	}

	var out []string
	for _, name := range names {
		switch name {
		case "admin", "config", "local":
		default:
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListTables enumerates collections in a database.
func (c *Connector) ListTables(ctx context.Context, schema string) ([]string, error) {
	names, err := c.client.Database(schema).ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to list collections in %s", schema)
	}
	sort.Strings(names)
	return names, nil
}

// IntrospectTable infers column metadata by sampling documents. MongoDB has
// no fixed schema, so the union of top-level fields across the sample stands
// in for one. The _id field is always the primary key.
func (c *Connector) IntrospectTable(ctx context.Context, schema, table string) (*core.TableMetadata, error) {
	coll := c.client.Database(schema).Collection(table)

	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetLimit(sampleSize))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to sample %s.%s", schema, table)
	}
	defer cursor.Close(ctx)

	seen := make(map[string]string)
	var order []string
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to decode sample document")
		}
		for _, elem := range doc {
			if _, ok := seen[elem.Key]; !ok {
				seen[elem.Key] = bsonTypeName(elem.Value)
				order = append(order, elem.Key)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "sample iteration failed")
	}

	meta := &core.TableMetadata{Schema: schema, Name: table, PrimaryKey: []string{"_id"}}
	for _, name := range order {
		meta.Columns = append(meta.Columns, core.ColumnMetadata{
			Name:       name,
			NativeType: seen[name],
			Nullable:   name != "_id",
			Primary:    name == "_id",
		})
	}

	if geomCol := detectGeoJSONColumn(meta.Columns); geomCol != "" {
		meta.HasGeometry = true
		for i := range meta.Columns {
			if meta.Columns[i].Name == geomCol {
				meta.Columns[i].IsGeometry = true
			}
		}
	}
	if count, err := coll.EstimatedDocumentCount(ctx); err == nil {
		meta.RowEstimate = count
	} else {
		c.logger.Warn("document count unavailable",
			zap.String("collection", schema+"."+table), zap.Error(err))
	}

	return meta, nil
}

// IntrospectSpatialTables discovers collections with GeoJSON fields or
// latitude/longitude pairs, based on document sampling.
func (c *Connector) IntrospectSpatialTables(ctx context.Context, schema string) ([]core.SpatialTable, error) {
	collections, err := c.ListTables(ctx, schema)
	if err != nil {
		return nil, err
	}

	var spatial []core.SpatialTable
	for _, name := range collections {
		meta, err := c.IntrospectTable(ctx, schema, name)
		if err != nil {
			return nil, err
		}

		if geomCol := detectGeoJSONColumn(meta.Columns); geomCol != "" {
			spatial = append(spatial, core.SpatialTable{
				Schema:         schema,
				Name:           name,
				GeometryColumn: geomCol,
				GeometryType:   "Geometry",
				SRID:           4326,
			})
			continue
		}

		if lat, lng := core.DetectLatLngColumns(meta.Columns); lat != "" {
			spatial = append(spatial, core.SpatialTable{
				Schema:       schema,
				Name:         name,
				GeometryType: "Point",
				SRID:         4326,
				LatColumn:    lat,
				LngColumn:    lng,
			})
		}
	}
	return spatial, nil
}

// detectGeoJSONColumn picks the sub-document column most likely to hold
// GeoJSON. Only document-typed fields qualify; names match the shared
// geometry hints plus Mongo's conventional "loc".
func detectGeoJSONColumn(cols []core.ColumnMetadata) string {
	for _, col := range cols {
		if col.NativeType != "document" {
			continue
		}
		if core.HasGeometryNameHint(col.Name) || strings.EqualFold(col.Name, "loc") {
			return col.Name
		}
	}
	return ""
}

// StreamRows opens a cursor over a collection, sorted by the order column
// when one is given and filtered to documents after the checkpoint.
func (c *Connector) StreamRows(ctx context.Context, schema, table string, opts core.StreamOptions) (core.RowStream, error) {
	coll := c.client.Database(schema).Collection(table)

	filter := bson.M{}
	findOpts := options.Find()

	batch := opts.FetchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	findOpts.SetBatchSize(int32(batch))

	if opts.OrderByColumn != "" {
		if opts.CheckpointValue != nil {
			filter[opts.OrderByColumn] = bson.M{"$gt": opts.CheckpointValue}
		}
		findOpts.SetSort(bson.D{{Key: opts.OrderByColumn, Value: 1}})
	}
	if opts.MaxRows > 0 {
		findOpts.SetLimit(int64(opts.MaxRows))
	}

	c.logger.Debug("streaming documents",
		zap.String("database", schema),
		zap.String("collection", table))

	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to stream %s.%s", schema, table)
	}

	return newRowStream(ctx, schema, table, cursor), nil
}

// Close disconnects from the deployment.
func (c *Connector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to disconnect from mongodb")
	}
	return nil
}
