// Package mongodb loads batches into MongoDB collections.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// DefaultInsertChunk caps the documents sent per InsertMany call.
const DefaultInsertChunk = 1000

// collection is the part of *mongo.Collection the loader uses.
type collection interface {
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

type openFunc func(ctx context.Context, name string) (collection, func(context.Context) error, error)

// Loader inserts batch rows as documents into the collection named after the
// batch target.
type Loader struct {
	deps  plugin.Deps
	log   *logrus.Entry
	chunk int
	open  openFunc
}

// NewLoader is the plugin.LoaderFactory for the mongodb variant.
func NewLoader(cfg config.LoaderConfig, deps plugin.Deps) (plugin.Loader, error) {
	uri := cfg.Connection.URI
	if uri == "" {
		uri = cfg.Connection.DSN
	}
	if uri == "" {
		return nil, errors.New("missing 'uri' in MongoDB connection")
	}
	if cfg.Connection.Database == "" {
		return nil, errors.New("missing 'database' in MongoDB connection")
	}
	database := cfg.Connection.Database
	timeout := 10 * time.Second

	return newLoader(deps, func(ctx context.Context, name string) (collection, func(context.Context) error, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create MongoDB client: %w", err)
		}
		if err := client.Ping(cctx, readpref.Primary()); err != nil {
			client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		return client.Database(database).Collection(name), client.Disconnect, nil
	})
}

func newLoader(deps plugin.Deps, open openFunc) (*Loader, error) {
	if deps.Manifest == nil {
		return nil, errors.New("mongodb loader needs a manifest store")
	}
	return &Loader{deps: deps, log: deps.Logger("mongodb-loader"), chunk: DefaultInsertChunk, open: open}, nil
}

// Load implements plugin.Loader.
func (l *Loader) Load(ctx context.Context, data *plugin.Batch, startTime time.Time) error {
	tr := tracker.New(l.deps.Manifest, data.Table, data.ReplicationMethod, l.log)
	if err := tr.Loading(ctx); err != nil {
		return err
	}
	if err := l.write(ctx, data, startTime); err != nil {
		return tr.Fail(ctx, err)
	}
	return tr.Completed(ctx, data.Watermark)
}

func (l *Loader) write(ctx context.Context, data *plugin.Batch, startTime time.Time) error {
	name := data.Target
	if name == "" {
		name = data.Table
	}
	coll, closeFn, err := l.open(ctx, name)
	if err != nil {
		return err
	}
	defer closeFn(ctx)

	if data.ReplicationMethod != manifest.ReplicationIncremental {
		res, err := coll.DeleteMany(ctx, bson.D{})
		if err != nil {
			return errors.Wrapf(err, "clearing collection %s", name)
		}
		l.log.WithFields(logrus.Fields{"collection": name, "deleted": res.DeletedCount}).Debug("Cleared collection")
	}

	docs := documents(data, startTime)
	for start := 0; start < len(docs); start += l.chunk {
		end := start + l.chunk
		if end > len(docs) {
			end = len(docs)
		}
		if _, err := coll.InsertMany(ctx, docs[start:end]); err != nil {
			return errors.Wrapf(err, "inserting documents %d-%d into %s", start, end, name)
		}
	}

	l.log.WithFields(logrus.Fields{
		"collection": name,
		"documents":  len(docs),
		"mode":       data.ReplicationMethod,
	}).Info("Loaded documents")
	return nil
}

// documents turns rows into ordered bson documents with etl_time appended.
func documents(data *plugin.Batch, startTime time.Time) []interface{} {
	docs := make([]interface{}, 0, len(data.Rows))
	for _, row := range data.Rows {
		doc := make(bson.D, 0, len(data.Columns)+1)
		for i, c := range data.Columns {
			if i < len(row) {
				doc = append(doc, bson.E{Key: c.Name, Value: row[i]})
			}
		}
		doc = append(doc, bson.E{Key: sqldb.EtlTimeColumn, Value: startTime})
		docs = append(docs, doc)
	}
	return docs
}

// Register adds the MongoDB loader to reg.
func Register(reg *plugin.Registry) {
	reg.RegisterLoader(NewLoader, "mongodb", "mongo")
}
