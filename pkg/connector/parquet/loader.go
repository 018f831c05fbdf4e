// Package parquet loads batches as parquet files on a local filesystem, S3 or
// Google Cloud Storage.
package parquet

import (
	"context"
	"path"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

// KeyTimeLayout formats the load start time in object keys.
const KeyTimeLayout = "20060102T150405"

// Loader writes one parquet object per load.
type Loader struct {
	conn   config.ConnectionParams
	prefix string
	codec  string
	deps   plugin.Deps
	log    *logrus.Entry
	mem    memory.Allocator
	open   func(ctx context.Context) (StorageClient, error)
}

// NewLoader is the plugin.LoaderFactory for the parquet variant.
func NewLoader(cfg config.LoaderConfig, deps plugin.Deps) (plugin.Loader, error) {
	conn := cfg.Connection
	policy := retry.Policy{MaxAttempts: 3, Delay: time.Second}
	return newLoader(cfg, deps, func(ctx context.Context) (StorageClient, error) {
		return NewStorageClient(ctx, conn, policy)
	})
}

func newLoader(cfg config.LoaderConfig, deps plugin.Deps, open func(ctx context.Context) (StorageClient, error)) (*Loader, error) {
	if deps.Manifest == nil {
		return nil, errors.New("parquet loader needs a manifest store")
	}
	c := cfg.String("compression", deps.Settings.CompressionCodec)
	if _, err := codec(c); err != nil {
		return nil, err
	}
	return &Loader{
		conn:   cfg.Connection,
		prefix: cfg.String("prefix", cfg.Connection.String("prefix", "")),
		codec:  c,
		deps:   deps,
		log:    deps.Logger("parquet-loader"),
		mem:    memory.NewGoAllocator(),
		open:   open,
	}, nil
}

// Key returns the object key for a load of target started at startTime.
func (l *Loader) Key(target string, startTime time.Time) string {
	return path.Join(l.prefix, target, startTime.Format(KeyTimeLayout)+".parquet")
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
	rec, err := buildRecord(l.mem, data, startTime)
	if err != nil {
		return errors.Wrap(err, "building arrow record")
	}
	defer rec.Release()

	c, _ := codec(l.codec)
	payload, err := encode(rec, c)
	if err != nil {
		return err
	}

	client, err := l.open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening storage")
	}
	defer client.Close()

	target := data.Target
	if target == "" {
		target = data.Table
	}
	key := l.Key(target, startTime)
	if err := client.Write(ctx, key, payload); err != nil {
		return err
	}

	l.log.WithFields(logrus.Fields{
		"key":         key,
		"rows":        data.Len(),
		"bytes":       len(payload),
		"compression": l.codec,
	}).Info("Wrote parquet file")
	return nil
}

// Register adds the parquet loader to reg.
func Register(reg *plugin.Registry) {
	reg.RegisterLoader(NewLoader, "parquet")
}
