// Command jsonl is a loader built as a Go plugin:
//
//	go build -buildmode=plugin -o plugins/jsonl/plugin.so ./plugins/jsonl
//
// The registry opens it the first time a job file names the "jsonl" variant.
// Each batch is written to <path>/<target>.jsonl, one JSON object per row.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Loader appends or rewrites one file per target.
type Loader struct {
	dir  string
	deps plugin.Deps
	log  *logrus.Entry
}

// NewLoader is the symbol the registry looks up.
func NewLoader(cfg config.LoaderConfig, deps plugin.Deps) (plugin.Loader, error) {
	dir := cfg.Connection.Path
	if dir == "" {
		return nil, errors.New("missing 'path' in jsonl connection")
	}
	if deps.Manifest == nil {
		return nil, errors.New("jsonl loader needs a manifest store")
	}
	return &Loader{dir: dir, deps: deps, log: deps.Logger("jsonl-loader")}, nil
}

// Load implements plugin.Loader.
func (l *Loader) Load(ctx context.Context, data *plugin.Batch, startTime time.Time) error {
	tr := tracker.New(l.deps.Manifest, data.Table, data.ReplicationMethod, l.log)
	if err := tr.Loading(ctx); err != nil {
		return err
	}
	if err := l.write(data, startTime); err != nil {
		return tr.Fail(ctx, err)
	}
	return tr.Completed(ctx, data.Watermark)
}

func (l *Loader) write(data *plugin.Batch, startTime time.Time) error {
	name := data.Target
	if name == "" {
		name = data.Table
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", l.dir)
	}
	path := filepath.Join(l.dir, name+".jsonl")

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if data.ReplicationMethod == manifest.ReplicationIncremental {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	etl := startTime.UTC().Format(time.RFC3339Nano)
	for _, rec := range data.Records() {
		rec[sqldb.EtlTimeColumn] = etl
		if err := enc.Encode(rec); err != nil {
			return errors.Wrapf(err, "encoding row for %s", name)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}

	l.log.WithFields(logrus.Fields{"file": path, "rows": data.Len()}).Info("Wrote rows")
	return f.Sync()
}

func main() {}
