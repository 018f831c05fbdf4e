// Package tracker records a table's replication phases in the manifest on
// behalf of extractors and loaders.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/guregu/null"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

// ErrInFlight is returned by Begin when another worker holds the table.
var ErrInFlight = errors.New("table is already being replicated")

// Tracker writes phase transitions for one table.
type Tracker struct {
	store  manifest.Store
	table  string
	method manifest.ReplicationMethod
	log    *logrus.Entry
}

// New returns a Tracker for table.
func New(store manifest.Store, table string, method manifest.ReplicationMethod, log *logrus.Entry) *Tracker {
	if method == "" {
		method = manifest.ReplicationFull
	}
	if log == nil {
		log = logrus.WithField("component", "tracker")
	}
	return &Tracker{store: store, table: table, method: method, log: log.WithField("table", table)}
}

// Table is the manifest key.
func (t *Tracker) Table() string { return t.table }

// Method is the replication method written with every transition.
func (t *Tracker) Method() manifest.ReplicationMethod { return t.method }

// Begin claims the table for extraction. For incremental tables it returns
// the stored watermark, if any. A table whose entry is mid-flight and not
// stale yields ErrInFlight.
func (t *Tracker) Begin(ctx context.Context) (manifest.Point, bool, error) {
	status, found, err := t.store.GetStatus(ctx, t.table)
	if err != nil {
		return manifest.Point{}, false, fmt.Errorf("reading status of %s: %w", t.table, err)
	}
	if found && status.InFlight() {
		return manifest.Point{}, false, fmt.Errorf("%w: %s is %s", ErrInFlight, t.table, status)
	}

	if err := t.set(ctx, manifest.StatusExtracting, nil, null.String{}); err != nil {
		return manifest.Point{}, false, err
	}
	if t.method != manifest.ReplicationIncremental {
		return manifest.Point{}, false, nil
	}

	p, ok, err := t.store.GetLastPoint(ctx, t.table)
	if err != nil {
		return manifest.Point{}, false, fmt.Errorf("reading last point of %s: %w", t.table, err)
	}
	if ok {
		t.log.WithFields(logrus.Fields{"last_point": p.Value, "value_type": p.Type}).Info("Resuming from last point")
	}
	return p, ok, nil
}

// Extracted marks extraction done.
func (t *Tracker) Extracted(ctx context.Context) error {
	return t.set(ctx, manifest.StatusExtracted, nil, null.String{})
}

// Loading marks the load as started.
func (t *Tracker) Loading(ctx context.Context) error {
	return t.set(ctx, manifest.StatusLoading, nil, null.String{})
}

// Completed finishes the table, storing point when non-nil.
func (t *Tracker) Completed(ctx context.Context, point *manifest.Point) error {
	return t.set(ctx, manifest.StatusCompleted, point, null.String{})
}

// Fail records cause and returns it wrapped with the table name. The stored
// watermark is left untouched. If the manifest write itself fails, both
// errors are returned.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	t.log.WithError(cause).Error("Replication failed")
	if err := t.set(ctx, manifest.StatusFailed, nil, null.StringFrom(cause.Error())); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (t *Tracker) set(ctx context.Context, status manifest.Status, point *manifest.Point, msg null.String) error {
	u := manifest.Update{
		TableName:         t.table,
		Status:            status,
		ReplicationMethod: t.method,
		ErrorMessage:      msg,
	}
	if point != nil {
		u.LastPoint = null.StringFrom(point.Value)
		u.ValueType = null.StringFrom(point.Type)
	}
	if _, err := t.store.Upsert(ctx, u); err != nil {
		return fmt.Errorf("recording %s for %s: %w", status, t.table, err)
	}
	t.log.WithField("status", status).Debug("Manifest updated")
	return nil
}
