// Package manifest persists per-table replication progress: the last
// extracted watermark, the phase a table is in, and why it last failed.
//
// Every table has at most one entry. Entries are upserted at phase
// boundaries and never deleted, so the manifest doubles as an audit trail
// that the next run reads to resume incremental extraction.
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null"
)

// Status is the replication phase of a table.
type Status string

const (
	StatusExtracting Status = "extracting"
	StatusExtracted  Status = "extracted"
	StatusLoading    Status = "loading"
	StatusLoaded     Status = "loaded"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusExtracting, StatusExtracted, StatusLoading, StatusLoaded, StatusCompleted, StatusFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// InFlight reports whether s is an intermediate phase, i.e. some worker
// claims the table.
func (s Status) InFlight() bool {
	switch s {
	case StatusExtracting, StatusExtracted, StatusLoading, StatusLoaded:
		return true
	}
	return false
}

// ReplicationMethod says whether a table is copied whole or from a watermark.
type ReplicationMethod string

const (
	ReplicationFull        ReplicationMethod = "full"
	ReplicationIncremental ReplicationMethod = "incremental"
)

// Valid reports whether m is a known replication method.
func (m ReplicationMethod) Valid() bool {
	return m == ReplicationFull || m == ReplicationIncremental
}

// Outcome reports what an Upsert did.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	}
	return "unknown"
}

var (
	// ErrNotFound is returned by Get when a table has no entry.
	ErrNotFound = errors.New("manifest entry not found")
	// ErrInvalidUpdate is returned for updates that would violate the schema.
	ErrInvalidUpdate = errors.New("invalid manifest update")
)

// DefaultTable is the name of the manifest table.
const DefaultTable = "mkpipe_manifest"

// DefaultStaleAfter is how long an entry may go without a write before
// GetStatus presumes its owner dead.
const DefaultStaleAfter = 24 * time.Hour

// Entry is one manifest row.
type Entry struct {
	TableName         string            `json:"table_name"`
	LastPoint         null.String       `json:"last_point"`
	ValueType         null.String       `json:"value_type"`
	ReplicationMethod ReplicationMethod `json:"replication_method"`
	Status            Status            `json:"status"`
	ErrorMessage      null.String       `json:"error_message"`
	UpdatedTime       time.Time         `json:"updated_time"`
}

// Point is a stored watermark together with its type tag.
type Point struct {
	Value string
	Type  string
}

// Update describes a status write. Null LastPoint and ValueType leave the
// stored watermark untouched, which lets failure transitions keep the last
// good checkpoint.
type Update struct {
	TableName         string
	LastPoint         null.String
	ValueType         null.String
	Status            Status
	ReplicationMethod ReplicationMethod
	ErrorMessage      null.String
}

func (u *Update) validate() error {
	if u.TableName == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidUpdate)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if u.ReplicationMethod == "" {
		u.ReplicationMethod = ReplicationFull
	}
	if !u.ReplicationMethod.Valid() {
		return fmt.Errorf("%w: unknown replication method %q", ErrInvalidUpdate, u.ReplicationMethod)
	}
	return nil
}

// newEntry builds the row inserted for a table seen for the first time.
func newEntry(u Update, now time.Time) Entry {
	e := Entry{TableName: u.TableName}
	e.apply(u, now)
	return e
}

// apply merges u into e. An error message only survives on failed entries.
func (e *Entry) apply(u Update, now time.Time) {
	if u.LastPoint.Valid {
		e.LastPoint = u.LastPoint
	}
	if u.ValueType.Valid {
		e.ValueType = u.ValueType
	}
	e.Status = u.Status
	e.ReplicationMethod = u.ReplicationMethod
	switch {
	case u.Status != StatusFailed:
		e.ErrorMessage = null.String{}
	case u.ErrorMessage.Valid:
		e.ErrorMessage = u.ErrorMessage
	}
	e.UpdatedTime = now
}

func (e Entry) stale(now time.Time, after time.Duration) bool {
	return now.Sub(e.UpdatedTime) > after
}

// staleUpdate is the transition GetStatus writes for an abandoned entry.
// An entry that already failed keeps the message of its real failure.
func (e Entry) staleUpdate(after time.Duration) Update {
	u := Update{
		TableName:         e.TableName,
		Status:            StatusFailed,
		ReplicationMethod: e.ReplicationMethod,
	}
	if e.Status != StatusFailed || !e.ErrorMessage.Valid {
		u.ErrorMessage = null.StringFrom(fmt.Sprintf(
			"no update since %s (over %s); previous status %s",
			e.UpdatedTime.Format(time.RFC3339), after, e.Status))
	}
	return u
}
