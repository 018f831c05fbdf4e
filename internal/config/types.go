// Package config holds the typed job document: connections, extractors,
// loaders, jobs and run settings for one environment.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

// Document is the resolved environment block of a job file.
type Document struct {
	// Environment is the block the document was read from, empty for flat files.
	Environment string                      `yaml:"-" json:"environment,omitempty"`
	Settings    Settings                    `yaml:"settings" json:"settings"`
	Connections map[string]ConnectionParams `yaml:"connections" json:"connections"`
	Extractors  map[string]ExtractorDef     `yaml:"extractors" json:"extractors"`
	Loaders     map[string]LoaderDef        `yaml:"loaders" json:"loaders"`
	Jobs        []Job                       `yaml:"jobs" json:"jobs"`
	SourceFile  string                      `yaml:"-" json:"-"`
	// ProjectPath is where local manifests live unless a connection says otherwise.
	ProjectPath string `yaml:"-" json:"-"`
}

// Job pairs one extractor with one loader.
type Job struct {
	Name        string `yaml:"name" json:"name"`
	ExtractTask string `yaml:"extract_task" json:"extract_task"`
	LoadTask    string `yaml:"load_task" json:"load_task"`
	Priority    *int   `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// ExtractorDef is a named extractor entry.
type ExtractorDef struct {
	Variant string          `yaml:"variant" json:"variant"`
	Config  ExtractorConfig `yaml:"config" json:"config"`
}

// LoaderDef is a named loader entry.
type LoaderDef struct {
	Variant string       `yaml:"variant" json:"variant"`
	Config  LoaderConfig `yaml:"config" json:"config"`
}

// ExtractorConfig configures one extractor. In the document it lists Tables;
// on a work item it carries exactly one Table and a resolved Connection.
type ExtractorConfig struct {
	ConnectionRef string           `yaml:"connection_ref" json:"connection_ref"`
	Connection    ConnectionParams `yaml:"-" json:"connection"`
	Tables        []TableSpec      `yaml:"tables" json:"tables,omitempty"`
	Table         *TableSpec       `yaml:"-" json:"table,omitempty"`
	Extra         map[string]any   `yaml:",inline" json:"extra,omitempty"`
}

// LoaderConfig configures one loader.
type LoaderConfig struct {
	ConnectionRef string           `yaml:"connection_ref" json:"connection_ref"`
	Connection    ConnectionParams `yaml:"-" json:"connection"`
	Extra         map[string]any   `yaml:",inline" json:"extra,omitempty"`
}

// TableSpec describes one table an extractor reads.
type TableSpec struct {
	Name              string                     `yaml:"name" json:"name"`
	TargetName        string                     `yaml:"target_name,omitempty" json:"target_name,omitempty"`
	ReplicationMethod manifest.ReplicationMethod `yaml:"replication_method,omitempty" json:"replication_method,omitempty"`
	IterateColumn     string                     `yaml:"iterate_column,omitempty" json:"iterate_column,omitempty"`
	IterateColumnType string                     `yaml:"iterate_column_type,omitempty" json:"iterate_column_type,omitempty"`
	BatchSize         int                        `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Query             string                     `yaml:"query,omitempty" json:"query,omitempty"`
}

// Target is the name the loader writes to.
func (t TableSpec) Target() string {
	if t.TargetName != "" {
		return t.TargetName
	}
	return t.Name
}

// Method returns the replication method, full when unset.
func (t TableSpec) Method() manifest.ReplicationMethod {
	if t.ReplicationMethod == "" {
		return manifest.ReplicationFull
	}
	return t.ReplicationMethod
}

// ConnectionParams is a named connection bundle.
type ConnectionParams struct {
	Variant  string         `yaml:"variant" json:"variant"`
	Host     string         `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int            `yaml:"port,omitempty" json:"port,omitempty"`
	Database string         `yaml:"database,omitempty" json:"database,omitempty"`
	User     string         `yaml:"user,omitempty" json:"user,omitempty"`
	Password string         `yaml:"password,omitempty" json:"password,omitempty"`
	Schema   string         `yaml:"schema,omitempty" json:"schema,omitempty"`
	SSLMode  string         `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`
	Path     string         `yaml:"path,omitempty" json:"path,omitempty"`
	URI      string         `yaml:"uri,omitempty" json:"uri,omitempty"`
	DSN      string         `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Bucket   string         `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string         `yaml:"region,omitempty" json:"region,omitempty"`
	Storage  string         `yaml:"storage,omitempty" json:"storage,omitempty"`
	Extra    map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// PostgresDSN returns DSN when set, otherwise a postgres:// URL built from
// the individual fields.
func (c ConnectionParams) PostgresDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{Scheme: "postgres", Path: "/" + c.Database}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	if c.Port != 0 {
		host += ":" + strconv.Itoa(c.Port)
	}
	u.Host = host
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.Schema != "" {
		q.Set("search_path", c.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// String returns the value of an extra key, or def.
func (c ConnectionParams) String(key, def string) string {
	return lookupString(c.Extra, key, def)
}

// String returns the value of an extra key, or def.
func (c LoaderConfig) String(key, def string) string {
	return lookupString(c.Extra, key, def)
}

// String returns the value of an extra key, or def.
func (c ExtractorConfig) String(key, def string) string {
	return lookupString(c.Extra, key, def)
}

func lookupString(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a copy of c that shares no slices or maps with it.
func (c ExtractorConfig) Clone() ExtractorConfig {
	out := c
	out.Tables = append([]TableSpec(nil), c.Tables...)
	if c.Table != nil {
		t := *c.Table
		out.Table = &t
	}
	out.Extra = cloneMap(c.Extra)
	out.Connection = c.Connection.Clone()
	return out
}

// Clone returns a copy of c that shares no maps with it.
func (c LoaderConfig) Clone() LoaderConfig {
	out := c
	out.Extra = cloneMap(c.Extra)
	out.Connection = c.Connection.Clone()
	return out
}

// Clone returns a copy of c that shares no maps with it.
func (c ConnectionParams) Clone() ConnectionParams {
	out := c
	out.Extra = cloneMap(c.Extra)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Settings are the run defaults of an environment.
type Settings struct {
	Timezone                string           `yaml:"timezone" json:"timezone"`
	CompressionCodec        string           `yaml:"compression_codec" json:"compression_codec"`
	SparkDriverMemory       string           `yaml:"spark_driver_memory" json:"spark_driver_memory"`
	SparkExecutorMemory     string           `yaml:"spark_executor_memory" json:"spark_executor_memory"`
	PartitionsCount         int              `yaml:"partitions_count" json:"partitions_count"`
	DefaultIterateMaxLoop   int              `yaml:"default_iterate_max_loop" json:"default_iterate_max_loop"`
	DefaultIterateBatchSize int              `yaml:"default_iterate_batch_size" json:"default_iterate_batch_size"`
	RunCoordinator          string           `yaml:"run_coordinator" json:"run_coordinator"`
	Manifest                ManifestSettings `yaml:"manifest" json:"manifest"`
	Dispatch                DispatchSettings `yaml:"dispatch" json:"dispatch"`
}

// Location loads the configured timezone.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// ManifestSettings select where table progress is stored.
type ManifestSettings struct {
	Backend       string        `yaml:"backend" json:"backend"`
	ConnectionRef string        `yaml:"connection_ref,omitempty" json:"connection_ref,omitempty"`
	Table         string        `yaml:"table,omitempty" json:"table,omitempty"`
	StaleAfter    time.Duration `yaml:"stale_after,omitempty" json:"stale_after,omitempty"`
	Retry         retry.Policy  `yaml:"retry" json:"retry"`
}

// DispatchSettings tune the distributed coordinator.
type DispatchSettings struct {
	ConnectionRef string        `yaml:"connection_ref,omitempty" json:"connection_ref,omitempty"`
	GroupTTL      time.Duration `yaml:"group_ttl,omitempty" json:"group_ttl,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}
