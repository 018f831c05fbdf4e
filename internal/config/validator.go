package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/priority"
)

// ValidationError describes one bad field with enough context to fix it.
type ValidationError struct {
	Field       string
	Value       interface{}
	Problem     string
	Suggestion  string
	ValidValues []string
}

// Error implements the error interface
func (e ValidationError) Error() string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "%s: %v: %s", e.Field, e.Value, e.Problem)
	if e.Suggestion != "" {
		fmt.Fprintf(&msg, " (did you mean '%s'?)", e.Suggestion)
	}
	if len(e.ValidValues) > 0 {
		fmt.Fprintf(&msg, " (valid: %s)", strings.Join(e.ValidValues, ", "))
	}
	return msg.String()
}

// ValidationResult holds multiple validation errors
type ValidationResult struct {
	Errors   []error
	Warnings []string
}

// HasErrors returns true if there are any errors
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// AddError adds a validation error
func (r *ValidationResult) AddError(err error) {
	r.Errors = append(r.Errors, err)
}

// AddWarning adds a validation warning
func (r *ValidationResult) AddWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err joins every error, or returns nil.
func (r *ValidationResult) Err() error {
	if !r.HasErrors() {
		return nil
	}
	return errors.Join(r.Errors...)
}

var (
	coordinators      = []string{"single", "distributed", "celery"}
	manifestBackends  = []string{manifest.BackendPostgres, manifest.BackendSQLite, manifest.BackendFile}
	compressionCodecs = []string{"zstd", "snappy", "gzip", "lz4", "brotli", "none", "uncompressed"}
	iterateTypes      = []string{"int", "float", "datetime", "string"}
)

// Validate checks a parsed document. Broken references between jobs,
// extractors, loaders and connections are warnings: the job graph skips
// the affected pipeline and keeps going.
func Validate(doc *Document) *ValidationResult {
	r := &ValidationResult{}
	validateSettings(doc, r)

	if len(doc.Jobs) == 0 {
		r.AddError(ValidationError{Field: "jobs", Value: "[]", Problem: "at least one job is required"})
	}

	seen := map[string]bool{}
	for i, job := range doc.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if job.Name == "" {
			r.AddError(ValidationError{Field: field + ".name", Value: `""`, Problem: "job name is required"})
		} else if seen[job.Name] {
			r.AddError(ValidationError{Field: field + ".name", Value: job.Name, Problem: "duplicate job name"})
		}
		seen[job.Name] = true

		if job.ExtractTask == "" {
			r.AddError(ValidationError{Field: field + ".extract_task", Value: `""`, Problem: "extract_task is required"})
		} else if _, ok := doc.Extractors[job.ExtractTask]; !ok {
			r.AddWarning("job %q: extractor %q not found%s; pipeline will be skipped",
				job.Name, job.ExtractTask, suggest(job.ExtractTask, keys(doc.Extractors)))
		}
		if job.LoadTask == "" {
			r.AddError(ValidationError{Field: field + ".load_task", Value: `""`, Problem: "load_task is required"})
		} else if _, ok := doc.Loaders[job.LoadTask]; !ok {
			r.AddWarning("job %q: loader %q not found%s; pipeline will be skipped",
				job.Name, job.LoadTask, suggest(job.LoadTask, keys(doc.Loaders)))
		}
		if p := job.Priority; p != nil && *p != 0 && (*p < priority.Min || *p > priority.Max) {
			r.AddError(ValidationError{
				Field:   field + ".priority",
				Value:   fmt.Sprint(*p),
				Problem: fmt.Sprintf("must be between %d and %d, or 0 for automatic", priority.Min, priority.Max),
			})
		}
	}

	for _, name := range sortedKeys(doc.Extractors) {
		validateExtractor(name, doc.Extractors[name], doc, r)
	}
	for _, name := range sortedKeys(doc.Loaders) {
		ld := doc.Loaders[name]
		field := "loaders." + name
		if ld.Variant == "" {
			r.AddWarning("loader %q has no variant; pipelines using it will be skipped", name)
		}
		checkConnectionRef(field, ld.Config.ConnectionRef, doc, r)
	}
	return r
}

func validateExtractor(name string, ex ExtractorDef, doc *Document, r *ValidationResult) {
	field := "extractors." + name
	if ex.Variant == "" {
		r.AddWarning("extractor %q has no variant; pipelines using it will be skipped", name)
	}
	checkConnectionRef(field, ex.Config.ConnectionRef, doc, r)

	if len(ex.Config.Tables) == 0 {
		r.AddWarning("extractor %q declares no tables", name)
	}
	tables := map[string]bool{}
	for i, t := range ex.Config.Tables {
		tf := fmt.Sprintf("%s.config.tables[%d]", field, i)
		if t.Name == "" {
			r.AddError(ValidationError{Field: tf + ".name", Value: `""`, Problem: "table name is required"})
			continue
		}
		if tables[t.Name] {
			r.AddError(ValidationError{Field: tf + ".name", Value: t.Name, Problem: "duplicate table"})
		}
		tables[t.Name] = true

		if t.ReplicationMethod != "" && !t.ReplicationMethod.Valid() {
			r.AddError(ValidationError{
				Field:       tf + ".replication_method",
				Value:       t.ReplicationMethod,
				Problem:     "unknown replication method",
				ValidValues: []string{string(manifest.ReplicationFull), string(manifest.ReplicationIncremental)},
			})
		}
		if t.Method() == manifest.ReplicationIncremental && t.IterateColumn == "" {
			r.AddError(ValidationError{Field: tf + ".iterate_column", Value: `""`, Problem: "incremental tables need an iterate_column"})
		}
		if t.IterateColumnType != "" && !contains(iterateTypes, t.IterateColumnType) {
			r.AddError(ValidationError{
				Field:       tf + ".iterate_column_type",
				Value:       t.IterateColumnType,
				Problem:     "unknown iterate column type",
				Suggestion:  closest(t.IterateColumnType, iterateTypes),
				ValidValues: iterateTypes,
			})
		}
		if t.BatchSize < 0 {
			r.AddError(ValidationError{Field: tf + ".batch_size", Value: t.BatchSize, Problem: "batch_size must be positive"})
		}
	}
}

func checkConnectionRef(field, ref string, doc *Document, r *ValidationResult) {
	if ref == "" {
		r.AddWarning("%s: connection_ref is not set; pipelines using it will be skipped", field)
		return
	}
	if _, ok := doc.Connections[ref]; !ok {
		r.AddWarning("%s: connection %q not found%s; pipelines using it will be skipped",
			field, ref, suggest(ref, keys(doc.Connections)))
	}
}

func validateSettings(doc *Document, r *ValidationResult) {
	s := doc.Settings
	if !contains(coordinators, strings.ToLower(s.RunCoordinator)) {
		r.AddError(ValidationError{
			Field:       "settings.run_coordinator",
			Value:       s.RunCoordinator,
			Problem:     "unknown run coordinator",
			Suggestion:  closest(s.RunCoordinator, coordinators),
			ValidValues: coordinators,
		})
	}
	if !contains(compressionCodecs, strings.ToLower(s.CompressionCodec)) {
		r.AddError(ValidationError{
			Field:       "settings.compression_codec",
			Value:       s.CompressionCodec,
			Problem:     "unknown compression codec",
			Suggestion:  closest(s.CompressionCodec, compressionCodecs),
			ValidValues: compressionCodecs,
		})
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		r.AddError(ValidationError{Field: "settings.timezone", Value: s.Timezone, Problem: err.Error()})
	}
	if s.PartitionsCount < 0 || s.DefaultIterateMaxLoop < 0 || s.DefaultIterateBatchSize < 0 {
		r.AddError(ValidationError{Field: "settings", Value: "negative", Problem: "counts and sizes must be positive"})
	}

	if !contains(manifestBackends, s.Manifest.Backend) {
		r.AddError(ValidationError{
			Field:       "settings.manifest.backend",
			Value:       s.Manifest.Backend,
			Problem:     "unknown manifest backend",
			Suggestion:  closest(s.Manifest.Backend, manifestBackends),
			ValidValues: manifestBackends,
		})
	} else if _, err := doc.ManifestConfig(); err != nil {
		r.AddError(ValidationError{Field: "settings.manifest", Value: s.Manifest.ConnectionRef, Problem: err.Error()})
	}
	if mode := strings.ToLower(s.RunCoordinator); mode != "single" && contains(coordinators, mode) &&
		s.Manifest.Backend != manifest.BackendPostgres {
		r.AddWarning("run_coordinator %s with a %s manifest: workers on other hosts cannot see it; use the postgres backend",
			mode, s.Manifest.Backend)
	}
	if s.Manifest.Retry.MaxAttempts < 0 || s.Manifest.Retry.Delay < 0 {
		r.AddError(ValidationError{Field: "settings.manifest.retry", Value: s.Manifest.Retry, Problem: "attempts and delay must not be negative"})
	}
	if ref := s.Dispatch.ConnectionRef; ref != "" {
		if _, ok := doc.Connections[ref]; !ok {
			r.AddError(ValidationError{
				Field:      "settings.dispatch.connection_ref",
				Value:      ref,
				Problem:    "connection not found",
				Suggestion: closest(ref, keys(doc.Connections)),
			})
		}
	}
}

func suggest(name string, known []string) string {
	if s := closest(name, known); s != "" {
		return fmt.Sprintf(" (did you mean %q?)", s)
	}
	return ""
}

// closest returns the known value within two edits of name, if any.
func closest(name string, known []string) string {
	best, bestDist := "", 3
	lname := strings.ToLower(name)
	for _, k := range known {
		if d := levenshtein(lname, strings.ToLower(k)); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := keys(m)
	sort.Strings(out)
	return out
}
