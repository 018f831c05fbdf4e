package config

import (
	"time"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

// Defaults for settings left empty in the document.
const (
	DefaultEnvironment          = "prod"
	DefaultProjectPath          = "/tmp/mkpipe"
	DefaultTimezone             = "UTC"
	DefaultCompressionCodec     = "zstd"
	DefaultSparkDriverMemory    = "4g"
	DefaultSparkExecutorMemory  = "3g"
	DefaultPartitionsCount      = 2
	DefaultIterateMaxLoop       = 1000
	DefaultIterateBatchSize     = 500000
	DefaultRunCoordinator       = "single"
	DefaultManifestBackend      = manifest.BackendSQLite
	DefaultGroupTTL             = 24 * time.Hour
	DefaultPollInterval         = 2 * time.Second
	DefaultManifestFileName     = "mkpipe_manifest.db"
	DefaultManifestJSONFileName = "mkpipe_manifest.json"
	DefaultRedisPort            = 6379
)

// DefaultSettings returns the settings applied to an empty settings block.
func DefaultSettings() Settings {
	s := Settings{}
	ApplyDefaults(&s, "")
	return s
}

// ApplyDefaults fills zero-valued settings. timezone, when non-empty,
// replaces the UTC default.
func ApplyDefaults(s *Settings, timezone string) {
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
		if timezone != "" {
			s.Timezone = timezone
		}
	}
	if s.CompressionCodec == "" {
		s.CompressionCodec = DefaultCompressionCodec
	}
	if s.SparkDriverMemory == "" {
		s.SparkDriverMemory = DefaultSparkDriverMemory
	}
	if s.SparkExecutorMemory == "" {
		s.SparkExecutorMemory = DefaultSparkExecutorMemory
	}
	if s.PartitionsCount == 0 {
		s.PartitionsCount = DefaultPartitionsCount
	}
	if s.DefaultIterateMaxLoop == 0 {
		s.DefaultIterateMaxLoop = DefaultIterateMaxLoop
	}
	if s.DefaultIterateBatchSize == 0 {
		s.DefaultIterateBatchSize = DefaultIterateBatchSize
	}
	if s.RunCoordinator == "" {
		s.RunCoordinator = DefaultRunCoordinator
	}

	if s.Manifest.Backend == "" {
		s.Manifest.Backend = DefaultManifestBackend
	}
	if s.Manifest.Table == "" {
		s.Manifest.Table = manifest.DefaultTable
	}
	if s.Manifest.StaleAfter == 0 {
		s.Manifest.StaleAfter = manifest.DefaultStaleAfter
	}
	if s.Manifest.Retry.MaxAttempts == 0 {
		s.Manifest.Retry = retry.DefaultPolicy()
	}

	if s.Dispatch.GroupTTL == 0 {
		s.Dispatch.GroupTTL = DefaultGroupTTL
	}
	if s.Dispatch.PollInterval == 0 {
		s.Dispatch.PollInterval = DefaultPollInterval
	}
}
