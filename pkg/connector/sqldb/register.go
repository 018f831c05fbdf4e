package sqldb

import "github.com/withObsrvr/mkpipe/pkg/plugin"

// Register installs the SQL extractors and loaders into reg.
func Register(reg *plugin.Registry) {
	reg.RegisterExtractor(NewExtractorFactory("sqlite"), "sqlite")
	reg.RegisterExtractor(NewExtractorFactory("postgres"), "postgres_sql")
	reg.RegisterExtractor(NewExtractorFactory("duckdb"), "duckdb")

	reg.RegisterLoader(NewLoaderFactory("sqlite"), "sqlite")
	reg.RegisterLoader(NewLoaderFactory("postgres"), "postgres_sql")
	reg.RegisterLoader(NewLoaderFactory("duckdb"), "duckdb")
	reg.RegisterLoader(NewLoaderFactory("clickhouse"), "clickhouse")
}
