// Package builtin installs the connectors that ship with mkpipe.
package builtin

import (
	"github.com/withObsrvr/mkpipe/pkg/connector/mongodb"
	"github.com/withObsrvr/mkpipe/pkg/connector/parquet"
	"github.com/withObsrvr/mkpipe/pkg/connector/postgres"
	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Register adds every built-in extractor and loader to reg.
func Register(reg *plugin.Registry) {
	sqldb.Register(reg)
	postgres.Register(reg)
	parquet.Register(reg)
	mongodb.Register(reg)
}
