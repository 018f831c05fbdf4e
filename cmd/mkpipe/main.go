package main

import (
	"os"

	"github.com/withObsrvr/mkpipe/internal/cli/cmd"
	"github.com/withObsrvr/mkpipe/pkg/connector/builtin"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version   string
	gitCommit string
	buildDate string
)

func main() {
	builtin.Register(plugin.Default)

	cmd.SetRegistry(plugin.Default)
	cmd.SetVersionInfo(version, gitCommit, buildDate)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
