package cmd

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Build metadata, stamped by cmd/mkpipe through SetVersionInfo.
var (
	Version   string
	GitCommit string
	BuildDate string
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the mkpipe build and its connector variants",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentBuild(registry)
		if versionShort {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.version)
			return err
		}
		return info.render(cmd.OutOrStdout())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the release")
	rootCmd.AddCommand(versionCmd)
}

type buildInfo struct {
	version, commit, date string
	platform              string
	extractors, loaders   []string
}

func currentBuild(reg *plugin.Registry) buildInfo {
	info := buildInfo{
		version:  orDefault(Version, "dev"),
		commit:   orDefault(GitCommit, "unknown"),
		date:     orDefault(BuildDate, "unknown"),
		platform: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
	if reg != nil {
		info.extractors, info.loaders = reg.Variants()
	}
	return info
}

func (b buildInfo) render(w io.Writer) error {
	color.New(color.Bold).Fprintf(w, "mkpipe %s (%s, %s)\n", b.version, b.commit, b.date)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "runtime\t%s\n", b.platform)
	fmt.Fprintf(tw, "extract from\t%s\n", listOrNone(b.extractors))
	fmt.Fprintf(tw, "load into\t%s\n", listOrNone(b.loaders))
	return tw.Flush()
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "(none registered)"
	}
	return strings.Join(names, ", ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// SetVersionInfo records the build metadata shown by the version command.
func SetVersionInfo(version, gitCommit, buildDate string) {
	Version = version
	GitCommit = gitCommit
	BuildDate = buildDate
}
