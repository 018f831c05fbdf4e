package cmd

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cliconfig "github.com/withObsrvr/mkpipe/internal/cli/config"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

var (
	cfgFile  string
	settings cliconfig.Settings

	// registry is set by main.go before Execute.
	registry = plugin.Default

	v = viper.New()

	rootCmd = &cobra.Command{
		Use:   "mkpipe",
		Short: "Config driven ETL orchestrator",
		Long: color.CyanString(`mkpipe - replicate tables between databases and file stores`) + `

Pipelines, connections and tables are declared in a YAML job file. Each table
is extracted, loaded and tracked in a manifest so incremental runs resume
from the last watermark.`,
		SilenceUsage:      true,
		PersistentPreRunE: initSettings,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetRegistry sets the connector registry used by every command.
func SetRegistry(reg *plugin.Registry) {
	registry = reg
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "tool settings file (default: $HOME/.mkpipe.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("project-path", "", "directory for local manifests")
	flags.String("redis-address", "", "redis address for distributed runs when the job file names none")

	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = v.BindPFlag("project_path", flags.Lookup("project-path"))
	_ = v.BindPFlag("redis_address", flags.Lookup("redis-address"))
}

func initSettings(cmd *cobra.Command, args []string) error {
	if err := cliconfig.Init(v, cfgFile); err != nil {
		return err
	}
	s, err := cliconfig.Load(v)
	if err != nil {
		return err
	}
	if err := cliconfig.ConfigureLogging(s); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logrus.WithField("file", used).Debug("Using settings file")
	}
	settings = s
	return nil
}
