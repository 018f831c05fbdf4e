package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/mkpipe/internal/cli/runner"
	"github.com/withObsrvr/mkpipe/internal/cli/utils"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Job file commands",
	Long:  `Commands for validating and inspecting mkpipe job files.`,
}

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a job file",
	Long:  `Validate a job file and report every error and warning found.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := args[0]
		if !utils.FileExists(configFile) {
			return fmt.Errorf("config file does not exist: %s", configFile)
		}

		result, err := runner.New(runner.Options{ConfigFile: configFile, Settings: settings}, registry).Check()
		if err != nil {
			return err
		}

		if len(result.Warnings) > 0 {
			color.Yellow("Configuration has warnings:")
			for _, w := range result.Warnings {
				fmt.Printf("  • %s\n", w)
			}
		}
		if result.HasErrors() {
			color.Red("Configuration has errors:")
			for _, err := range result.Errors {
				fmt.Printf("  • %v\n", err)
			}
			return errors.New("configuration validation failed")
		}

		color.Green("Configuration is valid")
		return nil
	},
}

var (
	planPipelines string
	planTables    string

	planCmd = &cobra.Command{
		Use:   "plan [config file]",
		Short: "List the work items a run would execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := runner.New(runner.Options{
				ConfigFile: args[0],
				Pipelines:  planPipelines,
				Tables:     planTables,
				Settings:   settings,
			}, registry)
			defer r.Close()

			items, err := r.Plan()
			if errors.Is(err, jobgraph.ErrNoWorkItems) {
				color.Yellow("%v", err)
				return nil
			}
			if err != nil {
				return err
			}

			var pipeline string
			for _, item := range items {
				if item.Pipeline != pipeline {
					pipeline = item.Pipeline
					color.Cyan("Pipeline: %s", pipeline)
					fmt.Println(strings.Repeat("─", 40))
				}
				fmt.Printf("  %3d  %-30s %s -> %s (%s)\n",
					item.Priority, item.Table(), item.ExtractorVariant, item.LoaderVariant, item.Extractor.Table.Method())
			}
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateCmd)
	configCmd.AddCommand(planCmd)

	planCmd.Flags().StringVar(&planPipelines, "pipelines", "", "comma separated pipeline names (default: all)")
	planCmd.Flags().StringVar(&planTables, "tables", "", "comma separated source table names (default: all)")
}
