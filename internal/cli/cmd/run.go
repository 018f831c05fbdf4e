package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/mkpipe/internal/cli/runner"
	"github.com/withObsrvr/mkpipe/internal/cli/utils"
	"github.com/withObsrvr/mkpipe/pkg/coordinator"
)

var (
	runPipelines string
	runTables    string
	runWait      bool

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run the pipelines of a job file",
		Long: `Build a work item for every selected table and run them with the
coordinator named in settings.run_coordinator.`,
		Args: cobra.ExactArgs(1),
		Example: `  mkpipe run mkpipe_project.yaml
  mkpipe run mkpipe_project.yaml --pipelines daily_sync
  mkpipe run mkpipe_project.yaml --tables public.orders,public.users
  mkpipe run mkpipe_project.yaml --wait`,
		RunE: runJobFile,
	}
)

func init() {
	runCmd.Flags().StringVar(&runPipelines, "pipelines", "", "comma separated pipeline names (default: all)")
	runCmd.Flags().StringVar(&runTables, "tables", "", "comma separated source table names (default: all)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "wait for dispatched items to finish (distributed mode)")
	rootCmd.AddCommand(runCmd)
}

func runJobFile(cmd *cobra.Command, args []string) error {
	configFile := args[0]
	if !utils.FileExists(configFile) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	r := runner.New(runner.Options{
		ConfigFile: configFile,
		Pipelines:  runPipelines,
		Tables:     runTables,
		Wait:       runWait,
		Settings:   settings,
	}, registry)
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println(color.GreenString("Starting run from %s", configFile))
	report, err := r.Run(ctx)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return utils.FormatError("run failed", err)
	}
	if report.Group == nil && report.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", runner.ErrItemsFailed, report.Failed, report.Total)
	}
	return nil
}

func printReport(r *coordinator.Report) {
	if r.Group != nil {
		fmt.Printf("Dispatched %d of %d items to group %s\n", r.Dispatched, r.Total, color.CyanString(r.Group.ID()))
		if r.Succeeded+r.Failed == 0 {
			return
		}
	}
	fmt.Printf("Items: %d  %s  %s  %s\n",
		r.Total,
		color.GreenString("loaded %d", r.Succeeded),
		color.YellowString("empty %d", r.Empty),
		color.RedString("failed %d", r.Failed))
}
