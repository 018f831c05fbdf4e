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
)

var (
	workerConcurrency int

	workerCmd = &cobra.Command{
		Use:   "worker [config file]",
		Short: "Run a worker for distributed runs",
		Long: `Consume work items from the dispatch queue named by the job file and
execute them until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := args[0]
			if !utils.FileExists(configFile) {
				return fmt.Errorf("configuration file not found: %s", configFile)
			}

			r := runner.New(runner.Options{ConfigFile: configFile, Settings: settings}, registry)
			defer r.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			fmt.Println(color.GreenString("Worker started with %d slots", workerConcurrency))
			return r.Work(ctx, workerConcurrency)
		},
	}
)

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 4, "number of items executed at once")
	rootCmd.AddCommand(workerCmd)
}
