package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/mkpipe/internal/cli/runner"
	"github.com/withObsrvr/mkpipe/internal/cli/utils"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect replication progress",
	Long:  `Read the manifest a job file points at.`,
}

var manifestListCmd = &cobra.Command{
	Use:   "list [config file]",
	Short: "List every manifest entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := runner.New(runner.Options{ConfigFile: args[0], Settings: settings}, registry)
		defer r.Close()

		store, err := r.Manifest(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No manifest entries")
			return nil
		}
		printEntries(entries)
		return nil
	},
}

var manifestStatusCmd = &cobra.Command{
	Use:   "status [config file] [table]",
	Short: "Show the manifest entry of one table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := runner.New(runner.Options{ConfigFile: args[0], Settings: settings}, registry)
		defer r.Close()

		store, err := r.Manifest(cmd.Context())
		if err != nil {
			return err
		}
		entry, err := store.Get(cmd.Context(), args[1])
		if err != nil {
			return utils.FormatError(args[1], err)
		}
		printEntries([]manifest.Entry{*entry})
		if entry.ErrorMessage.Valid {
			fmt.Printf("\nError: %s\n", entry.ErrorMessage.String)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestStatusCmd)
}

func printEntries(entries []manifest.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATUS\tMETHOD\tLAST POINT\tTYPE\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TableName,
			utils.StatusColor(e.Status).Sprint(e.Status),
			e.ReplicationMethod,
			e.LastPoint.ValueOrZero(),
			e.ValueType.ValueOrZero(),
			e.UpdatedTime.Format(time.RFC3339))
	}
	w.Flush()
}
