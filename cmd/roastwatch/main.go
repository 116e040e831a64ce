// Command roastwatch runs the coffee-catalog scraping pipeline: a
// long-running scheduler daemon, one-shot job execution, and roster
// inspection.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "roastwatch"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Coffee roaster catalog and price watcher",
		Version: version,
		Long: `roastwatch discovers coffee products across roaster storefronts,
normalizes them into a canonical catalog, and tracks price history.

'roastwatch run' starts the scheduler daemon; 'roastwatch once' executes
a single job for one roaster; 'roastwatch jobs' shows the roster and
cadence state.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long:  "Starts the cadence scheduler, the worker pool, and the metrics endpoint, until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.runDaemon(cmd.Context())
		},
	}

	var roasterID int64
	var jobType string
	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run one job for one roaster and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.runOnce(cmd.Context(), roasterID, jobType)
		},
	}
	onceCmd.Flags().Int64Var(&roasterID, "roaster", 0, "Roaster ID (required)")
	onceCmd.Flags().StringVar(&jobType, "type", "full", "Job type: full or price")
	_ = onceCmd.MarkFlagRequired("roaster")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show the roster, cadences, and last successful runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.printJobs(cmd.Context())
		},
	}

	rootCmd.AddCommand(runCmd, onceCmd, jobsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
