package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "review-cli",
	Short: "Disclosure datapoint review engine",
	Long: `Reviews reported taxonomy disclosure data against the cited pages of the
source report and records a QaAccepted, QaRejected or QaNotAttempted verdict.

  serve                     run the HTTP API for on-demand reviews
  schedule                  poll for pending datasets and datapoints and review them
  review dataset <id>       review every field of one dataset
  review datapoint <id>     review a single datapoint
  export <dataset_id>       write a stored dataset report to XLSX
  dlq list | dlq retry      inspect or replay failed reviews
  migrate                   create or update the review tables

Configuration is read from config.yaml and REVIEW_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("command starting", zap.String("command", cmd.CommandPath()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
