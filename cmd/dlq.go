package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapoint-review/internal/resilience"
)

var dlqLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry items that failed in the scheduler",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context(), "dlq")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(cmd.Context(), dlqLimit)
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}
		return printDLQ(cmd.OutOrStdout(), entries)
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry due dead letter queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Scheduler.RetryDLQ(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sum.String())
		return nil
	},
}

func printDLQ(w io.Writer, entries []resilience.DLQEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "dead letter queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tITEM\tCLASS\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		msg := e.Error
		if len(msg) > 80 {
			msg = msg[:80] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.Item.Kind, e.Item.ID, e.ErrorType, e.RetryCount, e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339), msg)
	}
	return tw.Flush()
}

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 50, "max entries")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
