package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapoint-review/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <dataset_id>",
	Short: "Export a stored dataset review report to XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context(), "export")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := st.GetDatasetReport(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrapf(err, "load report for dataset %s", args[0])
		}
		if exportOut == "-" {
			return export.WriteReport(cmd.OutOrStdout(), report)
		}
		if err := export.SaveReport(exportOut, report); err != nil {
			return err
		}

		counts := report.Counts()
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d accepted, %d rejected, %d not attempted\n",
			exportOut, counts.Accepted, counts.Rejected, counts.NotAttempted)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "report.xlsx", "output file, or - for stdout")
	rootCmd.AddCommand(exportCmd)
}
