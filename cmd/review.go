package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapoint-review/internal/review"
)

var (
	reviewModel    string
	reviewOCR      bool
	reviewOverride bool
	reviewForce    bool
	reviewPush     bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review a single dataset or datapoint",
}

var reviewDatasetCmd = &cobra.Command{
	Use:   "dataset <dataset_id>",
	Short: "Review every field of a dataset and post the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Datasets.Review(cmd.Context(), args[0], reviewOptions(cmd, env.Defaults))
		if err != nil {
			return err
		}
		if res == nil {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "already_claimed", "dataset_id": args[0]})
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

var reviewDatapointCmd = &cobra.Command{
	Use:   "datapoint <datapoint_id>",
	Short: "Review one datapoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "review")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Datapoints.Review(cmd.Context(), args[0], reviewOptions(cmd, env.Defaults))
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

// reviewOptions applies the flags the user set on top of the defaults.
func reviewOptions(cmd *cobra.Command, defaults review.Options) review.Options {
	opts := defaults
	flags := cmd.Flags()
	if flags.Changed("model") {
		opts.Model = reviewModel
	}
	if flags.Changed("ocr") {
		opts.UseOCR = reviewOCR
	}
	if flags.Changed("push") {
		opts.PushBack = reviewPush
	}
	opts.Override = reviewOverride
	opts.Force = reviewForce
	return opts
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}

func init() {
	for _, c := range []*cobra.Command{reviewDatasetCmd, reviewDatapointCmd} {
		c.Flags().StringVar(&reviewModel, "model", "", "AI model (default from config)")
		c.Flags().BoolVar(&reviewOCR, "ocr", true, "use OCR text instead of page images")
		c.Flags().BoolVar(&reviewPush, "push", false, "push the verdict back to the platform")
		reviewCmd.AddCommand(c)
	}
	reviewDatasetCmd.Flags().BoolVar(&reviewForce, "force", false, "review even when the dataset is already claimed")
	reviewDatapointCmd.Flags().BoolVar(&reviewOverride, "override", false, "replace an existing review")
	rootCmd.AddCommand(reviewCmd)
}
