package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var scheduleIterations int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Poll the platform for pending reviews and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Scheduler.Run(ctx, scheduleIterations)
		if sum != nil {
			fmt.Fprintln(cmd.OutOrStdout(), sum.String())
		}
		return err
	},
}

func init() {
	scheduleCmd.Flags().IntVar(&scheduleIterations, "iterations", 0, "polling cycles to run (default from config)")
	rootCmd.AddCommand(scheduleCmd)
}
