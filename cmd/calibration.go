package main

import (
	"github.com/spf13/cobra"
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Inspect prediction calibration",
}

var calibrationReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the current calibration report (ECE, MCE, buckets)",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, st, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		return printJSON(p.CalibrationReport())
	},
}

var calibrationSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Persist a point-in-time calibration snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := p.TakeCalibrationSnapshot(ctx)
		if err != nil {
			return err
		}

		return printJSON(report)
	},
}

var calibrationHistoryLimit int

var calibrationHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List persisted calibration snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snaps, err := p.CalibrationHistory(ctx, calibrationHistoryLimit)
		if err != nil {
			return err
		}

		return printJSON(snaps)
	},
}

func init() {
	calibrationHistoryCmd.Flags().IntVar(&calibrationHistoryLimit, "limit", 20, "maximum snapshots to return")

	calibrationCmd.AddCommand(calibrationReportCmd, calibrationSnapshotCmd, calibrationHistoryCmd)
	rootCmd.AddCommand(calibrationCmd)
}
