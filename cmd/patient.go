package main

import (
	"github.com/spf13/cobra"
)

var patientLimit int

var patientCmd = &cobra.Command{
	Use:   "patient <mrn>",
	Short: "List recorded outcomes for a patient, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		outcomes, err := p.PatientOutcomes(ctx, args[0], patientLimit)
		if err != nil {
			return err
		}

		return printJSON(outcomes)
	},
}

func init() {
	patientCmd.Flags().IntVar(&patientLimit, "limit", 10, "maximum outcomes to return")
	rootCmd.AddCommand(patientCmd)
}
