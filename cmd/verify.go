package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity hash of every stored outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := p.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}

		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("%d of %d outcomes failed integrity verification", len(report.InvalidIDs), report.TotalOutcomes)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
