package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <decision-hash>",
	Short: "Compare the latest recorded outcome against its prediction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		comparison, err := p.CompareLatestOutcome(ctx, args[0])
		if err != nil {
			return err
		}
		if comparison == nil {
			return fmt.Errorf("no outcome recorded for decision %s", args[0])
		}

		return printJSON(comparison)
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}
