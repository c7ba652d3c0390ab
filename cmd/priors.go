package main

import (
	"github.com/spf13/cobra"
)

var priorsCmd = &cobra.Command{
	Use:   "priors",
	Short: "Inspect and manage the Bayesian prior",
}

var priorsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current prior with credible interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, st, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		return printJSON(p.CurrentPriors())
	},
}

var (
	resetAlpha float64
	resetBeta  float64
)

var priorsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the prior to its initial (or explicit) parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var alpha, beta *float64
		if cmd.Flags().Changed("alpha") {
			alpha = &resetAlpha
		}
		if cmd.Flags().Changed("beta") {
			beta = &resetBeta
		}
		if err := p.ResetPriors(ctx, alpha, beta); err != nil {
			return err
		}

		return printJSON(p.CurrentPriors())
	},
}

var (
	whatifSafe    int
	whatifAdverse int
)

var priorsWhatifCmd = &cobra.Command{
	Use:   "whatif",
	Short: "Show the posterior after hypothetical additional outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, st, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		return printJSON(p.PosteriorProbability(whatifSafe, whatifAdverse))
	},
}

var priorsHistoryLimit int

var priorsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List persisted prior updates, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		updates, err := p.PriorHistory(ctx, priorsHistoryLimit)
		if err != nil {
			return err
		}

		return printJSON(updates)
	},
}

func init() {
	priorsResetCmd.Flags().Float64Var(&resetAlpha, "alpha", 0, "explicit alpha to reset to")
	priorsResetCmd.Flags().Float64Var(&resetBeta, "beta", 0, "explicit beta to reset to")
	priorsWhatifCmd.Flags().IntVar(&whatifSafe, "safe", 0, "hypothetical additional safe outcomes")
	priorsWhatifCmd.Flags().IntVar(&whatifAdverse, "adverse", 0, "hypothetical additional adverse outcomes")
	priorsHistoryCmd.Flags().IntVar(&priorsHistoryLimit, "limit", 20, "maximum updates to return")

	priorsCmd.AddCommand(priorsShowCmd, priorsResetCmd, priorsWhatifCmd, priorsHistoryCmd)
	rootCmd.AddCommand(priorsCmd)
}
