package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outcomes-cli/internal/learning"
)

var reportType string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a learning report over all recorded outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if reportType != learning.ReportSummary && reportType != learning.ReportComprehensive {
			return eris.Errorf("invalid report type %q (want summary or comprehensive)", reportType)
		}

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := p.GenerateReport(ctx, reportType)
		if err != nil {
			return err
		}

		return printJSON(report)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportType, "type", learning.ReportComprehensive, "report type: summary or comprehensive")
	rootCmd.AddCommand(reportCmd)
}
