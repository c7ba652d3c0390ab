package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	exportOut    string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all outcomes with calibration and prior state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := p.ExportSnapshot(ctx)
		if err != nil {
			return err
		}

		switch exportFormat {
		case "json":
			err = snap.WriteJSON(exportOut)
		case "xlsx":
			err = snap.WriteXLSX(exportOut)
		default:
			return eris.Errorf("invalid export format %q (want json or xlsx)", exportFormat)
		}
		if err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("path", exportOut),
			zap.String("format", exportFormat),
			zap.Int("outcomes", snap.TotalOutcomes),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "outcomes_export.json", "output file path")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or xlsx")
	rootCmd.AddCommand(exportCmd)
}
