package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/outcomes-cli/internal/learning"
	"github.com/sells-group/outcomes-cli/internal/model"
	"github.com/sells-group/outcomes-cli/internal/store"
)

var (
	recordDecisionHash string
	recordMRN          string
	recordProb         float64
	recordRiskCategory string
	recordOutcome      string
	recordDetails      string
	recordDays         int
	recordSeverity     int
	recordBy           string
	recordMeta         []string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an observed outcome for a prior prediction",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := p.RecordOutcome(ctx, learning.RecordOutcomeRequest{
			DecisionHash:          recordDecisionHash,
			MRN:                   recordMRN,
			PredictedProbSafe:     recordProb,
			PredictedRiskCategory: recordRiskCategory,
			ActualOutcome:         model.ParseOutcomeType(recordOutcome),
			OutcomeDetails:        recordDetails,
			DaysToOutcome:         recordDays,
			OutcomeSeverity:       recordSeverity,
			RecordedBy:            recordBy,
			Metadata:              parseMeta(recordMeta),
		})
		if errors.Is(err, store.ErrDuplicateOutcome) {
			return fmt.Errorf("outcome already recorded for decision %s at this timestamp", recordDecisionHash)
		}
		if err != nil {
			return err
		}

		return printJSON(rec)
	},
}

// parseMeta turns repeated key=value flags into a metadata map.
func parseMeta(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		meta[key] = value
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func init() {
	recordCmd.Flags().StringVar(&recordDecisionHash, "decision-hash", "", "hash of the original decision (required)")
	recordCmd.Flags().StringVar(&recordMRN, "mrn", "", "patient medical record number (required)")
	recordCmd.Flags().Float64Var(&recordProb, "prob", 0, "predicted probability of a safe outcome [0,1]")
	recordCmd.Flags().StringVar(&recordRiskCategory, "risk-category", "", "predicted risk category label")
	recordCmd.Flags().StringVar(&recordOutcome, "outcome", "unknown", "observed outcome: safe, adverse, or unknown")
	recordCmd.Flags().StringVar(&recordDetails, "details", "", "free-text outcome details")
	recordCmd.Flags().IntVar(&recordDays, "days", 0, "days between decision and outcome")
	recordCmd.Flags().IntVar(&recordSeverity, "severity", 1, "outcome severity 1-5")
	recordCmd.Flags().StringVar(&recordBy, "recorded-by", "", "clinician or system recording the outcome")
	recordCmd.Flags().StringArrayVar(&recordMeta, "meta", nil, "extra metadata as key=value (repeatable)")
	recordCmd.MarkFlagRequired("decision-hash")
	recordCmd.MarkFlagRequired("mrn")
	rootCmd.AddCommand(recordCmd)
}
