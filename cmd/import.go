package main

import (
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outcomes-cli/internal/learning"
	"github.com/sells-group/outcomes-cli/internal/model"
	"github.com/sells-group/outcomes-cli/internal/store"
)

var importFile string

// importedOutcome is one entry in an import file.
type importedOutcome struct {
	DecisionHash          string         `yaml:"decision_hash"`
	MRN                   string         `yaml:"mrn"`
	PredictedProbSafe     float64        `yaml:"predicted_prob_safe"`
	PredictedRiskCategory string         `yaml:"predicted_risk_category"`
	ActualOutcome         string         `yaml:"actual_outcome"`
	OutcomeDetails        string         `yaml:"outcome_details"`
	DaysToOutcome         int            `yaml:"days_to_outcome"`
	OutcomeSeverity       int            `yaml:"outcome_severity"`
	RecordedBy            string         `yaml:"recorded_by"`
	RecordedAt            time.Time      `yaml:"recorded_at"`
	Metadata              map[string]any `yaml:"metadata"`
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-record outcomes from a YAML file",
	Long:  "Reads a YAML file with a top-level 'outcomes' list and records each entry. Duplicates are skipped, not treated as errors.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(importFile)
		if err != nil {
			return eris.Wrapf(err, "read import file %s", importFile)
		}
		var file struct {
			Outcomes []importedOutcome `yaml:"outcomes"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return eris.Wrap(err, "parse import file")
		}

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		recorded, skipped := 0, 0
		for i, entry := range file.Outcomes {
			_, err := p.RecordOutcome(ctx, learning.RecordOutcomeRequest{
				DecisionHash:          entry.DecisionHash,
				MRN:                   entry.MRN,
				PredictedProbSafe:     entry.PredictedProbSafe,
				PredictedRiskCategory: entry.PredictedRiskCategory,
				ActualOutcome:         model.ParseOutcomeType(entry.ActualOutcome),
				OutcomeDetails:        entry.OutcomeDetails,
				DaysToOutcome:         entry.DaysToOutcome,
				OutcomeSeverity:       entry.OutcomeSeverity,
				RecordedBy:            entry.RecordedBy,
				RecordedAt:            entry.RecordedAt,
				Metadata:              entry.Metadata,
			})
			if errors.Is(err, store.ErrDuplicateOutcome) {
				skipped++
				continue
			}
			if err != nil {
				return eris.Wrapf(err, "import entry %d (decision %s)", i, entry.DecisionHash)
			}
			recorded++
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int("recorded", recorded),
			zap.Int("skipped_duplicates", skipped),
		)
		return printJSON(map[string]int{"recorded": recorded, "skipped_duplicates": skipped})
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "YAML file of outcomes to record (required)")
	importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
