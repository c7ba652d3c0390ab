package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outcomes-cli/internal/learning"
	"github.com/sells-group/outcomes-cli/internal/model"
	"github.com/sells-group/outcomes-cli/internal/store"
)

const maxOutcomeBodySize = 1 << 20 // 1MB

// Deps holds what the HTTP handlers need.
type Deps struct {
	Pipeline *learning.Pipeline
	Limiter  *rate.Limiter // applied to outcome writes; nil disables limiting
}

// NewHandler builds the HTTP API. Writes against the outcomes ledger
// are rate limited; reads are not.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handleHealth)
	r.With(writeLimit(deps.Limiter)).Post("/outcomes", handleRecordOutcome(deps))
	r.Get("/outcomes/{decisionHash}/comparison", handleCompare(deps))
	r.Get("/patients/{mrn}/outcomes", handlePatientOutcomes(deps))
	r.Get("/priors", handlePriors(deps))
	r.Get("/calibration", handleCalibration(deps))
	r.Post("/calibration/snapshots", handleCalibrationSnapshot(deps))
	r.Get("/reports", handleReport(deps))
	r.Get("/integrity", handleIntegrity(deps))

	return r
}

func writeLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recordRequest struct {
	DecisionHash          string         `json:"decision_hash"`
	MRN                   string         `json:"mrn"`
	PredictedProbSafe     float64        `json:"predicted_prob_safe"`
	PredictedRiskCategory string         `json:"predicted_risk_category"`
	ActualOutcome         string         `json:"actual_outcome"`
	OutcomeDetails        string         `json:"outcome_details"`
	DaysToOutcome         int            `json:"days_to_outcome"`
	OutcomeSeverity       int            `json:"outcome_severity"`
	RecordedBy            string         `json:"recorded_by"`
	Metadata              map[string]any `json:"metadata"`
}

func handleRecordOutcome(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recordRequest
		body := http.MaxBytesReader(w, r.Body, maxOutcomeBodySize)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := deps.Pipeline.RecordOutcome(r.Context(), learning.RecordOutcomeRequest{
			DecisionHash:          req.DecisionHash,
			MRN:                   req.MRN,
			PredictedProbSafe:     req.PredictedProbSafe,
			PredictedRiskCategory: req.PredictedRiskCategory,
			ActualOutcome:         model.ParseOutcomeType(req.ActualOutcome),
			OutcomeDetails:        req.OutcomeDetails,
			DaysToOutcome:         req.DaysToOutcome,
			OutcomeSeverity:       req.OutcomeSeverity,
			RecordedBy:            req.RecordedBy,
			Metadata:              req.Metadata,
		})
		switch {
		case errors.Is(err, learning.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateOutcome):
			writeError(w, http.StatusConflict, "outcome already recorded")
		case err != nil:
			serverError(w, "record outcome", err)
		default:
			writeJSON(w, http.StatusCreated, rec)
		}
	}
}

func handleCompare(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		comparison, err := deps.Pipeline.CompareLatestOutcome(r.Context(), chi.URLParam(r, "decisionHash"))
		if err != nil {
			serverError(w, "compare outcome", err)
			return
		}
		if comparison == nil {
			writeError(w, http.StatusNotFound, "no outcome recorded for decision")
			return
		}
		writeJSON(w, http.StatusOK, comparison)
	}
}

func handlePatientOutcomes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		outcomes, err := deps.Pipeline.PatientOutcomes(r.Context(), chi.URLParam(r, "mrn"), limit)
		if err != nil {
			serverError(w, "patient outcomes", err)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func handlePriors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Pipeline.CurrentPriors())
	}
}

func handleCalibration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Pipeline.CalibrationReport())
	}
}

func handleCalibrationSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Pipeline.TakeCalibrationSnapshot(r.Context())
		if err != nil {
			serverError(w, "calibration snapshot", err)
			return
		}
		writeJSON(w, http.StatusCreated, report)
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reportType := r.URL.Query().Get("type")
		if reportType == "" {
			reportType = learning.ReportComprehensive
		}
		if reportType != learning.ReportSummary && reportType != learning.ReportComprehensive {
			writeError(w, http.StatusBadRequest, "invalid report type")
			return
		}

		report, err := deps.Pipeline.GenerateReport(r.Context(), reportType)
		if err != nil {
			serverError(w, "generate report", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleIntegrity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Pipeline.VerifyIntegrity(r.Context())
		if err != nil {
			serverError(w, "verify integrity", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, action string, err error) {
	zap.L().Error("api: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
