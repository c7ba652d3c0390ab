package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/outcomes-cli/internal/learning"
	"github.com/sells-group/outcomes-cli/internal/store"
)

func newTestHandler(t *testing.T, limiter *rate.Limiter) http.Handler {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := learning.NewPipeline(context.Background(), st, learning.Config{})
	require.NoError(t, err)

	return NewHandler(Deps{Pipeline: p, Limiter: limiter})
}

func recordBody(decisionHash string) []byte {
	body, _ := json.Marshal(map[string]any{
		"decision_hash":           decisionHash,
		"mrn":                     "MRN001",
		"predicted_prob_safe":     0.85,
		"predicted_risk_category": "Low Risk",
		"actual_outcome":          "safe",
		"days_to_outcome":         30,
		"outcome_severity":        1,
		"recorded_by":             "dr_jones",
	})
	return body
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestRecordOutcomeEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("abc123"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	var rec struct {
		ID          string `json:"id"`
		OutcomeHash string `json:"outcome_hash"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.NotEmpty(t, rec.ID)
	assert.Len(t, rec.OutcomeHash, 64)

	// Prior reflects the update.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/priors", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var prior struct {
		Alpha    float64 `json:"alpha"`
		NUpdates int     `json:"n_updates"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prior))
	assert.InDelta(t, 8.1, prior.Alpha, 1e-9)
	assert.Equal(t, 1, prior.NUpdates)
}

func TestRecordOutcomeEndpoint_BadRequests(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader([]byte("not json"))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body, _ := json.Marshal(map[string]any{
		"mrn": "MRN001", "predicted_prob_safe": 0.85, "actual_outcome": "safe", "outcome_severity": 1,
	})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecordOutcomeEndpoint_RateLimited(t *testing.T) {
	h := newTestHandler(t, rate.NewLimiter(rate.Limit(0.001), 1))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("h1"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("h2"))))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestCompareEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/outcomes/missing/comparison", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("abc123"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/outcomes/abc123/comparison", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var comparison struct {
		PredictionError   float64 `json:"prediction_error"`
		PredictionCorrect bool    `json:"prediction_correct"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &comparison))
	assert.InDelta(t, 0.15, comparison.PredictionError, 1e-9)
	assert.True(t, comparison.PredictionCorrect)
}

func TestPatientOutcomesEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("abc123"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/patients/MRN001/outcomes", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var outcomes []json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcomes))
	assert.Len(t, outcomes, 1)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/patients/MRN001/outcomes?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReportAndCalibrationEndpoints(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody("abc123"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/reports?type=summary", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var report struct {
		TotalOutcomes int    `json:"total_outcomes"`
		ReportType    string `json:"report_type"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalOutcomes)
	assert.Equal(t, "summary", report.ReportType)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/reports?type=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/calibration", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/calibration/snapshots", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestIntegrityEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(recordBody(fmt.Sprintf("h%d", i)))))
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/integrity", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var report struct {
		Valid         bool `json:"valid"`
		TotalOutcomes int  `json:"total_outcomes"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.TotalOutcomes)
}
