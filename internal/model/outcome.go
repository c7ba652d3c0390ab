package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// OutcomeType classifies what actually happened after a recommendation.
type OutcomeType string

const (
	OutcomeSafe    OutcomeType = "safe"
	OutcomeAdverse OutcomeType = "adverse"
	OutcomeUnknown OutcomeType = "unknown"
)

// ParseOutcomeType maps a stored string onto an OutcomeType. Anything
// unrecognized coerces to OutcomeUnknown so that malformed rows are
// excluded from statistics instead of failing reads.
func ParseOutcomeType(s string) OutcomeType {
	switch OutcomeType(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeSafe:
		return OutcomeSafe
	case OutcomeAdverse:
		return OutcomeAdverse
	default:
		return OutcomeUnknown
	}
}

// Known reports whether the outcome participates in calibration and
// prior updates. UNKNOWN rows stay in the ledger but never in the math.
func (t OutcomeType) Known() bool {
	return t == OutcomeSafe || t == OutcomeAdverse
}

// TimestampLayout is the canonical UTC representation used for stored
// and hashed timestamps. Microsecond precision survives a round-trip
// through TEXT columns, so recomputed hashes match stored ones.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses the canonical layout.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// OutcomeRecord is one captured clinical outcome tied to a prior
// decision. Records are append-only: once written they are never
// updated or deleted.
type OutcomeRecord struct {
	ID                    string         `json:"id,omitempty"`
	DecisionHash          string         `json:"decision_hash"`
	MRN                   string         `json:"mrn"`
	PredictedProbSafe     float64        `json:"predicted_prob_safe"`
	PredictedRiskCategory string         `json:"predicted_risk_category"`
	ActualOutcome         OutcomeType    `json:"actual_outcome"`
	OutcomeDetails        string         `json:"outcome_details"`
	DaysToOutcome         int            `json:"days_to_outcome"`
	OutcomeSeverity       int            `json:"outcome_severity"`
	RecordedBy            string         `json:"recorded_by"`
	RecordedAt            time.Time      `json:"recorded_at"`
	OutcomeHash           string         `json:"outcome_hash"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// hashFields is the canonical subset covered by the integrity hash.
// Field order matches sorted JSON keys; encoding/json emits struct
// fields in declaration order with no extra whitespace, which gives the
// same bytes as a sorted-key compact encoding.
type hashFields struct {
	ActualOutcome string `json:"actual_outcome"`
	DecisionHash  string `json:"decision_hash"`
	MRN           string `json:"mrn"`
	RecordedAt    string `json:"recorded_at"`
}

// ComputeOutcomeHash returns the SHA-256 hex digest of the canonical
// JSON of the four tamper-evident fields.
func ComputeOutcomeHash(decisionHash, mrn string, outcome OutcomeType, recordedAt time.Time) string {
	canonical, _ := json.Marshal(hashFields{
		ActualOutcome: string(outcome),
		DecisionHash:  decisionHash,
		MRN:           mrn,
		RecordedAt:    FormatTimestamp(recordedAt),
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Seal computes and stores the integrity hash. Call once at creation;
// the hash is never recomputed on a live record afterwards.
func (r *OutcomeRecord) Seal() {
	r.OutcomeHash = ComputeOutcomeHash(r.DecisionHash, r.MRN, r.ActualOutcome, r.RecordedAt)
}

// VerifyHash recomputes the hash from the record's current fields and
// compares it against the stored one.
func (r *OutcomeRecord) VerifyHash() bool {
	return r.OutcomeHash == ComputeOutcomeHash(r.DecisionHash, r.MRN, r.ActualOutcome, r.RecordedAt)
}
