package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecordedAt(t *testing.T) time.Time {
	t.Helper()
	ts, err := ParseTimestamp("2026-08-14T10:30:00.000000Z")
	require.NoError(t, err)
	return ts
}

func TestComputeOutcomeHash_Deterministic(t *testing.T) {
	at := testRecordedAt(t)

	h1 := ComputeOutcomeHash("abc123", "MRN001", OutcomeSafe, at)
	h2 := ComputeOutcomeHash("abc123", "MRN001", OutcomeSafe, at)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeOutcomeHash_SensitiveToEveryField(t *testing.T) {
	at := testRecordedAt(t)
	base := ComputeOutcomeHash("abc123", "MRN001", OutcomeSafe, at)

	assert.NotEqual(t, base, ComputeOutcomeHash("abc124", "MRN001", OutcomeSafe, at))
	assert.NotEqual(t, base, ComputeOutcomeHash("abc123", "MRN002", OutcomeSafe, at))
	assert.NotEqual(t, base, ComputeOutcomeHash("abc123", "MRN001", OutcomeAdverse, at))
	assert.NotEqual(t, base, ComputeOutcomeHash("abc123", "MRN001", OutcomeSafe, at.Add(time.Microsecond)))
}

func TestSealAndVerifyHash(t *testing.T) {
	rec := OutcomeRecord{
		DecisionHash:  "abc123",
		MRN:           "MRN001",
		ActualOutcome: OutcomeSafe,
		RecordedAt:    testRecordedAt(t),
	}
	rec.Seal()
	require.NotEmpty(t, rec.OutcomeHash)
	assert.True(t, rec.VerifyHash())

	// Hashed fields are tamper-evident.
	tampered := rec
	tampered.ActualOutcome = OutcomeAdverse
	assert.False(t, tampered.VerifyHash())

	// Fields outside the canonical subset are not.
	annotated := rec
	annotated.OutcomeDetails = "recovered without complications"
	annotated.OutcomeSeverity = 3
	assert.True(t, annotated.VerifyHash())
}

func TestParseOutcomeType(t *testing.T) {
	assert.Equal(t, OutcomeSafe, ParseOutcomeType("safe"))
	assert.Equal(t, OutcomeSafe, ParseOutcomeType("  SAFE "))
	assert.Equal(t, OutcomeAdverse, ParseOutcomeType("Adverse"))
	assert.Equal(t, OutcomeUnknown, ParseOutcomeType("unknown"))
	assert.Equal(t, OutcomeUnknown, ParseOutcomeType(""))
	assert.Equal(t, OutcomeUnknown, ParseOutcomeType("corrupted-value"))
}

func TestOutcomeTypeKnown(t *testing.T) {
	assert.True(t, OutcomeSafe.Known())
	assert.True(t, OutcomeAdverse.Known())
	assert.False(t, OutcomeUnknown.Known())
	assert.False(t, OutcomeType("garbage").Known())
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 14, 10, 30, 0, 123456000, time.UTC)

	formatted := FormatTimestamp(at)
	assert.Equal(t, "2026-08-14T10:30:00.123456Z", formatted)

	parsed, err := ParseTimestamp(formatted)
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed))
}
