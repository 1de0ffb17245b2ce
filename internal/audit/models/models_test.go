package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "auditvault/pkg/domain-errors"
)

func sampleEvent() Event {
	return Event{
		ID:           uuid.MustParse("01928f3e-5c2a-7b31-9a0e-6f1d2c3b4a59"),
		OccurredAt:   time.Date(2025, 3, 4, 10, 15, 30, 123456000, time.UTC),
		ActorID:      "u-1",
		ActorName:    "Dr. Ames",
		ActorRole:    "physician",
		Action:       ActionRead,
		ResourceType: ResourcePatient,
		ResourceID:   "P5",
		PatientID:    "P5",
		Details:      map[string]string{"view": "summary", "fields": "allergies"},
		Severity:     SeverityInfo,
		Category:     CategoryDataAccess,
	}
}

func TestCanonicalize(t *testing.T) {
	t.Run("detail insertion order does not change the canonical form", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		b.Details = map[string]string{}
		b.Details["fields"] = "allergies"
		b.Details["view"] = "summary"
		assert.Equal(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("checksum is excluded", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		b.Checksum = "sha256:deadbeef"
		assert.Equal(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("time zone of the same instant does not matter", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		b.OccurredAt = a.OccurredAt.In(time.FixedZone("EST", -5*3600))
		assert.Equal(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("nil and empty details are equal", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		a.Details = nil
		b.Details = map[string]string{}
		assert.Equal(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("field boundaries cannot be shifted", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		a.ResourceID, a.PatientID = "P5", ""
		b.ResourceID, b.PatientID = "", "P5"
		assert.NotEqual(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("invalid utf-8 bytes stay distinct", func(t *testing.T) {
		a := sampleEvent()
		b := sampleEvent()
		a.Details = map[string]string{"note": "\xff"}
		b.Details = map[string]string{"note": "\xfe"}
		assert.NotEqual(t, Canonicalize(a), Canonicalize(b))
	})

	t.Run("escapes quotes", func(t *testing.T) {
		e := sampleEvent()
		e.ActorName = `O"Brien`
		assert.Contains(t, string(Canonicalize(e)), `"actor_name":"O\"Brien"`)
	})
}

func TestEventValidate(t *testing.T) {
	require.NoError(t, sampleEvent().Validate())

	e := sampleEvent()
	e.ActorID = ""
	assert.True(t, dErrors.HasCode(e.Validate(), dErrors.CodeValidation))

	e = sampleEvent()
	e.Action = "TELEPORT"
	assert.True(t, dErrors.HasCode(e.Validate(), dErrors.CodeValidation))

	e = sampleEvent()
	e.ResourceID, e.PatientID, e.Details = "", "", nil
	assert.NoError(t, e.Validate(), "optional fields may be empty")
}

func TestCriteria(t *testing.T) {
	t.Run("rejects unknown enums", func(t *testing.T) {
		err := Criteria{Actions: []Action{"NOPE"}}.Validate()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		err = Criteria{Severity: "LOUD"}.Validate()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects inverted range", func(t *testing.T) {
		now := time.Now()
		err := Criteria{Range: TimeRange{From: now, To: now.Add(-time.Hour)}}.Validate()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("filters combine with AND", func(t *testing.T) {
		e := sampleEvent()
		flagged := false
		assert.True(t, Criteria{ActorID: "u-1", PatientID: "P5", Flagged: &flagged}.Matches(e))
		assert.False(t, Criteria{ActorID: "u-1", PatientID: "P6"}.Matches(e))
		assert.True(t, Criteria{Actions: []Action{ActionUpdate, ActionRead}}.Matches(e))
	})

	t.Run("free text matches details and actor name case-insensitively", func(t *testing.T) {
		e := sampleEvent()
		assert.True(t, Criteria{Text: "ALLERG"}.Matches(e))
		assert.True(t, Criteria{Text: "ames"}.Matches(e))
		assert.False(t, Criteria{Text: "insulin"}.Matches(e))
	})

	t.Run("range is half-open", func(t *testing.T) {
		e := sampleEvent()
		assert.True(t, Criteria{Range: TimeRange{From: e.OccurredAt}}.Matches(e))
		assert.False(t, Criteria{Range: TimeRange{To: e.OccurredAt}}.Matches(e))
	})
}

func TestLess(t *testing.T) {
	older := sampleEvent()
	newer := sampleEvent()
	newer.OccurredAt = older.OccurredAt.Add(time.Millisecond)
	assert.True(t, Less(newer, older))
	assert.False(t, Less(older, newer))

	tieA := sampleEvent()
	tieB := sampleEvent()
	tieB.ID = uuid.MustParse("01928f3e-5c2a-7b31-9a0e-6f1d2c3b4a60")
	assert.True(t, Less(tieB, tieA), "equal timestamps order by id descending")
}
