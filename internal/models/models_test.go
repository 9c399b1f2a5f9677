package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTemplate(t *testing.T) *Template {
	t.Helper()
	tpl := NewTemplate("Geography", "templates/geo.png", 1000, 1400)
	_, err := tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.1, Width: 0.8, Height: 0.1}, 1, "Delhi", "Capital of India?")
	require.NoError(t, err)
	_, err = tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.3, Width: 0.8, Height: 0.1}, 2, "Mahatma Gandhi", "")
	require.NoError(t, err)
	_, err = tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.5, Width: 0.8, Height: 0.1}, 3, "Photosynthesis", "")
	require.NoError(t, err)
	return tpl
}

func TestTemplateAddRegion(t *testing.T) {
	tpl := newTestTemplate(t)

	t.Run("rejects degenerate rect", func(t *testing.T) {
		_, err := tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.1, Width: 0, Height: 0.1}, 4, "x", "")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidRegion))
		assert.Len(t, tpl.Regions, 3)
	})

	t.Run("rejects out of bounds rect", func(t *testing.T) {
		_, err := tpl.AddRegion(geometry.Rect{X: 0.5, Y: 0.5, Width: 0.6, Height: 0.1}, 4, "x", "")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidRegion))
	})

	t.Run("rejects duplicate question number", func(t *testing.T) {
		_, err := tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.8, Width: 0.1, Height: 0.1}, 2, "x", "")
		assert.True(t, errors.Is(err, apperrors.ErrDuplicateQuestionNumber))
	})

	t.Run("rejects non-positive question number", func(t *testing.T) {
		_, err := tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.8, Width: 0.1, Height: 0.1}, 0, "x", "")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidQuestionNumber))
	})

	t.Run("accepts overlapping regions", func(t *testing.T) {
		region, err := tpl.AddRegion(geometry.Rect{X: 0.15, Y: 0.12, Width: 0.2, Height: 0.2}, 4, "x", "")
		require.NoError(t, err)
		assert.Equal(t, tpl.ID, region.TemplateID)
		assert.Len(t, tpl.Regions, 4)
	})
}

func TestTemplateRemoveRegionIsIdempotent(t *testing.T) {
	tpl := newTestTemplate(t)
	id := tpl.Regions[1].ID

	assert.True(t, tpl.RemoveRegion(id))
	assert.Len(t, tpl.Regions, 2)

	assert.False(t, tpl.RemoveRegion(id))
	assert.Len(t, tpl.Regions, 2)

	_, ok := tpl.RegionByQuestion(2)
	assert.False(t, ok)
}

func TestTemplateValidateForEvaluation(t *testing.T) {
	empty := NewTemplate("Empty", "x.png", 10, 10)
	assert.True(t, errors.Is(empty.ValidateForEvaluation(), apperrors.ErrTemplateHasNoRegions))

	assert.NoError(t, newTestTemplate(t).ValidateForEvaluation())
}

func TestTemplateNextVersion(t *testing.T) {
	tpl := newTestTemplate(t)
	tpl.Locked = true

	next := tpl.NextVersion()
	assert.NotEqual(t, tpl.ID, next.ID)
	assert.Equal(t, 2, next.Version)
	assert.False(t, next.Locked)
	require.Len(t, next.Regions, 3)
	for i, r := range next.Regions {
		assert.Equal(t, next.ID, r.TemplateID)
		assert.NotEqual(t, tpl.Regions[i].ID, r.ID)
		assert.Equal(t, tpl.Regions[i].QuestionNumber, r.QuestionNumber)
	}
	// The original stays untouched.
	assert.Equal(t, tpl.ID, tpl.Regions[0].TemplateID)
}

func TestParseQuestionLabel(t *testing.T) {
	valid := map[string]int{"Q1": 1, "q12": 12, " Q3 ": 3}
	for label, want := range valid {
		got, err := ParseQuestionLabel(label)
		require.NoError(t, err, label)
		assert.Equal(t, want, got)
	}

	for _, label := range []string{"", "Q", "Q0", "Q-1", "Q+2", "1", "A1", "Qx"} {
		_, err := ParseQuestionLabel(label)
		assert.Error(t, err, label)
	}
}

func TestParseAnswerKeyOverride(t *testing.T) {
	key, err := ParseAnswerKeyOverride(map[string]string{"Q1": " Delhi ", "q2": "Gandhi"})
	require.NoError(t, err)
	assert.Equal(t, AnswerKey{1: "Delhi", 2: "Gandhi"}, key)

	_, err = ParseAnswerKeyOverride(map[string]string{"Question1": "Delhi", "Q2": ""})
	var verrs apperrors.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)

	_, err = ParseAnswerKeyOverride(map[string]string{"Q1": "a", "q1": "b"})
	assert.Error(t, err)
}

func TestAnswerKeyJSON(t *testing.T) {
	key := AnswerKey{1: "Delhi", 10: "Ten"}
	data, err := json.Marshal(key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Q1":"Delhi","Q10":"Ten"}`, string(data))

	var decoded AnswerKey
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, key, decoded)
	assert.Equal(t, []int{1, 10}, decoded.QuestionNumbers())
}

func TestAnswerKeySourceResolve(t *testing.T) {
	tpl := newTestTemplate(t)

	t.Run("from template", func(t *testing.T) {
		key, err := FromTemplate(tpl).Resolve(tpl)
		require.NoError(t, err)
		assert.Equal(t, AnswerKey{1: "Delhi", 2: "Mahatma Gandhi", 3: "Photosynthesis"}, key)
	})

	t.Run("overridden replaces the key", func(t *testing.T) {
		key, err := Overridden(tpl, AnswerKey{2: "Gandhi"}).Resolve(tpl)
		require.NoError(t, err)
		assert.Equal(t, AnswerKey{2: "Gandhi"}, key)
	})

	t.Run("override for unknown question", func(t *testing.T) {
		_, err := Overridden(tpl, AnswerKey{9: "x"}).Resolve(tpl)
		var verrs apperrors.ValidationErrors
		assert.True(t, errors.As(err, &verrs))
	})

	t.Run("empty override", func(t *testing.T) {
		_, err := Overridden(tpl, AnswerKey{}).Resolve(tpl)
		assert.True(t, errors.Is(err, apperrors.ErrNoAnswerKey))
	})

	t.Run("template without expected answers", func(t *testing.T) {
		blank := NewTemplate("Blank", "b.png", 10, 10)
		_, err := blank.AddRegion(geometry.Rect{X: 0, Y: 0, Width: 0.5, Height: 0.5}, 1, "", "")
		require.NoError(t, err)
		_, err = FromTemplate(blank).Resolve(blank)
		assert.True(t, errors.Is(err, apperrors.ErrNoAnswerKey))
	})

	t.Run("stale version", func(t *testing.T) {
		source := FromTemplate(tpl)
		_, err := source.Resolve(tpl.NextVersion())
		assert.Error(t, err)
	})
}

func TestAlignmentAttemptLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sheet := NewStudentSheet("tpl", "S001", "sheets/s001.png")
	assert.Equal(t, SheetPending, sheet.Status)

	first := sheet.BeginAttempt(now)
	assert.Equal(t, 1, first.Number)
	require.NoError(t, first.Fail("insufficient features", 2, now))
	assert.ErrorIs(t, first.Succeed(AlignmentOutcome{Confidence: 90}, now), ErrAttemptFinalized)

	sheet.ApplyAttempt(first)
	assert.Equal(t, SheetFailed, sheet.Status)
	assert.Nil(t, sheet.AlignedImageRef)
	assert.False(t, sheet.IsAligned())

	second := sheet.BeginAttempt(now)
	assert.Equal(t, 2, second.Number)
	require.NoError(t, second.Succeed(AlignmentOutcome{Confidence: 88.5, AlignedImageRef: "aligned/s001.png"}, now))
	sheet.ApplyAttempt(second)

	assert.Equal(t, SheetAligned, sheet.Status)
	assert.True(t, sheet.IsAligned())
	assert.Equal(t, 2, sheet.AttemptCount)
	assert.Equal(t, second.ID, *sheet.CurrentAttemptID)
	// History is untouched.
	assert.Equal(t, SheetFailed, first.Status)
}

func TestAbandonedAttemptKeepsSheetState(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	sheet := NewStudentSheet("tpl", "S001", "sheets/s001.png")

	first := sheet.BeginAttempt(now)
	require.NoError(t, first.Abandon("context canceled", now))
	assert.ErrorIs(t, first.Fail("late", 0, now), ErrAttemptFinalized)
	sheet.ApplyAttempt(first)

	assert.Equal(t, SheetPending, sheet.Status)
	assert.Equal(t, 1, sheet.AttemptCount)
	assert.Nil(t, sheet.CurrentAttemptID)
	assert.Empty(t, sheet.FailureReason)

	second := sheet.BeginAttempt(now)
	assert.Equal(t, 2, second.Number)
	require.NoError(t, second.Succeed(AlignmentOutcome{Confidence: 91, AlignedImageRef: "aligned/s001.png"}, now))
	sheet.ApplyAttempt(second)

	third := sheet.BeginAttempt(now)
	require.NoError(t, third.Abandon("storage unavailable", now))
	sheet.ApplyAttempt(third)

	assert.True(t, sheet.IsAligned())
	assert.Equal(t, second.ID, *sheet.CurrentAttemptID)
	assert.Equal(t, 3, sheet.AttemptCount)
}

func TestEvaluationRunRecord(t *testing.T) {
	tpl := newTestTemplate(t)
	key := tpl.AnswerKey()
	run, err := NewEvaluationRun(tpl, FromTemplate(tpl), key, []string{"a", "b"}, 80, 60, time.Now())
	require.NoError(t, err)

	decoded, err := run.Key()
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	ids, err := run.Sheets()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, 2, run.SheetCount)
	assert.False(t, run.IsTerminal())

	run.Finish(RunCancelled, "", time.Now())
	assert.True(t, run.IsTerminal())
}

func TestBandFor(t *testing.T) {
	assert.Equal(t, BandHigh, BandFor(80))
	assert.Equal(t, BandMedium, BandFor(79.99))
	assert.Equal(t, BandMedium, BandFor(60))
	assert.Equal(t, BandLow, BandFor(59.5))
}
