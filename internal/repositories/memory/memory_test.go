package memory

import (
	"context"
	"testing"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateRepositoryCopiesRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	tpl := models.NewTemplate("Geography", "tpl.png", 600, 800)
	_, err := tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.1}, 2, "Delhi", "")
	require.NoError(t, err)
	_, err = tpl.AddRegion(geometry.Rect{X: 0.1, Y: 0.3, Width: 0.3, Height: 0.1}, 1, "Gandhi", "")
	require.NoError(t, err)
	require.NoError(t, repo.Template().Create(ctx, tpl))

	tpl.Regions[0].ExpectedAnswer = "mutated"

	got, err := repo.Template().GetByID(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, got.Regions, 2)
	assert.Equal(t, 1, got.Regions[0].QuestionNumber)
	assert.Equal(t, "Delhi", got.Regions[1].ExpectedAnswer)

	_, err = repo.Template().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	require.NoError(t, repo.Template().DeleteRegion(ctx, tpl.ID, got.Regions[0].ID))
	require.NoError(t, repo.Template().DeleteRegion(ctx, tpl.ID, got.Regions[0].ID))
	got, err = repo.Template().GetByID(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Len(t, got.Regions, 1)
}

func TestFinishAttemptOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	sheet := models.NewStudentSheet("tpl", "student-1", "sheet.png")
	require.NoError(t, repo.Sheet().Create(ctx, sheet))

	attempt := sheet.BeginAttempt(time.Now())
	require.NoError(t, repo.Sheet().CreateAttempt(ctx, attempt))
	require.NoError(t, attempt.Fail("no features", 0, time.Now()))
	sheet.ApplyAttempt(attempt)
	require.NoError(t, repo.Sheet().FinishAttempt(ctx, sheet, attempt))

	assert.ErrorIs(t, repo.Sheet().FinishAttempt(ctx, sheet, attempt), models.ErrAttemptFinalized)

	stored, err := repo.Sheet().GetByID(ctx, sheet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SheetFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestSaveSheetOutcomeCountsProgress(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	run := &models.EvaluationRun{ID: "run-1", Status: models.RunRunning}
	require.NoError(t, repo.Evaluation().CreateRun(ctx, run))

	results := []models.EvaluationResult{
		{ID: "r2", RunID: "run-1", StudentID: "b", QuestionNumber: 1},
		{ID: "r1", RunID: "run-1", StudentID: "a", QuestionNumber: 2},
		{ID: "r0", RunID: "run-1", StudentID: "a", QuestionNumber: 1},
	}
	require.NoError(t, repo.Evaluation().SaveSheetOutcome(ctx, "run-1", nil, results))
	blank := models.NewStudentSheet("tpl", "c", "sheets/c.png")
	failure := models.NewSheetFailure("run-1", blank, "not enough features", time.Now())
	require.NoError(t, repo.Evaluation().RecordSheetFailure(ctx, failure))
	assert.Error(t, repo.Evaluation().RecordSheetFailure(ctx, failure))
	assert.Error(t, repo.Evaluation().RecordSheetFailure(ctx, models.NewSheetFailure("run-9", blank, "x", time.Now())))
	assert.Error(t, repo.Evaluation().SaveSheetOutcome(ctx, "run-1", nil, results[:1]))

	failures, err := repo.Evaluation().ListSheetFailures(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "c", failures[0].StudentID)
	assert.Equal(t, blank.ID, failures[0].SheetID)
	assert.Equal(t, "not enough features", failures[0].Reason)

	stored, err := repo.Evaluation().GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CompletedSheets)
	assert.Equal(t, 1, stored.FailedSheets)

	listed, err := repo.Evaluation().ListResults(ctx, "run-1")
	require.NoError(t, err)
	var ids []string
	for _, r := range listed {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r0", "r1", "r2"}, ids)

	now := time.Now()
	stored.Finish(models.RunCompleted, "", now)
	stored.CompletedSheets = 0
	require.NoError(t, repo.Evaluation().FinishRun(ctx, stored))
	final, err := repo.Evaluation().GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Equal(t, 1, final.CompletedSheets)
}
