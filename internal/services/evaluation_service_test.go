package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	levelAsha = 40
	levelRavi = 120
)

var cohortAnswers = map[uint8]map[int]string{
	levelAsha: {1: "new delhi", 2: "Jupiter", 3: "Photosyntheis"},
	levelRavi: {1: "Mumbai", 2: "", 3: "photosynthesis"},
}

func TestEvaluationScoresCohort(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	f.alignedSheet(t, tpl, "S2", levelRavi)
	f.alignedSheet(t, tpl, "S1", levelAsha)

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
	require.NoError(t, err)
	outcome := waitRun(t, handle)

	assert.Equal(t, models.RunCompleted, outcome.Run.Status)
	assert.Equal(t, 2, outcome.Run.SheetCount)
	assert.Equal(t, 2, outcome.Run.CompletedSheets)
	assert.Equal(t, 0, outcome.Run.FailedSheets)
	assert.Equal(t, "teacher", outcome.Run.StartedBy)
	assert.Empty(t, outcome.Failures)

	results, err := f.services.Report().Results(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, results, 6)

	type row struct {
		student  string
		question int
		correct  bool
		reason   models.ResultReason
	}
	want := []row{
		{"S1", 1, true, models.ReasonMatch},
		{"S1", 2, true, models.ReasonMatch},
		{"S1", 3, true, models.ReasonMatch},
		{"S2", 1, false, models.ReasonMismatch},
		{"S2", 2, false, models.ReasonEmptyExtraction},
		{"S2", 3, true, models.ReasonMatch},
	}
	for i, w := range want {
		got := results[i]
		assert.Equal(t, w.student, got.StudentID, "row %d", i)
		assert.Equal(t, w.question, got.QuestionNumber, "row %d", i)
		assert.Equal(t, w.correct, got.IsCorrect, "row %d", i)
		assert.Equal(t, w.reason, got.Reason, "row %d", i)
		assert.Equal(t, 95.0, got.AlignmentConfidence)
	}
	assert.Equal(t, "Photosynthesis", results[2].CorrectAnswer)
	assert.InDelta(t, 92.857, results[2].Similarity, 0.01)
	assert.Equal(t, 0.0, results[4].Similarity)
	assert.Equal(t, 0, results[4].Score)

	answers, err := f.services.Report().ExtractedAnswers(ctx, handle.RunID)
	require.NoError(t, err)
	assert.Len(t, answers, 6)

	report, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, report.Students, 2)
	assert.Equal(t, "S1", report.Students[0].StudentID)
	assert.Equal(t, 1, report.Students[0].Rank)
	assert.Equal(t, 100.0, report.Students[0].Percentage)
	assert.Equal(t, "S2", report.Students[1].StudentID)
	assert.InDelta(t, 33.33, report.Students[1].Percentage, 0.01)
	assert.Equal(t, 2, report.Summary.TotalStudents)

	stored, err := f.services.Template().Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.True(t, stored.Locked)

	assert.Len(t, f.publisher.EventsOfType(events.EventEvaluationStarted), 1)
	assert.Len(t, f.publisher.EventsOfType(events.EventEvaluationCompleted), 1)
}

func TestEvaluationRefusesWithoutAnswerKey(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()

	regions := geographyRegions()
	for i := range regions {
		regions[i].ExpectedAnswer = ""
	}
	tpl := f.createTemplate(t, regions)
	f.alignedSheet(t, tpl, "S1", levelAsha)

	_, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoAnswerKey))
	assert.True(t, IsBusinessRule(err))

	running, err := f.repo.Evaluation().ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	stored, err := f.services.Template().Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.False(t, stored.Locked)
	assert.Empty(t, f.publisher.GetPublishedEvents())
}

func TestEvaluationOverrideReplacesTemplateKey(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	f.alignedSheet(t, tpl, "S1", levelAsha)

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{
		TemplateID:        tpl.ID,
		AnswerKeyOverride: map[string]string{"q2": "Saturn"},
	}, "teacher")
	require.NoError(t, err)
	outcome := waitRun(t, handle)
	assert.Equal(t, models.AnswerKeyOverridden, outcome.Run.AnswerKeySource)

	results, err := f.services.Report().Results(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].QuestionNumber)
	assert.Equal(t, "Saturn", results[0].CorrectAnswer)
	assert.False(t, results[0].IsCorrect)

	key, err := outcome.Run.Key()
	require.NoError(t, err)
	assert.Equal(t, models.AnswerKey{2: "Saturn"}, key)
}

func TestEvaluationRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	sheet := f.alignedSheet(t, tpl, "S1", levelAsha)
	rescan := f.alignedSheet(t, tpl, "S1", levelRavi)

	other := f.createTemplate(t, geographyRegions())
	foreign := f.alignedSheet(t, other, "S9", levelAsha)

	threshold := 150.0
	tests := []struct {
		name  string
		req   StartEvaluationRequest
		check func(error) bool
	}{
		{"unknown template", StartEvaluationRequest{TemplateID: "missing"}, IsNotFound},
		{"override without region", StartEvaluationRequest{TemplateID: tpl.ID, AnswerKeyOverride: map[string]string{"Q7": "x"}}, IsValidation},
		{"bad override label", StartEvaluationRequest{TemplateID: tpl.ID, AnswerKeyOverride: map[string]string{"Question1": "x"}}, IsValidation},
		{"threshold out of range", StartEvaluationRequest{TemplateID: tpl.ID, Threshold: &threshold}, IsValidation},
		{"duplicate sheets", StartEvaluationRequest{TemplateID: tpl.ID, SheetIDs: []string{sheet.ID, sheet.ID}}, IsValidation},
		{"unknown sheet", StartEvaluationRequest{TemplateID: tpl.ID, SheetIDs: []string{"missing"}}, IsNotFound},
		{"sheet of another template", StartEvaluationRequest{TemplateID: tpl.ID, SheetIDs: []string{foreign.ID}}, IsBusinessRule},
		{"two sheets for one student", StartEvaluationRequest{TemplateID: tpl.ID, SheetIDs: []string{sheet.ID, rescan.ID}}, IsBusinessRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.services.Evaluation().Start(ctx, &tt.req, "teacher")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error class: %v", err)
		})
	}

	empty := f.createTemplate(t, geographyRegions())
	_, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: empty.ID}, "teacher")
	assert.ErrorIs(t, err, ErrNoSheetsToEvaluate)

	bare := f.createTemplate(t, nil)
	_, err = f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: bare.ID}, "teacher")
	assert.ErrorIs(t, err, apperrors.ErrTemplateHasNoRegions)
}

func TestEvaluationGradesLatestSheetPerStudent(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	f.alignedSheet(t, tpl, "S1", levelRavi)
	time.Sleep(5 * time.Millisecond)
	rescan := f.alignedSheet(t, tpl, "S1", levelAsha)
	f.alignedSheet(t, tpl, "S2", levelRavi)

	// Naming one of the student's sheets is fine.
	single, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID, SheetIDs: []string{rescan.ID}}, "teacher")
	require.NoError(t, err)
	waitRun(t, single)

	for i := 0; i < 2; i++ {
		handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
		require.NoError(t, err)
		outcome := waitRun(t, handle)
		assert.Equal(t, 2, outcome.Run.SheetCount)
		assert.Equal(t, 2, outcome.Run.CompletedSheets)
		assert.Equal(t, 0, outcome.Run.FailedSheets)

		results, err := f.services.Report().Results(ctx, handle.RunID)
		require.NoError(t, err)
		require.Len(t, results, 6)
		for _, r := range results[:3] {
			assert.Equal(t, "S1", r.StudentID)
			assert.Equal(t, rescan.ID, r.SheetID)
			assert.True(t, r.IsCorrect)
		}
	}
}

func TestEvaluationSkipsSheetsThatFailAlignment(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	good := f.alignedSheet(t, tpl, "S1", levelAsha)
	blank := f.pendingSheet(t, tpl, "S2", uniformPage(255))

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{
		TemplateID: tpl.ID,
		SheetIDs:   []string{good.ID, blank.ID},
	}, "teacher")
	require.NoError(t, err)
	outcome := waitRun(t, handle)

	assert.Equal(t, models.RunCompleted, outcome.Run.Status)
	assert.Equal(t, 1, outcome.Run.CompletedSheets)
	assert.Equal(t, 1, outcome.Run.FailedSheets)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, blank.ID, outcome.Failures[0].SheetID)

	results, err := f.services.Report().Results(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "S1", r.StudentID)
	}

	// The failure outlives the run handle: the report carries it.
	report, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, report.Students, 1)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "S2", report.Failures[0].StudentID)
	assert.Equal(t, blank.ID, report.Failures[0].SheetID)
	assert.Equal(t, handle.RunID, report.Failures[0].RunID)
	assert.Contains(t, report.Failures[0].Reason, "feature correspondences")

	sheet, err := f.services.Sheet().Get(ctx, blank.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SheetFailed, sheet.Status)
	assert.Nil(t, sheet.AlignedImageRef)
	assert.NotEmpty(t, sheet.FailureReason)
	assert.Len(t, f.publisher.EventsOfType(events.EventSheetAlignmentFailed), 1)

	// A second run skips the failed sheet without another attempt.
	handle, err = f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
	require.NoError(t, err)
	outcome = waitRun(t, handle)
	assert.Equal(t, 1, outcome.Run.FailedSheets)

	stored, err := f.repo.Evaluation().ListSheetFailures(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Reason, errSheetAlignmentFailed.Error())

	attempts, err := f.services.Sheet().Attempts(ctx, blank.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestEvaluationAlignsPendingSheets(t *testing.T) {
	engine := extraction.EngineFunc(func(_ context.Context, in extraction.Input) (extraction.Output, error) {
		return extraction.Output{Text: map[int]string{1: "New Delhi", 2: "Jupiter", 3: "Chlorophyll"}[questionOf(in)], Confidence: 70}, nil
	})
	f := newFixture(t, engine, EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	sheet := f.pendingSheet(t, tpl, "S1", blockTexture(pageWidth, pageHeight, 30, 9))

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
	require.NoError(t, err)
	outcome := waitRun(t, handle)
	assert.Equal(t, 1, outcome.Run.CompletedSheets)

	aligned, err := f.services.Sheet().Get(ctx, sheet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SheetAligned, aligned.Status)
	require.NotNil(t, aligned.AlignedImageRef)
	assert.Greater(t, aligned.AlignmentConfidence, 0.0)

	results, err := f.services.Report().Results(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, aligned.AlignmentConfidence, results[0].AlignmentConfidence)
	assert.False(t, results[2].IsCorrect)

	report, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	assert.InDelta(t, 66.67, report.Students[0].Percentage, 0.01)
	assert.Len(t, f.publisher.EventsOfType(events.EventSheetAligned), 1)
}

func TestEvaluationCancelKeepsCompletedSheets(t *testing.T) {
	blocked := make(chan struct{})
	var once sync.Once
	engine := extraction.EngineFunc(func(ctx context.Context, in extraction.Input) (extraction.Output, error) {
		if levelOf(in) == levelRavi {
			once.Do(func() { close(blocked) })
			<-ctx.Done()
			return extraction.Output{}, ctx.Err()
		}
		return extraction.Output{Text: cohortAnswers[levelAsha][questionOf(in)], Confidence: 90}, nil
	})

	f := newFixture(t, engine, EvaluationConfig{Workers: 1})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	first := f.alignedSheet(t, tpl, "S1", levelAsha)
	stuck := f.alignedSheet(t, tpl, "S2", levelRavi)
	never := f.alignedSheet(t, tpl, "S3", levelAsha)

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{
		TemplateID: tpl.ID,
		SheetIDs:   []string{first.ID, stuck.ID, never.ID},
	}, "teacher")
	require.NoError(t, err)

	<-blocked
	run, err := f.services.Evaluation().Cancel(ctx, handle.RunID, "teacher")
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Equal(t, 1, run.CompletedSheets)
	assert.NotNil(t, run.CompletedAt)

	select {
	case <-handle.Done():
	default:
		t.Fatal("run handle not done after cancel")
	}

	results, err := f.services.Report().Results(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "S1", r.StudentID)
	}

	report, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, report.Status)
	require.Len(t, report.Students, 1)
	assert.Len(t, f.publisher.EventsOfType(events.EventEvaluationCancelled), 1)

	_, err = f.services.Evaluation().Cancel(ctx, handle.RunID, "teacher")
	assert.ErrorIs(t, err, ErrRunNotCancellable)
	assert.True(t, IsConflict(err))

	_, err = f.services.Evaluation().Cancel(ctx, "missing", "teacher")
	assert.True(t, IsNotFound(err))
}

func TestRecoverInterruptedRuns(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())

	run, err := models.NewEvaluationRun(tpl, models.FromTemplate(tpl), tpl.AnswerKey(), []string{"s1"}, 80, 60, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.repo.Evaluation().CreateRun(ctx, run))

	n, err := f.services.Evaluation().RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.services.Evaluation().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestReportIsCachedOnceRunFinishes(t *testing.T) {
	f := newFixture(t, scriptedOCR(cohortAnswers), EvaluationConfig{})
	ctx := context.Background()
	tpl := f.createTemplate(t, geographyRegions())
	f.alignedSheet(t, tpl, "S1", levelAsha)

	handle, err := f.services.Evaluation().Start(ctx, &StartEvaluationRequest{TemplateID: tpl.ID}, "teacher")
	require.NoError(t, err)
	waitRun(t, handle)

	first, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	assert.True(t, f.cache.has(reportCacheKey(handle.RunID)))

	second, err := f.services.Report().Report(ctx, handle.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.Students, second.Students)
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt))
}

func TestScoredRegionsFollowKey(t *testing.T) {
	tpl := models.NewTemplate("t", "ref", 100, 100)
	for _, q := range []int{3, 1, 2} {
		_, err := tpl.AddRegion(geometry.Rect{X: 0, Y: float64(q) * 0.1, Width: 0.5, Height: 0.1}, q, "a", "")
		require.NoError(t, err)
	}
	regions := scoredRegions(tpl, models.AnswerKey{3: "x", 1: "y"})
	require.Len(t, regions, 2)
	assert.Equal(t, 1, regions[0].QuestionNumber)
	assert.Equal(t, 3, regions[1].QuestionNumber)
}
