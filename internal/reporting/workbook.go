package reporting

import (
	"bytes"
	"fmt"
	"math"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet  = "Summary"
	ResultsSheet  = "Results"
	FailuresSheet = "Failed Sheets"
)

// BuildWorkbook renders a report as an XLSX workbook: ranked students and
// the cohort summary on one sheet, per-question results on another. Sheets
// that produced no results get a third sheet when there are any.
func BuildWorkbook(results []models.EvaluationResult, aggregates []models.StudentAggregate, summary models.CohortSummary, failures []models.SheetFailure) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}

	// Ranked students
	if err := setRow(f, SummarySheet, 1, []interface{}{"Rank", "Student ID", "Total Score", "Total Questions", "Percentage", "Band", "Low Confidence"}); err != nil {
		return nil, err
	}
	for i, a := range aggregates {
		row := []interface{}{a.Rank, a.StudentID, a.TotalScore, a.TotalQuestions, round2(a.Percentage), string(a.Band), a.LowConfidence}
		if err := setRow(f, SummarySheet, i+2, row); err != nil {
			return nil, err
		}
	}

	// Cohort summary below the table, one blank row apart
	start := len(aggregates) + 3
	summaryRows := [][]interface{}{
		{"Total Students", summary.TotalStudents},
		{"Average Percentage", round2(summary.AveragePercentage)},
		{"Highest Percentage", round2(summary.HighestPercentage)},
		{"Lowest Percentage", round2(summary.LowestPercentage)},
		{"Low Confidence Students", summary.LowConfidenceStudents},
		{"Failed Sheets", len(failures)},
	}
	for i, row := range summaryRows {
		if err := setRow(f, SummarySheet, start+i, row); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(ResultsSheet); err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	header := make([]interface{}, len(ResultsHeader))
	for i, h := range ResultsHeader {
		header[i] = h
	}
	if err := setRow(f, ResultsSheet, 1, header); err != nil {
		return nil, err
	}
	for i, r := range results {
		row := []interface{}{
			r.StudentID,
			models.QuestionLabel(r.QuestionNumber),
			r.ExtractedAnswer,
			r.CorrectAnswer,
			r.Score,
			r.IsCorrect,
			round2(r.Similarity),
			string(r.Reason),
			r.LowConfidenceAlignment,
		}
		if err := setRow(f, ResultsSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if len(failures) > 0 {
		if _, err := f.NewSheet(FailuresSheet); err != nil {
			return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
		}
		if err := setRow(f, FailuresSheet, 1, []interface{}{"Student ID", "Sheet ID", "Reason"}); err != nil {
			return nil, err
		}
		for i, fl := range failures {
			if err := setRow(f, FailuresSheet, i+2, []interface{}{fl.StudentID, fl.SheetID, fl.Reason}); err != nil {
				return nil, err
			}
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf, nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
