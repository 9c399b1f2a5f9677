package models

import "time"

type PerformanceBand string

const (
	BandHigh   PerformanceBand = "high"
	BandMedium PerformanceBand = "medium"
	BandLow    PerformanceBand = "low"
)

// BandFor buckets a percentage into a performance band.
func BandFor(percentage float64) PerformanceBand {
	switch {
	case percentage >= 80:
		return BandHigh
	case percentage >= 60:
		return BandMedium
	default:
		return BandLow
	}
}

// StudentAggregate is a student's total over all scored questions in a run.
type StudentAggregate struct {
	Rank           int             `json:"rank"`
	StudentID      string          `json:"student_id"`
	TotalScore     int             `json:"total_score"`
	TotalQuestions int             `json:"total_questions"`
	Percentage     float64         `json:"percentage"`
	LowConfidence  bool            `json:"low_confidence"`
	Band           PerformanceBand `json:"band"`
}

// CohortSummary describes all students of a run together.
type CohortSummary struct {
	TotalStudents         int     `json:"total_students"`
	AveragePercentage     float64 `json:"average_percentage"`
	HighestPercentage     float64 `json:"highest_percentage"`
	LowestPercentage      float64 `json:"lowest_percentage"`
	LowConfidenceStudents int     `json:"low_confidence_students"`
}

// EvaluationReport is the ranked view of a run's results.
type EvaluationReport struct {
	RunID       string             `json:"run_id"`
	Status      RunStatus          `json:"status"`
	Students    []StudentAggregate `json:"students"`
	Summary     CohortSummary      `json:"summary"`
	// Failures lists sheets that produced no results, so their students
	// are absent from Students.
	Failures    []SheetFailure     `json:"failures"`
	GeneratedAt time.Time          `json:"generated_at"`
}
