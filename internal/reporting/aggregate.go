package reporting

import (
	"math"
	"sort"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
)

// Aggregate groups results by student and ranks the totals by percentage
// descending, ties broken by student id ascending. An empty input yields an
// empty slice.
func Aggregate(results []models.EvaluationResult) []models.StudentAggregate {
	byStudent := make(map[string]*models.StudentAggregate)
	for _, r := range results {
		agg, ok := byStudent[r.StudentID]
		if !ok {
			agg = &models.StudentAggregate{StudentID: r.StudentID}
			byStudent[r.StudentID] = agg
		}
		agg.TotalScore += r.Score
		agg.TotalQuestions++
		if r.LowConfidenceAlignment {
			agg.LowConfidence = true
		}
	}

	out := make([]models.StudentAggregate, 0, len(byStudent))
	for _, agg := range byStudent {
		agg.Percentage = Percentage(agg.TotalScore, agg.TotalQuestions)
		agg.Band = models.BandFor(agg.Percentage)
		out = append(out, *agg)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Percentage != out[j].Percentage {
			return out[i].Percentage > out[j].Percentage
		}
		return out[i].StudentID < out[j].StudentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Percentage is score/questions×100, or 0 when there are no questions.
func Percentage(score, questions int) float64 {
	if questions <= 0 {
		return 0
	}
	return float64(score) / float64(questions) * 100
}

// Summarize computes cohort statistics over ranked aggregates.
func Summarize(aggregates []models.StudentAggregate) models.CohortSummary {
	summary := models.CohortSummary{TotalStudents: len(aggregates)}
	if len(aggregates) == 0 {
		return summary
	}

	var total float64
	summary.HighestPercentage = math.Inf(-1)
	summary.LowestPercentage = math.Inf(1)
	for _, a := range aggregates {
		total += a.Percentage
		summary.HighestPercentage = math.Max(summary.HighestPercentage, a.Percentage)
		summary.LowestPercentage = math.Min(summary.LowestPercentage, a.Percentage)
		if a.LowConfidence {
			summary.LowConfidenceStudents++
		}
	}
	summary.AveragePercentage = total / float64(len(aggregates))
	return summary
}

// SortResults orders results by student id, then question number.
func SortResults(results []models.EvaluationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].StudentID != results[j].StudentID {
			return results[i].StudentID < results[j].StudentID
		}
		return results[i].QuestionNumber < results[j].QuestionNumber
	})
}
