package reporting

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
)

var (
	AggregateHeader = []string{"Student ID", "Total Score", "Total Questions", "Percentage"}
	ResultsHeader   = []string{
		"Student ID", "Question No", "Extracted Answer", "Correct Answer",
		"Score", "Is Correct", "Similarity", "Reason", "Low Confidence Alignment",
	}
)

var ErrHeaderMismatch = errors.New("unexpected CSV header")

// WriteAggregateCSV writes ranked aggregates with the percentage at two
// decimal places.
func WriteAggregateCSV(w io.Writer, aggregates []models.StudentAggregate) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(AggregateHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, a := range aggregates {
		row := []string{
			a.StudentID,
			strconv.Itoa(a.TotalScore),
			strconv.Itoa(a.TotalQuestions),
			strconv.FormatFloat(a.Percentage, 'f', 2, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// ParseAggregateCSV reads what WriteAggregateCSV wrote. Percentages are
// recomputed from the totals and rows are re-ranked.
func ParseAggregateCSV(r io.Reader) ([]models.StudentAggregate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(AggregateHeader)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", ErrHeaderMismatch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, h := range AggregateHeader {
		if strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")) != h {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i+1, header[i], h)
		}
	}

	out := []models.StudentAggregate{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		score, err := strconv.Atoi(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid total score %q", line, record[1])
		}
		questions, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil || questions < 0 {
			return nil, fmt.Errorf("line %d: invalid total questions %q", line, record[2])
		}

		pct := Percentage(score, questions)
		out = append(out, models.StudentAggregate{
			Rank:           len(out) + 1,
			StudentID:      record[0],
			TotalScore:     score,
			TotalQuestions: questions,
			Percentage:     pct,
			Band:           models.BandFor(pct),
		})
	}
	return out, nil
}

// WriteResultsCSV writes one row per (student, question) result.
func WriteResultsCSV(w io.Writer, results []models.EvaluationResult) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ResultsHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range results {
		if err := writer.Write(resultRow(r)); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func resultRow(r models.EvaluationResult) []string {
	return []string{
		r.StudentID,
		models.QuestionLabel(r.QuestionNumber),
		r.ExtractedAnswer,
		r.CorrectAnswer,
		strconv.Itoa(r.Score),
		strconv.FormatBool(r.IsCorrect),
		strconv.FormatFloat(r.Similarity, 'f', 2, 64),
		string(r.Reason),
		strconv.FormatBool(r.LowConfidenceAlignment),
	}
}
