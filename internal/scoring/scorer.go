package scoring

import (
	"strings"
	"unicode/utf8"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
)

const DefaultThreshold = 80.0

// Match is the outcome of comparing one extracted answer with its reference.
type Match struct {
	Similarity float64             `json:"similarity"`
	IsCorrect  bool                `json:"is_correct"`
	Score      int                 `json:"score"`
	Reason     models.ResultReason `json:"reason"`
}

// Scorer decides correctness by thresholding Similarity. The zero value uses
// DefaultThreshold.
type Scorer struct {
	Threshold float64
}

// NewScorer returns a scorer for threshold, falling back to DefaultThreshold
// when threshold is outside (0, 100].
func NewScorer(threshold float64) Scorer {
	if !ValidThreshold(threshold) {
		threshold = DefaultThreshold
	}
	return Scorer{Threshold: threshold}
}

// ValidThreshold reports whether threshold is usable.
func ValidThreshold(threshold float64) bool {
	return threshold > 0 && threshold <= 100
}

// Score compares extracted against reference. It has no side effects.
func (s Scorer) Score(extracted, reference string) Match {
	threshold := s.Threshold
	if !ValidThreshold(threshold) {
		threshold = DefaultThreshold
	}

	ne := Normalize(extracted)
	if ne == "" {
		return Match{Reason: models.ReasonEmptyExtraction}
	}

	sim := similarityNormalized(ne, Normalize(reference))
	if sim >= threshold {
		return Match{Similarity: sim, IsCorrect: true, Score: 1, Reason: models.ReasonMatch}
	}
	return Match{Similarity: sim, Reason: models.ReasonMismatch}
}

// Similarity returns a symmetric score in [0, 100] for two answers after
// normalization. Empty answers never match; containment of one answer in the
// other scores 100; otherwise the score is the edit-distance ratio.
func Similarity(a, b string) float64 {
	return similarityNormalized(Normalize(a), Normalize(b))
}

func similarityNormalized(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
		return 100
	}

	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return 100 * (1 - float64(Levenshtein(a, b))/float64(maxLen))
}

// Levenshtein returns the rune-level edit distance between a and b with unit
// costs for insertion, deletion and substitution.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
