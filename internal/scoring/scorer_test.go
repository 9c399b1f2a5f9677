package scoring

import (
	"testing"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Delhi", "delhi"},
		{"  Mahatma   Gandhi!! ", "mahatma gandhi"},
		{"Photo-synthesis.", "photosynthesis"},
		{"H2O\t(water)", "h2o water"},
		{"ﬁre", "fire"},
		{"Café  au lait", "café au lait"},
		{"...", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"Mahatma  Gandhi", "ΟΔΟΣ, Σ!", "Straße 12", "  x  y  ", "İstanbul", "ﬁre-fly"}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, Levenshtein("", ""))
	assert.Equal(t, 3, Levenshtein("abc", ""))
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 1, Levenshtein("photosyntheis", "photosynthesis"))
	assert.Equal(t, 1, Levenshtein("café", "cafe"))
}

func TestSimilarity(t *testing.T) {
	t.Run("identical non-empty", func(t *testing.T) {
		for _, s := range []string{"a", "Delhi", "mahatma gandhi"} {
			assert.Equal(t, 100.0, Similarity(s, s))
		}
	})

	t.Run("substring scores 100", func(t *testing.T) {
		assert.Equal(t, 100.0, Similarity("Gandhi", "Mahatma Gandhi"))
		assert.Equal(t, 100.0, Similarity("Mahatma Gandhi", "gandhi"))
	})

	t.Run("empty never matches", func(t *testing.T) {
		assert.Equal(t, 0.0, Similarity("", ""))
		assert.Equal(t, 0.0, Similarity("", "Delhi"))
		assert.Equal(t, 0.0, Similarity("?!", "Delhi"))
	})

	t.Run("edit distance ratio", func(t *testing.T) {
		assert.InDelta(t, 100*(1-1.0/14), Similarity("Photosyntheis", "Photosynthesis"), 1e-9)
		assert.InDelta(t, 100*(1-3.0/7), Similarity("kitten", "sitting"), 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		pairs := [][2]string{{"kitten", "sitting"}, {"Delhi", "Dehli"}, {"", "x"}, {"Gandhi", "Mahatma Gandhi"}}
		for _, p := range pairs {
			assert.Equal(t, Similarity(p[0], p[1]), Similarity(p[1], p[0]))
		}
	})
}

func TestScorerScore(t *testing.T) {
	scorer := NewScorer(DefaultThreshold)

	tests := []struct {
		name      string
		extracted string
		reference string
		correct   bool
		reason    models.ResultReason
	}{
		{"exact", "Delhi", "Delhi", true, models.ReasonMatch},
		{"case and punctuation", "delhi.", "DELHI", true, models.ReasonMatch},
		{"substring", "Gandhi", "Mahatma Gandhi", true, models.ReasonMatch},
		{"one typo", "Photosyntheis", "Photosynthesis", true, models.ReasonMatch},
		{"different word", "Mumbai", "Delhi", false, models.ReasonMismatch},
		{"empty extraction", "", "Delhi", false, models.ReasonEmptyExtraction},
		{"punctuation only", "--", "Delhi", false, models.ReasonEmptyExtraction},
		{"both empty", "", "", false, models.ReasonEmptyExtraction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := scorer.Score(tt.extracted, tt.reference)
			assert.Equal(t, tt.correct, m.IsCorrect)
			assert.Equal(t, tt.reason, m.Reason)
			if tt.correct {
				assert.Equal(t, 1, m.Score)
				assert.GreaterOrEqual(t, m.Similarity, scorer.Threshold)
			} else {
				assert.Equal(t, 0, m.Score)
			}
		})
	}
}

func TestScorerThresholdBoundary(t *testing.T) {
	// "abcde" vs "abcdx": distance 1 over 5 runes -> 80.
	assert.True(t, Scorer{Threshold: 80}.Score("abcdx", "abcde").IsCorrect)
	assert.False(t, Scorer{Threshold: 80.01}.Score("abcdx", "abcde").IsCorrect)

	// The zero value behaves like the default.
	assert.Equal(t, NewScorer(0), Scorer{Threshold: DefaultThreshold})
	assert.True(t, Scorer{}.Score("abcdx", "abcde").IsCorrect)
}

func TestScoreIsPure(t *testing.T) {
	scorer := NewScorer(80)
	first := scorer.Score("Photosyntheis", "Photosynthesis")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, scorer.Score("Photosyntheis", "Photosynthesis"))
	}
}

func TestAnswerSheetScenario(t *testing.T) {
	key := models.AnswerKey{1: "Delhi", 2: "Mahatma Gandhi", 3: "Photosynthesis"}
	extracted := map[int]string{1: "Delhi", 2: "Gandhi", 3: "Photosyntheis"}
	scorer := NewScorer(80)

	q1 := scorer.Score(extracted[1], key[1])
	q2 := scorer.Score(extracted[2], key[2])
	q3 := scorer.Score(extracted[3], key[3])

	assert.True(t, q1.IsCorrect)
	assert.Equal(t, 100.0, q1.Similarity)
	assert.True(t, q2.IsCorrect)
	assert.Equal(t, 100.0, q2.Similarity)
	// One deletion over 14 runes: 92.857... which clears 80.
	assert.True(t, q3.IsCorrect)
	assert.InDelta(t, 92.857, q3.Similarity, 0.001)
}
