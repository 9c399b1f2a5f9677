package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	parts []genai.Part
}

func (f *fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	return f.resp, f.err
}

func reply(texts ...string) *genai.GenerateContentResponse {
	parts := make([]genai.Part, len(texts))
	for i, t := range texts {
		parts[i] = genai.Text(t)
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

func TestParseTranscription(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		text       string
		confidence float64
		wantErr    bool
	}{
		{name: "well formed", raw: "Text: Photosyntheis\nConfidence: 82", text: "Photosyntheis", confidence: 82},
		{name: "lower case keys", raw: "text: Delhi\nconfidence: 91.5%", text: "Delhi", confidence: 91.5},
		{name: "quoted text", raw: "Text: \"Delhi\"\nConfidence: 70", text: "Delhi", confidence: 70},
		{name: "missing confidence", raw: "Text: Delhi", text: "Delhi", confidence: unknownConfidence},
		{name: "confidence clamped", raw: "Text: Delhi\nConfidence: 140", text: "Delhi", confidence: 100},
		{name: "blank marker", raw: "Text: <blank>\nConfidence: 95", text: "", confidence: 0},
		{name: "preamble ignored", raw: "Sure!\nText: Paris\nConfidence: 60\n", text: "Paris", confidence: 60},
		{name: "no text line", raw: "I cannot read this", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := parseTranscription(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.text, out.Text)
			assert.Equal(t, tt.confidence, out.Confidence)
		})
	}
}

func TestRecognizeSendsImageAndPrompt(t *testing.T) {
	gen := &fakeGenerator{resp: reply("Text: Delhi\n", "Confidence: 88")}
	engine := &Engine{model: gen}

	out, err := engine.Recognize(context.Background(), extraction.Input{
		Image:     []byte{0x89, 'P', 'N', 'G'},
		Languages: []string{"eng"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Delhi", out.Text)
	assert.Equal(t, 88.0, out.Confidence)

	require.Len(t, gen.parts, 2)
	blob, ok := gen.parts[0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.MIMEType)
	text, ok := gen.parts[1].(genai.Text)
	require.True(t, ok)
	assert.Contains(t, string(text), "eng")
}

func TestRecognizeErrors(t *testing.T) {
	engine := &Engine{model: &fakeGenerator{err: errors.New("quota exceeded")}}
	_, err := engine.Recognize(context.Background(), extraction.Input{})
	assert.Error(t, err)

	engine = &Engine{model: &fakeGenerator{resp: &genai.GenerateContentResponse{}}}
	_, err = engine.Recognize(context.Background(), extraction.Input{})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	assert.NoError(t, engine.Close())
}
