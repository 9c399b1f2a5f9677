package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-1.5-flash"

// blankMarker is what the model is told to answer for an empty box.
const blankMarker = "<blank>"

// unknownConfidence is used when the model returns text without a
// confidence line.
const unknownConfidence = 50.0

var ErrEmptyResponse = errors.New("gemini returned no text content")

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Engine transcribes handwriting with a Gemini vision model.
type Engine struct {
	client *genai.Client
	model  generator
}

// New connects to Gemini with apiKey. An empty model name selects
// DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not set")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}
	m := client.GenerativeModel(model)
	m.SetTemperature(0)
	return &Engine{client: client, model: m}, nil
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *Engine) Name() string { return "gemini" }

func (e *Engine) Recognize(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	resp, err := e.model.GenerateContent(ctx, genai.ImageData("png", in.Image), genai.Text(prompt(in.Languages)))
	if err != nil {
		return extraction.Output{}, fmt.Errorf("gemini api error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return extraction.Output{}, ErrEmptyResponse
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			raw.WriteString(string(txt))
		}
	}
	if raw.Len() == 0 {
		return extraction.Output{}, ErrEmptyResponse
	}

	return parseTranscription(raw.String())
}

func prompt(languages []string) string {
	var b strings.Builder
	b.WriteString("The image is one answer box cropped from a scanned, handwritten exam answer sheet.\n")
	b.WriteString("Transcribe exactly what the student wrote. Do not correct spelling and do not add words.\n")
	if len(languages) > 0 {
		fmt.Fprintf(&b, "The answer is written in: %s.\n", strings.Join(languages, ", "))
	}
	fmt.Fprintf(&b, "If the box is empty or illegible, write %s as the text.\n\n", blankMarker)
	b.WriteString("Format your response strictly as:\n")
	b.WriteString("Text: [the transcription on one line]\n")
	b.WriteString("Confidence: [a number from 0 to 100]\n")
	return b.String()
}

// parseTranscription reads the "Text:" and "Confidence:" lines of a model
// reply.
func parseTranscription(raw string) (extraction.Output, error) {
	const (
		textPrefix       = "text:"
		confidencePrefix = "confidence:"
	)

	var (
		text, confidence string
		haveText         bool
	)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case !haveText && strings.HasPrefix(lower, textPrefix):
			text = strings.TrimSpace(line[len(textPrefix):])
			haveText = true
		case strings.HasPrefix(lower, confidencePrefix):
			confidence = strings.TrimSpace(line[len(confidencePrefix):])
		}
	}
	if !haveText {
		return extraction.Output{}, fmt.Errorf("response does not contain 'Text:' prefix. Raw: %s", raw)
	}

	text = strings.Trim(text, "\"`")
	if strings.EqualFold(text, blankMarker) || text == "" {
		return extraction.Output{}, nil
	}

	out := extraction.Output{Text: text, Confidence: unknownConfidence}
	if confidence != "" {
		fields := strings.Fields(strings.TrimSuffix(confidence, "%"))
		if len(fields) > 0 {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64); err == nil {
				out.Confidence = max(0, min(100, v))
			}
		}
	}
	return out, nil
}
