// Package vision defines the model-service interfaces the background
// workers depend on. The concrete clients (managed OCR APIs, hosted vision
// models) live outside the engine; flows and tasks program against these
// interfaces and tests inject fakes.
package vision

import "context"

// FieldGuess is one extracted field with the model's confidence.
type FieldGuess struct {
	Value      string
	Confidence float64
}

// OCRResult is the structured output of an OCR pass over a document or
// equipment plate photo.
type OCRResult struct {
	// Fields maps field names (serial, brand, model) to extracted guesses.
	Fields map[string]FieldGuess

	// RawText is the full recognized text, kept for manual review.
	RawText string
}

// OCRClient extracts structured fields from an image.
type OCRClient interface {
	ExtractFields(ctx context.Context, image []byte, mimeType string) (*OCRResult, error)
}

// Label is one detected object or scene class.
type Label struct {
	Name       string
	Confidence float64
}

// Analysis is the output of a general vision pass over an image.
type Analysis struct {
	Labels      []Label
	Description string
}

// VisionClient runs scene analysis over an image (damage assessment,
// equipment identification).
type VisionClient interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (*Analysis, error)
}
