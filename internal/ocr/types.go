/**
 * OCR Types - Shared data structures for recognition results
 *
 * Recognized text is nested as blocks -> lines -> elements, in reading
 * order. Engines produce it, the token extractor consumes it.
 */

package ocr

import (
	"context"
	"time"
)

// RecognizedText represents one recognition result for a single frame
type RecognizedText struct {
	Blocks []Block `json:"blocks"`
}

// Block represents a paragraph-level region of text
type Block struct {
	Lines       []Line      `json:"lines"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// Line represents a single line of text within a block
type Line struct {
	Elements    []Element   `json:"elements"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// Element represents a single recognized word
type Element struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence,omitempty"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ElementCount returns the total number of elements across all blocks
func (t *RecognizedText) ElementCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, b := range t.Blocks {
		for _, l := range b.Lines {
			n += len(l.Elements)
		}
	}
	return n
}

// Result wraps a recognition result with engine bookkeeping
type Result struct {
	Text     *RecognizedText
	Engine   string // Which engine produced the result
	Duration time.Duration
}

// Recognizer turns an encoded image into recognized text
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (*Result, error)
	Close() error
}
