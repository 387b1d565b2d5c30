/**
 * Tesseract OCR - local recognizer for still images and frames
 *
 * Word boxes reported by Tesseract are regrouped into the
 * block -> line -> element structure the token extractor expects.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/datescan-worker/internal/ocr"
)

// Config holds Tesseract configuration
type Config struct {
	Languages []string
	// MinHeight upscales frames shorter than this many pixels before
	// recognition. Zero disables resizing.
	MinHeight int
	// Grayscale converts frames to grayscale before recognition.
	Grayscale bool
}

// Engine handles OCR using Tesseract
type Engine struct {
	config        Config
	clientFactory func() *gosseract.Client
}

// NewEngine creates a new Tesseract engine
func NewEngine(cfg *Config) *Engine {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"eng"}
	}
	return &Engine{
		config:        c,
		clientFactory: gosseract.NewClient,
	}
}

func (e *Engine) Name() string { return "tesseract" }

// Close is a no-op; a client is created per recognition
func (e *Engine) Close() error { return nil }

// Recognize performs OCR on an encoded image
func (e *Engine) Recognize(ctx context.Context, data []byte) (*ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	prepared, err := e.prepare(data)
	if err != nil {
		return nil, err
	}

	client := e.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(e.config.Languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetImageFromBytes(prepared); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return &ocr.Result{
		Text:     groupBoxes(boxes),
		Engine:   e.Name(),
		Duration: time.Since(startTime),
	}, nil
}

// prepare applies the configured grayscale/upscale steps and re-encodes
// the frame as PNG. Frames are passed through untouched when no step is
// configured.
func (e *Engine) prepare(data []byte) ([]byte, error) {
	if !e.config.Grayscale && e.config.MinHeight <= 0 {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	var out image.Image = img
	if e.config.Grayscale {
		out = imaging.Grayscale(out)
	}
	if e.config.MinHeight > 0 && out.Bounds().Dy() < e.config.MinHeight {
		out = imaging.Resize(out, 0, e.config.MinHeight, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// groupBoxes folds word boxes (in Tesseract's reading order) into blocks
// and lines. A paragraph change starts a new block.
func groupBoxes(boxes []gosseract.BoundingBox) *ocr.RecognizedText {
	text := &ocr.RecognizedText{}
	type lineKey struct{ block, par, line int }
	var last *lineKey

	for _, b := range boxes {
		key := lineKey{b.BlockNum, b.ParNum, b.LineNum}
		if last == nil || key.block != last.block || key.par != last.par {
			text.Blocks = append(text.Blocks, ocr.Block{})
		}
		block := &text.Blocks[len(text.Blocks)-1]
		if last == nil || key != *last {
			block.Lines = append(block.Lines, ocr.Line{})
		}
		line := &block.Lines[len(block.Lines)-1]

		box := toBoundingBox(b.Box)
		line.Elements = append(line.Elements, ocr.Element{
			Text:        b.Word,
			Confidence:  b.Confidence / 100.0,
			BoundingBox: box,
		})
		line.BoundingBox = union(line.BoundingBox, box, len(line.Elements) == 1)
		block.BoundingBox = union(block.BoundingBox, box, len(block.Lines) == 1 && len(line.Elements) == 1)

		k := key
		last = &k
	}
	return text
}

func toBoundingBox(r image.Rectangle) ocr.BoundingBox {
	return ocr.BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

func union(a, b ocr.BoundingBox, first bool) ocr.BoundingBox {
	if first {
		return b
	}
	ra := image.Rect(a.X, a.Y, a.X+a.Width, a.Y+a.Height)
	rb := image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
	return toBoundingBox(ra.Union(rb))
}
