/**
 * Frame Processor for the datescan worker
 *
 * Runs one recognition event end to end:
 * - OCR (only when the frame arrives as an image)
 * - token extraction in reading order
 * - heuristic date scan
 * - publish to the latest-date slot
 */

package processor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/datescan-worker/internal/datescan"
	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

// FrameProcessorInterface defines the interface for frame processing
type FrameProcessorInterface interface {
	ProcessFrame(ctx context.Context, req *FrameRequest) (*FrameResult, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Slot              *viewstate.DateSlot
	Recognizer        ocr.Recognizer   // Optional: without it only pre-recognized frames are accepted
	Parser            *datescan.Parser // Optional: defaults to datescan.NewParser()
	MaxImageSize      int64
	ProcessingTimeout time.Duration // Per-frame limit; zero leaves the caller's deadline alone
	PublishEmpty      bool          // Publish frames without a date, overwriting the last good one
	Logger            *logging.Logger
}

// FrameRequest represents one recognition event. Exactly one of
// Recognized, Tokens or Image is used, in that order of preference.
type FrameRequest struct {
	FrameID    string
	Source     string
	MimeType   string
	Image      []byte
	Recognized *ocr.RecognizedText
	Tokens     []string
	Metadata   map[string]interface{}
}

// FrameResult represents the processing result
type FrameResult struct {
	FrameID          string                 `json:"frameId"`
	Source           string                 `json:"source,omitempty"`
	Tokens           []string               `json:"tokens"`
	Date             datescan.ParsedDate    `json:"date"`
	Value            string                 `json:"value"`
	Found            bool                   `json:"found"`
	Partial          bool                   `json:"partial"`
	Published        bool                   `json:"published"`
	Seq              uint64                 `json:"seq,omitempty"`
	Engine           string                 `json:"engine"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// FrameProcessor handles frame processing
type FrameProcessor struct {
	config     *ProcessorConfig
	slot       *viewstate.DateSlot
	recognizer ocr.Recognizer
	parser     *datescan.Parser
	logger     *logging.Logger
}

// NewFrameProcessor creates a new frame processor
func NewFrameProcessor(cfg *ProcessorConfig) (*FrameProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Slot == nil {
		return nil, fmt.Errorf("date slot is required")
	}

	parser := cfg.Parser
	if parser == nil {
		parser = datescan.NewParser()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("processor")
	}

	if cfg.Recognizer == nil {
		logger.Warn("No OCR recognizer configured; image frames will be rejected")
	}

	return &FrameProcessor{
		config:     cfg,
		slot:       cfg.Slot,
		recognizer: cfg.Recognizer,
		parser:     parser,
		logger:     logger,
	}, nil
}

// ProcessFrame processes a frame through the complete pipeline
func (p *FrameProcessor) ProcessFrame(ctx context.Context, req *FrameRequest) (*FrameResult, error) {
	if req == nil {
		return nil, errors.NewInvalidPayloadError("", "request is required", nil)
	}
	startTime := time.Now()

	if req.FrameID == "" {
		req.FrameID = uuid.New().String()
	}

	// timeout is the limit reported when the frame runs out of time: the
	// configured one, or the caller's remaining budget when that is shorter
	timeout := p.config.ProcessingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if budget := deadline.Sub(startTime); timeout <= 0 || budget < timeout {
			timeout = budget
		}
		if timeout < 0 {
			timeout = 0
		}
	}
	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	tokens, engine, err := p.tokensFor(ctx, req, timeout)
	if err != nil {
		return nil, err
	}

	date := p.parser.Parse(tokens)

	result := &FrameResult{
		FrameID:  req.FrameID,
		Source:   req.Source,
		Tokens:   tokens,
		Date:     date,
		Value:    date.String(),
		Found:    date.Found(),
		Partial:  date.Partial(),
		Engine:   engine,
		Metadata: req.Metadata,
	}

	if date.Found() || p.config.PublishEmpty {
		update := p.slot.Publish(date)
		result.Published = true
		result.Seq = update.Seq
	}
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	if date.Found() {
		p.logger.Info("Date found",
			"frameId", req.FrameID, "source", req.Source, "date", result.Value,
			"partial", result.Partial, "tokens", len(tokens), "engine", engine)
	} else {
		p.logger.Debug("No date in frame",
			"frameId", req.FrameID, "source", req.Source, "tokens", len(tokens), "published", result.Published)
	}

	return result, nil
}

// tokensFor resolves the request to a token sequence, running OCR when
// the frame is an image
func (p *FrameProcessor) tokensFor(ctx context.Context, req *FrameRequest, timeout time.Duration) ([]string, string, error) {
	switch {
	case req.Recognized != nil:
		return ocr.ExtractTokensLogged(req.Recognized, p.logger), "external", nil

	case req.Tokens != nil:
		return append([]string(nil), req.Tokens...), "tokens", nil

	case len(req.Image) > 0:
		text, engine, err := p.recognize(ctx, req, timeout)
		if err != nil {
			return nil, engine, err
		}
		return ocr.ExtractTokensLogged(text, p.logger), engine, nil
	}

	return nil, "", errors.NewInvalidPayloadError(req.FrameID, "frame carries no image, recognized text or tokens", nil)
}

// recognize runs OCR; timeout is the frame's limit, reported on expiry
func (p *FrameProcessor) recognize(ctx context.Context, req *FrameRequest, timeout time.Duration) (*ocr.RecognizedText, string, error) {
	if p.config.MaxImageSize > 0 && int64(len(req.Image)) > p.config.MaxImageSize {
		return nil, "", errors.NewInvalidPayloadError(req.FrameID,
			fmt.Sprintf("image is %d bytes, limit is %d", len(req.Image), p.config.MaxImageSize), nil)
	}

	// Detect actual MIME type from magic bytes; clients often send
	// application/octet-stream for camera uploads
	mimeType := detectMimeTypeFromMagicBytes(req.Image)
	if mimeType == "" {
		return nil, "", errors.NewUnsupportedFormatError(req.FrameID, req.MimeType)
	}
	if req.MimeType != "" && req.MimeType != mimeType && req.MimeType != "application/octet-stream" {
		p.logger.Debug("Corrected MIME type", "frameId", req.FrameID, "from", req.MimeType, "to", mimeType)
	}
	req.MimeType = mimeType

	if p.recognizer == nil {
		return nil, "", errors.NewOCRFailedError(req.FrameID, "none", fmt.Errorf("no recognizer configured"))
	}

	engine := p.recognizer.Name()
	res, err := p.recognizer.Recognize(ctx, req.Image)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, engine, errors.NewFrameTimeoutError(req.FrameID, timeout, err)
		}
		return nil, engine, errors.NewOCRFailedError(req.FrameID, engine, err)
	}
	if res == nil {
		return nil, engine, nil
	}
	if res.Engine != "" {
		engine = res.Engine
	}
	p.logger.Debug("OCR complete",
		"frameId", req.FrameID, "engine", engine, "elements", res.Text.ElementCount(), "duration", res.Duration)
	return res.Text, engine, nil
}

// Close releases the recognizer
func (p *FrameProcessor) Close() error {
	if p.recognizer != nil {
		return p.recognizer.Close()
	}
	return nil
}

// detectMimeTypeFromMagicBytes detects the image MIME type from content
// magic bytes. Returns "" for anything the OCR engine cannot read.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}

// IsImageFilename reports whether a file name has an extension the OCR
// engine can read
func IsImageFilename(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".tif", ".tiff", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
