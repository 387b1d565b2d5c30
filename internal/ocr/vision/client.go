/**
 * Vision OCR Client - remote recognizer backed by the MageAgent vision
 * endpoint
 *
 * MageAgent picks the vision model; this client only ships the frame and
 * turns the returned plain text back into blocks, lines and elements.
 */

package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
)

// ExtractTextRequest represents a request to extract text from an image
type ExtractTextRequest struct {
	Image          string                 `json:"image"`          // Base64 encoded image
	Format         string                 `json:"format"`         // "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"` // false favours latency
	Language       string                 `json:"language"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ExtractTextResponse represents a synchronous response from the vision endpoint
type ExtractTextResponse struct {
	Success bool            `json:"success"`
	Data    ExtractTextData `json:"data"`
	Message string          `json:"message"`
}

// ExtractTextData contains the extracted text and metadata
type ExtractTextData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// Config holds vision client configuration
type Config struct {
	BaseURL        string
	Language       string
	PreferAccuracy bool
	Timeout        time.Duration
	Logger         *logging.Logger
}

// Client handles communication with the vision OCR service
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a new vision OCR client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("vision OCR base URL is required")
	}
	c := *cfg
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.NewLogger("vision")
	}
	return &Client{
		config:     c,
		httpClient: &http.Client{Timeout: c.Timeout},
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "vision" }

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Recognize sends an encoded image to the vision endpoint
func (c *Client) Recognize(ctx context.Context, image []byte) (*ocr.Result, error) {
	startTime := time.Now()

	resp, err := c.ExtractText(ctx, &ExtractTextRequest{
		Image:          base64.StdEncoding.EncodeToString(image),
		Format:         "base64",
		PreferAccuracy: c.config.PreferAccuracy,
		Language:       c.config.Language,
		Metadata: map[string]interface{}{
			"source":    "datescan-worker",
			"timestamp": time.Now().Unix(),
		},
	})
	if err != nil {
		return nil, err
	}

	engine := c.Name()
	if resp.Data.ModelUsed != "" {
		engine = fmt.Sprintf("%s:%s", engine, resp.Data.ModelUsed)
	}
	return &ocr.Result{
		Text:     TextToRecognized(resp.Data.Text, resp.Data.Confidence),
		Engine:   engine,
		Duration: time.Since(startTime),
	}, nil
}

// ExtractText calls the vision endpoint
func (c *Client) ExtractText(ctx context.Context, req *ExtractTextRequest) (*ExtractTextResponse, error) {
	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.config.BaseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "datescan-worker")
	httpReq.Header.Set("X-Request-ID", "ocr-"+uuid.New().String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp ExtractTextResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !ocrResp.Success {
		return nil, fmt.Errorf("vision operation failed: %s", ocrResp.Message)
	}

	c.logger.Debug("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", ocrResp.Data.ProcessingTime,
		"textLength", len(ocrResp.Data.Text))

	return &ocrResp, nil
}

// TextToRecognized splits plain text into blocks at blank lines, lines at
// newlines and elements at whitespace. Every element carries the same
// confidence since the service reports one per response.
func TextToRecognized(text string, confidence float64) *ocr.RecognizedText {
	out := &ocr.RecognizedText{}
	var block *ocr.Block

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		words := strings.Fields(raw)
		if len(words) == 0 {
			block = nil
			continue
		}
		if block == nil {
			out.Blocks = append(out.Blocks, ocr.Block{})
			block = &out.Blocks[len(out.Blocks)-1]
		}
		line := ocr.Line{Elements: make([]ocr.Element, 0, len(words))}
		for _, w := range words {
			line.Elements = append(line.Elements, ocr.Element{Text: w, Confidence: confidence})
		}
		block.Lines = append(block.Lines, line)
	}
	return out
}
