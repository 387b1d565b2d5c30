package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
)

// TaskProcessFrame is the asynq task type for frame jobs
const TaskProcessFrame = "process-frame"

// JobPayload contains one recognition event. Producers send either
// recognized text, a token list, or an encoded image.
type JobPayload struct {
	FrameID     string                 `json:"frameId"`
	Source      string                 `json:"source,omitempty"`
	MimeType    string                 `json:"mimeType,omitempty"`
	Recognized  *ocr.RecognizedText    `json:"recognized,omitempty"`
	Tokens      []string               `json:"tokens"`
	ImageBuffer []byte                 `json:"-"` // Set by custom UnmarshalJSON
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON handles the imageBuffer field, which arrives either as a
// base64 string or as a serialized Node.js Buffer object
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.ImageBuffer == nil {
		return nil
	}

	switch v := aux.ImageBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes imageBuffer as base64 so payloads round-trip
// through UnmarshalJSON
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		ImageBuffer string `json:"imageBuffer,omitempty"`
		Alias
	}{
		Alias: Alias(p),
	}
	if len(p.ImageBuffer) > 0 {
		aux.ImageBuffer = base64.StdEncoding.EncodeToString(p.ImageBuffer)
	}
	return json.Marshal(aux)
}

// ToFrameRequest converts the payload to processor format
func (p *JobPayload) ToFrameRequest(defaultSource string) *processor.FrameRequest {
	source := p.Source
	if source == "" {
		source = defaultSource
	}
	return &processor.FrameRequest{
		FrameID:    p.FrameID,
		Source:     source,
		MimeType:   p.MimeType,
		Image:      p.ImageBuffer,
		Recognized: p.Recognized,
		Tokens:     p.Tokens,
		Metadata:   p.Metadata,
	}
}
