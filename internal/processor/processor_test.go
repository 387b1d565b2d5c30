package processor

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/adverant/nexus/datescan-worker/internal/datescan"
	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

type fakeRecognizer struct {
	text   *ocr.RecognizedText
	err    error
	calls  int
	closed bool
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Recognize(ctx context.Context, image []byte) (*ocr.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{Text: f.text, Engine: "fake"}, nil
}

func (f *fakeRecognizer) Close() error {
	f.closed = true
	return nil
}

func textOf(lines ...[]string) *ocr.RecognizedText {
	block := ocr.Block{}
	for _, words := range lines {
		line := ocr.Line{}
		for _, w := range words {
			line.Elements = append(line.Elements, ocr.Element{Text: w})
		}
		block.Lines = append(block.Lines, line)
	}
	return &ocr.RecognizedText{Blocks: []ocr.Block{block}}
}

func newTestProcessor(t *testing.T, rec ocr.Recognizer, publishEmpty bool) (*FrameProcessor, *viewstate.DateSlot) {
	t.Helper()
	slot := viewstate.NewDateSlot()
	p, err := NewFrameProcessor(&ProcessorConfig{
		Slot:         slot,
		Recognizer:   rec,
		MaxImageSize: 1024,
		PublishEmpty: publishEmpty,
		Logger:       logging.NewLoggerWithWriter("test", io.Discard, logging.LevelDebug),
	})
	if err != nil {
		t.Fatalf("NewFrameProcessor() error = %v", err)
	}
	return p, slot
}

func TestNewFrameProcessorRequiresSlot(t *testing.T) {
	if _, err := NewFrameProcessor(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewFrameProcessor(&ProcessorConfig{}); err == nil {
		t.Fatal("expected error for missing slot")
	}
}

func TestProcessFrameInputs(t *testing.T) {
	tests := []struct {
		name       string
		req        *FrameRequest
		wantValue  string
		wantEngine string
	}{
		{
			name:       "recognized text",
			req:        &FrameRequest{Recognized: textOf([]string{"2020", "JA"}, []string{"15", "LOT"})},
			wantValue:  "2020-01-15",
			wantEngine: "external",
		},
		{
			name:       "tokens",
			req:        &FrameRequest{Tokens: []string{"EXP", "2019", "DC", "31"}},
			wantValue:  "2019-10-31",
			wantEngine: "tokens",
		},
		{
			name:       "image",
			req:        &FrameRequest{Image: pngHeader, MimeType: "application/octet-stream"},
			wantValue:  "2021-11-09",
			wantEngine: "fake",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecognizer{text: textOf([]string{"2021", "ND", "09"})}
			p, slot := newTestProcessor(t, rec, false)

			res, err := p.ProcessFrame(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("ProcessFrame() error = %v", err)
			}
			if res.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", res.Value, tt.wantValue)
			}
			if res.Engine != tt.wantEngine {
				t.Errorf("Engine = %q, want %q", res.Engine, tt.wantEngine)
			}
			if res.FrameID == "" {
				t.Error("expected a generated frame ID")
			}
			if !res.Published || res.Seq != 1 {
				t.Errorf("expected publish with seq 1, got %v/%d", res.Published, res.Seq)
			}
			if got := slot.Current().String(); got != tt.wantValue {
				t.Errorf("slot = %q, want %q", got, tt.wantValue)
			}
		})
	}
}

func TestProcessFrameKeepsLastDateByDefault(t *testing.T) {
	p, slot := newTestProcessor(t, nil, false)
	ctx := context.Background()

	if _, err := p.ProcessFrame(ctx, &FrameRequest{Tokens: []string{"2020", "JA", "15"}}); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	res, err := p.ProcessFrame(ctx, &FrameRequest{Tokens: []string{"NO", "DATE", "HERE"}})
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if res.Found || res.Published {
		t.Fatalf("empty frame should not publish: %+v", res)
	}
	if got := slot.Current().String(); got != "2020-01-15" {
		t.Fatalf("slot = %q, want the earlier date", got)
	}
}

func TestProcessFramePublishEmpty(t *testing.T) {
	p, slot := newTestProcessor(t, nil, true)
	ctx := context.Background()

	p.ProcessFrame(ctx, &FrameRequest{Tokens: []string{"2020", "JA", "15"}})
	res, err := p.ProcessFrame(ctx, &FrameRequest{Tokens: []string{}})
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if !res.Published || res.Value != "" {
		t.Fatalf("expected empty publish, got %+v", res)
	}
	if slot.Current().Found() {
		t.Fatal("slot should hold the empty date")
	}
}

func TestProcessFramePartialDate(t *testing.T) {
	p, _ := newTestProcessor(t, nil, false)
	res, err := p.ProcessFrame(context.Background(), &FrameRequest{Tokens: []string{"2020", "ZZ", "02"}})
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if !res.Found || !res.Partial || res.Value != "2020-??-02" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Date.Month != datescan.UnknownMonth {
		t.Fatalf("Month = %q", res.Date.Month)
	}
}

func TestProcessFrameErrors(t *testing.T) {
	deadlineErr := &fakeRecognizer{err: context.DeadlineExceeded}
	failing := &fakeRecognizer{err: stderrors.New("engine crashed")}

	tests := []struct {
		name     string
		rec      ocr.Recognizer
		req      *FrameRequest
		wantCode errors.ErrorCode
	}{
		{"empty request", nil, &FrameRequest{}, errors.ErrorInvalidPayload},
		{"oversized image", &fakeRecognizer{}, &FrameRequest{Image: make([]byte, 2048)}, errors.ErrorInvalidPayload},
		{"not an image", &fakeRecognizer{}, &FrameRequest{Image: []byte("%PDF-1.7"), MimeType: "application/pdf"}, errors.ErrorUnsupportedFormat},
		{"no recognizer", nil, &FrameRequest{Image: pngHeader}, errors.ErrorOCRFailed},
		{"engine failure", failing, &FrameRequest{Image: pngHeader}, errors.ErrorOCRFailed},
		{"engine timeout", deadlineErr, &FrameRequest{Image: pngHeader}, errors.ErrorFrameTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, slot := newTestProcessor(t, tt.rec, true)
			_, err := p.ProcessFrame(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.CodeOf(err); got != tt.wantCode {
				t.Fatalf("CodeOf() = %q, want %q (%v)", got, tt.wantCode, err)
			}
			if slot.Latest().Seq != 0 {
				t.Fatal("failed frames must not publish")
			}
		})
	}
}

func TestProcessFrameTimeoutFromContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	rec := &fakeRecognizer{err: stderrors.New("interrupted")}
	p, _ := newTestProcessor(t, rec, false)
	_, err := p.ProcessFrame(ctx, &FrameRequest{Image: pngHeader})
	if errors.CodeOf(err) != errors.ErrorFrameTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

// waitingRecognizer blocks until the frame's context ends
type waitingRecognizer struct{}

func (waitingRecognizer) Name() string { return "waiting" }
func (waitingRecognizer) Close() error { return nil }

func (waitingRecognizer) Recognize(ctx context.Context, image []byte) (*ocr.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessFrameReportsConfiguredTimeout(t *testing.T) {
	p, err := NewFrameProcessor(&ProcessorConfig{
		Slot:              viewstate.NewDateSlot(),
		Recognizer:        waitingRecognizer{},
		ProcessingTimeout: 20 * time.Millisecond,
		Logger:            logging.NewLoggerWithWriter("test", io.Discard, logging.LevelError),
	})
	if err != nil {
		t.Fatalf("NewFrameProcessor() error = %v", err)
	}

	_, err = p.ProcessFrame(context.Background(), &FrameRequest{Image: pngHeader})
	var perr *errors.ProcessingError
	if !stderrors.As(err, &perr) || perr.Code != errors.ErrorFrameTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := perr.Details["timeout_duration"]; got != "20ms" {
		t.Fatalf("timeout_duration = %v, want 20ms", got)
	}
}

func TestProcessFrameReportsCallerBudget(t *testing.T) {
	p, _ := newTestProcessor(t, waitingRecognizer{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.ProcessFrame(ctx, &FrameRequest{Image: pngHeader})

	var perr *errors.ProcessingError
	if !stderrors.As(err, &perr) || perr.Code != errors.ErrorFrameTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	d, parseErr := time.ParseDuration(perr.Details["timeout_duration"].(string))
	if parseErr != nil || d <= 0 || d > 30*time.Millisecond {
		t.Fatalf("timeout_duration = %v, want within (0, 30ms]", perr.Details["timeout_duration"])
	}
}

func TestProcessFrameReturnsMetadata(t *testing.T) {
	p, _ := newTestProcessor(t, nil, false)
	meta := map[string]interface{}{"camera": "line-2"}

	result, err := p.ProcessFrame(context.Background(), &FrameRequest{Tokens: []string{"2020", "JA", "15"}, Metadata: meta})
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if result.Metadata["camera"] != "line-2" {
		t.Fatalf("Metadata = %v", result.Metadata)
	}
}

func TestClose(t *testing.T) {
	rec := &fakeRecognizer{}
	p, _ := newTestProcessor(t, rec, false)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !rec.closed {
		t.Fatal("recognizer not closed")
	}

	bare, _ := newTestProcessor(t, nil, false)
	if err := bare.Close(); err != nil {
		t.Fatalf("Close() without recognizer error = %v", err)
	}
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", pngHeader, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"gif", []byte("GIF89a...."), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"tiff", []byte{0x49, 0x49, 0x2A, 0x00, 0x08}, "image/tiff"},
		{"bmp", []byte("BM\x00\x00\x00\x00"), "image/bmp"},
		{"pdf", []byte("%PDF-1.7"), ""},
		{"short", []byte{0x89}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMimeTypeFromMagicBytes(tt.data); got != tt.want {
				t.Errorf("detectMimeTypeFromMagicBytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsImageFilename(t *testing.T) {
	for name, want := range map[string]bool{
		"frame.PNG":   true,
		"shot.jpeg":   true,
		"scan.tiff":   true,
		"notes.txt":   false,
		"archive.pdf": false,
	} {
		if got := IsImageFilename(name); got != want {
			t.Errorf("IsImageFilename(%q) = %v, want %v", name, got, want)
		}
	}
}
