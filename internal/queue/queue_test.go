package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/datescan-worker/internal/datescan"
	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithWriter("test", io.Discard, logging.LevelDebug)
}

func TestJobPayloadUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantImage  []byte
		wantTokens []string
		wantText   bool
		wantErr    bool
	}{
		{
			name:      "base64 image",
			input:     `{"frameId":"f1","imageBuffer":"iVBORw=="}`,
			wantImage: []byte{0x89, 0x50, 0x4E, 0x47},
		},
		{
			name:      "node buffer image",
			input:     `{"frameId":"f1","imageBuffer":{"type":"Buffer","data":[255,216,255]}}`,
			wantImage: []byte{0xFF, 0xD8, 0xFF},
		},
		{
			name:       "tokens",
			input:      `{"tokens":["2020","JA","15"]}`,
			wantTokens: []string{"2020", "JA", "15"},
		},
		{
			name:       "empty tokens stay non-nil",
			input:      `{"tokens":[]}`,
			wantTokens: []string{},
		},
		{
			name:     "recognized text",
			input:    `{"recognized":{"blocks":[{"lines":[{"elements":[{"text":"2020"}]}]}]}}`,
			wantText: true,
		},
		{name: "bad base64", input: `{"imageBuffer":"***"}`, wantErr: true},
		{name: "buffer without type", input: `{"imageBuffer":{"data":[1]}}`, wantErr: true},
		{name: "buffer without data", input: `{"imageBuffer":{"type":"Buffer"}}`, wantErr: true},
		{name: "buffer byte out of range", input: `{"imageBuffer":{"type":"Buffer","data":[256]}}`, wantErr: true},
		{name: "number buffer", input: `{"imageBuffer":42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tt.input), &p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(p.ImageBuffer, tt.wantImage) {
				t.Errorf("ImageBuffer = %v, want %v", p.ImageBuffer, tt.wantImage)
			}
			if !reflect.DeepEqual(p.Tokens, tt.wantTokens) {
				t.Errorf("Tokens = %#v, want %#v", p.Tokens, tt.wantTokens)
			}
			if (p.Recognized != nil) != tt.wantText {
				t.Errorf("Recognized = %v, want present=%v", p.Recognized, tt.wantText)
			}
		})
	}
}

func TestJobPayloadMarshalUsesBase64(t *testing.T) {
	in := &JobPayload{FrameID: "f1", ImageBuffer: []byte{1, 2, 3}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("raw decode: %v", err)
	}
	if raw["imageBuffer"] != "AQID" {
		t.Fatalf("imageBuffer = %v, want base64", raw["imageBuffer"])
	}

	var out JobPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.FrameID != "f1" || !reflect.DeepEqual(out.ImageBuffer, in.ImageBuffer) {
		t.Fatalf("decoded %+v", out)
	}
}

func TestToFrameRequest(t *testing.T) {
	p := &JobPayload{FrameID: "f1", Tokens: []string{"2020"}}
	if req := p.ToFrameRequest("redis"); req.Source != "redis" || req.FrameID != "f1" {
		t.Fatalf("unexpected request %+v", req)
	}
	p.Source = "camera-2"
	if req := p.ToFrameRequest("redis"); req.Source != "camera-2" {
		t.Fatalf("payload source should win, got %q", req.Source)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.NewInvalidPayloadError("f", "bad", nil), false},
		{errors.NewUnsupportedFormatError("f", "application/pdf"), false},
		{errors.NewOCRFailedError("f", "tesseract", stderrors.New("x")), true},
		{errors.NewFrameTimeoutError("f", time.Second, nil), true},
		{stderrors.New("plain"), true},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFailureDetails(t *testing.T) {
	d := failureDetails(errors.NewOCRFailedError("f1", "tesseract", nil), 3)
	if d["error_code"] != "OCR_FAILED" || d["attempts"] != 3 || d["frame_id"] != "f1" {
		t.Fatalf("unexpected details %v", d)
	}
	d = failureDetails(stderrors.New("boom"), 1)
	if d["error"] != "boom" || d["attempts"] != 1 {
		t.Fatalf("unexpected details %v", d)
	}
}

func TestTimeoutFor(t *testing.T) {
	if got := timeoutFor(0); got != defaultProcessingTimeout {
		t.Fatalf("timeoutFor(0) = %v", got)
	}
	if got := timeoutFor(1500); got != 1500*time.Millisecond {
		t.Fatalf("timeoutFor(1500) = %v", got)
	}
}

func TestJobEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := jobEvent("j1", "completed", at)
	if ev["event"] != "job:completed" || ev["jobId"] != "j1" || ev["timestamp"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected event %v", ev)
	}
}

type fakeProcessor struct {
	mu   sync.Mutex
	reqs []*processor.FrameRequest
	err  error
}

func (f *fakeProcessor) ProcessFrame(ctx context.Context, req *processor.FrameRequest) (*processor.FrameResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, stderrors.New("expected a frame deadline")
	}
	date := datescan.Parse(req.Tokens)
	return &processor.FrameResult{FrameID: req.FrameID, Date: date, Found: date.Found()}, nil
}

func TestHandleProcessFrame(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		procErr       error
		wantErr       bool
		wantSkipRetry bool
	}{
		{name: "tokens", payload: `{"frameId":"f1","tokens":["2020","JA","15"]}`},
		{name: "malformed", payload: `{"tokens":`, wantErr: true, wantSkipRetry: true},
		{
			name:          "permanent failure",
			payload:       `{"frameId":"f2","imageBuffer":"JVBERg=="}`,
			procErr:       errors.NewUnsupportedFormatError("f2", ""),
			wantErr:       true,
			wantSkipRetry: true,
		},
		{
			name:    "transient failure",
			payload: `{"frameId":"f3","imageBuffer":"iVBORw=="}`,
			procErr: errors.NewOCRFailedError("f3", "tesseract", stderrors.New("crash")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakeProcessor{err: tt.procErr}
			c := &Consumer{processor: fp, config: &ConsumerConfig{ProcessingTimeout: 1000}, logger: quietLogger()}

			err := c.handleProcessFrame(context.Background(), asynq.NewTask(TaskProcessFrame, []byte(tt.payload)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("handleProcessFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := stderrors.Is(err, asynq.SkipRetry); got != tt.wantSkipRetry {
				t.Fatalf("SkipRetry = %v, want %v (%v)", got, tt.wantSkipRetry, err)
			}
			if !tt.wantSkipRetry || tt.procErr != nil {
				if len(fp.reqs) != 1 || fp.reqs[0].Source != "asynq" {
					t.Fatalf("processor requests = %+v", fp.reqs)
				}
			}
		})
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	channel  string
	messages []viewstate.Snapshot
	err      error
	got      chan struct{}
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	f.channel = channel
	var msg viewstate.Snapshot
	if data, ok := message.([]byte); ok {
		json.Unmarshal(data, &msg)
	}
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	f.got <- struct{}{}
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	cmd.SetVal(1)
	return cmd
}

func TestDateMirrorPublishes(t *testing.T) {
	slot := viewstate.NewDateSlot()
	pub := &fakePublisher{got: make(chan struct{}, 4)}
	m := NewDateMirror(pub, "datescan:frames:dates", slot, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	slot.Publish(datescan.Parse([]string{"2020", "ZZ", "02"}))
	select {
	case <-pub.got:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not publish")
	}
	cancel()
	m.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.channel != "datescan:frames:dates" {
		t.Fatalf("channel = %q", pub.channel)
	}
	msg := pub.messages[0]
	if msg.Value != "2020-??-02" || !msg.Found || !msg.Partial || msg.Seq != 1 || msg.MonthCode != "ZZ" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestDateMirrorPublishError(t *testing.T) {
	pub := &fakePublisher{got: make(chan struct{}, 1), err: stderrors.New("connection refused")}
	m := NewDateMirror(pub, "dates", viewstate.NewDateSlot(), quietLogger())

	err := m.publish(context.Background(), viewstate.Update{Seq: 1})
	if errors.CodeOf(err) != errors.ErrorPublishFailed {
		t.Fatalf("expected publish failure, got %v", err)
	}
}
