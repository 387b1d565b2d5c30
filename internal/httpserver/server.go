/**
 * HTTP surface for the datescan worker
 *
 * Accepts frames (image, recognized text or tokens) and exposes the
 * latest date as JSON and as a server-sent event stream.
 */

package httpserver

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

// Config holds HTTP server configuration
type Config struct {
	Addr              string
	MaxImageSize      int64
	ProcessingTimeout time.Duration
	QueueStats        func(ctx context.Context) (map[string]int64, error) // Reported by /healthz when set
	Logger            *logging.Logger
}

// Server serves the frame and date endpoints
type Server struct {
	config     *Config
	engine     *gin.Engine
	httpServer *http.Server
	processor  processor.FrameProcessorInterface
	slot       *viewstate.DateSlot
	logger     *logging.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// NewServer creates a server and registers its routes
func NewServer(cfg *Config, proc processor.FrameProcessorInterface, slot *viewstate.DateSlot) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("http")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:    cfg,
		engine:    engine,
		processor: proc,
		slot:      slot,
		logger:    logger,
		done:      make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthHandler)

	v1 := s.engine.Group("/v1")
	v1.GET("/date", s.getDateHandler)
	v1.GET("/date/stream", s.streamDateHandler)
	v1.POST("/frames", s.postFrameHandler)
	v1.POST("/recognitions", s.postRecognitionHandler)
	v1.POST("/tokens", s.postTokensHandler)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background. Errors other than a clean shutdown are
// logged.
func (s *Server) Start() error {
	if s.config.Addr == "" {
		return fmt.Errorf("HTTP address is required")
	}
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.config.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Shutdown ends open date streams and stops the server, waiting for
// in-flight requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{"status": "ok", "seq": s.slot.Latest().Seq}
	if s.config.QueueStats == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	stats, err := s.config.QueueStats(ctx)
	if err != nil {
		s.logger.Warn("Queue stats unavailable", "error", err)
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["queue"] = stats
	c.JSON(http.StatusOK, body)
}

func (s *Server) getDateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.slot.Latest().Snapshot())
}

// streamDateHandler sends the current value, then one "date" event per
// publish until the client goes away
func (s *Server) streamDateHandler(c *gin.Context) {
	ctx := c.Request.Context()
	updates := s.slot.Watch(ctx)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("date", s.slot.Latest().Snapshot())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("date", u.Snapshot())
			return true
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	})
}

func (s *Server) postFrameHandler(c *gin.Context) {
	var (
		data     []byte
		mimeType string
		err      error
	)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, mimeType, err = s.readFormImage(c)
	} else {
		mimeType = c.ContentType()
		data, err = s.readLimited(c.Request.Body)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.process(c, &processor.FrameRequest{Image: data, MimeType: mimeType})
}

func (s *Server) postRecognitionHandler(c *gin.Context) {
	var text ocr.RecognizedText
	if err := c.ShouldBindJSON(&text); err != nil {
		s.writeError(c, errors.NewInvalidPayloadError(c.GetHeader("X-Frame-ID"), "recognized text is not valid JSON", err))
		return
	}
	s.process(c, &processor.FrameRequest{Recognized: &text})
}

func (s *Server) postTokensHandler(c *gin.Context) {
	var req struct {
		Tokens []string `json:"tokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.NewInvalidPayloadError(c.GetHeader("X-Frame-ID"), "body is not valid JSON", err))
		return
	}
	if req.Tokens == nil {
		s.writeError(c, errors.NewInvalidPayloadError(c.GetHeader("X-Frame-ID"), "tokens field is required", nil))
		return
	}
	s.process(c, &processor.FrameRequest{Tokens: req.Tokens})
}

func (s *Server) process(c *gin.Context, req *processor.FrameRequest) {
	req.FrameID = c.GetHeader("X-Frame-ID")
	req.Source = "http"

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.ProcessingTimeout)
	defer cancel()

	result, err := s.processor.ProcessFrame(ctx, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) readFormImage(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, "", errors.NewInvalidPayloadError("", "multipart field 'image' is required", err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", errors.NewInvalidPayloadError("", "cannot open uploaded image", err)
	}
	defer f.Close()

	data, err := s.readLimited(f)
	return data, fh.Header.Get("Content-Type"), err
}

func (s *Server) readLimited(r io.Reader) ([]byte, error) {
	limit := s.config.MaxImageSize
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.NewInvalidPayloadError("", "failed to read image", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errors.NewInvalidPayloadError("", fmt.Sprintf("image exceeds %d bytes", limit), nil)
	}
	if len(data) == 0 {
		return nil, errors.NewInvalidPayloadError("", "image body is empty", nil)
	}
	return data, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var perr *errors.ProcessingError
	if stderrors.As(err, &perr) {
		body = gin.H{"error": perr.Message, "code": perr.Code}
		if perr.FrameID != "" {
			body["frameId"] = perr.FrameID
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Frame request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrorInvalidPayload:
		return http.StatusBadRequest
	case errors.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.ErrorFrameTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorOCRFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
