/**
 * Datescan Worker - Main Entry Point
 *
 * Reads printed dates (year, two-letter month code, day) off camera frames
 * and keeps the latest one available to readers.
 *
 * Architecture:
 * - Frame sources: Redis list queue or Asynq tasks, HTTP uploads, and a
 *   still-image directory watcher
 * - Tesseract or remote vision OCR for image frames; pre-recognized text
 *   and raw tokens skip OCR entirely
 * - Linear token scan for YEAR, MONTH-CODE, DAY
 * - In-memory latest-date slot, served over HTTP/SSE and mirrored to a
 *   Redis channel
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/datescan-worker/internal/config"
	"github.com/adverant/nexus/datescan-worker/internal/datescan"
	"github.com/adverant/nexus/datescan-worker/internal/httpserver"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/ocr"
	"github.com/adverant/nexus/datescan-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/datescan-worker/internal/ocr/vision"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
	"github.com/adverant/nexus/datescan-worker/internal/queue"
	"github.com/adverant/nexus/datescan-worker/internal/source"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.datescan"); err != nil {
		log.Printf("Warning: .env.datescan not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Printf("Datescan Worker starting...")
	log.Printf("Configuration loaded: Queue=%s(%s), HTTP=%q, WatchDir=%q, Workers=%d",
		cfg.QueueMode, cfg.QueueName, cfg.HTTPAddr, cfg.WatchDir, cfg.WorkerConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot := viewstate.NewDateSlot()

	timeout := time.Duration(cfg.ProcessingTimeout) * time.Millisecond

	recognizer, err := newRecognizer(cfg, timeout)
	if err != nil {
		log.Fatalf("Failed to initialize OCR engine: %v", err)
	}

	proc, err := processor.NewFrameProcessor(&processor.ProcessorConfig{
		Slot:              slot,
		Recognizer:        recognizer,
		Parser:            datescan.NewParser(parserOptions(cfg)...),
		MaxImageSize:      cfg.MaxImageSize,
		ProcessingTimeout: timeout,
		PublishEmpty:      cfg.PublishEmpty,
		Logger:            logging.NewLogger("processor"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize frame processor: %v", err)
	}
	log.Printf("Frame processor initialized (ocr: %s)", recognizer.Name())

	// Queue consumer and date mirror
	var (
		stopQueue   func() error
		queueStats  func(ctx context.Context) (map[string]int64, error)
		mirror      *queue.DateMirror
		redisClient *redis.Client
	)
	switch cfg.QueueMode {
	case config.QueueModeList:
		log.Printf("Connecting to Redis queue...")
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("queue"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := consumer.Start(); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		stopQueue = consumer.Stop
		queueStats = consumer.GetStats

	case config.QueueModeAsynq:
		log.Printf("Connecting to Asynq task queue...")
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("queue"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize task consumer: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("Failed to start task consumer: %v", err)
		}
		stopQueue = func() error { return consumer.Stop(context.Background()) }
		queueStats = consumer.GetStats
	}

	// The mirror has its own connection so it outlives the consumer during shutdown
	if cfg.QueueMode != config.QueueModeNone {
		redisClient, err = queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect date mirror: %v", err)
		}
		mirror = queue.NewDateMirror(redisClient, cfg.DatesChannel(), slot, logging.NewLogger("mirror"))
		mirror.Start(ctx)
		log.Printf("Mirroring dates to Redis channel %s", cfg.DatesChannel())
	}

	// HTTP surface
	var server *httpserver.Server
	if cfg.HTTPAddr != "" {
		server = httpserver.NewServer(&httpserver.Config{
			Addr:              cfg.HTTPAddr,
			MaxImageSize:      cfg.MaxImageSize,
			ProcessingTimeout: timeout,
			QueueStats:        queueStats,
			Logger:            logging.NewLogger("http"),
		}, proc, slot)
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}

	// Still-image watcher
	var watcher *source.Watcher
	if cfg.WatchDir != "" {
		watcher, err = source.NewWatcher(&source.WatcherConfig{
			Dir:          cfg.WatchDir,
			Processor:    proc,
			ScanExisting: true,
			Timeout:      timeout,
			Logger:       logging.NewLogger("watcher"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize directory watcher: %v", err)
		}
		watcher.Start(ctx)
	}

	log.Printf("===========================================")
	log.Printf("Datescan Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueMode)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("HTTP: %s", orDisabled(cfg.HTTPAddr))
	log.Printf("Watch dir: %s", orDisabled(cfg.WatchDir))
	log.Printf("Month codes: %v", datescan.MonthCodes())
	log.Printf("Publish empty frames: %v", cfg.PublishEmpty)
	log.Printf("===========================================")
	log.Printf("Waiting for frames...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if stopQueue != nil {
		if err := stopQueue(); err != nil {
			log.Printf("Error stopping queue consumer: %v", err)
		} else {
			log.Printf("Queue consumer stopped successfully")
		}
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Printf("Error stopping directory watcher: %v", err)
		}
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error stopping HTTP server: %v", err)
		}
		shutdownCancel()
	}

	// Stops the mirror and any remaining slot watchers
	cancel()
	if mirror != nil {
		mirror.Wait()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	if err := proc.Close(); err != nil {
		log.Printf("Error closing frame processor: %v", err)
	}

	log.Printf("Shutdown complete")
}

func newRecognizer(cfg *config.Config, timeout time.Duration) (ocr.Recognizer, error) {
	if cfg.OCREngine == config.OCREngineVision {
		return vision.NewClient(&vision.Config{
			BaseURL:        cfg.VisionOCRURL,
			PreferAccuracy: cfg.VisionPreferAccuracy,
			Timeout:        timeout,
			Logger:         logging.NewLogger("vision"),
		})
	}
	return tesseract.NewEngine(&tesseract.Config{
		Languages: cfg.TesseractLanguages,
		MinHeight: 100,
		Grayscale: true,
	}), nil
}

func parserOptions(cfg *config.Config) []datescan.Option {
	var opts []datescan.Option
	if cfg.StrictDigits {
		opts = append(opts, datescan.WithDigitCheck(datescan.AllDigits))
	}
	if cfg.RejectUnknownMonth {
		opts = append(opts, datescan.WithRejectUnknownMonth())
	}
	return opts
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
