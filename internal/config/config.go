/**
 * Configuration for the datescan worker
 *
 * Loads configuration from environment variables matching .env.datescan
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Queue modes
const (
	QueueModeList  = "list"
	QueueModeAsynq = "asynq"
	QueueModeNone  = "none"
)

// OCR engines
const (
	OCREngineTesseract = "tesseract"
	OCREngineVision    = "vision"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueMode string
	QueueName string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	MaxImageSize      int64

	// Input and output surfaces; empty disables
	HTTPAddr string
	WatchDir string

	// OCR configuration
	OCREngine            string
	TesseractLanguages   []string
	VisionOCRURL         string
	VisionPreferAccuracy bool

	// Date scanning behaviour
	PublishEmpty       bool
	StrictDigits       bool
	RejectUnknownMonth bool

	LogLevel string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueMode:            strings.ToLower(getEnvOrDefault("QUEUE_MODE", QueueModeList)),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "datescan:frames"),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 1),
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 30000),  // 30 seconds
		MaxImageSize:         getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 20971520), // 20MB
		HTTPAddr:             lookupEnvOrDefault("HTTP_ADDR", ":8097"),
		WatchDir:             getEnvOrDefault("WATCH_DIR", ""),
		OCREngine:            strings.ToLower(getEnvOrDefault("OCR_ENGINE", OCREngineTesseract)),
		TesseractLanguages:   splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "eng")),
		VisionOCRURL:         getEnvOrDefault("VISION_OCR_URL", "http://nexus-mageagent:8080"),
		VisionPreferAccuracy: getEnvAsBoolOrDefault("VISION_PREFER_ACCURACY", false),
		PublishEmpty:         getEnvAsBoolOrDefault("PUBLISH_EMPTY", false),
		StrictDigits:         getEnvAsBoolOrDefault("STRICT_DIGITS", false),
		RejectUnknownMonth:   getEnvAsBoolOrDefault("REJECT_UNKNOWN_MONTH", false),
		LogLevel:             strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		NodeEnv:              getEnvOrDefault("NODE_ENV", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.QueueMode {
	case QueueModeList, QueueModeAsynq:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_MODE is %s", c.QueueMode)
		}
		if c.QueueName == "" {
			return fmt.Errorf("QUEUE_NAME is required when QUEUE_MODE is %s", c.QueueMode)
		}
	case QueueModeNone:
	default:
		return fmt.Errorf("QUEUE_MODE must be one of list, asynq, none, got %q", c.QueueMode)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < 100 || c.ProcessingTimeout > 600000 { // 100ms to 10 minutes
		return fmt.Errorf("PROCESSING_TIMEOUT must be between 100 and 600000 ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 209715200 { // 1KB to 200MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 200MB, got %d", c.MaxImageSize)
	}

	switch c.OCREngine {
	case OCREngineTesseract:
		if len(c.TesseractLanguages) == 0 {
			return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language")
		}
	case OCREngineVision:
		if c.VisionOCRURL == "" {
			return fmt.Errorf("VISION_OCR_URL is required when OCR_ENGINE is vision")
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be one of tesseract, vision, got %q", c.OCREngine)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.QueueMode == QueueModeNone && c.HTTPAddr == "" && c.WatchDir == "" {
		return fmt.Errorf("no frame source enabled: set QUEUE_MODE, HTTP_ADDR or WATCH_DIR")
	}

	return nil
}

// DatesChannel is the Redis channel published dates are mirrored to
func (c *Config) DatesChannel() string {
	return c.QueueName + ":dates"
}

// IsProduction reports whether NODE_ENV is production
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnvOrDefault is like getEnvOrDefault but keeps an explicitly empty
// value, which disables the surface it configures
func lookupEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '+' || r == ' ' }) {
		out = append(out, part)
	}
	return out
}
