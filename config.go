package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tagscan/internal/constants"
	"tagscan/memguard"
	"tagscan/merge"
	"tagscan/ocr"
)

// AppConfig holds the service configuration read from the environment.
type AppConfig struct {
	ListenAddress string
	LogLevel      string
	DatabasePath  string
	MediaRoot     string
	ConfigDir     string

	MaxUploadBytes int64
	BaseDPI        float64

	// WorkerCount is the number of batches run at once, PageWorkers the
	// number of pages processed at once inside one batch.
	WorkerCount int
	PageWorkers int

	MemoryHighWaterMB   uint64
	MemoryHardCeilingMB uint64
	MemoryReclaimEvery  int

	MergeIoUThreshold float64

	RedisURL  string
	QueueName string
	// QueueConsumer makes this process also work the Redis queue.
	QueueConsumer bool
	JobTimeout    time.Duration

	OCRRequestsPerMinute int
	OCR                  ocr.Config

	ExportNameTemplate   string
	ExportRetentionHours int
}

// loadConfig reads an optional .env file and the environment.
func loadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Could not read .env file: %v", err)
	}

	cfg := &AppConfig{
		ListenAddress: getEnvOrDefault("LISTEN_ADDRESS", ":8080"),
		LogLevel:      strings.ToLower(os.Getenv("LOG_LEVEL")),
		DatabasePath:  getEnvOrDefault("DATABASE_PATH", "db/tagscan.db"),
		MediaRoot:     getEnvOrDefault("MEDIA_ROOT", "media"),
		ConfigDir:     getEnvOrDefault("CONFIG_DIR", "config"),

		MaxUploadBytes: getEnvAsInt64OrDefault("MAX_UPLOAD_BYTES", constants.MaxUploadBytes),
		BaseDPI:        getEnvAsFloatOrDefault("RASTER_BASE_DPI", constants.BaseDPI),

		WorkerCount: getEnvAsIntOrDefault("WORKER_COUNT", 1),
		PageWorkers: getEnvAsIntOrDefault("PAGE_WORKERS", 2),

		MemoryHighWaterMB:   uint64(getEnvAsInt64OrDefault("MEMORY_HIGH_WATER_MB", 3072)),
		MemoryHardCeilingMB: uint64(getEnvAsInt64OrDefault("MEMORY_HARD_CEILING_MB", 4096)),
		MemoryReclaimEvery:  getEnvAsIntOrDefault("MEMORY_RECLAIM_EVERY", memguard.DefaultReclaimEvery),

		MergeIoUThreshold: getEnvAsFloatOrDefault("MERGE_IOU_THRESHOLD", merge.DefaultIoU),

		RedisURL:      os.Getenv("REDIS_URL"),
		QueueName:     getEnvOrDefault("QUEUE_NAME", "tagscan"),
		QueueConsumer: getEnvAsBoolOrDefault("QUEUE_CONSUMER", true),
		JobTimeout:    time.Duration(getEnvAsIntOrDefault("JOB_TIMEOUT_MINUTES", 360)) * time.Minute,

		OCRRequestsPerMinute: getEnvAsIntOrDefault("OCR_REQUESTS_PER_MINUTE", 120),
		OCR: ocr.Config{
			TesseractLanguages: splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "eng")),
			TessdataPrefix:     os.Getenv("TESSDATA_PREFIX"),
			AzureEndpoint:      os.Getenv("AZURE_DOCAI_ENDPOINT"),
			AzureAPIKey:        os.Getenv("AZURE_DOCAI_KEY"),
			AzureModelID:       getEnvOrDefault("AZURE_DOCAI_MODEL_ID", "prebuilt-read"),
			AzureTimeout:       getEnvAsIntOrDefault("AZURE_DOCAI_TIMEOUT_SECONDS", 120),
			IOSOCRServerURL:    os.Getenv("IOS_OCR_SERVER_URL"),
			IOSOCRToken:        os.Getenv("IOS_OCR_TOKEN"),
			GoogleProjectID:    os.Getenv("GOOGLE_PROJECT_ID"),
			GoogleLocation:     getEnvOrDefault("GOOGLE_LOCATION", "us"),
			GoogleProcessorID:  os.Getenv("GOOGLE_PROCESSOR_ID"),
		},

		ExportNameTemplate:   os.Getenv("EXPORT_NAME_TEMPLATE"),
		ExportRetentionHours: getEnvAsIntOrDefault("EXPORT_RETENTION_HOURS", 72),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for impossible combinations.
func (c *AppConfig) Validate() error {
	if c.WorkerCount < 1 || c.WorkerCount > 64 {
		return fmt.Errorf("WORKER_COUNT must be between 1 and 64, got %d", c.WorkerCount)
	}
	if c.PageWorkers < 1 || c.PageWorkers > 64 {
		return fmt.Errorf("PAGE_WORKERS must be between 1 and 64, got %d", c.PageWorkers)
	}
	if c.MaxUploadBytes < 1024 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be at least 1KB, got %d", c.MaxUploadBytes)
	}
	if c.BaseDPI <= 0 {
		return fmt.Errorf("RASTER_BASE_DPI must be positive, got %g", c.BaseDPI)
	}
	if c.MemoryHardCeilingMB > 0 && c.MemoryHighWaterMB > c.MemoryHardCeilingMB {
		return fmt.Errorf("MEMORY_HIGH_WATER_MB (%d) must not exceed MEMORY_HARD_CEILING_MB (%d)",
			c.MemoryHighWaterMB, c.MemoryHardCeilingMB)
	}
	if c.MemoryReclaimEvery < 0 {
		return fmt.Errorf("MEMORY_RECLAIM_EVERY must not be negative, got %d", c.MemoryReclaimEvery)
	}
	if c.MergeIoUThreshold <= 0 || c.MergeIoUThreshold > 1 {
		return fmt.Errorf("MERGE_IOU_THRESHOLD must be in (0, 1], got %g", c.MergeIoUThreshold)
	}
	if c.ExportRetentionHours < 0 {
		return fmt.Errorf("EXPORT_RETENTION_HOURS must not be negative, got %d", c.ExportRetentionHours)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: '%s'", c.LogLevel)
	}
	return nil
}

// splitList splits a "+" or "," separated list.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
		log.Warnf("Invalid %s value '%s', using default %d", key, valueStr, defaultValue)
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
		log.Warnf("Invalid %s value '%s', using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Warnf("Invalid %s value '%s', using default %g", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warnf("Invalid %s value '%s', using default %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
