package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the physique analyze pipeline service.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// Vision provider selection ("openai" or "stub")
	VisionProvider string

	// OpenAI configuration
	OpenAIAPIURL string
	OpenAIAPIKey string
	OpenAIModel  string
	MaxTokens    int
	Temperature  float64
	TopP         float64

	// Vision API retry policy
	RequestTimeout time.Duration
	MaxRetries     int
	BaseRetryDelay time.Duration
	BackoffFactor  float64
	RetryJitter    time.Duration
	RetryMaxDelay  time.Duration

	// Response cache
	CacheTTL           time.Duration
	CacheMaxEntries    int
	CacheEvictFraction float64

	// Request queue
	QueueMaxRetries   int
	QueueWaitEstimate time.Duration

	// Image preprocessing
	MaxImageDimension int
	JPEGQuality       int
	MaxImageBytes     int

	// RabbitMQ
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQRoutingKey string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "physique"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		VisionProvider: getEnv("VISION_PROVIDER", "openai"),

		// OpenAI defaults
		OpenAIAPIURL: getEnv("OPENAI_API_URL", "https://api.openai.com/v1/chat/completions"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o"),
		MaxTokens:    getIntEnv("MAX_TOKENS", 2048),
		Temperature:  getFloatEnv("TEMPERATURE", 0.2),
		TopP:         getFloatEnv("TOP_P", 1.0),

		// Retry policy defaults
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 60*time.Second),
		MaxRetries:     getIntEnv("MAX_RETRIES", 3),
		BaseRetryDelay: getDurationEnv("BASE_RETRY_DELAY", 1*time.Second),
		BackoffFactor:  getFloatEnv("BACKOFF_FACTOR", 2.0),
		RetryJitter:    getDurationEnv("RETRY_JITTER", 1*time.Second),
		RetryMaxDelay:  getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),

		// Cache defaults (TTL 0 = entries never expire)
		CacheTTL:           getDurationEnv("CACHE_TTL", 0),
		CacheMaxEntries:    getIntEnv("CACHE_MAX_ENTRIES", 50),
		CacheEvictFraction: getFloatEnv("CACHE_EVICT_FRACTION", 0.2),

		// Queue defaults
		QueueMaxRetries:   getIntEnv("QUEUE_MAX_RETRIES", 3),
		QueueWaitEstimate: getDurationEnv("QUEUE_WAIT_ESTIMATE", 8*time.Second),

		// Preprocessing defaults
		MaxImageDimension: getIntEnv("MAX_IMAGE_DIMENSION", 1024),
		JPEGQuality:       getIntEnv("JPEG_QUALITY", 80),
		MaxImageBytes:     getIntEnv("MAX_IMAGE_BYTES", 1024*1024),

		// RabbitMQ defaults (empty URL disables publishing)
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "physique-analysis"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "analysis.completed"),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value.
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
