package common

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Blob     BlobConfig
	Bus      BusConfig
	Queue    QueueConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Worker   WorkerConfig
	Realtime RealtimeConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr   string
	HealthAddr string
	// APIKeys maps "key:tenant" pairs, comma separated, e.g. "sk_abc:tn_1".
	APIKeys string
}

// DatabaseConfig selects the job store backend. A Postgres DSN wins; an
// SQLite path is the single-node fallback; with neither set the store is
// in-memory (tests, demos).
type DatabaseConfig struct {
	DSN             string
	SQLitePath      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// BlobConfig holds MinIO/S3 connectivity. Empty endpoint selects the
// in-memory store.
type BlobConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PresignTTL time.Duration
}

// BusConfig holds the Redis event bus address. Empty selects the in-process bus.
type BusConfig struct {
	RedisAddr     string
	RedisPassword string
}

// QueueConfig holds the RabbitMQ URL. Empty selects the in-memory queue.
type QueueConfig struct {
	AMQPURL     string
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// OCRConfig points at the external OCR model service.
type OCRConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// WorkerConfig bounds the in-process worker pool.
type WorkerConfig struct {
	Concurrency    int
	AttemptTimeout time.Duration
}

// RealtimeConfig bounds the gateway's streams.
type RealtimeConfig struct {
	KeepaliveInterval time.Duration
	SubscribeTimeout  time.Duration
}

// LoadConfig reads configuration from the environment with sane defaults.
func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HEALTH_ADDR", "")
	v.SetDefault("API_KEYS", "")

	v.SetDefault("DB_URL", "")
	v.SetDefault("SQLITE_PATH", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_MAX_CONN_LIFETIME", "30m")
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", "5m")
	v.SetDefault("DB_DIAL_TIMEOUT", "3s")

	v.SetDefault("MINIO_ENDPOINT", "")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "ocrbase-docs")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("PRESIGN_TTL", "15m")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("QUEUE_NAME", "ocrbase.jobs")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_BACKOFF", "2s")
	v.SetDefault("QUEUE_MAX_BACKOFF", "2m")

	v.SetDefault("OCR_BASE_URL", "")
	v.SetDefault("OCR_API_KEY", "")
	v.SetDefault("OCR_TIMEOUT", "120s")

	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_TEMPERATURE", 0.0)
	v.SetDefault("OPENAI_TIMEOUT", "45s")

	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("WORKER_ATTEMPT_TIMEOUT", "5m")

	v.SetDefault("REALTIME_KEEPALIVE", "15s")
	v.SetDefault("REALTIME_SUBSCRIBE_TIMEOUT", "5s")

	return &Config{
		Server: ServerConfig{
			HTTPAddr:   v.GetString("HTTP_ADDR"),
			HealthAddr: v.GetString("HEALTH_ADDR"),
			APIKeys:    v.GetString("API_KEYS"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("DB_URL"),
			SQLitePath:      v.GetString("SQLITE_PATH"),
			MaxConns:        v.GetInt32("DB_MAX_CONNS"),
			MinConns:        v.GetInt32("DB_MIN_CONNS"),
			MaxConnLifetime: v.GetDuration("DB_MAX_CONN_LIFETIME"),
			MaxConnIdleTime: v.GetDuration("DB_MAX_CONN_IDLE_TIME"),
			DialTimeout:     v.GetDuration("DB_DIAL_TIMEOUT"),
		},
		Blob: BlobConfig{
			Endpoint:   v.GetString("MINIO_ENDPOINT"),
			AccessKey:  v.GetString("MINIO_ACCESS_KEY"),
			SecretKey:  v.GetString("MINIO_SECRET_KEY"),
			Bucket:     v.GetString("MINIO_BUCKET"),
			UseSSL:     v.GetBool("MINIO_USE_SSL"),
			PresignTTL: v.GetDuration("PRESIGN_TTL"),
		},
		Bus: BusConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
		},
		Queue: QueueConfig{
			AMQPURL:     v.GetString("AMQP_URL"),
			Name:        v.GetString("QUEUE_NAME"),
			MaxAttempts: v.GetInt("QUEUE_MAX_ATTEMPTS"),
			Backoff:     v.GetDuration("QUEUE_BACKOFF"),
			MaxBackoff:  v.GetDuration("QUEUE_MAX_BACKOFF"),
		},
		OCR: OCRConfig{
			BaseURL: v.GetString("OCR_BASE_URL"),
			APIKey:  v.GetString("OCR_API_KEY"),
			Timeout: v.GetDuration("OCR_TIMEOUT"),
		},
		LLM: LLMConfig{
			BaseURL:     v.GetString("OPENAI_BASE_URL"),
			APIKey:      v.GetString("OPENAI_API_KEY"),
			Model:       v.GetString("OPENAI_MODEL"),
			Temperature: float32(v.GetFloat64("OPENAI_TEMPERATURE")),
			Timeout:     v.GetDuration("OPENAI_TIMEOUT"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("WORKER_CONCURRENCY"),
			AttemptTimeout: v.GetDuration("WORKER_ATTEMPT_TIMEOUT"),
		},
		Realtime: RealtimeConfig{
			KeepaliveInterval: v.GetDuration("REALTIME_KEEPALIVE"),
			SubscribeTimeout:  v.GetDuration("REALTIME_SUBSCRIBE_TIMEOUT"),
		},
	}
}

// Validate checks required settings for the server binaries.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return Fatal("CONFIG_ERROR", "HTTP_ADDR is required", nil)
	}
	if c.Worker.Concurrency < 1 {
		return Fatal("CONFIG_ERROR", "WORKER_CONCURRENCY must be >= 1", nil)
	}
	if c.Queue.MaxAttempts < 1 {
		return Fatal("CONFIG_ERROR", "QUEUE_MAX_ATTEMPTS must be >= 1", nil)
	}
	return nil
}
