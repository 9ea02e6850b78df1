package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ServiceName string
	LogLevel    string

	// HTTP
	HTTPPort string

	// Postgres / TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Live feed channels
	StateChannelSize int
	AlertChannelSize int

	// Worker counts
	StateWriterWorkers int
	AlertWorkers       int

	// Live vehicle state hash expiry
	LiveStateTTLSeconds int

	// Auth
	AuthCacheTTLSeconds int
	AuthCacheMaxKeys    int

	// Rate limiting
	RateLimitPerWindow     int
	RateLimitWindowSeconds int

	// Aggregates
	AggregateTTLSeconds  int
	AggregateWindowHours int

	// Validation
	EnforceMonotonicOdometer bool

	// Alert rules
	AlertRulesFile           string
	SpeedExceededAlertTypeID int64
	LowFuelAlertTypeID       int64

	// AMQP ingestion (disabled when AMQPURL is empty)
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPRoutingKey string
	AMQPDLQ        string
	AMQPPrefetch   int

	AMQPRetryBackoffSeconds  int
	AMQPRetryMaxDelaySeconds int
}

func Load() *Config {
	return &Config{
		ServiceName:              getEnv("SERVICE_NAME", "fleet-telemetry"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		HTTPPort:                 getEnv("HTTP_PORT", "8001"),
		DBHost:                   getEnv("DB_HOST", "localhost"),
		DBPort:                   getEnv("DB_PORT", "5432"),
		DBUser:                   getEnv("DB_USER", "fleet_user"),
		DBPassword:               getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                   getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:               int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:                getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:            getEnv("REDIS_PASSWORD", ""),
		RedisDB:                  getEnvInt("REDIS_DB", 0),
		StateChannelSize:         getEnvInt("STATE_CHANNEL_SIZE", 50000),
		AlertChannelSize:         getEnvInt("ALERT_CHANNEL_SIZE", 10000),
		StateWriterWorkers:       getEnvInt("STATE_WRITER_WORKERS", 5),
		AlertWorkers:             getEnvInt("ALERT_WORKERS", 3),
		LiveStateTTLSeconds:      getEnvInt("LIVE_STATE_TTL_SECONDS", 30),
		AuthCacheTTLSeconds:      getEnvInt("AUTH_CACHE_TTL_SECONDS", 60),
		AuthCacheMaxKeys:         getEnvInt("AUTH_CACHE_MAX_KEYS", 100000),
		RateLimitPerWindow:       getEnvInt("RATE_LIMIT_PER_WINDOW", 4),
		RateLimitWindowSeconds:   getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		AggregateTTLSeconds:      getEnvInt("AGGREGATE_TTL_SECONDS", 86400),
		AggregateWindowHours:     getEnvInt("AGGREGATE_WINDOW_HOURS", 24),
		EnforceMonotonicOdometer: getEnvBool("ENFORCE_MONOTONIC_ODOMETER", false),
		AlertRulesFile:           getEnv("ALERT_RULES_FILE", ""),
		SpeedExceededAlertTypeID: int64(getEnvInt("ALERT_TYPE_SPEED_EXCEEDED_ID", 1)),
		LowFuelAlertTypeID:       int64(getEnvInt("ALERT_TYPE_LOW_FUEL_ID", 2)),
		AMQPURL:                  getEnv("AMQP_URL", ""),
		AMQPExchange:             getEnv("AMQP_EXCHANGE", "fleet.telemetry.exchange"),
		AMQPQueue:                getEnv("AMQP_QUEUE", "fleet.telemetry.ingest"),
		AMQPRoutingKey:           getEnv("AMQP_ROUTING_KEY", "telemetry.reading"),
		AMQPDLQ:                  getEnv("AMQP_DLQ", "fleet.telemetry.ingest.dlq"),
		AMQPPrefetch:             getEnvInt("AMQP_PREFETCH", 10),

		AMQPRetryBackoffSeconds:  getEnvInt("AMQP_RETRY_BACKOFF_SECONDS", 5),
		AMQPRetryMaxDelaySeconds: getEnvInt("AMQP_RETRY_MAX_DELAY_SECONDS", 60),
	}
}

func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
