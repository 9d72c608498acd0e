package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	MQTTBrokerURL      string
	MQTTClientIDPrefix string
	TopicFilters       []string
	QoS                byte

	QueueCapacity int
	DecodeWorkers int

	BatchMaxPoints int
	BatchMaxAge    time.Duration

	WriterPoolSize   int
	StatementTimeout time.Duration
	ShutdownGrace    time.Duration

	SkewPast   time.Duration
	SkewFuture time.Duration

	MetricsPort string
	LogLevel    string

	Postgres DBConfig

	RedisAddr      string
	RedisPassword  string
	TenantCacheTTL time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		MQTTBrokerURL:      strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientIDPrefix: getEnv("MQTT_CLIENT_ID_PREFIX", "ingest-core"),
		TopicFilters:       splitList(os.Getenv("MQTT_TOPIC_FILTERS")),
		QoS:                byte(clamp(getEnvInt("MQTT_QOS", 1), 0, 1)),
		QueueCapacity:      getEnvInt("QUEUE_CAPACITY", 50000),
		DecodeWorkers:      getEnvInt("DECODE_WORKERS", 4),
		BatchMaxPoints:     getEnvInt("BATCH_MAX_POINTS", 800),
		BatchMaxAge:        time.Duration(getEnvInt("BATCH_MAX_AGE_MS", 250)) * time.Millisecond,
		WriterPoolSize:     clamp(getEnvInt("WRITER_POOL_SIZE", 4), 2, 8),
		StatementTimeout:   time.Duration(getEnvInt("STATEMENT_TIMEOUT_MS", 10000)) * time.Millisecond,
		ShutdownGrace:      time.Duration(getEnvInt("SHUTDOWN_GRACE_SEC", 30)) * time.Second,
		SkewPast:           time.Duration(getEnvInt("SKEW_PAST_HOURS", 168)) * time.Hour,
		SkewFuture:         time.Duration(getEnvInt("SKEW_FUTURE_MIN", 5)) * time.Minute,
		MetricsPort:        getEnv("METRICS_PORT", "9108"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		TenantCacheTTL: time.Duration(getEnvInt("TENANT_CACHE_TTL_SEC", 300)) * time.Second,
	}

	slog.Info("ingest-core config loaded",
		"mqtt", cfg.MQTTBrokerURL,
		"filters", len(cfg.TopicFilters),
		"qos", cfg.QoS,
		"queue_capacity", cfg.QueueCapacity,
		"batch_max_points", cfg.BatchMaxPoints,
		"batch_max_age", cfg.BatchMaxAge,
		"writers", cfg.WriterPoolSize,
		"metrics_port", cfg.MetricsPort)
	return cfg
}

// Validate rejects combinations the pipeline cannot start with. The caller
// exits with code 2 on a non-nil result.
func (c *Config) Validate() error {
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required")
	}
	if len(c.TopicFilters) == 0 {
		return fmt.Errorf("MQTT_TOPIC_FILTERS must name at least one filter")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.BatchMaxPoints <= 0 {
		return fmt.Errorf("BATCH_MAX_POINTS must be positive, got %d", c.BatchMaxPoints)
	}
	if c.BatchMaxAge <= 0 {
		return fmt.Errorf("BATCH_MAX_AGE_MS must be positive")
	}
	if c.DecodeWorkers <= 0 {
		return fmt.Errorf("DECODE_WORKERS must be positive, got %d", c.DecodeWorkers)
	}
	for _, k := range []struct{ key, val string }{
		{"POSTGRES_USER", c.Postgres.User},
		{"POSTGRES_DB", c.Postgres.DBName},
		{"POSTGRES_HOST", c.Postgres.Host},
		{"POSTGRES_PORT", c.Postgres.Port},
	} {
		if k.val == "" {
			return fmt.Errorf("%s is required", k.key)
		}
	}
	return nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring non-numeric env value", "key", k, "value", v)
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
