package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Relay     RelayConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret              string
	AccessTokenTTLMinutes  int
	BcryptCost             int
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

// RelayConfig tunes the websocket relay.
type RelayConfig struct {
	SendBufferSize     int
	PingIntervalSec    int
	ReadTimeoutSec     int
	WriteTimeoutSec    int
	PresenceTTLMinutes int
}

// RateLimitConfig bounds guest creation and message sending.
type RateLimitConfig struct {
	Enabled            bool
	GuestCreatesPerMin int
	MessagesPerMin     int
}

// KafkaConfig enables publishing conversation events to Kafka.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "conversation-relay"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes:  getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:             getEnvAsInt("AUTH_BCRYPT_COST", 12),
			BootstrapAdminEmail:    os.Getenv("AUTH_BOOTSTRAP_ADMIN_EMAIL"),
			BootstrapAdminPassword: os.Getenv("AUTH_BOOTSTRAP_ADMIN_PASSWORD"),
		},
		Relay: RelayConfig{
			SendBufferSize:     getEnvAsInt("RELAY_SEND_BUFFER", 64),
			PingIntervalSec:    getEnvAsInt("RELAY_PING_INTERVAL_SECONDS", 54),
			ReadTimeoutSec:     getEnvAsInt("RELAY_READ_TIMEOUT_SECONDS", 60),
			WriteTimeoutSec:    getEnvAsInt("RELAY_WRITE_TIMEOUT_SECONDS", 10),
			PresenceTTLMinutes: getEnvAsInt("RELAY_PRESENCE_TTL_MINUTES", 60),
		},
		RateLimit: RateLimitConfig{
			Enabled:            getEnvAsBool("RATE_LIMIT_ENABLED", true),
			GuestCreatesPerMin: getEnvAsInt("RATE_LIMIT_GUEST_CREATES_PER_MINUTE", 5),
			MessagesPerMin:     getEnvAsInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 30),
		},
		Kafka: KafkaConfig{
			Brokers:  getEnvAsList("KAFKA_BROKERS"),
			Topic:    getEnv("KAFKA_TOPIC", "conversation-events"),
			ClientID: getEnv("KAFKA_CLIENT_ID", "conversation-relay"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// PingInterval returns how often the relay pings idle clients.
func (r RelayConfig) PingInterval() time.Duration {
	return secondsOr(r.PingIntervalSec, 54)
}

// ReadTimeout returns how long a relay connection may stay silent.
func (r RelayConfig) ReadTimeout() time.Duration {
	return secondsOr(r.ReadTimeoutSec, 60)
}

// WriteTimeout bounds a single relay write.
func (r RelayConfig) WriteTimeout() time.Duration {
	return secondsOr(r.WriteTimeoutSec, 10)
}

// PresenceTTL is how long presence entries survive without refresh.
func (r RelayConfig) PresenceTTL() time.Duration {
	if r.PresenceTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(r.PresenceTTLMinutes) * time.Minute
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
