package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv        string
	Port          string
	AllowedOrigin string
	TerminalID    string
	BranchID      string
	LocalDBPath   string

	Remote  RemoteConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Auth    AuthConfig
	Sync    SyncConfig
	Stock   StockConfig
	Breaker BreakerConfig
	Logger  LoggerConfig
}

type RemoteConfig struct {
	Driver      string
	DatabaseURL string
	MongoURI    string
	MongoDB     string
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	ProductCacheTTL time.Duration
	LockTTL         time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type AuthConfig struct {
	Secret string
	Issuer string
}

type SyncConfig struct {
	Settle        time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

type StockConfig struct {
	Strategy       string
	VariantPolicy  string
	CASMaxAttempts int
}

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

func Load() Config {
	appEnv := getEnv("APP_ENV", "production")
	defaultEncoding := "json"
	if appEnv == "development" {
		defaultEncoding = "console"
	}

	return Config{
		AppEnv:        appEnv,
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		TerminalID:    strings.TrimSpace(os.Getenv("TERMINAL_ID")),
		BranchID:      getEnv("BRANCH_ID", "main-branch"),
		LocalDBPath:   getEnv("LOCAL_DB_PATH", "kasirsync-terminal.db"),
		Remote: RemoteConfig{
			Driver:      strings.ToLower(getEnv("REMOTE_DRIVER", "memory")),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			MongoURI:    os.Getenv("MONGO_URI"),
			MongoDB:     getEnv("MONGO_DB", "kasirsync"),
		},
		Redis: RedisConfig{
			Addr:            os.Getenv("REDIS_ADDR"),
			Password:        os.Getenv("REDIS_PASSWORD"),
			DB:              getEnvInt("REDIS_DB", 0),
			ProductCacheTTL: getEnvSeconds("PRODUCT_CACHE_TTL_SECONDS", 60*time.Second),
			LockTTL:         getEnvSeconds("STOCK_LOCK_TTL_SECONDS", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "pos.sales"),
		},
		Auth: AuthConfig{
			Secret: strings.TrimSpace(os.Getenv("AUTH_SECRET")),
			Issuer: strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		},
		Sync: SyncConfig{
			Settle:        getEnvMillis("SYNC_SETTLE_MS", 2*time.Second),
			ProbeInterval: getEnvSeconds("PROBE_INTERVAL_SECONDS", 10*time.Second),
			ProbeTimeout:  getEnvSeconds("PROBE_TIMEOUT_SECONDS", 3*time.Second),
		},
		Stock: StockConfig{
			Strategy:       strings.ToLower(getEnv("STOCK_STRATEGY", "cas")),
			VariantPolicy:  strings.ToLower(getEnv("VARIANT_POLICY", "first")),
			CASMaxAttempts: getEnvInt("CAS_MAX_ATTEMPTS", 5),
		},
		Breaker: BreakerConfig{
			MaxFailures: uint32(max(getEnvInt("BREAKER_MAX_FAILURES", 5), 1)),
			OpenTimeout: getEnvSeconds("BREAKER_OPEN_SECONDS", 30*time.Second),
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOGGER_LEVEL", "info"),
			Encoding:          getEnv("LOGGER_ENCODING", defaultEncoding),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", true),
		},
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvSeconds reads a positive number of seconds.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 1 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 1 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
