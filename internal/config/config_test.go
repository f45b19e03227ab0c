package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.Auth.Secret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.Auth.Secret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"REMOTE_DRIVER", "SYNC_SETTLE_MS", "STOCK_STRATEGY", "VARIANT_POLICY", "KAFKA_BROKERS", "APP_ENV", "LOGGER_ENCODING"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Remote.Driver != "memory" {
		t.Fatalf("expected memory driver by default, got %q", cfg.Remote.Driver)
	}
	if cfg.Sync.Settle != 2*time.Second {
		t.Fatalf("expected 2s settle, got %s", cfg.Sync.Settle)
	}
	if cfg.Stock.Strategy != "cas" || cfg.Stock.VariantPolicy != "first" {
		t.Fatalf("unexpected stock defaults: %+v", cfg.Stock)
	}
	if len(cfg.Kafka.Brokers) != 0 || cfg.Kafka.Topic != "pos.sales" {
		t.Fatalf("unexpected kafka defaults: %+v", cfg.Kafka)
	}
	if cfg.Logger.Encoding != "json" {
		t.Fatalf("expected json logs outside development, got %q", cfg.Logger.Encoding)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("REMOTE_DRIVER", "Postgres")
	t.Setenv("SYNC_SETTLE_MS", "250")
	t.Setenv("PROBE_INTERVAL_SECONDS", "not-a-number")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("BREAKER_MAX_FAILURES", "0")
	t.Setenv("LOGGER_ENCODING", "")

	cfg := Load()
	if cfg.Remote.Driver != "postgres" {
		t.Fatalf("expected lower-cased driver, got %q", cfg.Remote.Driver)
	}
	if cfg.Sync.Settle != 250*time.Millisecond {
		t.Fatalf("expected 250ms settle, got %s", cfg.Sync.Settle)
	}
	if cfg.Sync.ProbeInterval != 10*time.Second {
		t.Fatalf("expected fallback probe interval, got %s", cfg.Sync.ProbeInterval)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %q", cfg.Kafka.Brokers)
	}
	if cfg.Breaker.MaxFailures != 1 {
		t.Fatalf("expected breaker threshold clamped to 1, got %d", cfg.Breaker.MaxFailures)
	}
	if cfg.Logger.Encoding != "console" {
		t.Fatalf("expected console logs in development, got %q", cfg.Logger.Encoding)
	}
}
