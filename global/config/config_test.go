package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("NATS_SERVERS", "nats://a:4222,nats://b:4222")
	t.Setenv("KAFKA_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-a" || cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.Nats.Servers) != 2 {
		t.Fatalf("servers = %v", cfg.Nats.Servers)
	}
	if cfg.Kafka.Enabled {
		t.Fatalf("kafka should be disabled")
	}
	if cfg.Fanout.Shards != 32 || cfg.IdemTTL() != 2*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg.Fanout)
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestApplyTunables(t *testing.T) {
	t.Cleanup(Reset)

	if err := Apply(Tunables{TypingTTL: 5 * time.Second}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	cur := Current()
	if cur.TypingTTL != 5*time.Second {
		t.Fatalf("typing ttl = %s", cur.TypingTTL)
	}
	if cur.PresenceTTL != 5*time.Minute {
		t.Fatalf("zero fields must keep previous value, got %s", cur.PresenceTTL)
	}
	if err := Apply(Tunables{TypingTTL: time.Hour}); err == nil {
		t.Fatalf("expected rejection")
	}
	if Current().TypingTTL != 5*time.Second {
		t.Fatalf("rejected update leaked")
	}
}
