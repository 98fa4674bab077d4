package utils

import (
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	cfg := RedisConfig{Addr: "localhost:6379"}.withDefaults()

	if cfg.DialTimeout != 3*time.Second {
		t.Errorf("DialTimeout = %v, want 3s", cfg.DialTimeout)
	}
	if cfg.PoolSize != 20 {
		t.Errorf("PoolSize = %d, want 20", cfg.PoolSize)
	}
	if cfg.PingTimeout != 2*time.Second {
		t.Errorf("PingTimeout = %v, want 2s", cfg.PingTimeout)
	}
}

func TestRedisConfigKeepsExplicitValues(t *testing.T) {
	cfg := RedisConfig{Addr: "localhost:6379", PoolSize: 5, DialTimeout: time.Second}.withDefaults()

	if cfg.PoolSize != 5 {
		t.Errorf("PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.DialTimeout != time.Second {
		t.Errorf("DialTimeout = %v, want 1s", cfg.DialTimeout)
	}
}
