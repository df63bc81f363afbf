package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisUnconfigured(t *testing.T) {
	client, err := NewRedis(context.Background(), RedisConfig{})
	if client != nil || err != nil {
		t.Fatalf("expected nil client without address, got %v %v", client, err)
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}

func TestNewRedisPingFailure(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisRequiresTLS(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected tls requirement error, got %v", err)
	}
}

func TestRedisTLSConfig(t *testing.T) {
	cfg, err := redisTLSConfig(RedisConfig{TLS: true, InsecureTLS: true, AllowInsecureTLS: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}
	if cfg, _ := redisTLSConfig(RedisConfig{}); cfg != nil {
		t.Fatal("expected nil tls config when disabled")
	}
}

func TestRedisTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(badCA, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := map[string]RedisConfig{
		"insecure guard": {TLS: true, InsecureTLS: true},
		"missing ca":     {TLS: true, CACertFile: filepath.Join(dir, "missing.pem")},
		"bad ca":         {TLS: true, CACertFile: badCA},
		"cert only":      {TLS: true, CertFile: badCA},
		"bad keypair":    {TLS: true, CertFile: badCA, KeyFile: badCA},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := redisTLSConfig(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
