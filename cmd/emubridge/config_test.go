package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var configEnv = []string{
	"EMUBRIDGE_ADDR", "EMUBRIDGE_MCP_PATH", "EMUBRIDGE_SSE_PATH", "EMUBRIDGE_MESSAGES_PATH",
	"EMUBRIDGE_EVENTLOG", "EMUBRIDGE_MAX_REPLAY_EVENTS", "REDIS_ADDR", "EMUBRIDGE_REDIS_PREFIX", "EMUBRIDGE_REDIS_TTL",
	"EMUBRIDGE_IDLE_TIMEOUT", "EMUBRIDGE_KEEPALIVE", "EMUBRIDGE_EMULATOR_TIMEOUT", "EMUBRIDGE_SHUTDOWN_TIMEOUT",
	"EMUBRIDGE_LOG_LEVEL", "EMUBRIDGE_LOG_FORMAT",
	"EMUBRIDGE_AUTH_MODE", "EMUBRIDGE_AUTH_REALM", "EMUBRIDGE_JWT_ISSUER", "EMUBRIDGE_JWT_AUDIENCE", "EMUBRIDGE_JWKS_URL", "EMUBRIDGE_JWT_HMAC_SECRET",
	"EMUBRIDGE_TEST_ID", "EMUBRIDGE_CONTAINER_URI", "EMUBRIDGE_CONTAINER_TOKEN",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.MCPPath != "/mcp" || cfg.SSEPath != "/sse" || cfg.MessagesPath != "/messages" {
		t.Fatalf("unexpected endpoints %+v", cfg)
	}
	if cfg.EventLog != "memory" || cfg.AuthMode != "static" {
		t.Fatalf("want memory/static got %s/%s", cfg.EventLog, cfg.AuthMode)
	}
	if cfg.IdleTimeout != 30*time.Minute || cfg.KeepAlive != 15*time.Second {
		t.Fatalf("unexpected timeouts idle=%v keepalive=%v", cfg.IdleTimeout, cfg.KeepAlive)
	}
	if cfg.EmulatorTimeout != 0 {
		t.Fatalf("want no emulator timeout override got %v", cfg.EmulatorTimeout)
	}
	if cfg.Redis.RedisAddr != "localhost:6379" {
		t.Fatalf("want default redis addr got %q", cfg.Redis.RedisAddr)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMUBRIDGE_ADDR", "127.0.0.1:9000")
	t.Setenv("EMUBRIDGE_MCP_PATH", "/rpc")
	t.Setenv("EMUBRIDGE_EVENTLOG", "redis")
	t.Setenv("EMUBRIDGE_MAX_REPLAY_EVENTS", "500")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("EMUBRIDGE_IDLE_TIMEOUT", "90s")
	t.Setenv("EMUBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("EMUBRIDGE_LOG_FORMAT", "json")
	t.Setenv("EMUBRIDGE_AUTH_MODE", "jwt")
	t.Setenv("EMUBRIDGE_JWT_HMAC_SECRET", "s3cret")
	t.Setenv("EMUBRIDGE_CONTAINER_URI", "http://emu:8081")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.MCPPath != "/rpc" {
		t.Fatalf("unexpected endpoints %+v", cfg)
	}
	if cfg.EventLog != "redis" || cfg.Redis.RedisAddr != "redis:6380" {
		t.Fatalf("unexpected event log %s %s", cfg.EventLog, cfg.Redis.RedisAddr)
	}
	if cfg.MaxReplayEvents != 500 || cfg.Redis.MaxEvents != 500 {
		t.Fatalf("want replay cap 500 got %d/%d", cfg.MaxReplayEvents, cfg.Redis.MaxEvents)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("want 90s got %v", cfg.IdleTimeout)
	}
	if cfg.AuthMode != "jwt" || cfg.JWTHMACSecret != "s3cret" {
		t.Fatalf("unexpected auth %s", cfg.AuthMode)
	}
}

func TestValidate(t *testing.T) {
	base := Config{}
	base.applyDefaults()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "bad event log", mutate: func(c *Config) { c.EventLog = "kafka" }, wantErr: "EMUBRIDGE_EVENTLOG"},
		{name: "bad auth mode", mutate: func(c *Config) { c.AuthMode = "oauth" }, wantErr: "EMUBRIDGE_AUTH_MODE"},
		{name: "jwt without keys", mutate: func(c *Config) { c.AuthMode = "jwt" }, wantErr: "jwt auth needs"},
		{name: "jwt with issuer", mutate: func(c *Config) { c.AuthMode = "jwt"; c.JWTIssuer = "https://issuer" }},
		{name: "negative emulator timeout", mutate: func(c *Config) { c.EmulatorTimeout = -time.Second }, wantErr: "EMUBRIDGE_EMULATOR_TIMEOUT"},
		{name: "negative replay cap", mutate: func(c *Config) { c.MaxReplayEvents = -1 }, wantErr: "EMUBRIDGE_MAX_REPLAY_EVENTS"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "EMUBRIDGE_LOG_LEVEL"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "EMUBRIDGE_LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("want no error got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(Config{LogLevel: "warn", LogFormat: "json"}, &buf)

	log.Info("dropped")
	log.Warn("kept", slog.String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("want info filtered at warn level got %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("want json record got %s", out)
	}
}

func TestNewResolver(t *testing.T) {
	ctx := context.Background()

	r, err := newResolver(ctx, Config{AuthMode: authStatic})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	test, err := r.ResolveTest(ctx, nil)
	if err != nil || test != nil {
		t.Fatalf("want no test without a container got %+v, %v", test, err)
	}

	r, err = newResolver(ctx, Config{AuthMode: authStatic, TestID: "local", ContainerURI: "http://emu", ContainerToken: "tok"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	test, err = r.ResolveTest(ctx, nil)
	if err != nil || test == nil || test.ID != "local" || test.ContainerURI != "http://emu" || test.Token != "tok" {
		t.Fatalf("unexpected static test %+v, %v", test, err)
	}

	if _, err := newResolver(ctx, Config{AuthMode: authJWT, JWTHMACSecret: "s3cret"}); err != nil {
		t.Fatalf("jwt: %v", err)
	}
}
