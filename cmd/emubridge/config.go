package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/emubridge/eventlog/redislog"
	"github.com/joeshaw/envdecode"
)

// Config is the process configuration. Every field is read from the
// environment.
type Config struct {
	Addr         string `env:"EMUBRIDGE_ADDR,default=:8080"`
	MCPPath      string `env:"EMUBRIDGE_MCP_PATH,default=/mcp"`
	SSEPath      string `env:"EMUBRIDGE_SSE_PATH,default=/sse"`
	MessagesPath string `env:"EMUBRIDGE_MESSAGES_PATH,default=/messages"`

	// EventLog selects the replay store: memory or redis.
	EventLog        string `env:"EMUBRIDGE_EVENTLOG,default=memory"`
	MaxReplayEvents int    `env:"EMUBRIDGE_MAX_REPLAY_EVENTS,default=0"`
	Redis           redislog.Config

	IdleTimeout     time.Duration `env:"EMUBRIDGE_IDLE_TIMEOUT,default=30m"`
	KeepAlive       time.Duration `env:"EMUBRIDGE_KEEPALIVE,default=15s"`
	// EmulatorTimeout of zero leaves the HTTP client without a timeout.
	EmulatorTimeout time.Duration `env:"EMUBRIDGE_EMULATOR_TIMEOUT,default=0"`
	ShutdownTimeout time.Duration `env:"EMUBRIDGE_SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"EMUBRIDGE_LOG_LEVEL,default=info"`
	LogFormat string `env:"EMUBRIDGE_LOG_FORMAT,default=text"`

	// AuthMode selects how a request's active test is found: static binds
	// every session to the container below, jwt reads it from a bearer token.
	AuthMode      string `env:"EMUBRIDGE_AUTH_MODE,default=static"`
	Realm         string `env:"EMUBRIDGE_AUTH_REALM"`
	JWTIssuer     string `env:"EMUBRIDGE_JWT_ISSUER"`
	JWTAudience   string `env:"EMUBRIDGE_JWT_AUDIENCE"`
	JWKSURL       string `env:"EMUBRIDGE_JWKS_URL"`
	JWTHMACSecret string `env:"EMUBRIDGE_JWT_HMAC_SECRET"`

	TestID         string `env:"EMUBRIDGE_TEST_ID,default=local"`
	ContainerURI   string `env:"EMUBRIDGE_CONTAINER_URI"`
	ContainerToken string `env:"EMUBRIDGE_CONTAINER_TOKEN"`
}

const (
	eventLogMemory = "memory"
	eventLogRedis  = "redis"
	authStatic     = "static"
	authJWT        = "jwt"
)

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MCPPath == "" {
		c.MCPPath = "/mcp"
	}
	if c.SSEPath == "" {
		c.SSEPath = "/sse"
	}
	if c.MessagesPath == "" {
		c.MessagesPath = "/messages"
	}
	if c.EventLog == "" {
		c.EventLog = eventLogMemory
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.AuthMode == "" {
		c.AuthMode = authStatic
	}
	if c.TestID == "" {
		c.TestID = "local"
	}
	if c.Redis.RedisAddr == "" {
		c.Redis.RedisAddr = "localhost:6379"
	}
	if c.Redis.MaxEvents == 0 && c.MaxReplayEvents > 0 {
		c.Redis.MaxEvents = int64(c.MaxReplayEvents)
	}
}

func (c Config) validate() error {
	switch c.EventLog {
	case eventLogMemory, eventLogRedis:
	default:
		return fmt.Errorf("EMUBRIDGE_EVENTLOG must be %q or %q, got %q", eventLogMemory, eventLogRedis, c.EventLog)
	}
	switch c.AuthMode {
	case authStatic:
	case authJWT:
		if c.JWTHMACSecret == "" && c.JWKSURL == "" && c.JWTIssuer == "" {
			return errors.New("jwt auth needs EMUBRIDGE_JWT_HMAC_SECRET, EMUBRIDGE_JWKS_URL or EMUBRIDGE_JWT_ISSUER")
		}
	default:
		return fmt.Errorf("EMUBRIDGE_AUTH_MODE must be %q or %q, got %q", authStatic, authJWT, c.AuthMode)
	}
	if c.EmulatorTimeout < 0 {
		return fmt.Errorf("EMUBRIDGE_EMULATOR_TIMEOUT must not be negative, got %v", c.EmulatorTimeout)
	}
	if c.MaxReplayEvents < 0 {
		return fmt.Errorf("EMUBRIDGE_MAX_REPLAY_EVENTS must not be negative, got %d", c.MaxReplayEvents)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("EMUBRIDGE_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("EMUBRIDGE_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func newLogger(c Config, w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
