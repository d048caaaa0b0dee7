// Package redislog is an eventlog.Store backed by one Redis Stream per session.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/emubridge/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EMUBRIDGE_REDIS_PREFIX
	KeyPrefix string `env:"EMUBRIDGE_REDIS_PREFIX,default=emubridge:events:"`
	// MaxEvents approximately caps each stream (XADD MAXLEN ~). 0 keeps everything.
	MaxEvents int64 `env:"EMUBRIDGE_MAX_REPLAY_EVENTS,default=0"`
	// TTL is refreshed on every append so abandoned streams expire.
	TTL time.Duration `env:"EMUBRIDGE_REDIS_TTL,default=24h"`
}

const (
	defaultAddr   = "localhost:6379"
	defaultPrefix = "emubridge:events:"
	defaultTTL    = 24 * time.Hour
	replayPage    = 256
	payloadField  = "d"
)

type Store struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int64
	ttl       time.Duration
}

var _ eventlog.Store = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultAddr
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. Addr in cfg is ignored.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: cl, keyPrefix: prefix, maxEvents: cfg.MaxEvents, ttl: ttl}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + sessionID }

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	key := s.streamKey(sessionID)
	args := &redis.XAddArgs{Stream: key, Values: map[string]interface{}{payloadField: data}}
	if s.maxEvents > 0 {
		args.MaxLen = s.maxEvents
		args.Approx = true
	}

	var add *redis.StringCmd
	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, args)
		p.Expire(ctx, key, s.ttl)
		return nil
	}); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return add.Val(), nil
}

func (s *Store) Replay(ctx context.Context, sessionID, afterID string, fn func(eventlog.Event) error) error {
	if afterID == "" {
		return nil
	}
	key := s.streamKey(sessionID)

	// The marker must still be in the stream, otherwise trimming or cleanup
	// has opened a gap.
	hit, err := s.client.XRangeN(ctx, key, afterID, afterID, 1).Result()
	if err != nil {
		return fmt.Errorf("%w: %q: %v", eventlog.ErrEventNotFound, afterID, err)
	}
	if len(hit) == 0 {
		return fmt.Errorf("%w: %q", eventlog.ErrEventNotFound, afterID)
	}

	start := "(" + afterID
	for {
		msgs, err := s.client.XRangeN(ctx, key, start, "+", replayPage).Result()
		if err != nil {
			return fmt.Errorf("xrange: %w", err)
		}
		for _, m := range msgs {
			if err := fn(eventlog.Event{ID: m.ID, Data: decodePayload(m.Values[payloadField])}); err != nil {
				return err
			}
			start = "(" + m.ID
		}
		if len(msgs) < replayPage {
			return nil
		}
	}
}

func (s *Store) Cleanup(ctx context.Context, sessionID string) error {
	if err := s.client.Del(context.WithoutCancel(ctx), s.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func decodePayload(v any) []byte {
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return []byte(fmt.Sprintf("%v", p))
	}
}
