// Package redishost provides a Redis-backed sessions.Host for multi-process
// deployments. Metadata is stored as a JSON blob per session with a key TTL
// slightly beyond the session's own expiry windows, so Redis reclaims records
// even if the sweeper never runs.
package redishost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/modelstream/mcp-resume-go/sessions"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller retains ownership of the
// client's lifecycle.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

var _ sessions.Host = (*Host)(nil)

func (h *Host) metaKey(sessionID string) string { return h.keyPrefix + "meta:" + sessionID }

// keyTTL gives the record a Redis-side expiry safely beyond both session
// windows so a dead sweeper cannot leak records forever.
func keyTTL(meta *sessions.Metadata) time.Duration {
	ttl := meta.TTL
	if meta.Retention > ttl {
		ttl = meta.Retention
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl + 5*time.Minute
}

func (h *Host) CreateSession(ctx context.Context, meta *sessions.Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := h.client.Set(ctx, h.metaKey(meta.SessionID), b, keyTTL(meta)).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.Metadata, error) {
	b, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var meta sessions.Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &meta, nil
}

// mutateScript swaps the value only if the record still exists, preserving
// delete-vs-mutate ordering across instances.
var mutateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.Metadata) error) error {
	// Optimistic read-modify-write. A competing mutation between Get and the
	// script re-set loses nothing we rely on: lifecycle transitions are
	// validated against the read state and idempotent on replay.
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(meta); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	n, err := mutateScript.Run(ctx, h.client, []string{h.metaKey(sessionID)}, b, keyTTL(meta).Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("mutate session: %w", err)
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	return h.MutateSession(ctx, sessionID, func(meta *sessions.Metadata) error {
		meta.LastAccess = time.Now().UTC()
		return nil
	})
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del session: %w", err)
	}
	return nil
}

func (h *Host) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	pattern := h.keyPrefix + "meta:*"
	for {
		keys, next, err := h.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, h.keyPrefix+"meta:"))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}
