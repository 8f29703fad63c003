// Package redis provides a Redis Streams backed eventstore.Store for
// multi-process deployments. Each session gets one Redis stream; the logical
// stream ID of every event rides along as a field so both replay policies can
// be answered from a single ordered log.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/modelstream/mcp-resume-go/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:events:"`
	// MaxSessionEvents bounds the per-session log length. ENV: EVENTLOG_MAX_EVENTS
	MaxSessionEvents int64 `env:"EVENTLOG_MAX_EVENTS,default=1024"`
	// Retention bounds how long an idle session log is kept. ENV: EVENTLOG_RETENTION
	Retention time.Duration `env:"EVENTLOG_RETENTION,default=30m"`
}

// Store implements eventstore.Store on Redis Streams.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	retention time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newWithClient(cl, cfg), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller retains ownership of the
// client's lifecycle.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	return newWithClient(cl, cfg)
}

func newWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxLen := cfg.MaxSessionEvents
	if maxLen <= 0 {
		maxLen = 1024
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Store{client: cl, keyPrefix: prefix, maxLen: maxLen, retention: retention}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ eventstore.Store = (*Store)(nil)

func (s *Store) logKey(sessionID string) string  { return s.keyPrefix + "log:" + sessionID }
func (s *Store) goneKey(sessionID string) string { return s.keyPrefix + "gone:" + sessionID }

// sessionDigest fingerprints the session into every event ID so IDs stay
// unique across the whole store even though Redis stream IDs are only unique
// per key. A checkpoint presented against the wrong session never matches.
func sessionDigest(sessionID string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sessionID))
}

// composeEventID joins the session digest and the Redis stream entry ID into
// the opaque ID handed to clients.
func composeEventID(digest, redisID string) string { return digest + "." + redisID }

// splitEventID reverses composeEventID. The boolean is false when the value
// does not carry this store's shape or belongs to a different session.
func splitEventID(eventID, wantDigest string) (redisID string, ok bool) {
	digest, redisID, found := strings.Cut(eventID, ".")
	if !found || digest != wantDigest {
		return "", false
	}
	return redisID, true
}

func (s *Store) Append(ctx context.Context, sessionID, streamID string, payload []byte) (string, error) {
	key := s.logKey(sessionID)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"d": payload, "s": streamID},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	// Sliding retention: the whole log disappears once the session goes idle
	// past the window.
	_ = s.client.Expire(ctx, key, s.retention).Err()
	return composeEventID(sessionDigest(sessionID), id), nil
}

func (s *Store) Locate(ctx context.Context, sessionID, lastEventID string) (string, error) {
	entry, err := s.lookupEntry(ctx, sessionID, lastEventID)
	if err != nil {
		return "", err
	}
	return entryStreamID(entry), nil
}

func (s *Store) Replay(ctx context.Context, sessionID, lastEventID string, policy eventstore.ReplayPolicy, deliver eventstore.DeliverFunc) (string, error) {
	backlog, ckptStream, _, err := s.backlog(ctx, sessionID, lastEventID, policy)
	if err != nil {
		return "", err
	}
	for _, ev := range backlog {
		if err := ctx.Err(); err != nil {
			return ckptStream, err
		}
		if err := deliver(ctx, ev); err != nil {
			return ckptStream, err
		}
	}
	return ckptStream, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID, streamID, lastEventID string, policy eventstore.ReplayPolicy, deliver eventstore.DeliverFunc) error {
	key := s.logKey(sessionID)
	digest := sessionDigest(sessionID)

	// cursor is the Redis stream position live reads continue from. Seeding it
	// before the backlog is delivered makes the replay-to-live hand-off
	// gapless: anything appended during replay is at an ID above the cursor.
	var cursor string
	var scopeStream string

	if lastEventID != "" {
		backlog, ckptStream, last, err := s.backlog(ctx, sessionID, lastEventID, policy)
		if err != nil {
			return err
		}
		cursor = last
		if policy == eventstore.ReplayStrict {
			scopeStream = ckptStream
		}
		for _, ev := range backlog {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := deliver(ctx, ev); err != nil {
				return err
			}
		}
	} else {
		// No checkpoint: the attaching listener has seen nothing, so it is
		// owed the scoped stream's full buffered backlog. Reading from the
		// origin lets the scope filter below deliver it before live events.
		scopeStream = streamID
		cursor = "0-0"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Count:   64,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				gone, gerr := s.client.Exists(ctx, s.goneKey(sessionID)).Result()
				if gerr == nil && gone == 1 {
					// Session dropped; the stream simply ends.
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			cursor = m.ID
			if scopeStream != "" && entryStreamID(m) != scopeStream {
				continue
			}
			ev := entryToEvent(sessionID, digest, m)
			if err := deliver(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Store) DropSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Set(c, s.goneKey(sessionID), "1", s.retention).Err(); err != nil {
		return fmt.Errorf("set tombstone: %w", err)
	}
	if err := s.client.Del(c, s.logKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("del log: %w", err)
	}
	return nil
}

// backlog loads the full session log and filters it per the policy, exactly
// like the in-memory arena: strict keeps the checkpoint stream's remainder;
// cross-stream adds every other stream's buffered events. Returns the events,
// the checkpoint's logical stream, and the highest Redis ID scanned.
func (s *Store) backlog(ctx context.Context, sessionID, lastEventID string, policy eventstore.ReplayPolicy) ([]eventstore.Event, string, string, error) {
	digest := sessionDigest(sessionID)
	ckptRedisID, ok := splitEventID(lastEventID, digest)
	if !ok {
		return nil, "", "", eventstore.ErrResumptionExpired
	}

	key := s.logKey(sessionID)
	entries, err := s.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, "", "", fmt.Errorf("xrange: %w", err)
	}

	ckptStream := ""
	seenCkpt := false
	for _, m := range entries {
		if m.ID == ckptRedisID {
			ckptStream = entryStreamID(m)
			seenCkpt = true
			break
		}
	}
	if !seenCkpt {
		// Trimmed away or never existed: either way the window is gone.
		return nil, "", "", eventstore.ErrResumptionExpired
	}

	var backlog []eventstore.Event
	afterCkpt := false
	last := "0-0"
	for _, m := range entries {
		last = m.ID
		if m.ID == ckptRedisID {
			afterCkpt = true
			continue
		}
		sid := entryStreamID(m)
		switch policy {
		case eventstore.ReplayStrict:
			if sid == ckptStream && afterCkpt {
				backlog = append(backlog, entryToEvent(sessionID, digest, m))
			}
		case eventstore.ReplayCrossStream:
			if sid != ckptStream || afterCkpt {
				backlog = append(backlog, entryToEvent(sessionID, digest, m))
			}
		}
	}
	return backlog, ckptStream, last, nil
}

// lookupEntry fetches the exact stream entry a checkpoint refers to.
func (s *Store) lookupEntry(ctx context.Context, sessionID, eventID string) (redis.XMessage, error) {
	digest := sessionDigest(sessionID)
	redisID, ok := splitEventID(eventID, digest)
	if !ok {
		return redis.XMessage{}, eventstore.ErrResumptionExpired
	}
	entries, err := s.client.XRange(ctx, s.logKey(sessionID), redisID, redisID).Result()
	if err != nil {
		return redis.XMessage{}, fmt.Errorf("xrange: %w", err)
	}
	if len(entries) == 0 {
		return redis.XMessage{}, eventstore.ErrResumptionExpired
	}
	return entries[0], nil
}

func entryStreamID(m redis.XMessage) string {
	if v, ok := m.Values["s"].(string); ok {
		return v
	}
	return ""
}

func entryToEvent(sessionID, digest string, m redis.XMessage) eventstore.Event {
	var payload []byte
	switch v := m.Values["d"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return eventstore.Event{
		ID:        composeEventID(digest, m.ID),
		SessionID: sessionID,
		StreamID:  entryStreamID(m),
		Payload:   payload,
	}
}
