package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/modelstream/mcp-resume-go/eventstore"
	"github.com/modelstream/mcp-resume-go/eventstore/eventstoretest"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	return NewWithClient(cl, cfg)
}

func TestConformance(t *testing.T) {
	eventstoretest.Run(t, func(t *testing.T) eventstore.Store {
		return newTestStore(t, Config{})
	})
}

func TestTrimEvictsOldCheckpoints(t *testing.T) {
	store := newTestStore(t, Config{MaxSessionEvents: 4})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := store.Append(ctx, "sess-1", "stream-a", []byte(`{}`))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	if _, err := store.Locate(ctx, "sess-1", ids[0]); !errors.Is(err, eventstore.ErrResumptionExpired) {
		t.Fatalf("locate trimmed checkpoint: want ErrResumptionExpired, got %v", err)
	}

	// A retained checkpoint still resolves to its stream.
	streamID, err := store.Locate(ctx, "sess-1", ids[len(ids)-1])
	if err != nil {
		t.Fatalf("locate retained checkpoint: %v", err)
	}
	if streamID != "stream-a" {
		t.Fatalf("stream id: want stream-a, got %q", streamID)
	}
}

func TestRetentionExpiresWholeLog(t *testing.T) {
	mr := miniredis.RunT(t)
	cl := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	store := NewWithClient(cl, Config{Retention: 5 * time.Minute})
	ctx := context.Background()

	id, err := store.Append(ctx, "sess-1", "stream-a", []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Ten minutes pass with the session idle; the key TTL fires.
	mr.FastForward(10 * time.Minute)

	if _, err := store.Locate(ctx, "sess-1", id); !errors.Is(err, eventstore.ErrResumptionExpired) {
		t.Fatalf("locate after retention: want ErrResumptionExpired, got %v", err)
	}
}

func TestEventIDsCarrySessionFingerprint(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	idA, err := store.Append(ctx, "sess-a", "stream-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	idB, err := store.Append(ctx, "sess-b", "stream-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if idA == idB {
		t.Fatalf("event ids across sessions collided: %q", idA)
	}

	// Same instant, different session: the digest prefix keeps the checkpoint
	// from resolving against the wrong log.
	if _, err := store.Locate(ctx, "sess-b", idA); !errors.Is(err, eventstore.ErrResumptionExpired) {
		t.Fatalf("foreign checkpoint: want ErrResumptionExpired, got %v", err)
	}
}
