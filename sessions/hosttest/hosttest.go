// Package hosttest provides a conformance suite for sessions.Host
// implementations.
package hosttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelstream/mcp-resume-go/sessions"
)

// Factory returns a fresh, empty host for one subtest.
type Factory func(t *testing.T) sessions.Host

// Run executes the conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	newMeta := func(id string) *sessions.Metadata {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return &sessions.Metadata{
			SessionID:       id,
			UserID:          "user-1",
			ProtocolVersion: "2025-06-18",
			State:           sessions.StateNegotiating,
			NotifyStreamID:  "notify-" + id,
			CreatedAt:       now,
			UpdatedAt:       now,
			LastAccess:      now,
			TTL:             time.Hour,
			Retention:       30 * time.Minute,
		}
	}

	t.Run("CreateAndGetRoundTrips", func(t *testing.T) {
		host := factory(t)
		ctx := context.Background()

		want := newMeta("sess-1")
		if err := host.CreateSession(ctx, want); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := host.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.SessionID != want.SessionID || got.UserID != want.UserID ||
			got.ProtocolVersion != want.ProtocolVersion || got.State != want.State ||
			got.NotifyStreamID != want.NotifyStreamID || got.TTL != want.TTL {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	})

	t.Run("GetUnknownSessionFails", func(t *testing.T) {
		host := factory(t)
		if _, err := host.GetSession(context.Background(), "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("want ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("MutatePersistsChanges", func(t *testing.T) {
		host := factory(t)
		ctx := context.Background()
		if err := host.CreateSession(ctx, newMeta("sess-1")); err != nil {
			t.Fatalf("create: %v", err)
		}

		if err := host.MutateSession(ctx, "sess-1", func(meta *sessions.Metadata) error {
			meta.State = sessions.StateReady
			return nil
		}); err != nil {
			t.Fatalf("mutate: %v", err)
		}

		got, err := host.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != sessions.StateReady {
			t.Fatalf("state: want ready, got %s", got.State)
		}
	})

	t.Run("MutateErrorLeavesRecordUntouched", func(t *testing.T) {
		host := factory(t)
		ctx := context.Background()
		if err := host.CreateSession(ctx, newMeta("sess-1")); err != nil {
			t.Fatalf("create: %v", err)
		}

		boom := errors.New("boom")
		if err := host.MutateSession(ctx, "sess-1", func(meta *sessions.Metadata) error {
			meta.State = sessions.StateTerminated
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("want boom, got %v", err)
		}

		got, err := host.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != sessions.StateNegotiating {
			t.Fatalf("state leaked: want negotiating, got %s", got.State)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		host := factory(t)
		ctx := context.Background()
		if err := host.CreateSession(ctx, newMeta("sess-1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := host.DeleteSession(ctx, "sess-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := host.DeleteSession(ctx, "sess-1"); err != nil {
			t.Fatalf("repeat delete: %v", err)
		}
		if _, err := host.GetSession(ctx, "sess-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("want ErrSessionNotFound after delete, got %v", err)
		}
	})

	t.Run("ListSessionIDs", func(t *testing.T) {
		host := factory(t)
		ctx := context.Background()
		for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
			if err := host.CreateSession(ctx, newMeta(id)); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		ids, err := host.ListSessionIDs(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("list count: want 3, got %d (%v)", len(ids), ids)
		}
		seen := make(map[string]bool)
		for _, id := range ids {
			seen[id] = true
		}
		for _, want := range []string{"sess-1", "sess-2", "sess-3"} {
			if !seen[want] {
				t.Fatalf("missing session %s in %v", want, ids)
			}
		}
	})
}
