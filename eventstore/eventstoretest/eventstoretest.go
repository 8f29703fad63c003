// Package eventstoretest provides a conformance suite that every
// eventstore.Store implementation must pass. Implementation packages call Run
// from their own tests with a factory for a fresh store.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelstream/mcp-resume-go/eventstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) eventstore.Store

// Run executes the conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("AppendAssignsUniqueIDs", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			streamID := fmt.Sprintf("stream-%d", i%3)
			id, err := store.Append(ctx, "sess-1", streamID, []byte(`{"jsonrpc":"2.0","method":"noop"}`))
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if id == "" {
				t.Fatal("append returned empty event id")
			}
			if seen[id] {
				t.Fatalf("duplicate event id %q", id)
			}
			seen[id] = true
		}
	})

	t.Run("StrictReplayDeliversStreamTailInOrder", func(t *testing.T) {
		store := factory(t)
		ids := appendN(t, store, "sess-1", "stream-a", 5)

		got := collectReplay(t, store, "sess-1", ids[1], eventstore.ReplayStrict)
		want := ids[2:]
		assertEventIDs(t, got, want)
	})

	t.Run("StrictReplayIgnoresOtherStreams", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		a1, err := store.Append(ctx, "sess-1", "stream-a", payload(1))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := store.Append(ctx, "sess-1", "stream-b", payload(2)); err != nil {
			t.Fatalf("append: %v", err)
		}
		a2, err := store.Append(ctx, "sess-1", "stream-a", payload(3))
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		got := collectReplay(t, store, "sess-1", a1, eventstore.ReplayStrict)
		assertEventIDs(t, got, []string{a2})
	})

	t.Run("CrossStreamReplayIncludesOtherStreams", func(t *testing.T) {
		// The resume-after-disconnect scenario: the tool response landed on the
		// POST stream (T1) and a progress notification on the listener stream
		// (T2). Resuming from the T1 checkpoint under the cross-stream policy
		// must surface the T2 event.
		store := factory(t)
		ctx := context.Background()

		e1, err := store.Append(ctx, "sess-1", "t1", payload(1))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		e2, err := store.Append(ctx, "sess-1", "t2", payload(2))
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		got := collectReplay(t, store, "sess-1", e1, eventstore.ReplayCrossStream)
		assertEventIDs(t, got, []string{e2})

		// The same checkpoint with the strict policy stays silent.
		if strict := collectReplay(t, store, "sess-1", e1, eventstore.ReplayStrict); len(strict) != 0 {
			t.Fatalf("strict replay leaked cross-stream events: %v", eventIDs(strict))
		}
	})

	t.Run("UnknownCheckpointFailsFast", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if _, err := store.Append(ctx, "sess-1", "stream-a", payload(1)); err != nil {
			t.Fatalf("append: %v", err)
		}

		if _, err := store.Locate(ctx, "sess-1", "no-such-event"); !errors.Is(err, eventstore.ErrResumptionExpired) {
			t.Fatalf("locate unknown checkpoint: want ErrResumptionExpired, got %v", err)
		}
		if _, err := store.Replay(ctx, "sess-1", "no-such-event", eventstore.ReplayStrict, discard); !errors.Is(err, eventstore.ErrResumptionExpired) {
			t.Fatalf("replay unknown checkpoint: want ErrResumptionExpired, got %v", err)
		}
	})

	t.Run("SessionIsolation", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		idA, err := store.Append(ctx, "sess-a", "stream-1", payload(1))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := store.Append(ctx, "sess-b", "stream-1", payload(2)); err != nil {
			t.Fatalf("append: %v", err)
		}

		if _, err := store.Locate(ctx, "sess-b", idA); !errors.Is(err, eventstore.ErrResumptionExpired) {
			t.Fatalf("cross-session checkpoint: want ErrResumptionExpired, got %v", err)
		}
	})

	t.Run("SubscribeDeliversLiveEventsForStream", func(t *testing.T) {
		store := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		events := make(chan eventstore.Event, 16)
		done := make(chan error, 1)
		go func() {
			done <- store.Subscribe(ctx, "sess-1", "stream-a", "", eventstore.ReplayStrict, func(_ context.Context, ev eventstore.Event) error {
				events <- ev
				return nil
			})
		}()

		// Give the subscriber a moment to attach before appending.
		time.Sleep(100 * time.Millisecond)

		id1, err := store.Append(ctx, "sess-1", "stream-a", payload(1))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := store.Append(ctx, "sess-1", "stream-b", payload(2)); err != nil {
			t.Fatalf("append: %v", err)
		}
		id2, err := store.Append(ctx, "sess-1", "stream-a", payload(3))
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		for _, want := range []string{id1, id2} {
			select {
			case ev := <-events:
				if ev.ID != want {
					t.Fatalf("live delivery: want %q, got %q", want, ev.ID)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for live event %q", want)
			}
		}

		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	})

	t.Run("SubscribeWithoutCheckpointDeliversBacklog", func(t *testing.T) {
		store := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids := appendN(t, store, "sess-1", "stream-a", 2)
		if _, err := store.Append(ctx, "sess-1", "stream-b", payload(9)); err != nil {
			t.Fatalf("append: %v", err)
		}

		events := make(chan eventstore.Event, 16)
		done := make(chan error, 1)
		go func() {
			done <- store.Subscribe(ctx, "sess-1", "stream-a", "", eventstore.ReplayStrict, func(_ context.Context, ev eventstore.Event) error {
				events <- ev
				return nil
			})
		}()

		// The scoped stream's full backlog arrives first; the other stream's
		// event never does.
		for _, want := range ids {
			select {
			case ev := <-events:
				if ev.ID != want {
					t.Fatalf("backlog: want %q, got %q", want, ev.ID)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for backlog event %q", want)
			}
		}

		live, err := store.Append(ctx, "sess-1", "stream-a", payload(10))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		select {
		case ev := <-events:
			if ev.ID != live {
				t.Fatalf("live after backlog: want %q, got %q", live, ev.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for live event after backlog")
		}

		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	})

	t.Run("SubscribeReplaysThenGoesLive", func(t *testing.T) {
		store := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids := appendN(t, store, "sess-1", "stream-a", 3)

		events := make(chan eventstore.Event, 16)
		done := make(chan error, 1)
		go func() {
			done <- store.Subscribe(ctx, "sess-1", "", ids[0], eventstore.ReplayStrict, func(_ context.Context, ev eventstore.Event) error {
				events <- ev
				return nil
			})
		}()

		// Replayed backlog: everything after the checkpoint.
		for _, want := range ids[1:] {
			select {
			case ev := <-events:
				if ev.ID != want {
					t.Fatalf("replay: want %q, got %q", want, ev.ID)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for replayed event %q", want)
			}
		}

		// A fresh append arrives live, exactly once, in order.
		live, err := store.Append(ctx, "sess-1", "stream-a", payload(99))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		select {
		case ev := <-events:
			if ev.ID != live {
				t.Fatalf("live after replay: want %q, got %q", live, ev.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for live event after replay")
		}

		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	})

	t.Run("DropSessionDetachesSubscribers", func(t *testing.T) {
		store := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := store.Append(ctx, "sess-1", "stream-a", payload(1)); err != nil {
			t.Fatalf("append: %v", err)
		}

		done := make(chan error, 1)
		go func() {
			done <- store.Subscribe(ctx, "sess-1", "stream-a", "", eventstore.ReplayStrict, discard)
		}()

		time.Sleep(100 * time.Millisecond)
		if err := store.DropSession(ctx, "sess-1"); err != nil {
			t.Fatalf("drop session: %v", err)
		}

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Fatalf("subscribe after drop returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber not detached after DropSession")
		}
	})
}

func payload(n int) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"test/event","params":{"n":%d}}`, n))
}

func discard(context.Context, eventstore.Event) error { return nil }

func appendN(t *testing.T, store eventstore.Store, sessionID, streamID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Append(ctx, sessionID, streamID, payload(i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func collectReplay(t *testing.T, store eventstore.Store, sessionID, lastEventID string, policy eventstore.ReplayPolicy) []eventstore.Event {
	t.Helper()
	var got []eventstore.Event
	if _, err := store.Replay(context.Background(), sessionID, lastEventID, policy, func(_ context.Context, ev eventstore.Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	return got
}

func eventIDs(events []eventstore.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func assertEventIDs(t *testing.T, got []eventstore.Event, want []string) {
	t.Helper()
	gotIDs := eventIDs(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("event count: want %v, got %v", want, gotIDs)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("event order: want %v, got %v", want, gotIDs)
		}
	}
}
