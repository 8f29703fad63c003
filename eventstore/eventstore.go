// Package eventstore defines the append-only, per-stream event log that backs
// resumption on the streamable HTTP transport.
//
// Every message the server emits toward a client is appended to a stream
// belonging to the client's session and assigned a store-unique event ID. A
// client that loses its connection presents the last event ID it saw and the
// store replays everything it missed, subject to the configured replay policy
// and the retention window.
package eventstore

import (
	"context"
	"errors"
)

var (
	// ErrResumptionExpired indicates the checkpoint event is unknown to the
	// store, either because it was evicted by retention or never existed for
	// this session. The client's only recovery is a fresh initialize; the data
	// gap is unrecoverable.
	ErrResumptionExpired = errors.New("resumption window expired")

	// ErrSubscriberLagged indicates a live subscriber fell too far behind the
	// append rate and was disconnected. The subscriber should resume with its
	// last delivered event ID.
	ErrSubscriberLagged = errors.New("subscriber lagged behind live events")
)

// Event is a single buffered JSON-RPC message.
type Event struct {
	// ID is opaque and unique across the entire store. Ordering is defined by
	// stored sequence position, never by any lexical property of the ID.
	ID        string
	SessionID string
	StreamID  string
	Payload   []byte
}

// ReplayPolicy selects which buffered events a resumption replays.
type ReplayPolicy int

const (
	// ReplayStrict replays only events that occurred after the checkpoint
	// within the checkpoint's own stream. This is the default.
	ReplayStrict ReplayPolicy = iota

	// ReplayCrossStream additionally delivers buffered events from the
	// session's other streams, treating them as having occurred after the
	// checkpoint. Within each stream order is preserved; across streams no
	// ordering is guaranteed. Clients must deduplicate by event ID.
	ReplayCrossStream
)

func (p ReplayPolicy) String() string {
	switch p {
	case ReplayCrossStream:
		return "cross-stream"
	default:
		return "strict"
	}
}

// ParseReplayPolicy maps the configuration spelling to a policy.
func ParseReplayPolicy(s string) (ReplayPolicy, error) {
	switch s {
	case "", "strict":
		return ReplayStrict, nil
	case "cross-stream":
		return ReplayCrossStream, nil
	}
	return ReplayStrict, errors.New("unknown replay policy: " + s)
}

// DeliverFunc receives one event. Returning an error stops the replay or
// subscription and propagates the error to the caller.
type DeliverFunc func(ctx context.Context, ev Event) error

// Store records events per stream and answers replay-after queries.
// Implementations must be safe for concurrent appends from multiple in-flight
// requests and concurrent reads during replay. Locking is per session; one
// session's traffic must never block another's.
type Store interface {
	// Append adds payload to the stream, assigning a fresh store-unique event
	// ID. Unknown stream IDs are created implicitly.
	Append(ctx context.Context, sessionID, streamID string, payload []byte) (eventID string, err error)

	// Locate resolves a checkpoint to the stream it belongs to without
	// delivering anything. It fails fast with ErrResumptionExpired when the
	// checkpoint has been evicted or is unknown within the session.
	Locate(ctx context.Context, sessionID, lastEventID string) (streamID string, err error)

	// Replay delivers the buffered events after lastEventID per the policy and
	// returns the checkpoint's stream ID. It does not block for live events.
	Replay(ctx context.Context, sessionID, lastEventID string, policy ReplayPolicy, deliver DeliverFunc) (streamID string, err error)

	// Subscribe attaches a live consumer. With a non-empty lastEventID the
	// buffered backlog is replayed first (per policy) and the live attach is
	// gapless: events appended during replay are delivered exactly once, in
	// order. With an empty lastEventID the consumer is owed streamID's full
	// buffered backlog before live delivery; a consumer that has already seen
	// events must resume with a checkpoint instead. Subscribe blocks until
	// ctx is done or deliver returns an error.
	Subscribe(ctx context.Context, sessionID, streamID, lastEventID string, policy ReplayPolicy, deliver DeliverFunc) error

	// DropSession discards all streams and buffered events for the session and
	// detaches its subscribers.
	DropSession(ctx context.Context, sessionID string) error
}
