// Package sessions binds a session ID to its negotiated protocol version,
// lifecycle state, and the set of event streams recorded for it. The Host
// interface abstracts metadata persistence so the same manager runs against
// the in-memory host or Redis.
package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound covers unknown, terminated, and expired sessions as
	// well as user mismatches. The client's only recovery is a fresh
	// initialize; the distinction is logged server-side, never surfaced.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates a lifecycle transition the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is a session lifecycle state.
type State string

const (
	// StateUninitialized is the implicit state before any record exists; it is
	// never persisted.
	StateUninitialized State = "uninitialized"
	// StateNegotiating means the initialize request arrived but the server has
	// not yet produced its capabilities response.
	StateNegotiating State = "negotiating"
	// StateActive means the handshake response was sent; the server is waiting
	// for notifications/initialized.
	StateActive State = "active"
	// StateReady is the terminal operating state. Method calls are only valid
	// here.
	StateReady State = "ready"
	// StateSuspended means every connection closed without explicit
	// termination. The session is replay-eligible until retention expires.
	StateSuspended State = "suspended"
	// StateTerminated is terminal; the session and its streams are purged.
	StateTerminated State = "terminated"
)

var validTransitions = map[State][]State{
	StateUninitialized: {StateNegotiating},
	StateNegotiating:   {StateActive, StateTerminated},
	StateActive:        {StateReady, StateSuspended, StateTerminated},
	StateReady:         {StateSuspended, StateTerminated},
	StateSuspended:     {StateReady, StateTerminated},
	StateTerminated:    {},
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ClientInfo records client identity supplied at initialization, kept for
// observability only.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Metadata is the authoritative persisted representation of a session.
// SessionID, UserID, and ProtocolVersion are immutable after the handshake.
// Timestamps are wall-clock UTC. TTL is a sliding idle window; Retention is
// the replay window applied once the session is suspended.
type Metadata struct {
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          ClientInfo    `json:"client,omitempty"`
	State           State         `json:"state"`
	NotifyStreamID  string        `json:"notify_stream_id"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	LastAccess      time.Time     `json:"last_access"`
	TTL             time.Duration `json:"ttl"`
	Retention       time.Duration `json:"retention"`
}

// ExpiresAt computes when the session becomes garbage. While suspended, the
// replay retention window applies; otherwise the sliding idle TTL does.
func (m *Metadata) ExpiresAt() time.Time {
	window := m.TTL
	if m.State == StateSuspended {
		window = m.Retention
	}
	if window <= 0 {
		return time.Time{}
	}
	return m.LastAccess.Add(window)
}

// Expired reports whether the session's window elapsed as of now.
func (m *Metadata) Expired(now time.Time) bool {
	exp := m.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Host persists session metadata. Implementations must be safe for concurrent
// use; MutateSession must apply fn atomically with respect to other mutations
// of the same session.
type Host interface {
	CreateSession(ctx context.Context, meta *Metadata) error
	GetSession(ctx context.Context, sessionID string) (*Metadata, error)
	MutateSession(ctx context.Context, sessionID string, fn func(*Metadata) error) error
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessionIDs returns the IDs of all live session records. Used by the
	// retention sweeper; ordering is unspecified.
	ListSessionIDs(ctx context.Context) ([]string, error)
}
