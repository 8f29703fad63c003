// Package clientstate persists the resumption checkpoint a client needs to
// survive a process restart: the session ID, the negotiated protocol version,
// and the ID of the last event it has seen. Stores are safe for concurrent
// use by a single client.
package clientstate

import (
	"context"
	"errors"
	"sync"
)

// ErrNoCheckpoint indicates the store holds no checkpoint. A client seeing it
// starts a fresh session instead of resuming.
var ErrNoCheckpoint = errors.New("no stored checkpoint")

// Checkpoint is everything a client must remember to resume a session.
type Checkpoint struct {
	SessionID       string `json:"sessionId"`
	ProtocolVersion string `json:"protocolVersion"`
	LastEventID     string `json:"lastEventId,omitempty"`
}

// StateStore persists a single checkpoint.
type StateStore interface {
	// Load returns the stored checkpoint or ErrNoCheckpoint.
	Load(ctx context.Context) (Checkpoint, error)

	// Save replaces the stored checkpoint.
	Save(ctx context.Context, cp Checkpoint) error

	// Clear removes the stored checkpoint. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}

// MemoryStore keeps the checkpoint in process memory. It is the default store
// and suits clients that do not need to survive restarts.
type MemoryStore struct {
	mu  sync.Mutex
	cp  Checkpoint
	set bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

var _ StateStore = (*MemoryStore)(nil)

func (s *MemoryStore) Load(ctx context.Context) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return s.cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
	s.set = true
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = Checkpoint{}
	s.set = false
	return nil
}
