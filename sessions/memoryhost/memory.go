// Package memoryhost provides an in-memory sessions.Host for single-process
// deployments and tests.
package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/modelstream/mcp-resume-go/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu      sync.RWMutex
	records map[string]*sessions.Metadata
}

func New() *Host {
	return &Host{records: make(map[string]*sessions.Metadata)}
}

var _ sessions.Host = (*Host)(nil)

func (h *Host) CreateSession(ctx context.Context, meta *sessions.Metadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *meta
	h.records[meta.SessionID] = &cp
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.Metadata, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.Metadata) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	// Mutate a copy so a failing fn leaves the record untouched.
	cp := *rec
	if err := fn(&cp); err != nil {
		return err
	}
	h.records[sessionID] = &cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	rec.LastAccess = time.Now().UTC()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, sessionID)
	return nil
}

func (h *Host) ListSessionIDs(ctx context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	return ids, nil
}
