package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelstream/mcp-resume-go/eventstore"
	"github.com/modelstream/mcp-resume-go/internal/logctx"
	"github.com/modelstream/mcp-resume-go/mcp"
)

const (
	defaultSessionTTL   = 1 * time.Hour
	defaultRetention    = 30 * time.Minute
	defaultHandshakeTTL = 30 * time.Second
	defaultSweepEvery   = 30 * time.Second
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL overrides the sliding idle TTL for ready sessions.
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithRetention overrides the replay window applied to suspended sessions.
// It should match the event store's retention so the two windows expire
// together.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithHandshakeTTL bounds how long a session may sit in the handshake states
// before the sweeper reclaims it.
func WithHandshakeTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTTL = d
		}
	}
}

// WithSweepInterval overrides how often Run sweeps for expired sessions.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithServerInfo sets the implementation identity returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ManagerOption {
	return func(m *Manager) { m.serverInfo = info }
}

// WithInstructions sets optional usage instructions returned from initialize.
func WithInstructions(s string) ManagerOption {
	return func(m *Manager) { m.instructions = s }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns session lifecycle: handshake, lookup, suspension, resumption,
// and retention-driven teardown. It is safe for concurrent use.
type Manager struct {
	host  Host
	store eventstore.Store
	log   *slog.Logger
	now   func() time.Time

	ttl          time.Duration
	retention    time.Duration
	handshakeTTL time.Duration
	sweepEvery   time.Duration

	serverInfo   mcp.ImplementationInfo
	instructions string
}

func NewManager(host Host, store eventstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:         host,
		store:        store,
		log:          slog.Default(),
		now:          time.Now,
		ttl:          defaultSessionTTL,
		retention:    defaultRetention,
		handshakeTTL: defaultHandshakeTTL,
		sweepEvery:   defaultSweepEvery,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is a loaded session. It is a snapshot; concurrent lifecycle changes
// are observed on the next Load.
type Handle struct {
	meta *Metadata
}

func (h *Handle) SessionID() string       { return h.meta.SessionID }
func (h *Handle) UserID() string          { return h.meta.UserID }
func (h *Handle) ProtocolVersion() string { return h.meta.ProtocolVersion }
func (h *Handle) State() State            { return h.meta.State }

// NotifyStreamID is the session's standalone listener stream: the stream that
// server-initiated notifications are appended to and that a fresh GET attaches
// to.
func (h *Handle) NotifyStreamID() string { return h.meta.NotifyStreamID }

// Initialize runs the handshake: negotiate a protocol version, persist the
// session in the negotiating state, and move it to active as the capabilities
// response is produced. The returned handle carries the new session ID.
func (m *Manager) Initialize(ctx context.Context, userID string, req *mcp.InitializeRequest) (*Handle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}
	if userID == "" {
		return nil, nil, fmt.Errorf("user id required")
	}

	// Version negotiation happens exactly once; the result is immutable for
	// the life of the session.
	version := req.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	now := m.now().UTC()
	meta := &Metadata{
		SessionID:       uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: version,
		Client: ClientInfo{
			Name:    req.ClientInfo.Name,
			Version: req.ClientInfo.Version,
			Title:   req.ClientInfo.Title,
		},
		State:          StateNegotiating,
		NotifyStreamID: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccess:     now,
		TTL:            m.handshakeTTL,
		Retention:      m.retention,
	}
	if err := m.host.CreateSession(ctx, meta); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	// The capabilities response is about to be written; record the
	// negotiating -> active step.
	if err := m.transition(ctx, meta.SessionID, StateActive, func(rec *Metadata) {
		rec.TTL = m.handshakeTTL
	}); err != nil {
		return nil, nil, err
	}
	meta.State = StateActive

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       meta.SessionID,
		UserID:          userID,
		ProtocolVersion: version,
		State:           string(meta.State),
	})
	m.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", meta.Client.Name),
		slog.String("requested_version", req.ProtocolVersion),
	)

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Methods: &mcp.MethodsCapability{}},
		ServerInfo:      m.serverInfo,
		Instructions:    m.instructions,
	}
	return &Handle{meta: meta}, res, nil
}

// MarkInitialized handles notifications/initialized: the session becomes
// ready and the sliding idle TTL replaces the handshake window. Idempotent
// when the session is already ready.
func (m *Manager) MarkInitialized(ctx context.Context, h *Handle) error {
	err := m.transition(ctx, h.SessionID(), StateReady, func(rec *Metadata) {
		rec.TTL = m.ttl
	})
	if err == nil {
		h.meta.State = StateReady
		m.log.InfoContext(ctx, "session.ready")
	}
	return err
}

// Load fetches and validates a session for the given user. Expired sessions
// are reclaimed on the way out; terminated, unknown, and mismatched sessions
// all surface as ErrSessionNotFound.
func (m *Manager) Load(ctx context.Context, sessionID, userID string) (*Handle, error) {
	meta, err := m.host.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if meta.State == StateTerminated {
		return nil, ErrSessionNotFound
	}
	if meta.UserID != userID {
		m.log.WarnContext(ctx, "session.load.user_mismatch",
			slog.String("session_id", sessionID))
		return nil, ErrSessionNotFound
	}
	if meta.Expired(m.now().UTC()) {
		m.log.InfoContext(ctx, "session.load.expired", slog.String("session_id", sessionID))
		_ = m.Terminate(ctx, sessionID)
		return nil, ErrSessionNotFound
	}

	_ = m.host.TouchSession(ctx, sessionID)
	return &Handle{meta: meta}, nil
}

// Suspend records that the session's last connection closed without explicit
// termination. The session stays replay-eligible for the retention window.
// Suspending a session that is not ready is a no-op.
func (m *Manager) Suspend(ctx context.Context, h *Handle) error {
	err := m.transition(ctx, h.SessionID(), StateSuspended, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	h.meta.State = StateSuspended
	m.log.InfoContext(ctx, "session.suspend")
	return nil
}

// Resume moves a suspended session back to ready after a successful
// resumption GET. Resuming a session that never suspended is a no-op.
func (m *Manager) Resume(ctx context.Context, h *Handle) error {
	err := m.transition(ctx, h.SessionID(), StateReady, func(rec *Metadata) {
		rec.TTL = m.ttl
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	h.meta.State = StateReady
	m.log.InfoContext(ctx, "session.resume.ok")
	return nil
}

// Terminate tears the session down: metadata deleted, buffered events
// dropped. Idempotent.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	if err := m.host.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := m.store.DropSession(ctx, sessionID); err != nil {
		return fmt.Errorf("drop session events: %w", err)
	}
	m.log.InfoContext(ctx, "session.terminate", slog.String("session_id", sessionID))
	return nil
}

// Run sweeps for expired sessions until ctx is done. Suspended sessions past
// the retention window and handshakes that never completed both transition to
// terminated and are purged.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Sweep runs one reclamation pass. Exposed for tests and for callers that
// schedule their own sweeps.
func (m *Manager) Sweep(ctx context.Context) { m.sweep(ctx) }

func (m *Manager) sweep(ctx context.Context) {
	ids, err := m.host.ListSessionIDs(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "session.sweep.list.fail", slog.String("err", err.Error()))
		return
	}
	now := m.now().UTC()
	for _, id := range ids {
		meta, err := m.host.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if !meta.Expired(now) {
			continue
		}
		if err := m.Terminate(ctx, id); err != nil {
			m.log.ErrorContext(ctx, "session.sweep.terminate.fail",
				slog.String("session_id", id), slog.String("err", err.Error()))
			continue
		}
		m.log.InfoContext(ctx, "session.sweep.reclaimed",
			slog.String("session_id", id), slog.String("state", string(meta.State)))
	}
}

// transition applies a validated lifecycle transition plus an optional extra
// mutation under the host's atomic mutate.
func (m *Manager) transition(ctx context.Context, sessionID string, next State, mutate func(*Metadata)) error {
	err := m.host.MutateSession(ctx, sessionID, func(rec *Metadata) error {
		if rec.State == next {
			// Idempotent re-entry.
			if mutate != nil {
				mutate(rec)
			}
			return nil
		}
		if !rec.State.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, next)
		}
		rec.State = next
		if mutate != nil {
			mutate(rec)
		}
		now := m.now().UTC()
		rec.UpdatedAt = now
		rec.LastAccess = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("mutate session: %w", err)
	}
	return nil
}
