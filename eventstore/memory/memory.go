// Package memory provides the in-memory eventstore.Store used by
// single-process deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelstream/mcp-resume-go/eventstore"
)

const (
	defaultMaxSessionEvents = 1024
	defaultRetention        = 30 * time.Minute

	// subscriberBuffer bounds how far a live consumer may lag before it is
	// disconnected and forced to resume by checkpoint.
	subscriberBuffer = 256
)

// Option configures the Store.
type Option func(*Store)

// WithMaxSessionEvents bounds how many events a single session retains.
// The oldest events are evicted first, regardless of stream.
func WithMaxSessionEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithRetention bounds how long events are retained.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory eventstore.Store. A session-level mutex protects each
// session's stream arena; the store-level lock guards only the session map so
// unrelated sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog

	seq       atomic.Uint64
	maxEvents int
	retention time.Duration
	now       func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*sessionLog),
		maxEvents: defaultMaxSessionEvents,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ eventstore.Store = (*Store)(nil)

type record struct {
	ev  eventstore.Event
	seq uint64
	at  time.Time
}

type stream struct {
	id     string
	events []*record
}

type sessionLog struct {
	mu      sync.Mutex
	streams map[string]*stream
	index   map[string]*record // event ID -> record
	arrival []*record          // session-wide insertion order, eviction front
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	// scopeStream limits delivery to one stream; empty means session-wide.
	scopeStream string
	ch          chan eventstore.Event
	stopCh      chan struct{}
	lagged      bool
	stopped     bool
}

// stopLocked detaches the subscriber. Caller holds the session lock.
func (sub *subscriber) stopLocked(lagged bool) {
	if sub.stopped {
		return
	}
	sub.stopped = true
	sub.lagged = lagged
	close(sub.stopCh)
}

func (s *Store) Append(ctx context.Context, sessionID, streamID string, payload []byte) (string, error) {
	sl := s.ensureSession(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := s.now()
	seq := s.seq.Add(1)
	rec := &record{
		ev: eventstore.Event{
			ID:        strconv.FormatUint(seq, 10),
			SessionID: sessionID,
			StreamID:  streamID,
			Payload:   append([]byte(nil), payload...),
		},
		seq: seq,
		at:  now,
	}

	st, ok := sl.streams[streamID]
	if !ok {
		st = &stream{id: streamID}
		sl.streams[streamID] = st
	}
	st.events = append(st.events, rec)
	sl.arrival = append(sl.arrival, rec)
	sl.index[rec.ev.ID] = rec
	sl.evictLocked(now, s.retention, s.maxEvents)

	for sub := range sl.subs {
		if sub.stopped {
			continue
		}
		if sub.scopeStream != "" && sub.scopeStream != streamID {
			continue
		}
		select {
		case sub.ch <- rec.ev:
		default:
			// Slow consumer: cut it loose rather than block appends or drop
			// silently. It can resume from its last delivered event ID.
			sub.stopLocked(true)
		}
	}

	return rec.ev.ID, nil
}

func (s *Store) Locate(ctx context.Context, sessionID, lastEventID string) (string, error) {
	sl := s.lookupSession(sessionID)
	if sl == nil {
		return "", eventstore.ErrResumptionExpired
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.evictLocked(s.now(), s.retention, s.maxEvents)
	rec, ok := sl.index[lastEventID]
	if !ok {
		return "", eventstore.ErrResumptionExpired
	}
	return rec.ev.StreamID, nil
}

func (s *Store) Replay(ctx context.Context, sessionID, lastEventID string, policy eventstore.ReplayPolicy, deliver eventstore.DeliverFunc) (string, error) {
	sl := s.lookupSession(sessionID)
	if sl == nil {
		return "", eventstore.ErrResumptionExpired
	}

	sl.mu.Lock()
	backlog, streamID, err := sl.backlogLocked(s.now(), s.retention, s.maxEvents, lastEventID, policy)
	sl.mu.Unlock()
	if err != nil {
		return "", err
	}

	for _, ev := range backlog {
		if err := ctx.Err(); err != nil {
			return streamID, err
		}
		if err := deliver(ctx, ev); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID, streamID, lastEventID string, policy eventstore.ReplayPolicy, deliver eventstore.DeliverFunc) error {
	sl := s.ensureSession(sessionID)

	sub := &subscriber{
		ch:     make(chan eventstore.Event, subscriberBuffer),
		stopCh: make(chan struct{}),
	}

	// Registration and the backlog snapshot happen under one lock acquisition:
	// any append past this point lands on the channel, so the hand-off from
	// replay to live delivery has no gap and no duplicates.
	sl.mu.Lock()
	var backlog []eventstore.Event
	if lastEventID != "" {
		var ckptStream string
		var err error
		backlog, ckptStream, err = sl.backlogLocked(s.now(), s.retention, s.maxEvents, lastEventID, policy)
		if err != nil {
			sl.mu.Unlock()
			return err
		}
		if policy == eventstore.ReplayStrict {
			sub.scopeStream = ckptStream
		}
	} else {
		// No checkpoint: the attaching listener has seen nothing, so the
		// stream's full buffered backlog is owed before live delivery.
		sub.scopeStream = streamID
		if st := sl.streams[streamID]; st != nil {
			for _, rec := range st.events {
				backlog = append(backlog, rec.ev)
			}
		}
	}
	sl.subs[sub] = struct{}{}
	sl.mu.Unlock()

	defer func() {
		sl.mu.Lock()
		delete(sl.subs, sub)
		sub.stopLocked(false)
		sl.mu.Unlock()
	}()

	for _, ev := range backlog {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := deliver(ctx, ev); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			if sub.lagged {
				return eventstore.ErrSubscriberLagged
			}
			// Session dropped; the stream simply ends.
			return nil
		case ev := <-sub.ch:
			if err := deliver(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Store) DropSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sl, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sl.mu.Lock()
	for sub := range sl.subs {
		sub.stopLocked(false)
	}
	sl.subs = make(map[*subscriber]struct{})
	sl.mu.Unlock()
	return nil
}

// backlogLocked resolves the checkpoint and builds the replay set. Strict
// policy: the remainder of the checkpoint's stream. Cross-stream policy: that
// remainder plus every buffered event of the session's other streams, in
// session arrival order (which preserves per-stream order). Caller holds the
// session lock.
func (sl *sessionLog) backlogLocked(now time.Time, retention time.Duration, maxEvents int, lastEventID string, policy eventstore.ReplayPolicy) ([]eventstore.Event, string, error) {
	sl.evictLocked(now, retention, maxEvents)

	rec, ok := sl.index[lastEventID]
	if !ok {
		return nil, "", eventstore.ErrResumptionExpired
	}

	var backlog []eventstore.Event
	for _, r := range sl.arrival {
		switch policy {
		case eventstore.ReplayStrict:
			if r.ev.StreamID == rec.ev.StreamID && r.seq > rec.seq {
				backlog = append(backlog, r.ev)
			}
		case eventstore.ReplayCrossStream:
			if r.ev.StreamID != rec.ev.StreamID || r.seq > rec.seq {
				backlog = append(backlog, r.ev)
			}
		}
	}
	return backlog, rec.ev.StreamID, nil
}

// evictLocked drops events that aged out of the retention window or exceed the
// per-session event budget, oldest first. The session-wide arrival order makes
// the oldest record also the front of its own stream. Caller holds the session
// lock.
func (sl *sessionLog) evictLocked(now time.Time, retention time.Duration, maxEvents int) {
	for len(sl.arrival) > 0 {
		rec := sl.arrival[0]
		if len(sl.arrival) <= maxEvents && now.Sub(rec.at) <= retention {
			break
		}
		sl.arrival = sl.arrival[1:]
		delete(sl.index, rec.ev.ID)
		st := sl.streams[rec.ev.StreamID]
		if st != nil && len(st.events) > 0 && st.events[0] == rec {
			st.events = st.events[1:]
		}
	}
}

func (s *Store) ensureSession(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sessions[sessionID]
	if !ok {
		sl = &sessionLog{
			streams: make(map[string]*stream),
			index:   make(map[string]*record),
			subs:    make(map[*subscriber]struct{}),
		}
		s.sessions[sessionID] = sl
	}
	return sl
}

func (s *Store) lookupSession(sessionID string) *sessionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}
