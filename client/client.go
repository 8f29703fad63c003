// Package client implements a resuming client for the streamable HTTP
// transport. The client persists a (session ID, last event ID) checkpoint
// through a clientstate.StateStore, detects dropped listener streams, and
// reattaches with exponential backoff using the Last-Event-ID header so no
// buffered event is lost across a disconnect. Delivery after a resume is
// at-least-once; a bounded event-ID window suppresses the duplicates.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/modelstream/mcp-resume-go/client/clientstate"
	"github.com/modelstream/mcp-resume-go/internal/jsonrpc"
	"github.com/modelstream/mcp-resume-go/mcp"
)

var (
	// ErrNotInitialized indicates no session exists yet; call Initialize first
	// or provide a state store holding a checkpoint.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrSessionLost indicates the server no longer knows the session. The
	// stored checkpoint has been cleared; Initialize starts over.
	ErrSessionLost = errors.New("session lost")

	// ErrCheckpointExpired indicates the server evicted the events behind the
	// stored checkpoint. The data gap is unrecoverable; Initialize starts a
	// fresh session.
	ErrCheckpointExpired = errors.New("resumption checkpoint expired")
)

// RPCError is a JSON-RPC error returned by the server for a call.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler receives server-originated notifications.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"
)

type options struct {
	httpClient     *http.Client
	log            *slog.Logger
	state          clientstate.StateStore
	token          string
	info           mcp.ImplementationInfo
	onNotification NotificationHandler
	newBackOff     func() backoff.BackOff
	dedupeWindow   int
}

// Option configures the client.
type Option func(*options)

// WithHTTPClient substitutes the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

// WithStateStore persists the resumption checkpoint. Defaults to an
// in-process memory store.
func WithStateStore(s clientstate.StateStore) Option { return func(o *options) { o.state = s } }

// WithBearerToken sends the token on every request.
func WithBearerToken(tok string) Option { return func(o *options) { o.token = tok } }

// WithClientInfo sets the implementation info announced at initialize time.
func WithClientInfo(info mcp.ImplementationInfo) Option { return func(o *options) { o.info = info } }

// WithNotificationHandler receives notifications that arrive on call streams
// (progress, for example). Listen takes its own handler.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(o *options) { o.onNotification = h }
}

// WithBackOff substitutes the reconnect policy factory used by Listen.
func WithBackOff(f func() backoff.BackOff) Option { return func(o *options) { o.newBackOff = f } }

// WithDedupeWindow sets how many recently delivered event IDs are remembered
// to suppress duplicates after a resume. Defaults to 256.
func WithDedupeWindow(n int) Option { return func(o *options) { o.dedupeWindow = n } }

// Client talks to one streamable HTTP endpoint. It is safe for concurrent
// use, though only one Listen loop should run at a time.
type Client struct {
	endpoint string
	httpc    *http.Client
	log      *slog.Logger
	state    clientstate.StateStore
	token    string
	info     mcp.ImplementationInfo

	onNotification NotificationHandler
	newBackOff     func() backoff.BackOff

	nextID atomic.Int64

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	seen            *dedupeRing
}

// New builds a client for the given endpoint URL.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http or https, got %q", u.Scheme)
	}

	o := options{
		httpClient:   http.DefaultClient,
		log:          slog.Default(),
		state:        clientstate.NewMemoryStore(),
		info:         mcp.ImplementationInfo{Name: "mcp-resume-go", Version: "dev"},
		dedupeWindow: 256,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 250 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		endpoint:       endpoint,
		httpc:          o.httpClient,
		log:            o.log,
		state:          o.state,
		token:          o.token,
		info:           o.info,
		onNotification: o.onNotification,
		newBackOff:     o.newBackOff,
		seen:           newDedupeRing(o.dedupeWindow),
	}, nil
}

// SessionID returns the current session ID, or "" before initialization.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Initialize runs the initialization handshake and persists the resulting
// session as the checkpoint. Any previous session is abandoned.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal initialize: %w", err)
	}

	resp, err := c.post(ctx, body, "", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode initialize response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Code: int(rpcResp.Error.Code), Message: rpcResp.Error.Message}
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	sessionID := resp.Header.Get(sessionIDHeader)
	if sessionID == "" {
		return nil, errors.New("server returned no session ID")
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.protocolVersion = result.ProtocolVersion
	c.seen.reset()
	c.mu.Unlock()

	note, err := jsonrpc.NewNotification(mcp.InitializedNotification, nil)
	if err != nil {
		return nil, err
	}
	if err := c.postNotification(ctx, note); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	cp := clientstate.Checkpoint{SessionID: sessionID, ProtocolVersion: result.ProtocolVersion}
	if err := c.state.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	c.log.Info("client.initialize.ok",
		slog.String("session_id", sessionID),
		slog.String("protocol_version", result.ProtocolVersion))
	return &result, nil
}

// adoptCheckpoint loads a persisted session so a restarted process can carry
// on without a new handshake.
func (c *Client) adoptCheckpoint(ctx context.Context) error {
	c.mu.Lock()
	have := c.sessionID != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	cp, err := c.state.Load(ctx)
	if errors.Is(err, clientstate.ErrNoCheckpoint) {
		return ErrNotInitialized
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	c.mu.Lock()
	c.sessionID = cp.SessionID
	c.protocolVersion = cp.ProtocolVersion
	c.mu.Unlock()
	return nil
}

// Call invokes a method and decodes its result into result (unless nil).
// Notifications that arrive on the call stream, such as progress, go to the
// handler configured with WithNotificationHandler.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if err := c.adoptCheckpoint(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	sessionID, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()

	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, body, sessionID, version)
	if err != nil {
		return err
	}
	// resp is replaced when a dropped stream is resumed; close whichever
	// response is current on the way out.
	defer func() {
		if resp != nil {
			resp.Body.Close()
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.dropSession(ctx)
		return ErrSessionLost
	default:
		return httpError(resp)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		// Plain JSON response body.
		var rpcResp jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return decodeCallResult(&rpcResp, result)
	}

	// The response and any interleaved notifications stream back as SSE
	// frames. If the stream drops before the response arrives, resume it from
	// the last event seen; the server replays the remainder.
	lastEventID := ""
	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if lastEventID == "" {
				return fmt.Errorf("call stream ended without response: %w", err)
			}
			reader, resp, err = c.resumeStream(ctx, resp, sessionID, version, lastEventID)
			if err != nil {
				return err
			}
			continue
		}
		// Cross-stream replay can redeliver events the listener stream already
		// handed out; the shared ring suppresses those for notifications. The
		// response is never suppressed: its id correlation makes it safe.
		fresh := true
		if ev.id != "" {
			lastEventID = ev.id
			c.mu.Lock()
			fresh = c.seen.observe(ev.id)
			c.mu.Unlock()
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(ev.data, &msg); err != nil {
			c.log.Warn("client.call.bad_event", slog.String("err", err.Error()))
			continue
		}
		switch msg.Kind() {
		case "notification":
			if fresh && c.onNotification != nil {
				c.onNotification(ctx, msg.Method, msg.Params)
			}
		case "response":
			if msg.ID.String() != id.String() {
				continue
			}
			return decodeCallResult(msg.AsResponse(), result)
		}
	}
}

// resumeStream reopens a dropped call stream from the given checkpoint.
func (c *Client) resumeStream(ctx context.Context, prev *http.Response, sessionID, version, lastEventID string) (*sseReader, *http.Response, error) {
	prev.Body.Close()
	c.log.Debug("client.call.resume", slog.String("last_event_id", lastEventID))
	resp, err := c.get(ctx, sessionID, version, lastEventID)
	if err != nil {
		return nil, nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return newSSEReader(resp.Body), resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		c.dropSession(ctx)
		return nil, nil, ErrSessionLost
	case http.StatusConflict:
		resp.Body.Close()
		return nil, nil, ErrCheckpointExpired
	default:
		defer resp.Body.Close()
		return nil, nil, httpError(resp)
	}
}

// Notify sends a notification. The server acknowledges without a body.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.adoptCheckpoint(ctx); err != nil {
		return err
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.postNotification(ctx, note)
}

// Cancel asks the server to abandon an in-flight request.
func (c *Client) Cancel(ctx context.Context, requestID string, reason string) error {
	return c.Notify(ctx, mcp.CancelledNotification, mcp.CancelledNotificationParams{
		RequestID: requestID,
		Reason:    reason,
	})
}

// Listen attaches to the session's listener stream and delivers
// server-originated notifications to handler. It reconnects with exponential
// backoff on disconnect, resuming from the persisted checkpoint, and returns
// only when ctx is done or the session cannot be recovered. A lost session
// (404) or an expired checkpoint (409) is recovered by initializing a fresh
// session; handler then sees that session's events from its start.
func (c *Client) Listen(ctx context.Context, handler NotificationHandler) error {
	if err := c.adoptCheckpoint(ctx); err != nil {
		if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		if _, err := c.Initialize(ctx); err != nil {
			return err
		}
	}

	bo := c.newBackOff()
	for {
		err := c.listenOnce(ctx, handler)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			// Clean server-side close; reattach immediately with a fresh
			// backoff budget.
			bo.Reset()
			continue
		case errors.Is(err, ErrSessionLost), errors.Is(err, ErrCheckpointExpired):
			c.log.Info("client.listen.reinitialize", slog.String("reason", err.Error()))
			if _, ierr := c.Initialize(ctx); ierr != nil {
				return fmt.Errorf("reinitialize after %w: %v", err, ierr)
			}
			bo.Reset()
			continue
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("listener gave up: %w", err)
		}
		c.log.Debug("client.listen.retry",
			slog.String("err", err.Error()),
			slog.Duration("delay", next))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}

// listenOnce runs one listener stream attach until it drops. A nil return
// means the server closed the stream cleanly.
func (c *Client) listenOnce(ctx context.Context, handler NotificationHandler) error {
	cp, err := c.state.Load(ctx)
	if err != nil && !errors.Is(err, clientstate.ErrNoCheckpoint) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	c.mu.Lock()
	sessionID, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()
	lastEventID := ""
	if err == nil && cp.SessionID == sessionID {
		lastEventID = cp.LastEventID
	}

	resp, err := c.get(ctx, sessionID, version, lastEventID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.dropSession(ctx)
		return ErrSessionLost
	case http.StatusConflict:
		return ErrCheckpointExpired
	default:
		return httpError(resp)
	}

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("listener stream: %w", err)
		}

		fresh := true
		if ev.id != "" {
			c.mu.Lock()
			fresh = c.seen.observe(ev.id)
			c.mu.Unlock()
		}
		if fresh {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(ev.data, &msg); err != nil {
				c.log.Warn("client.listen.bad_event", slog.String("err", err.Error()))
			} else if msg.Kind() == "notification" {
				handler(ctx, msg.Method, msg.Params)
			}
		}

		// Update-on-receipt: the checkpoint advances even past duplicates so
		// the next resume starts from the newest delivered event.
		if ev.id != "" {
			cp := clientstate.Checkpoint{SessionID: sessionID, ProtocolVersion: version, LastEventID: ev.id}
			if err := c.state.Save(ctx, cp); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
	}
}

// Close terminates the session on the server and clears the checkpoint. A
// session the server already forgot is not an error.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(hreq, sessionID, version)
	resp, err := c.httpc.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
	default:
		return httpError(resp)
	}

	c.dropSession(ctx)
	c.log.Info("client.close.ok", slog.String("session_id", sessionID))
	return nil
}

func (c *Client) dropSession(ctx context.Context) {
	c.mu.Lock()
	c.sessionID = ""
	c.protocolVersion = ""
	c.seen.reset()
	c.mu.Unlock()
	if err := c.state.Clear(ctx); err != nil {
		c.log.Warn("client.state.clear_failed", slog.String("err", err.Error()))
	}
}

func (c *Client) post(ctx context.Context, body []byte, sessionID, version string) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json, text/event-stream")
	c.setHeaders(hreq, sessionID, version)
	return c.httpc.Do(hreq)
}

func (c *Client) postNotification(ctx context.Context, note *jsonrpc.Request) error {
	c.mu.Lock()
	sessionID, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotInitialized
	}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	resp, err := c.post(ctx, body, sessionID, version)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		c.dropSession(ctx)
		return ErrSessionLost
	default:
		return httpError(resp)
	}
}

func (c *Client) get(ctx context.Context, sessionID, version, lastEventID string) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Accept", "text/event-stream")
	c.setHeaders(hreq, sessionID, version)
	if lastEventID != "" {
		hreq.Header.Set(lastEventIDHeader, lastEventID)
	}
	return c.httpc.Do(hreq)
}

func (c *Client) setHeaders(r *http.Request, sessionID, version string) {
	if sessionID != "" {
		r.Header.Set(sessionIDHeader, sessionID)
	}
	if version != "" {
		r.Header.Set(protocolVersionHeader, version)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeCallResult(resp *jsonrpc.Response, result any) error {
	if resp.Error != nil {
		return &RPCError{Code: int(resp.Error.Code), Message: resp.Error.Message}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// httpError surfaces the transport's JSON error body when there is one.
func httpError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("http %d: %s", resp.StatusCode, body.Error.Message)
	}
	return fmt.Errorf("http %d", resp.StatusCode)
}

// dedupeRing remembers the last n observed event IDs.
type dedupeRing struct {
	order []string
	index map[string]struct{}
	next  int
}

func newDedupeRing(n int) *dedupeRing {
	if n <= 0 {
		n = 256
	}
	return &dedupeRing{order: make([]string, n), index: make(map[string]struct{}, n)}
}

// observe records the ID and reports whether it was seen for the first time.
func (d *dedupeRing) observe(id string) bool {
	if _, ok := d.index[id]; ok {
		return false
	}
	if old := d.order[d.next]; old != "" {
		delete(d.index, old)
	}
	d.order[d.next] = id
	d.index[id] = struct{}{}
	d.next = (d.next + 1) % len(d.order)
	return true
}

func (d *dedupeRing) reset() {
	for i := range d.order {
		d.order[i] = ""
	}
	clear(d.index)
}
