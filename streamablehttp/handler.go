package streamablehttp

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
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/modelstream/mcp-resume-go/auth"
	"github.com/modelstream/mcp-resume-go/eventstore"
	"github.com/modelstream/mcp-resume-go/internal/jsonrpc"
	"github.com/modelstream/mcp-resume-go/internal/logctx"
	"github.com/modelstream/mcp-resume-go/mcp"
	"github.com/modelstream/mcp-resume-go/service"
	"github.com/modelstream/mcp-resume-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError answers in-band with a JSON-RPC error object. Used for
// envelope-level faults where the peer expects a JSON-RPC shape rather than
// the transport's error body.
func writeRPCError(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	realm     string
	policy    eventstore.ReplayPolicy
	keepAlive time.Duration
}

// WithLogger sets the slog logger used by the handler. If not provided, the
// default logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithReplayPolicy selects the resumption replay policy. The default,
// eventstore.ReplayStrict, replays only the checkpoint's own stream.
func WithReplayPolicy(p eventstore.ReplayPolicy) Option {
	return func(c *newConfig) { c.policy = p }
}

// WithKeepAliveInterval sets the interval between SSE keep-alive comments on
// listener streams. Zero disables keep-alives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// Handler implements the resumable streamable HTTP transport: POST carries
// client-to-server JSON-RPC traffic, GET attaches an SSE listener with
// optional resumption via Last-Event-ID, and DELETE terminates the session.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	auth     auth.Authenticator
	registry *service.Registry
	manager  *sessions.Manager
	store    eventstore.Store

	policy    eventstore.ReplayPolicy
	keepAlive time.Duration
	realm     string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // session id + "/" + request id
}

// New constructs a Handler serving the transport at the path of
// publicEndpoint.
func New(publicEndpoint string, manager *sessions.Manager, store eventstore.Store, registry *service.Registry, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("method registry is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	endpoint, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", endpoint.Scheme)
	}

	cfg := &newConfig{
		logger:    slog.Default(),
		policy:    eventstore.ReplayStrict,
		keepAlive: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		auth:      authenticator,
		registry:  registry,
		manager:   manager,
		store:     store,
		policy:    cfg.policy,
		keepAlive: cfg.keepAlive,
		realm:     cfg.realm,
		inflight:  make(map[string]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(endpoint)), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(endpoint)), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(endpoint)), h.handleDelete)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handlePost accepts a single JSON-RPC message. Requests open a per-request
// SSE stream carrying progress events and the response; notifications are
// acknowledged with 202 and never produce a body.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		// No envelope at all, so no id to echo back.
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on this transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Recover the id when the body parsed structurally: a malformed
		// request is answered in-band, a malformed notification is dropped.
		var envelope struct {
			ID *jsonrpc.RequestID `json:"id"`
		}
		_ = json.Unmarshal(raw, &envelope)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		if envelope.ID.IsNil() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(envelope.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error(), nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Kind(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, &msg, userInfo, start)
		return
	}

	sess, err := h.manager.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           string(sess.State()),
	})

	if req := msg.AsRequest(); req != nil && req.Method == mcp.InitializeMethod {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if clientPV := r.Header.Get(mcpProtocolVersionHeader); clientPV != "" && clientPV != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.IsNotification() {
			h.handleNotification(ctx, w, sess, req, start)
			return
		}
		// Method calls are only valid once the handshake completed with
		// notifications/initialized. Request activity on a suspended session
		// revives it, like a resumption GET does.
		switch sess.State() {
		case sessions.StateReady:
		case sessions.StateSuspended:
			if err := h.manager.Resume(ctx, sess); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to resume session")
				h.log.ErrorContext(ctx, "session.resume.fail", slog.String("err", err.Error()))
				return
			}
		default:
			writeRPCError(w, http.StatusConflict,
				jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil))
			h.log.WarnContext(ctx, "session.not_ready", slog.String("state", string(sess.State())))
			return
		}
		h.handleRequest(ctx, w, r, wf, sess, req, start)
		return
	}

	// Client-to-server responses have no matching server-initiated request on
	// this transport; acknowledge and drop.
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "response.inbound.drop", slog.Duration("dur", time.Since(start)))
}

// handleInitialize services a sessionless POST, which must carry an
// initialize request.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, userInfo auth.UserInfo, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != mcp.InitializeMethod || req.IsNotification() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	sess, initRes, err := h.manager.Initialize(ctx, userInfo.UserID(), &initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: sess.UserID()})

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleNotification services an inbound notification. Notifications never
// produce a response body; malformed ones are dropped after logging.
func (h *Handler) handleNotification(ctx context.Context, w http.ResponseWriter, sess *sessions.Handle, req *jsonrpc.Request, start time.Time) {
	switch req.Method {
	case mcp.InitializedNotification:
		if err := h.manager.MarkInitialized(ctx, sess); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to record initialized")
			h.log.ErrorContext(ctx, "session.initialized.fail", slog.String("err", err.Error()))
			return
		}
	case mcp.CancelledNotification:
		var params mcp.CancelledNotificationParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.log.WarnContext(ctx, "notification.cancelled.params.fail", slog.String("err", err.Error()))
			break
		}
		h.cancelInflight(sess.SessionID(), params.RequestID)
		h.log.InfoContext(ctx, "rpc.cancel", slog.String("target_id", params.RequestID))
	default:
		h.log.InfoContext(ctx, "notification.inbound.drop", slog.String("method", req.Method))
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleRequest dispatches a request into the method registry over a fresh
// per-request stream. Progress events and the response are appended to the
// event store so a disconnected client can resume them, and are also emitted
// inline on the POST's own SSE response.
func (h *Handler) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, wf *lockedWriteFlusher, sess *sessions.Handle, req *jsonrpc.Request, start time.Time) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	streamID := uuid.NewString()
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID})

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Processing is detached from the POST connection: if the client drops,
	// the method keeps running and its events stay resumable. Only an
	// explicit notifications/cancelled aborts it.
	dctx := context.WithoutCancel(ctx)
	rctx, cancel := context.WithCancel(dctx)
	defer cancel()
	key := h.trackInflight(sess.SessionID(), req.ID.String(), cancel)
	defer h.forgetInflight(key)

	rctx = service.WithProgressReporter(rctx, &progressReporter{
		h:         h,
		wf:        wf,
		sessionID: sess.SessionID(),
		streamID:  streamID,
		token:     req.ID.String(),
	})

	result, err := h.registry.Dispatch(rctx, sess, req.Method, req.Params)
	var res *jsonrpc.Response
	switch {
	case err == nil:
		res, err = jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
	case errors.Is(err, context.Canceled) && rctx.Err() != nil:
		// Cancelled via notifications/cancelled: no response is owed.
		h.log.InfoContext(ctx, "rpc.inbound.cancelled", slog.Duration("dur", time.Since(start)))
		return
	case errors.Is(err, service.ErrMethodNotFound):
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	case errors.Is(err, service.ErrInvalidParams):
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	default:
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	// Persist first so the response survives a dropped connection, then emit
	// inline under the durable event ID.
	eventID, err := h.store.Append(dctx, sess.SessionID(), streamID, b)
	if err != nil {
		h.log.ErrorContext(ctx, "event.append.fail", slog.String("err", err.Error()))
	}
	if err := writeSSEEvent(wf, eventID, b); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet attaches an SSE listener to the session. Without Last-Event-ID it
// tails the session's notification stream live; with it, stored events are
// replayed per the configured policy before the live hand-off.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.manager.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           string(sess.State()),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	streamID := sess.NotifyStreamID()
	if lastEventID != "" {
		// Validate the checkpoint before committing to SSE framing so an
		// expired resumption window still gets a clean JSON error.
		streamID, err = h.store.Locate(ctx, sess.SessionID(), lastEventID)
		if err != nil {
			if errors.Is(err, eventstore.ErrResumptionExpired) {
				writeJSONError(w, http.StatusConflict, "resumption window expired")
				h.log.InfoContext(ctx, "sse.resume.expired")
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "sse.resume.locate.fail", slog.String("err", err.Error()))
			return
		}
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID, LastEventID: lastEventID})

	if sess.State() == sessions.StateSuspended {
		if err := h.manager.Resume(ctx, sess); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "session.resume.fail", slog.String("err", err.Error()))
			return
		}
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if h.keepAlive > 0 {
		go h.keepAliveLoop(ctx, wf)
	}

	err = h.store.Subscribe(ctx, sess.SessionID(), streamID, lastEventID, h.policy, func(cbCtx context.Context, ev eventstore.Event) error {
		if err := writeSSEEvent(wf, ev.ID, ev.Payload); err != nil {
			return err
		}
		h.log.InfoContext(cbCtx, "sse.message.deliver", slog.String("event_id", ev.ID))
		return nil
	})
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, eventstore.ErrSubscriberLagged):
		h.log.WarnContext(ctx, "sse.subscriber.lagged")
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}

	// The connection is gone; the session stays replay-eligible for the
	// retention window unless it was explicitly terminated.
	if err := h.manager.Suspend(context.WithoutCancel(ctx), sess); err != nil {
		h.log.ErrorContext(ctx, "session.suspend.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wf.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handleDelete terminates the session: metadata and all buffered events are
// discarded and the session id is permanently invalid.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.manager.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           string(sess.State()),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if err := h.manager.Terminate(ctx, sess.SessionID()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) trackInflight(sessionID, requestID string, cancel context.CancelFunc) string {
	key := sessionID + "/" + requestID
	h.mu.Lock()
	h.inflight[key] = cancel
	h.mu.Unlock()
	return key
}

func (h *Handler) forgetInflight(key string) {
	h.mu.Lock()
	delete(h.inflight, key)
	h.mu.Unlock()
}

func (h *Handler) cancelInflight(sessionID, requestID string) {
	h.mu.Lock()
	cancel := h.inflight[sessionID+"/"+requestID]
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no credentials at all gets a bare Bearer challenge
		// without an error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return userInfo
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Params are rendered in a fixed logical order so
// challenges are stable.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// writeSSEEvent writes one SSE frame. An empty event ID omits the id line.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// progressReporter emits notifications/progress for an in-flight request. The
// notification is appended to the request's stream first so it replays after
// a disconnect, then emitted inline on the POST's SSE response best-effort.
type progressReporter struct {
	h         *Handler
	wf        *lockedWriteFlusher
	sessionID string
	streamID  string
	token     string
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	params := mcp.ProgressNotificationParams{ProgressToken: p.token, Progress: progress, Message: message}
	if total > 0 {
		params.Total = total
	}
	n, err := jsonrpc.NewNotification(mcp.ProgressNotification, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	eventID, err := p.h.store.Append(ctx, p.sessionID, p.streamID, b)
	if err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	if err := writeSSEEvent(p.wf, eventID, b); err != nil {
		// The POST connection is gone; the event is durable and will be
		// replayed on resume.
		p.h.log.InfoContext(ctx, "progress.inline.drop", slog.String("err", err.Error()))
	}
	return nil
}
