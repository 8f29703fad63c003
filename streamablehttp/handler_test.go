package streamablehttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelstream/mcp-resume-go/auth"
	"github.com/modelstream/mcp-resume-go/auth/authtest"
	"github.com/modelstream/mcp-resume-go/eventstore"
	esmemory "github.com/modelstream/mcp-resume-go/eventstore/memory"
	"github.com/modelstream/mcp-resume-go/internal/jsonrpc"
	"github.com/modelstream/mcp-resume-go/mcp"
	"github.com/modelstream/mcp-resume-go/service"
	"github.com/modelstream/mcp-resume-go/sessions"
	"github.com/modelstream/mcp-resume-go/sessions/memoryhost"
	"github.com/modelstream/mcp-resume-go/streamablehttp"
)

const testUser = "user-1"

type testEnv struct {
	srv   *httptest.Server
	mgr   *sessions.Manager
	store eventstore.Store
	reg   *service.Registry
}

type echoParams struct {
	Text string `json:"text"`
}

func echoRegistry() *service.Registry {
	return service.NewRegistry(
		service.NewMethod("echo", func(ctx context.Context, req *service.Request[echoParams]) (any, error) {
			return map[string]string{"text": req.Args().Text}, nil
		}, service.WithDescription("echo text back")),
	)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnvWithAuth(t *testing.T, authenticator auth.Authenticator, storeOpts []esmemory.Option, hOpts ...streamablehttp.Option) *testEnv {
	t.Helper()
	store := esmemory.New(storeOpts...)
	mgr := sessions.NewManager(memoryhost.New(), store, sessions.WithLogger(discardLogger()))
	reg := echoRegistry()

	opts := append([]streamablehttp.Option{streamablehttp.WithLogger(discardLogger())}, hOpts...)
	h, err := streamablehttp.New("http://example.test/mcp", mgr, store, reg, authenticator, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mgr: mgr, store: store, reg: reg}
}

func newTestEnv(t *testing.T, storeOpts []esmemory.Option, hOpts ...streamablehttp.Option) *testEnv {
	t.Helper()
	return newTestEnvWithAuth(t, authtest.NewNoAuth(testUser), storeOpts, hOpts...)
}

// initialize runs the full handshake and returns the session id.
func (e *testEnv) initialize(t *testing.T) string {
	t.Helper()
	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         mcp.InitializeMethod,
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: "2025-06-18",
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(1),
	}
	resp, _ := mustPost(t, e.srv, "", initReq)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status: %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: mcp.InitializedNotification}
	noteResp, _ := mustPost(t, e.srv, sessID, note)
	noteResp.Body.Close()
	if noteResp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized note status: %d", noteResp.StatusCode)
	}
	return sessID
}

func TestInitializeHandshake(t *testing.T) {
	env := newTestEnv(t, nil)

	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         mcp.InitializeMethod,
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: "2025-06-18",
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(1),
	}
	resp, evt := mustPost(t, env.srv, "", initReq)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != "2025-06-18" {
		t.Fatalf("protocol version header: %q", got)
	}

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &initRes)
	if initRes.ProtocolVersion != "2025-06-18" {
		t.Fatalf("negotiated version: %s", initRes.ProtocolVersion)
	}
}

func TestSessionlessPostMustBeInitialize(t *testing.T) {
	env := newTestEnv(t, nil)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "hi"}), ID: jsonrpc.NewRequestID(1)}
	resp, _ := mustPost(t, env.srv, "", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: want 404, got %d", resp.StatusCode)
	}
}

func TestBatchArraysRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	body := []byte(`[{"jsonrpc":"2.0","method":"ping","id":1}]`)
	httpReq, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer t")
	httpReq.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want 400, got %d", resp.StatusCode)
	}
}

func TestRequestBeforeInitializedRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         mcp.InitializeMethod,
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: "2025-06-18",
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(1),
	}
	resp, _ := mustPost(t, env.srv, "", initReq)
	resp.Body.Close()
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}

	// The initialized notification never arrived; method calls must not be
	// served yet.
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "early"}), ID: jsonrpc.NewRequestID(2)}
	callResp, err := doPost(t, env.srv, sessID, "", req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if callResp.StatusCode != http.StatusConflict {
		t.Fatalf("status: want 409, got %d", callResp.StatusCode)
	}
	var res jsonrpc.Response
	if err := json.NewDecoder(callResp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	callResp.Body.Close()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("error: %+v", res.Error)
	}
	if res.ID.String() != "2" {
		t.Fatalf("error response id: %s", res.ID.String())
	}

	// Completing the handshake lifts the gate.
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: mcp.InitializedNotification}
	noteResp, _ := mustPost(t, env.srv, sessID, note)
	noteResp.Body.Close()

	okResp, evt := mustPost(t, env.srv, sessID, req)
	okResp.Body.Close()
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("status after initialized: want 200, got %d", okResp.StatusCode)
	}
	var echoRes jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &echoRes)
	if echoRes.Error != nil {
		t.Fatalf("echo error: %+v", echoRes.Error)
	}
}

func TestMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	t.Run("RequestGetsInvalidRequestError", func(t *testing.T) {
		resp := postRaw(t, env.srv, sessID, `{"jsonrpc":"1.0","method":"echo","id":42}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status: want 400, got %d", resp.StatusCode)
		}
		var res jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("error: %+v", res.Error)
		}
		if res.ID.String() != "42" {
			t.Fatalf("error response id: %s", res.ID.String())
		}
	})

	t.Run("UnparseableBodyGetsParseError", func(t *testing.T) {
		resp := postRaw(t, env.srv, sessID, `{"jsonrpc":`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status: want 400, got %d", resp.StatusCode)
		}
		var res jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("error: %+v", res.Error)
		}
		if !res.ID.IsNil() {
			t.Fatalf("error response id: want null, got %s", res.ID.String())
		}
	})

	t.Run("NotificationDropped", func(t *testing.T) {
		resp := postRaw(t, env.srv, sessID, `{"jsonrpc":"1.0","method":"notifications/bogus"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status: want 202, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if len(bytes.TrimSpace(body)) != 0 {
			t.Fatalf("unexpected body: %s", body)
		}
	})
}

func TestUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "hi"}), ID: jsonrpc.NewRequestID(1)}
	resp, _ := mustPost(t, env.srv, "no-such-session", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST status: want 404, got %d", resp.StatusCode)
	}

	getResp := mustGetRaw(t, env.srv, "no-such-session", "", "")
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET status: want 404, got %d", getResp.StatusCode)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	t.Run("PostIs400", func(t *testing.T) {
		req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "hi"}), ID: jsonrpc.NewRequestID(2)}
		resp := mustPostVersion(t, env.srv, sessID, "1999-01-01", req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status: want 400, got %d", resp.StatusCode)
		}
	})

	t.Run("GetIs412", func(t *testing.T) {
		resp := mustGetRaw(t, env.srv, sessID, "", "1999-01-01")
		resp.Body.Close()
		if resp.StatusCode != http.StatusPreconditionFailed {
			t.Fatalf("status: want 412, got %d", resp.StatusCode)
		}
	})

	t.Run("DeleteIs412", func(t *testing.T) {
		resp := mustDelete(t, env.srv, sessID, "1999-01-01")
		resp.Body.Close()
		if resp.StatusCode != http.StatusPreconditionFailed {
			t.Fatalf("status: want 412, got %d", resp.StatusCode)
		}
	})
}

func TestRequestOverPostStream(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "hello"}), ID: jsonrpc.NewRequestID(2)}
	resp, evt := mustPost(t, env.srv, sessID, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type: %s", resp.Header.Get("Content-Type"))
	}
	if evt.id == "" {
		t.Fatal("response event carries no id")
	}

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("echo error: %+v", res.Error)
	}
	var out map[string]string
	mustUnmarshalJSON(t, res.Result, &out)
	if out["text"] != "hello" {
		t.Fatalf("echo result: %+v", out)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "no/such", ID: jsonrpc.NewRequestID(2)}
	resp, evt := mustPost(t, env.srv, sessID, req)
	resp.Body.Close()

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method-not-found error, got %+v", res.Error)
	}
}

func TestInvalidParams(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: json.RawMessage(`{"bogus":1}`), ID: jsonrpc.NewRequestID(2)}
	resp, evt := mustPost(t, env.srv, sessID, req)
	resp.Body.Close()

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want invalid-params error, got %+v", res.Error)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	env := newTestEnv(t, nil)

	httpReq, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp", strings.NewReader("hi"))
	httpReq.Header.Set("Content-Type", "text/plain")
	httpReq.Header.Set("Authorization", "Bearer t")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: want 415, got %d", resp.StatusCode)
	}
}

func TestAuthChallenges(t *testing.T) {
	env := newTestEnvWithAuth(t, &authtest.Static{Tokens: map[string]string{"good": testUser}}, nil)

	t.Run("MissingCredentials", func(t *testing.T) {
		httpReq, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp", strings.NewReader("{}"))
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status: want 401, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("challenge: %q", got)
		}
	})

	t.Run("InvalidToken", func(t *testing.T) {
		httpReq, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp", strings.NewReader("{}"))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer bad")
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status: want 401, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
			t.Fatalf("challenge: %q", got)
		}
	})
}

func TestGetStreamDeliversLiveEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	resp := mustGetRaw(t, env.srv, sessID, "", "2025-06-18")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status: want 200, got %d", resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)

	// Push a server-side notification onto the session's listener stream.
	handle, err := env.mgr.Load(context.Background(), sessID, testUser)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	note, _ := jsonrpc.NewNotification("notifications/test", map[string]string{"k": "v"})
	payload, _ := json.Marshal(note)
	eventID, err := env.store.Append(context.Background(), sessID, handle.NotifyStreamID(), payload)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	evt, err := readOneSSE(br)
	if err != nil {
		t.Fatalf("read SSE: %v", err)
	}
	if evt.id != eventID {
		t.Fatalf("event id: want %s, got %s", eventID, evt.id)
	}
	if !bytes.Equal(evt.data, payload) {
		t.Fatalf("payload: %s", evt.data)
	}
}

func TestResumeDeliversBufferedEventsThenLive(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	started := make(chan struct{})
	proceed := make(chan struct{})
	env.reg.Register(service.NewMethod("job/run", func(ctx context.Context, req *service.Request[struct{}]) (any, error) {
		pr, ok := service.ProgressFrom(ctx)
		if !ok {
			return nil, fmt.Errorf("no progress reporter")
		}
		if err := pr.Report(ctx, 1, 3, "step one"); err != nil {
			return nil, err
		}
		close(started)
		<-proceed
		if err := pr.Report(ctx, 2, 3, "step two"); err != nil {
			return nil, err
		}
		return map[string]string{"status": "done"}, nil
	}))

	// Start the request, read the first progress event, then drop the
	// connection mid-call.
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "job/run", ID: jsonrpc.NewRequestID(7)}
	resp := mustPostVersion(t, env.srv, sessID, "2025-06-18", req)
	br := bufio.NewReader(resp.Body)
	first, err := readOneSSE(br)
	if err != nil {
		t.Fatalf("read first progress: %v", err)
	}
	if first.id == "" {
		t.Fatal("first progress event carries no id")
	}
	<-started
	resp.Body.Close()

	// Resume from the first progress event's id. The method keeps running
	// server-side; the remaining progress and the response arrive on the
	// resumed stream.
	getResp := mustGetRaw(t, env.srv, sessID, first.id, "2025-06-18")
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("resume GET status: want 200, got %d", getResp.StatusCode)
	}
	gbr := bufio.NewReader(getResp.Body)
	close(proceed)

	progressEvt, err := readOneSSE(gbr)
	if err != nil {
		t.Fatalf("read resumed progress: %v", err)
	}
	var progReq jsonrpc.Request
	mustUnmarshalJSON(t, progressEvt.data, &progReq)
	if progReq.Method != mcp.ProgressNotification {
		t.Fatalf("resumed event method: %s", progReq.Method)
	}
	var progParams mcp.ProgressNotificationParams
	mustUnmarshalJSON(t, progReq.Params, &progParams)
	if progParams.Progress != 2 {
		t.Fatalf("resumed progress: %+v", progParams)
	}

	resEvt, err := readOneSSE(gbr)
	if err != nil {
		t.Fatalf("read resumed response: %v", err)
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, resEvt.data, &res)
	if res.Error != nil {
		t.Fatalf("resumed response error: %+v", res.Error)
	}
	var out map[string]string
	mustUnmarshalJSON(t, res.Result, &out)
	if out["status"] != "done" {
		t.Fatalf("resumed result: %+v", out)
	}
}

func TestExpiredCheckpointIs409(t *testing.T) {
	env := newTestEnv(t, []esmemory.Option{esmemory.WithMaxSessionEvents(1)})
	sessID := env.initialize(t)

	req1 := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "a"}), ID: jsonrpc.NewRequestID(2)}
	resp1, evt1 := mustPost(t, env.srv, sessID, req1)
	resp1.Body.Close()

	// A second request's response evicts the first checkpoint.
	req2 := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "b"}), ID: jsonrpc.NewRequestID(3)}
	resp2, _ := mustPost(t, env.srv, sessID, req2)
	resp2.Body.Close()

	getResp := mustGetRaw(t, env.srv, sessID, evt1.id, "2025-06-18")
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusConflict {
		t.Fatalf("status: want 409, got %d", getResp.StatusCode)
	}
	body, _ := io.ReadAll(getResp.Body)
	var errBody struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	mustUnmarshalJSON(t, body, &errBody)
	if errBody.Error.Code != 409 || errBody.Error.Message != "resumption window expired" {
		t.Fatalf("error body: %s", body)
	}
}

func TestCrossStreamReplayPolicy(t *testing.T) {
	env := newTestEnv(t, nil, streamablehttp.WithReplayPolicy(eventstore.ReplayCrossStream))
	sessID := env.initialize(t)

	reqA := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "a"}), ID: jsonrpc.NewRequestID(2)}
	respA, evtA := mustPost(t, env.srv, sessID, reqA)
	respA.Body.Close()

	reqB := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "b"}), ID: jsonrpc.NewRequestID(3)}
	respB, evtB := mustPost(t, env.srv, sessID, reqB)
	respB.Body.Close()

	// Under the cross-stream policy, resuming from checkpoint A also replays
	// the other stream's events.
	getResp := mustGetRaw(t, env.srv, sessID, evtA.id, "2025-06-18")
	defer getResp.Body.Close()
	evt, err := readOneSSE(bufio.NewReader(getResp.Body))
	if err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if evt.id != evtB.id {
		t.Fatalf("replayed event id: want %s, got %s", evtB.id, evt.id)
	}
}

func TestStrictReplayIgnoresOtherStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	reqA := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "a"}), ID: jsonrpc.NewRequestID(2)}
	respA, evtA := mustPost(t, env.srv, sessID, reqA)
	respA.Body.Close()

	reqB := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "b"}), ID: jsonrpc.NewRequestID(3)}
	respB, _ := mustPost(t, env.srv, sessID, reqB)
	respB.Body.Close()

	getResp := mustGetRaw(t, env.srv, sessID, evtA.id, "2025-06-18")
	defer getResp.Body.Close()
	br := bufio.NewReader(getResp.Body)

	// Stream B's response must not replay. Appending directly to stream A and
	// observing it arrive first proves nothing was queued ahead of it.
	streamA, err := env.store.Locate(context.Background(), sessID, evtA.id)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	marker := []byte(`{"jsonrpc":"2.0","method":"notifications/marker"}`)
	markerID, err := env.store.Append(context.Background(), sessID, streamA, marker)
	if err != nil {
		t.Fatalf("append marker: %v", err)
	}

	evt, err := readOneSSE(br)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.id != markerID {
		t.Fatalf("first delivered event: want marker %s, got %s (%s)", markerID, evt.id, evt.data)
	}
}

func TestCancellationAbortsInflightRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	started := make(chan struct{})
	env.reg.Register(service.NewMethod("job/wait", func(ctx context.Context, req *service.Request[struct{}]) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "job/wait", ID: jsonrpc.NewRequestID(9)}
	resp := mustPostVersion(t, env.srv, sessID, "2025-06-18", req)
	defer resp.Body.Close()
	<-started

	cancelNote := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         mcp.CancelledNotification,
		Params:         mustJSON(mcp.CancelledNotificationParams{RequestID: "9", Reason: "user abort"}),
	}
	noteResp, _ := mustPost(t, env.srv, sessID, cancelNote)
	noteResp.Body.Close()
	if noteResp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel note status: %d", noteResp.StatusCode)
	}

	// The POST stream closes without a response event.
	if _, err := readOneSSE(bufio.NewReader(resp.Body)); err == nil {
		t.Fatal("expected stream to close without a response")
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	sessID := env.initialize(t)

	resp := mustDelete(t, env.srv, sessID, "2025-06-18")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status: want 204, got %d", resp.StatusCode)
	}

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", Params: mustJSON(echoParams{Text: "hi"}), ID: jsonrpc.NewRequestID(2)}
	postResp, _ := mustPost(t, env.srv, sessID, req)
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST after delete: want 404, got %d", postResp.StatusCode)
	}

	resp2 := mustDelete(t, env.srv, sessID, "2025-06-18")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE: want 404, got %d", resp2.StatusCode)
	}
}

func TestKeepAliveComments(t *testing.T) {
	env := newTestEnv(t, nil, streamablehttp.WithKeepAliveInterval(10*time.Millisecond))
	sessID := env.initialize(t)

	resp := mustGetRaw(t, env.srv, sessID, "", "2025-06-18")
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read keep-alive: %v", err)
		}
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
}

// ============================================================================
// Minimal HTTP/SSE client helpers
// ============================================================================

type sseEvent struct {
	id   string
	data json.RawMessage
}

func doPost(t *testing.T, srv *httptest.Server, sessionID, protoVersion string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer test-token")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	if protoVersion != "" {
		httpReq.Header.Set("Mcp-Protocol-Version", protoVersion)
	}
	return http.DefaultClient.Do(httpReq)
}

// postRaw posts an arbitrary body, bypassing the request marshaling helpers.
func postRaw(t *testing.T, srv *httptest.Server, sessionID, body string) *http.Response {
	t.Helper()
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer test-token")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

// mustPost posts and, when the response is an SSE stream, reads exactly one
// event. Otherwise the full body is returned as a single JSON payload.
func mustPost(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPost(t, srv, sessionID, "", req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(bufio.NewReader(resp.Body))
		if err != nil {
			t.Fatalf("sse read: %v", err)
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body read: %v", err)
	}
	return resp, sseEvent{data: body}
}

// mustPostVersion posts with an explicit protocol version header and returns
// the raw response without consuming the body.
func mustPostVersion(t *testing.T, srv *httptest.Server, sessionID, protoVersion string, req *jsonrpc.Request) *http.Response {
	t.Helper()
	resp, err := doPost(t, srv, sessionID, protoVersion, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func mustGetRaw(t *testing.T, srv *httptest.Server, sessionID, lastEventID, protoVersion string) *http.Response {
	t.Helper()
	httpReq, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer test-token")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", lastEventID)
	}
	if protoVersion != "" {
		httpReq.Header.Set("Mcp-Protocol-Version", protoVersion)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return resp
}

func mustDelete(t *testing.T, srv *httptest.Server, sessionID, protoVersion string) *http.Response {
	t.Helper()
	httpReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer test-token")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	if protoVersion != "" {
		httpReq.Header.Set("Mcp-Protocol-Version", protoVersion)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	return resp
}

// readOneSSE reads one SSE event, skipping comment-only frames (keep-alives).
func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of frame
			if event.id == "" && dataBuf.Len() == 0 {
				continue // comment-only frame
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "id: ") {
			event.id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
