// Package streamablehttp implements the resumable streamable HTTP transport.
// It mounts as a standard net/http handler and carries JSON-RPC traffic over
// three verbs: POST for client-to-server messages, GET for a long-lived
// Server-Sent Events listener, and DELETE for explicit session termination.
//
// Responsibilities
//   - Session handshake and validation (via sessions.Manager)
//   - Authentication (pluggable auth.Authenticator, bearer tokens)
//   - Method dispatch into a service.Registry
//   - Durable per-stream event recording (eventstore.Store) so SSE streams
//     can be resumed with Last-Event-ID after a disconnect
//   - Progress and cancellation notification plumbing
//
// Construction
//
//	h, err := streamablehttp.New(
//	    "https://api.example/mcp", // public endpoint
//	    manager,                   // *sessions.Manager
//	    store,                     // eventstore.Store
//	    registry,                  // *service.Registry
//	    authenticator,             // auth.Authenticator
//	)
//
// # Resumption
//
// Every event emitted to a client carries a store-assigned opaque event ID as
// its SSE id line. A client that reconnects with Last-Event-ID receives the
// events recorded after that checkpoint, then hands off to live delivery with
// no gap. Checkpoints that have fallen out of the retention window are
// rejected with HTTP 409 so the client knows to start a fresh session.
//
// # Request Lifetimes
//
// Method dispatch is decoupled from the POST connection that delivered the
// request: if the client drops mid-call, the method keeps running and its
// progress events and response are recorded for resumption. Only an explicit
// notifications/cancelled aborts an in-flight request.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a minimal JSON body;
// envelope-level faults and method-level errors are serialized as JSON-RPC
// error responses (a malformed notification is logged and dropped).
// Authentication failures surface a WWW-Authenticate challenge per RFC 6750.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streamablehttp
