// Package mcp holds the protocol-level constants and message shapes the
// streamable HTTP transport needs to run the initialization handshake and the
// small set of transport-adjacent notifications (progress, cancellation).
// Method business logic lives outside this module and is dispatched through
// the service registry.
package mcp

import "encoding/json"

// Method names the transport understands natively. Everything else is
// dispatched to the registered method handlers.
const (
	InitializeMethod        = "initialize"
	PingMethod              = "ping"
	InitializedNotification = "notifications/initialized"
	CancelledNotification   = "notifications/cancelled"
	ProgressNotification    = "notifications/progress"
	MethodsListMethod       = "methods/list"
)

// LatestProtocolVersion is the most recent protocol revision this transport
// implements.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists revisions the server will negotiate,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
}

// IsSupportedProtocolVersion reports whether v is a revision this server can
// speak.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// ImplementationInfo identifies a client or server implementation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// ClientCapabilities enumerates optional client-side features announced at
// initialize time. The transport records them but does not act on them.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// ServerCapabilities enumerates server-side features announced in the
// initialize result.
type ServerCapabilities struct {
	Methods *MethodsCapability `json:"methods,omitempty"`
}

// MethodsCapability advertises the dispatchable method surface.
type MethodsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns the negotiated protocol version and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ProgressToken correlates progress notifications with the request that
// spawned them. It mirrors the request ID's rendered form.
type ProgressToken = string

// ProgressNotificationParams conveys progress of a long-running method call.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// CancelledNotificationParams asks the server to abandon an in-flight request.
type CancelledNotificationParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
