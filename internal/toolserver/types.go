package toolserver

import "encoding/json"

// Tool describes one tool an agent's tool server exposes via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one element of a tools/call result's content array.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// listToolsResult is the result payload of a tools/list call.
type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolResult is the result payload of a tools/call call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
	Done    bool      `json:"done"`
	Tokens  int64     `json:"tokens"`
}

// ClientInfo identifies this runtime to the agent's tool server during the
// initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeParams is sent as the params of the initialize request.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ProtocolVersion is the tool-server wire protocol version this client
// speaks during the initialize handshake (spec.md 4.L, 6).
const ProtocolVersion = "2024-11-05"
