package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentClient is the runtime's handle to one agent's tool server: a single
// stdio JSON-RPC transport plus the three calls spec.md 4.L and 6 define
// (initialize, list_tools, call_tool). Unlike a general MCP client this
// never multiplexes more than one server per agent — the agent's tool
// server is the sole counterparty for the lifetime of its process.
type AgentClient struct {
	transport *StdioTransport
}

// NewAgentClient wraps an already-constructed transport. Callers that need
// to build the transport from raw pipes should use
// NewStdioTransportFromPipes first.
func NewAgentClient(transport *StdioTransport) *AgentClient {
	return &AgentClient{transport: transport}
}

// Initialize performs the handshake that must precede any other call on a
// freshly spawned agent's tool server.
func (c *AgentClient) Initialize(ctx context.Context, info ClientInfo) error {
	params := initializeParams{ProtocolVersion: ProtocolVersion, ClientInfo: info}
	_, err := c.transport.Send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("toolserver: initialize: %w", err)
	}
	return nil
}

// ListTools requests the set of tools the agent's tool server currently
// exposes.
func (c *AgentClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.transport.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("toolserver: tools/list: %w", err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("toolserver: decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one named tool with the given arguments and returns its
// result envelope.
func (c *AgentClient) CallTool(ctx context.Context, name string, arguments any) (*CallToolResult, error) {
	raw, err := c.transport.Send(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("toolserver: tools/call %q: %w", name, err)
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("toolserver: decode tools/call result: %w", err)
	}
	return &result, nil
}

// Close closes the underlying transport.
func (c *AgentClient) Close() error {
	return c.transport.Close()
}

// Violated reports whether the underlying transport closed because of a
// protocol violation (an unmatched response id), which the caller should
// treat as grounds for reconnection rather than a clean shutdown.
func (c *AgentClient) Violated() bool {
	return c.transport.Violated()
}
