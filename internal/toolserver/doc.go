// Package toolserver implements the tool-server side of the Agent Runtime's
// per-agent JSON-RPC channel (spec.md 4.L, 6).
//
// Each spawned agent process exposes exactly one tool server over its own
// stdin/stdout, speaking line-delimited JSON-RPC 2.0. The runtime holds one
// AgentClient per agent for the life of that process: initialize once, then
// list_tools/call_tool as many times as the task needs. There is no
// multi-server registry and no HTTP transport here — an agent's tool server
// is reached only through the pipes the process manager already opened for
// it.
//
// # Basic usage
//
//	transport := toolserver.NewStdioTransportFromPipes(stdin, stdout, maxOutstanding)
//	client := toolserver.NewAgentClient(transport)
//	if err := client.Initialize(ctx, toolserver.ClientInfo{Name: "agentmesh-runtime", Version: "1.0.0"}); err != nil {
//		return err
//	}
//	tools, err := client.ListTools(ctx)
//	result, err := client.CallTool(ctx, tools[0].Name, args)
//
// # Protocol violations
//
// A response whose id matches no outstanding call is a protocol error, not
// a bug to route around: the transport closes itself and Violated reports
// true so the caller knows reconnection (via the process manager respawning
// the agent) is warranted rather than retrying.
//
// # Bounded concurrency
//
// The number of calls a single AgentClient may have outstanding at once is
// bounded at construction (DefaultMaxOutstanding, or the configured value),
// matching the "bounded concurrent outstanding calls per agent" requirement
// in spec.md 4.L.
package toolserver
