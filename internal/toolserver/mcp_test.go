package toolserver

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeServer wires a StdioTransport to an in-process fake tool server so
// tests can exercise the wire protocol without spawning a process.
type pipeServer struct {
	clientToServer *io.PipeReader
	serverToClient *io.PipeWriter
	dec            *json.Decoder
}

func newClientAndServer(t *testing.T, maxOutstanding int) (*StdioTransport, *pipeServer) {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	transport := NewStdioTransportFromPipes(clientOut, clientIn, maxOutstanding)
	srv := &pipeServer{clientToServer: serverIn, serverToClient: serverOut, dec: json.NewDecoder(serverIn)}
	return transport, srv
}

func (s *pipeServer) recv(t *testing.T) JSONRPCRequest {
	t.Helper()
	var req JSONRPCRequest
	require.NoError(t, s.dec.Decode(&req))
	return req
}

func (s *pipeServer) reply(t *testing.T, id int64, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = s.serverToClient.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestAgentClient_Initialize(t *testing.T) {
	transport, srv := newClientAndServer(t, 0)
	client := NewAgentClient(transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.recv(t)
		assert.Equal(t, "initialize", req.Method)
		srv.reply(t, req.ID, map[string]string{"status": "ok"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Initialize(ctx, ClientInfo{Name: "test-runtime", Version: "1.0.0"})
	require.NoError(t, err)
	<-done
}

func TestAgentClient_ListTools(t *testing.T) {
	transport, srv := newClientAndServer(t, 0)
	client := NewAgentClient(transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.recv(t)
		assert.Equal(t, "tools/list", req.Method)
		srv.reply(t, req.ID, listToolsResult{Tools: []Tool{{Name: "execute_task", Description: "runs a task"}}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	<-done
	require.Len(t, tools, 1)
	assert.Equal(t, "execute_task", tools[0].Name)
}

func TestAgentClient_CallTool(t *testing.T) {
	transport, srv := newClientAndServer(t, 0)
	client := NewAgentClient(transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.recv(t)
		assert.Equal(t, "tools/call", req.Method)
		srv.reply(t, req.ID, CallToolResult{
			Content: []Content{{Type: "text", Text: "hello"}},
			Done:    true,
			Tokens:  12,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := client.CallTool(ctx, "execute_task", map[string]any{"objective": "say hi"})
	require.NoError(t, err)
	<-done
	require.NotNil(t, result)
	assert.True(t, result.Done)
	assert.Equal(t, int64(12), result.Tokens)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestAgentClient_CallTool_IsError(t *testing.T) {
	transport, srv := newClientAndServer(t, 0)
	client := NewAgentClient(transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.recv(t)
		srv.reply(t, req.ID, CallToolResult{IsError: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := client.CallTool(ctx, "execute_task", nil)
	require.NoError(t, err)
	<-done
	assert.True(t, result.IsError)
}

func TestTransport_ProtocolViolation(t *testing.T) {
	transport, srv := newClientAndServer(t, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.recv(t)
		// Reply with an id no caller is waiting on: a protocol violation.
		srv.reply(t, req.ID+999, map[string]string{"unexpected": "true"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Send(ctx, "tools/list", nil)
	<-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, transport.Violated())
}

func TestTransport_BoundedOutstanding(t *testing.T) {
	transport, srv := newClientAndServer(t, 1)
	_ = srv

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = transport.Send(context.Background(), "tools/call", nil)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	_, err := transport.Send(ctx, "tools/call", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	transport, _ := newClientAndServer(t, 0)
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.True(t, transport.IsClosed())
}

func TestProtocolVersionConstant(t *testing.T) {
	assert.Equal(t, "2024-11-05", ProtocolVersion)
}

func TestJSONRPCRequest(t *testing.T) {
	req := JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "test", Params: map[string]string{"key": "value"}}
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, "test", req.Method)
}

func TestJSONRPCResponse(t *testing.T) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`{"success": true}`)}
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, int64(1), resp.ID)
	assert.NotNil(t, resp.Result)
	assert.Nil(t, resp.Error)
}

func TestJSONRPCError(t *testing.T) {
	err := JSONRPCError{Code: -32600, Message: "Invalid Request"}
	assert.Equal(t, -32600, err.Code)
	assert.Equal(t, "Invalid Request", err.Message)
}
