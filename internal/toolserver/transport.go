package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrProtocolViolation is returned (and leaves the transport closed) when a
// response frame's id matches no outstanding call, per spec.md 4.L: "a
// response id that matches no outstanding call is a protocol error and
// forces reconnection." The caller (the agent runtime, via the process
// manager) is responsible for tearing down and respawning the process.
var ErrProtocolViolation = errors.New("toolserver: protocol violation: unmatched response id")

// ErrClosed is returned by Send/Notify once the transport has been closed,
// whether by the caller or by a protocol violation.
var ErrClosed = errors.New("toolserver: transport closed")

// StdioTransport frames JSON-RPC 2.0 requests and responses as
// newline-delimited JSON over an agent process's stdin/stdout (spec.md 6).
// Responses are matched to their request by a monotonic id; at most one
// call is outstanding per id, and the number of calls outstanding at once
// is bounded by maxOutstanding.
type StdioTransport struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex
	nextID  int64

	mu      sync.Mutex
	pending map[int64]chan *JSONRPCResponse

	sem chan struct{}

	closeMu  sync.RWMutex
	closed   bool
	violated bool
}

// DefaultMaxOutstanding bounds concurrent in-flight calls per agent when
// the caller does not configure one explicitly.
const DefaultMaxOutstanding = 4

// NewStdioTransportFromPipes wraps an already-running process's stdio
// pipes in a StdioTransport. The spawner (the process manager) owns the
// process lifecycle; Close here closes stdin but never kills the process.
// maxOutstanding bounds concurrent outstanding calls (spec.md 4.L); zero or
// negative uses DefaultMaxOutstanding.
func NewStdioTransportFromPipes(stdin io.WriteCloser, stdout io.Reader, maxOutstanding int) *StdioTransport {
	if maxOutstanding <= 0 {
		maxOutstanding = DefaultMaxOutstanding
	}
	t := &StdioTransport{
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		pending: make(map[int64]chan *JSONRPCResponse),
		sem:     make(chan struct{}, maxOutstanding),
	}
	go t.readLoop()
	return t
}

// readLoop reads response frames and routes each to its waiting caller by
// id. An id with no matching caller is a protocol violation: every pending
// call is failed and the transport is marked unusable.
func (t *StdioTransport) readLoop() {
	for {
		t.closeMu.RLock()
		if t.closed {
			t.closeMu.RUnlock()
			return
		}
		t.closeMu.RUnlock()

		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			t.shutdownPending(false)
			return
		}

		var resp JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // malformed frame; wait for the next one
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.shutdownPending(true)
			return
		}
		ch <- &resp
	}
}

// shutdownPending closes every outstanding call's channel and marks the
// transport closed; violation distinguishes a protocol error from an
// ordinary EOF/process-exit close.
func (t *StdioTransport) shutdownPending(violation bool) {
	t.closeMu.Lock()
	t.closed = true
	t.violated = violation
	t.closeMu.Unlock()

	t.mu.Lock()
	for _, ch := range t.pending {
		close(ch)
	}
	t.pending = make(map[int64]chan *JSONRPCResponse)
	t.mu.Unlock()
}

// Violated reports whether the transport closed because of a protocol
// violation rather than a clean EOF; the agent runtime uses this to decide
// whether a process restart plus transport reconnection is warranted.
func (t *StdioTransport) Violated() bool {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	return t.violated
}

// Send issues one JSON-RPC request and blocks for its matched response, a
// context cancellation, or the transport closing. Concurrent outstanding
// calls are bounded by the semaphore sized at construction.
func (t *StdioTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return nil, ErrClosed
	}
	t.closeMu.RUnlock()

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	id := atomic.AddInt64(&t.nextID, 1)

	ch := make(chan *JSONRPCResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := t.writeMessage(req); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			if t.Violated() {
				return nil, ErrProtocolViolation
			}
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("toolserver: %s error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a request frame with no id, expecting no response.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	t.closeMu.RLock()
	if t.closed {
		t.closeMu.RUnlock()
		return ErrClosed
	}
	t.closeMu.RUnlock()
	_ = ctx
	return t.writeMessage(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *StdioTransport) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Close closes stdin and marks the transport unusable. It never touches
// the underlying process; terminating that is the process manager's job.
func (t *StdioTransport) Close() error {
	t.closeMu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.closeMu.Unlock()
	if alreadyClosed {
		return nil
	}
	return t.stdin.Close()
}

// IsClosed reports whether the transport has stopped accepting calls.
func (t *StdioTransport) IsClosed() bool {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	return t.closed
}
