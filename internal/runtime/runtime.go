// Package runtime implements the Agent Runtime (component M): the
// top-level coordinator that orchestrates process spawning, the per-agent
// tool-server transport, session-scoped task execution, change-set merge,
// and episodic memory recording. Everything below it (A through L) is a
// constructor argument; this package only wires calls across those
// boundaries and owns the agent-instance and runtime-level state machines.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/runtime/internal/agent"
	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/lockmgr"
	"github.com/agentmesh/runtime/internal/logging"
	"github.com/agentmesh/runtime/internal/memory"
	"github.com/agentmesh/runtime/internal/merge"
	"github.com/agentmesh/runtime/internal/procmgr"
	"github.com/agentmesh/runtime/internal/session"
	"github.com/agentmesh/runtime/internal/toolserver"
	"github.com/agentmesh/runtime/internal/vfs"
	"github.com/agentmesh/runtime/pkg/types"
)

// State is the runtime's own lifecycle, distinct from any single agent
// instance's: start -> running -> shutting_down -> stopped.
type State string

const (
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// Config tunes the orchestrator's defaults for values a TaskDelegation
// leaves unset.
type Config struct {
	DefaultIsolation         types.IsolationLevel
	DefaultTimeout           time.Duration
	DefaultMaxToolCalls      int
	ShutdownDrain            time.Duration
	ToolServerMaxOutstanding int
}

func (c Config) withDefaults() Config {
	if c.DefaultIsolation == "" {
		c.DefaultIsolation = types.Snapshot
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.DefaultMaxToolCalls <= 0 {
		c.DefaultMaxToolCalls = 25
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = 30 * time.Second
	}
	if c.ToolServerMaxOutstanding <= 0 {
		c.ToolServerMaxOutstanding = toolserver.DefaultMaxOutstanding
	}
	return c
}

// Statistics is a point-in-time snapshot returned by GetStatistics.
type Statistics struct {
	AgentsSpawned  int64
	AgentsActive   int
	TasksCompleted int64
	TasksFailed    int64
	ToolCalls      int64
}

// agentLink is the runtime's own bookkeeping for one spawned agent: its
// dedicated workspace and tool-server transport. The mutex serializes
// ExecuteTask calls per agent, so one task at a time drives the agent's
// tool server; the transport's own bound on outstanding calls is set by
// ToolServerMaxOutstanding.
type agentLink struct {
	workspaceID types.WorkspaceID
	client      *toolserver.AgentClient
	mu          sync.Mutex
}

// Runtime is the top-level coordinator. It takes every component it
// orchestrates as a constructor argument; assembling those components from
// configuration is the caller's job (see cmd/agentctl).
type Runtime struct {
	cfg Config

	procs    *procmgr.Manager
	agents   *agent.Registry
	vfsys    *vfs.VFS
	sessions *session.Service
	locks    *lockmgr.Manager
	mergeEng *merge.Engine
	mem      *memory.Store
	bus      *event.Bus

	mu    sync.RWMutex
	links map[types.AgentID]*agentLink

	state     atomic.Value
	spawned   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	toolCalls atomic.Int64

	wg sync.WaitGroup
}

// New wires an Agent Runtime over its dependencies.
func New(cfg Config, procs *procmgr.Manager, agents *agent.Registry, vfsys *vfs.VFS, sessions *session.Service, locks *lockmgr.Manager, mergeEng *merge.Engine, mem *memory.Store, bus *event.Bus) *Runtime {
	r := &Runtime{
		cfg:      cfg.withDefaults(),
		procs:    procs,
		agents:   agents,
		vfsys:    vfsys,
		sessions: sessions,
		locks:    locks,
		mergeEng: mergeEng,
		mem:      mem,
		bus:      bus,
		links:    make(map[types.AgentID]*agentLink),
	}
	r.state.Store(StateRunning)
	if procs != nil {
		procs.SetExitHandler(r.handleProcessExit)
		procs.SetRestartHandler(r.handleProcessRestart)
	}
	return r
}

// handleProcessExit reacts to an agent process exiting, whether cleanly or
// through a crash the process manager has decided not to restart: the
// in-flight instance transitions to Failed so execute_task callers waiting
// on it observe the state change rather than hanging, per spec.md 4.K
// "the session is notified".
func (r *Runtime) handleProcessExit(id types.AgentID, procErr error) {
	if procErr == nil {
		return
	}
	if err := r.agents.Transition(id, types.InstanceFailed); err != nil {
		logging.Logger.Debug().Err(err).Str("agent_id", string(id)).Msg("runtime: process exit on agent not in a failable state")
	}
}

// handleProcessRestart reattaches the tool-server transport to a
// respawned process's fresh stdio pipes; the old transport's pipes die
// with the crashed process, so a stale agentLink would otherwise leave
// every subsequent ExecuteTask call hanging on a closed stdin.
func (r *Runtime) handleProcessRestart(id types.AgentID) {
	r.mu.Lock()
	link, ok := r.links[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.client != nil {
		link.client.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := r.attachTransport(ctx, id)
	if err != nil {
		logging.Logger.Error().Err(err).Str("agent_id", string(id)).Msg("runtime: reattach tool server after restart failed")
		return
	}
	link.client = client
	_ = r.agents.Transition(id, types.InstanceAssigned)
	logging.Logger.Info().Str("agent_id", string(id)).Msg("runtime: reattached tool server after process restart")
}

// State reports the runtime's own lifecycle state.
func (r *Runtime) State() State {
	return r.state.Load().(State)
}

func (r *Runtime) link(id types.AgentID) (*agentLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	if !ok {
		return nil, fmt.Errorf("runtime: unknown agent: %s", id)
	}
	return l, nil
}

// SpawnAgent launches an agent process (component K), completes the
// tool-server initialize handshake directly over the pipes the process
// manager already opened (component L, without spawning a second process
// for it), creates the agent's dedicated workspace (component E), and
// registers its logical instance, all under the single AgentId the process
// manager minted.
func (r *Runtime) SpawnAgent(ctx context.Context, name, agentType, command string, args []string, capabilities []string) (types.AgentID, error) {
	if r.State() != StateRunning {
		return "", fmt.Errorf("runtime: not accepting new agents in state %s", r.State())
	}

	id, err := r.procs.Spawn(ctx, procmgr.Spec{
		AgentName:   name,
		AgentType:   agentType,
		Command:     command,
		Args:        args,
		AutoRestart: true,
	})
	if err != nil {
		return "", fmt.Errorf("runtime: spawn agent process: %w", err)
	}

	r.agents.RegisterWithID(id, name, agentType, capabilities)

	client, err := r.attachTransport(ctx, id)
	if err != nil {
		_ = r.procs.Terminate(id, false)
		r.agents.Unregister(id)
		return "", fmt.Errorf("runtime: attach tool server: %w", err)
	}

	ws, err := r.vfsys.CreateWorkspace(ctx, name, "agent")
	if err != nil {
		client.Close()
		_ = r.procs.Terminate(id, false)
		r.agents.Unregister(id)
		return "", fmt.Errorf("runtime: create workspace: %w", err)
	}

	r.mu.Lock()
	r.links[id] = &agentLink{workspaceID: ws.ID, client: client}
	r.mu.Unlock()

	r.spawned.Add(1)
	pid := 0
	if info, err := r.procs.GetInfo(id); err == nil {
		pid = info.PID
	}
	if r.bus != nil {
		r.bus.Publish(event.Event{Type: event.AgentSpawned, Data: event.AgentSpawnedData{AgentID: id, PID: pid}})
	}
	logging.Logger.Info().Str("agent_id", string(id)).Str("name", name).Int("pid", pid).Msg("runtime: agent spawned")
	return id, nil
}

// attachTransport builds a stdio JSON-RPC transport over the process
// manager's pipes and completes the tool-server initialize handshake.
func (r *Runtime) attachTransport(ctx context.Context, id types.AgentID) (*toolserver.AgentClient, error) {
	stdin, err := r.procs.Stdin(id)
	if err != nil {
		return nil, err
	}
	stdout, err := r.procs.Stdout(id)
	if err != nil {
		return nil, err
	}
	transport := toolserver.NewStdioTransportFromPipes(stdin, stdout, r.cfg.ToolServerMaxOutstanding)
	client := toolserver.NewAgentClient(transport)

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Initialize(initCtx, toolserver.ClientInfo{Name: "agentmesh-runtime", Version: "1.0.0"}); err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return client, nil
}

// ExecuteTask assigns a delegation to an agent. It opens a session scoped
// to the agent's workspace, exchanges tool calls with the agent over its
// transport up to the delegation's boundaries, merges the session's change
// journal back into the workspace, records an episode of the outcome, and
// returns the result.
func (r *Runtime) ExecuteTask(ctx context.Context, id types.AgentID, delegation types.TaskDelegation) (*types.WorkerResult, error) {
	link, err := r.link(id)
	if err != nil {
		return nil, err
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if err := r.agents.Transition(id, types.InstanceAssigned); err != nil {
		return nil, err
	}
	if err := r.agents.Transition(id, types.InstanceWorking); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	defer r.wg.Done()

	timeout := delegation.Boundaries.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	isolation := r.cfg.DefaultIsolation
	sess, err := r.sessions.Open(taskCtx, id, link.workspaceID, isolation, 0)
	if err != nil {
		_ = r.agents.Transition(id, types.InstanceFailed)
		return nil, fmt.Errorf("runtime: open session: %w", err)
	}

	if isolation == types.Serializable {
		entityID := "workspace:" + string(link.workspaceID)
		if _, err := r.locks.Acquire(taskCtx, sess.ID, lockmgr.Request{
			EntityID:   entityID,
			EntityType: "workspace",
			Type:       types.LockWrite,
		}, nil, timeout); err != nil {
			_ = r.sessions.Abort(ctx, sess.ID)
			_ = r.agents.Transition(id, types.InstanceFailed)
			return nil, fmt.Errorf("runtime: acquire workspace lock: %w", err)
		}
	}
	defer r.locks.ReleaseSession(sess.ID)

	start := time.Now()
	outputs, tokens, _, runErr := r.runToolLoop(taskCtx, link, delegation)
	duration := time.Since(start)

	if runErr != nil && link.client.Violated() {
		// An unmatched response id closed the transport; killing the
		// process hands it to auto-restart, and handleProcessRestart then
		// reattaches a fresh transport.
		_ = r.procs.Terminate(id, false)
	}

	outcome := types.TaskSuccess
	switch {
	case runErr != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		outcome = types.TaskTimeout
	case runErr != nil && errors.Is(ctx.Err(), context.Canceled):
		outcome = types.TaskCancelled
	case runErr != nil:
		outcome = types.TaskFailure
	}

	r.commitOrAbort(ctx, sess, link.workspaceID)

	nextState := types.InstanceCompleted
	if outcome != types.TaskSuccess {
		nextState = types.InstanceFailed
	}
	_ = r.agents.Transition(id, nextState)

	r.recordEpisode(ctx, id, link.workspaceID, delegation, outcome, tokens)

	if outcome == types.TaskSuccess {
		r.completed.Add(1)
	} else {
		r.failed.Add(1)
	}
	if r.bus != nil {
		evt := event.TaskCompleted
		if outcome != types.TaskSuccess {
			evt = event.TaskFailed
		}
		r.bus.Publish(event.Event{Type: evt, Data: event.TaskOutcomeData{AgentID: id, Outcome: outcome}})
	}

	result := &types.WorkerResult{Outputs: outputs, Tokens: tokens, Duration: duration, Outcome: outcome}
	return result, runErr
}

// commitOrAbort hands the session's change journal to the merge engine and
// resolves the session to Merged or Aborted accordingly. Automated task
// commits take TakeOurs: the agent's own edits win over anything else that
// may have concurrently touched the workspace, since no human is present
// to pick a manual resolution.
func (r *Runtime) commitOrAbort(ctx context.Context, sess *types.AgentSession, ws types.WorkspaceID) {
	if _, err := r.sessions.BeginCommit(ctx, sess.ID); err != nil {
		logging.Logger.Error().Err(err).Str("session_id", string(sess.ID)).Msg("runtime: begin commit failed")
		return
	}

	report, err := r.mergeEng.Merge(ctx, ws, sess.ID, sess.ChangeJournal, merge.TakeOurs, nil)
	if err != nil {
		_ = r.sessions.Abort(ctx, sess.ID)
		return
	}

	if err := r.sessions.FinishCommit(ctx, sess.ID); err != nil {
		return
	}
	if r.bus != nil {
		r.bus.Publish(event.Event{Type: event.MergeCompleted, Data: event.MergeCompletedData{
			SessionID: sess.ID,
			Applied:   report.Applied,
			Conflicts: len(report.Conflicts),
		}})
	}
}

// runToolLoop drives the JSON-RPC exchange with the agent's tool server:
// list_tools once, then call_tool in a loop until the agent reports it is
// done or the delegation's tool-call budget is exhausted. The wire
// semantics of any one tool are the agent's own business (§1 treats the
// tool-server protocol as an opaque transport); this loop only recognizes
// the envelope fields common to every call: content, isError, done, tokens.
func (r *Runtime) runToolLoop(ctx context.Context, link *agentLink, delegation types.TaskDelegation) ([]string, int64, int, error) {
	maxCalls := delegation.Boundaries.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = r.cfg.DefaultMaxToolCalls
	}

	tools, err := link.client.ListTools(ctx)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("tools/list: %w", err)
	}

	toolName := "execute_task"
	if len(tools) > 0 {
		toolName = tools[0].Name
	}

	args := map[string]any{
		"objective":            delegation.Objective,
		"scope":                delegation.Scope,
		"constraints":          delegation.Constraints,
		"requiredCapabilities": delegation.RequiredCapabilities,
	}

	var outputs []string
	var tokens int64
	calls := 0
	for calls < maxCalls {
		calls++
		r.toolCalls.Add(1)

		result, err := link.client.CallTool(ctx, toolName, args)
		if err != nil {
			return outputs, tokens, calls, fmt.Errorf("tools/call: %w", err)
		}
		if result.IsError {
			return outputs, tokens, calls, fmt.Errorf("tool %q reported an error", toolName)
		}

		tokens += result.Tokens
		for _, c := range result.Content {
			if c.Text != "" {
				outputs = append(outputs, c.Text)
			}
		}
		if result.Done {
			return outputs, tokens, calls, nil
		}
	}
	return outputs, tokens, calls, fmt.Errorf("runtime: exceeded max tool calls (%d)", maxCalls)
}

// recordEpisode persists the outcome of a task into episodic memory; the
// Working tier's eviction sink is how hot episodes fall into it under
// ordinary operation, but ExecuteTask records the terminal outcome of a
// task directly since it is, by construction, no longer "working" state.
func (r *Runtime) recordEpisode(ctx context.Context, id types.AgentID, ws types.WorkspaceID, delegation types.TaskDelegation, outcome types.TaskOutcome, tokens int64) {
	if r.mem == nil || r.mem.Episodic == nil {
		return
	}
	memOutcome := types.OutcomeSuccess
	patternValue := 0.6
	switch outcome {
	case types.TaskFailure, types.TaskTimeout, types.TaskCancelled:
		memOutcome = types.OutcomeFailure
		patternValue = 0.1
	}

	ep := &types.Episode{
		Task:         delegation.Objective,
		AgentID:      id,
		WorkspaceID:  ws,
		Outcome:      memOutcome,
		FilesTouched: delegation.Scope,
		TokensUsed:   tokens,
		PatternValue: patternValue,
	}
	ep.Importance = 0.5
	if err := r.mem.Episodic.Record(ctx, ep); err != nil {
		logging.Logger.Error().Err(err).Msg("runtime: record episode failed")
	}
}

// taskJob pairs an agent id with the delegation to run it against, the
// input shape of ExecuteTasksParallel.
type taskJob struct {
	AgentID    types.AgentID
	Delegation types.TaskDelegation
}

// TaskResult is one ExecuteTasksParallel output slot: either a result or an
// error, keyed to its input index.
type TaskResult struct {
	Result *types.WorkerResult
	Err    error
}

// ExecuteTasksParallel runs each (agent, delegation) pair concurrently and
// returns results in input order. One agent failing does not cancel the
// others.
func (r *Runtime) ExecuteTasksParallel(ctx context.Context, jobs []taskJob) []TaskResult {
	results := make([]TaskResult, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, job := range jobs {
		go func(i int, job taskJob) {
			defer wg.Done()
			res, err := r.ExecuteTask(ctx, job.AgentID, job.Delegation)
			results[i] = TaskResult{Result: res, Err: err}
		}(i, job)
	}
	wg.Wait()
	return results
}

// NewTaskJob constructs a taskJob for ExecuteTasksParallel; exported so
// callers outside this package can build a job list without reaching into
// an unexported field.
func NewTaskJob(agentID types.AgentID, delegation types.TaskDelegation) taskJob {
	return taskJob{AgentID: agentID, Delegation: delegation}
}

// TerminateAgent stops an agent's process and removes its runtime-level
// bookkeeping.
func (r *Runtime) TerminateAgent(ctx context.Context, id types.AgentID, graceful bool) error {
	link, err := r.link(id)
	if err != nil {
		return err
	}

	err = r.procs.Terminate(id, graceful)

	link.client.Close()

	r.mu.Lock()
	delete(r.links, id)
	r.mu.Unlock()
	r.agents.Unregister(id)

	exitCode := 0
	reason := "terminated"
	if err != nil {
		exitCode = 1
		reason = err.Error()
	}
	if r.bus != nil {
		r.bus.Publish(event.Event{Type: event.AgentTerminated, Data: event.AgentTerminatedData{AgentID: id, ExitCode: exitCode, Reason: reason}})
	}
	return err
}

// GetAgentInfo returns the process-manager record and logical instance for
// an agent.
func (r *Runtime) GetAgentInfo(id types.AgentID) (types.AgentProcessRecord, *agent.Instance, error) {
	proc, err := r.procs.GetInfo(id)
	if err != nil {
		return types.AgentProcessRecord{}, nil, err
	}
	inst, err := r.agents.Get(id)
	if err != nil {
		return proc, nil, err
	}
	return proc, inst, nil
}

// GetStatistics returns a point-in-time snapshot of runtime counters.
func (r *Runtime) GetStatistics() Statistics {
	r.mu.RLock()
	active := len(r.links)
	r.mu.RUnlock()
	return Statistics{
		AgentsSpawned:  r.spawned.Load(),
		AgentsActive:   active,
		TasksCompleted: r.completed.Load(),
		TasksFailed:    r.failed.Load(),
		ToolCalls:      r.toolCalls.Load(),
	}
}

// Shutdown terminates every agent gracefully, waiting for in-flight tasks
// to drain up to the configured deadline before force-terminating any
// stragglers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.state.Store(StateShuttingDown)
	defer r.state.Store(StateStopped)

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(r.cfg.ShutdownDrain):
		logging.Logger.Warn().Msg("runtime: shutdown drain deadline exceeded, force-terminating stragglers")
	}

	r.mu.RLock()
	ids := make([]types.AgentID, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := r.TerminateAgent(ctx, id, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
