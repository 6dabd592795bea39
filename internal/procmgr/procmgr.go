// Package procmgr spawns and supervises the external agent processes the
// runtime delegates work to. It owns process state, bounded output rings,
// resource limits, and health-check driven restart.
package procmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/agentmesh/runtime/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultGracefulDeadline is how long terminate(graceful=true) waits
	// before escalating to a force kill.
	DefaultGracefulDeadline = 5 * time.Second
	// MaxOutputRing bounds the captured stdout/stderr ring per process.
	MaxOutputRing = 64 * 1024
	// DefaultMaxRestarts bounds auto-restart attempts per process.
	DefaultMaxRestarts = 3
	// DefaultHealthInterval is the cadence of liveness checks.
	DefaultHealthInterval = 10 * time.Second
)

// ResourceLimits bounds what a spawned agent process may consume.
type ResourceLimits struct {
	MaxMemoryBytes int64
	MaxCPUPercent  float64
	MaxWallTime    time.Duration
	MaxConcurrent  int
}

// Spec describes how to launch an agent process.
type Spec struct {
	AgentName   string
	AgentType   string
	Command     string
	Args        []string
	Env         []string
	WorkDir     string
	AutoRestart bool
	Limits      ResourceLimits
}

type process struct {
	mu         sync.Mutex
	record     types.AgentProcessRecord
	spec       Spec
	cmd        *exec.Cmd
	ctx        context.Context
	stdout     *ringBuffer
	stderr     *ringBuffer
	stdin      io.WriteCloser
	stdoutLive *io.PipeReader
	stdoutPipe *io.PipeWriter
	cancel     context.CancelFunc
	done       chan struct{}
	restarts   int
	breachKind ErrorKind
}

// cpuMemSample is a point-in-time, platform-sampled resource reading; see
// sampleUsage in rlimit_linux.go/rlimit_other.go.
type cpuMemSample struct {
	cpuPercent float64
	memoryRSS  int64
}

// errUsageUnsupported marks a platform with no /proc-equivalent sampling
// source; monitorResources treats it as "skip resource checks, liveness
// probe only" rather than an error worth logging on every tick.
var errUsageUnsupported = errors.New("procmgr: resource sampling unsupported on this platform")

// Manager tracks every agent process the runtime has spawned.
type Manager struct {
	mu               sync.RWMutex
	procs            map[types.AgentID]*process
	limits           ResourceLimits
	log              zerolog.Logger
	onExit           func(types.AgentID, error)
	onRestart        func(types.AgentID)
	healthInt        time.Duration
	gracefulDeadline time.Duration
	maxRestarts      int
}

// Option configures a Manager.
type Option func(*Manager)

// WithResourceLimits sets the default limits applied to every spawned process.
func WithResourceLimits(l ResourceLimits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithHealthInterval overrides the liveness-check cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInt = d }
}

// WithGracefulDeadline overrides how long Terminate(graceful=true) waits
// before escalating to a force kill.
func WithGracefulDeadline(d time.Duration) Option {
	return func(m *Manager) { m.gracefulDeadline = d }
}

// WithMaxRestarts overrides how many auto-restart attempts a process gets.
func WithMaxRestarts(n int) Option {
	return func(m *Manager) { m.maxRestarts = n }
}

// WithExitHandler registers a callback invoked when a process exits,
// whether cleanly or through a crash; the agent runtime uses it to mark
// in-flight tasks as failed.
func WithExitHandler(fn func(types.AgentID, error)) Option {
	return func(m *Manager) { m.onExit = fn }
}

// WithRestartHandler registers a callback invoked after a crashed process
// has been respawned under the same AgentId; the tool-server transport
// holds stale pipes to the dead process and must be reattached to the new
// ones, which is the caller's job on receiving this callback.
func WithRestartHandler(fn func(types.AgentID)) Option {
	return func(m *Manager) { m.onRestart = fn }
}

// SetExitHandler wires the exit callback after construction, for callers
// that build the Manager before the component that wants to observe it
// (the agent runtime) exists yet.
func (m *Manager) SetExitHandler(fn func(types.AgentID, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// SetRestartHandler wires the restart callback after construction; see
// WithRestartHandler.
func (m *Manager) SetRestartHandler(fn func(types.AgentID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestart = fn
}

// NewManager creates an empty process manager.
func NewManager(log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		procs:            make(map[types.AgentID]*process),
		healthInt:        DefaultHealthInterval,
		gracefulDeadline: DefaultGracefulDeadline,
		maxRestarts:      DefaultMaxRestarts,
		log:              log.With().Str("component", "procmgr").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn launches an agent process with stdio piped, per spec.md 4.K.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (types.AgentID, error) {
	m.mu.Lock()
	if spec.Limits.MaxConcurrent == 0 {
		spec.Limits = m.limits
	}
	active := 0
	for _, p := range m.procs {
		p.mu.Lock()
		if p.record.State != types.ProcessTerminated && p.record.State != types.ProcessFailed {
			active++
		}
		p.mu.Unlock()
	}
	if spec.Limits.MaxConcurrent > 0 && active >= spec.Limits.MaxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("procmgr: max concurrent agents reached (%d)", spec.Limits.MaxConcurrent)
	}
	m.mu.Unlock()

	id := types.NewAgentID()
	p, err := m.start(ctx, id, spec)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()

	go m.supervise(id, p)
	if m.healthInt > 0 {
		go m.monitorResources(id, p)
	}
	return id, nil
}

// start launches the OS process. A MaxWallTime limit becomes the process's
// own context deadline, so exec.CommandContext kills it the moment the
// ceiling is crossed without any separate timer goroutine; a MaxMemoryBytes
// limit is applied via rlimit once the PID exists. Both rlimit and
// sampleUsage are Linux-only, so on other platforms a memory limit is
// neither enforced nor monitored.
func (m *Manager) start(ctx context.Context, id types.AgentID, spec Spec) (*process, error) {
	var procCtx context.Context
	var cancel context.CancelFunc
	if spec.Limits.MaxWallTime > 0 {
		procCtx, cancel = context.WithTimeout(context.Background(), spec.Limits.MaxWallTime)
	} else {
		procCtx, cancel = context.WithCancel(context.Background())
	}
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdout := newRingBuffer(MaxOutputRing)
	stderr := newRingBuffer(MaxOutputRing)
	stdoutLive, stdoutPipe := io.Pipe()
	cmd.Stdout = io.MultiWriter(stdout, stdoutPipe)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, newErr(KindSpawnFailed, string(id), fmt.Errorf("stdin pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, newErr(KindSpawnFailed, string(id), fmt.Errorf("spawn %s: %w", spec.Command, err))
	}

	if err := applyMemoryLimit(cmd.Process.Pid, spec.Limits.MaxMemoryBytes); err != nil {
		m.log.Warn().Err(err).Str("agent_id", string(id)).Msg("procmgr: memory rlimit not enforced, degrading to monitoring-only")
	}

	p := &process{
		spec:       spec,
		cmd:        cmd,
		ctx:        procCtx,
		stdout:     stdout,
		stderr:     stderr,
		stdin:      stdin,
		stdoutLive: stdoutLive,
		stdoutPipe: stdoutPipe,
		cancel:     cancel,
		done:       make(chan struct{}),
		record: types.AgentProcessRecord{
			AgentID:   id,
			PID:       cmd.Process.Pid,
			State:     types.ProcessReady,
			StartedAt: time.Now(),
		},
	}
	return p, nil
}

// monitorResources periodically verifies liveness and samples CPU/memory
// usage independent of the exit-triggered supervise loop: a process that is
// hung but still running never reaches cmd.Wait(), so this ticker is the
// only path that can observe a CPU/memory ceiling (or confirm "still
// alive") while it keeps running. It exits when the process does.
func (m *Manager) monitorResources(id types.AgentID, p *process) {
	ticker := time.NewTicker(m.healthInt)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			pid := p.record.PID
			startedAt := p.record.StartedAt
			limits := p.spec.Limits
			p.mu.Unlock()

			if err := syscall.Kill(pid, 0); err != nil {
				m.log.Debug().Str("agent_id", string(id)).Err(err).Msg("procmgr: liveness probe found process gone")
				continue
			}

			usage, err := sampleUsage(pid, startedAt)
			if err != nil {
				continue
			}

			p.mu.Lock()
			p.record.ResourceUsage = types.ResourceUsage{
				CPUPercent: usage.cpuPercent,
				MemoryRSS:  usage.memoryRSS,
				WallTime:   time.Since(startedAt),
			}
			p.mu.Unlock()

			breach := (limits.MaxMemoryBytes > 0 && usage.memoryRSS > limits.MaxMemoryBytes) ||
				(limits.MaxCPUPercent > 0 && usage.cpuPercent > limits.MaxCPUPercent)
			if !breach {
				continue
			}

			m.log.Warn().Str("agent_id", string(id)).Float64("cpu_percent", usage.cpuPercent).Int64("memory_rss", usage.memoryRSS).Msg("procmgr: resource limit exceeded, terminating agent")
			p.mu.Lock()
			p.breachKind = KindResourceLimitExceeded
			p.mu.Unlock()
			_ = killProcessGroup(pid, true)
			return
		}
	}
}

func (m *Manager) supervise(id types.AgentID, p *process) {
	err := p.cmd.Wait()
	p.stdoutPipe.Close()

	p.mu.Lock()
	wallExceeded := err != nil && errors.Is(p.ctx.Err(), context.DeadlineExceeded)
	breachKind := p.breachKind
	restart := p.spec.AutoRestart && p.restarts < m.maxRestarts && err != nil
	p.mu.Unlock()

	exitErr := err
	switch {
	case wallExceeded:
		exitErr = newErr(KindResourceLimitExceeded, string(id), fmt.Errorf("wall-clock limit %v exceeded: %w", p.spec.Limits.MaxWallTime, err))
	case breachKind == KindResourceLimitExceeded:
		exitErr = newErr(KindResourceLimitExceeded, string(id), err)
	}

	if m.onExit != nil {
		m.onExit(id, exitErr)
	}

	// The final state and the done channel are published only after the
	// exit handler has run, so a waiter on done observes both.
	p.mu.Lock()
	if err != nil {
		p.record.State = types.ProcessFailed
	} else {
		p.record.State = types.ProcessTerminated
	}
	p.mu.Unlock()
	close(p.done)

	if !restart {
		return
	}

	m.mu.Lock()
	m.log.Warn().Str("agent_id", string(id)).Int("attempt", p.restarts+1).Msg("restarting failed agent process")
	np, err2 := m.start(context.Background(), id, p.spec)
	m.mu.Unlock()
	if err2 != nil {
		m.log.Error().Err(err2).Str("agent_id", string(id)).Msg("restart failed")
		return
	}
	np.restarts = p.restarts + 1

	m.mu.Lock()
	m.procs[id] = np
	onRestart := m.onRestart
	m.mu.Unlock()

	if onRestart != nil {
		onRestart(id)
	}

	go m.supervise(id, np)
	if m.healthInt > 0 {
		go m.monitorResources(id, np)
	}
}

// Terminate stops an agent process. Graceful termination sends SIGTERM (or
// an interrupt) and waits up to deadline before escalating to SIGKILL; a
// non-graceful request kills immediately.
func (m *Manager) Terminate(id types.AgentID, graceful bool) error {
	m.mu.RLock()
	p, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return newErr(KindNotAlive, string(id), errors.New("agent not found"))
	}

	p.mu.Lock()
	p.record.State = types.ProcessTerminating
	pid := p.record.PID
	p.mu.Unlock()

	if !graceful {
		if err := killProcessGroup(pid, true); err != nil {
			return newErr(KindKillFailed, string(id), err)
		}
		return nil
	}

	if err := killProcessGroup(pid, false); err != nil {
		return newErr(KindKillFailed, string(id), err)
	}

	deadline := m.gracefulDeadline
	if deadline <= 0 {
		deadline = DefaultGracefulDeadline
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(deadline):
		if err := killProcessGroup(pid, true); err != nil {
			return newErr(KindKillFailed, string(id), err)
		}
		return nil
	}
}

func killProcessGroup(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// ListActive returns the ids of every process not yet terminated or failed.
func (m *Manager) ListActive() []types.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.AgentID, 0, len(m.procs))
	for id, p := range m.procs {
		p.mu.Lock()
		state := p.record.State
		p.mu.Unlock()
		if state != types.ProcessTerminated && state != types.ProcessFailed {
			out = append(out, id)
		}
	}
	return out
}

// GetInfo returns the current process metadata for an agent.
func (m *Manager) GetInfo(id types.AgentID) (types.AgentProcessRecord, error) {
	m.mu.RLock()
	p, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return types.AgentProcessRecord{}, fmt.Errorf("procmgr: agent not found: %s", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.record
	rec.RestartCount = p.restarts
	return rec, nil
}

// CleanupFinished drops bookkeeping for every terminated or failed process
// and returns how many were removed.
func (m *Manager) CleanupFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, p := range m.procs {
		p.mu.Lock()
		state := p.record.State
		p.mu.Unlock()
		if state == types.ProcessTerminated || state == types.ProcessFailed {
			delete(m.procs, id)
			n++
		}
	}
	return n
}

// Stdin returns the writer attached to the process's stdin, for the
// tool-server transport to frame JSON-RPC requests over.
func (m *Manager) Stdin(id types.AgentID) (io.WriteCloser, error) {
	m.mu.RLock()
	p, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("procmgr: agent not found: %s", id)
	}
	return p.stdin, nil
}

// Stdout returns a live reader over the process's stdout, for the
// tool-server transport to read JSON-RPC responses from. Output returns a
// separate tee of the same bytes for post-hoc diagnostics; this reader is
// for the transport's own read loop and is closed when the process exits.
func (m *Manager) Stdout(id types.AgentID) (io.Reader, error) {
	m.mu.RLock()
	p, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("procmgr: agent not found: %s", id)
	}
	return p.stdoutLive, nil
}

// Output returns a snapshot of the bounded stdout/stderr rings, used for
// diagnostics when an agent fails.
func (m *Manager) Output(id types.AgentID) (stdout, stderr string, err error) {
	m.mu.RLock()
	p, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("procmgr: agent not found: %s", id)
	}
	return p.stdout.String(), p.stderr.String(), nil
}

// ringBuffer is a bounded, thread-safe byte ring used to cap captured
// process output.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - r.cap; over > 0 {
		r.buf.Next(over)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
