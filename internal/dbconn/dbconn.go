// Package dbconn manages the runtime's single SQLite connection: pragma
// configuration, retry-with-backoff for transient lock contention, and a
// circuit breaker that stops hammering a database that is failing every
// call.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "modernc.org/sqlite"
)

// Config controls pragma tuning and retry/circuit-breaker behavior.
type Config struct {
	Path               string
	BusyTimeoutMS      int
	MaxOpenConns       int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryMaxElapsed    time.Duration
	BreakerFailThresh  int
	BreakerOpenTimeout time.Duration
}

// DefaultConfig returns sane pragma and resiliency defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		BusyTimeoutMS:      5000,
		MaxOpenConns:       1,
		RetryInitialDelay:  50 * time.Millisecond,
		RetryMaxDelay:      2 * time.Second,
		RetryMaxElapsed:    10 * time.Second,
		BreakerFailThresh:  5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// Manager owns the database handle, applies resiliency policy around every
// call, and exposes the sole entry point for other components to reach the
// database.
type Manager struct {
	db      *sql.DB
	cfg     Config
	breaker *circuitBreaker
}

// Open configures SQLite for WAL mode and concurrent single-writer access,
// applying pragmas with retry since they can themselves hit SQLITE_BUSY
// during startup contention.
func Open(cfg Config) (*Manager, error) {
	db, err := sql.Open("sqlite", normalizeDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("dbconn: open: %w", err)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	m := &Manager{
		db:      db,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.BreakerFailThresh, cfg.BreakerOpenTimeout),
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeoutMS),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, p := range pragmas {
		pragma := p
		if err := m.Exec(context.Background(), func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("dbconn: pragma %q: %w", pragma, err)
		}
	}

	return m, nil
}

// DB returns the underlying handle for components that need direct SQL
// access (queries, transactions); Exec/Query should be preferred for
// anything worth retrying or breaker-guarding.
func (m *Manager) DB() *sql.DB { return m.db }

// Close checkpoints the WAL and closes the connection.
func (m *Manager) Close() error {
	_, _ = m.db.ExecContext(context.Background(), "PRAGMA optimize")
	return m.db.Close()
}

// Exec runs op with exponential backoff retry on transient SQLITE_BUSY /
// SQLITE_LOCKED errors, gated by the circuit breaker.
func (m *Manager) Exec(ctx context.Context, op func(ctx context.Context) error) error {
	if !m.breaker.Allow() {
		return ErrCircuitOpen
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialDelay
	b.MaxInterval = m.cfg.RetryMaxDelay
	b.MaxElapsedTime = m.cfg.RetryMaxElapsed
	b.RandomizationFactor = 0.1

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	m.breaker.Record(err == nil)
	return err
}

// Health runs a trivial round-trip query through the retry/breaker path; a
// non-nil error means the database is not fit to serve traffic.
func (m *Manager) Health(ctx context.Context) error {
	return m.Exec(ctx, func(ctx context.Context) error {
		var one int
		return m.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// schemaVersionDDL creates the single-row schema_version table spec.md §7
// uses to gate startup: a runtime refuses to start against a database whose
// recorded version does not match the version it was built for.
const schemaVersionDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
)`

// ErrSchemaVersionMismatch is returned by EnsureSchemaVersion when an
// existing database reports a version other than the one the caller expects.
var ErrSchemaVersionMismatch = errors.New("dbconn: schema version mismatch")

// EnsureSchemaVersion creates the schema_version row on a fresh database, or
// verifies it on an existing one. A mismatch returns
// ErrSchemaVersionMismatch wrapped with both versions rather than silently
// upgrading or ignoring the difference — spec.md §7 treats a migration path
// as out of scope, so the only safe move on a mismatch is to refuse to
// start.
func (m *Manager) EnsureSchemaVersion(ctx context.Context, expected int) error {
	return m.Exec(ctx, func(ctx context.Context) error {
		if _, err := m.db.ExecContext(ctx, schemaVersionDDL); err != nil {
			return err
		}

		var current int
		err := m.db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE id = 1").Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			_, err := m.db.ExecContext(ctx, "INSERT INTO schema_version (id, version) VALUES (1, ?)", expected)
			return err
		}
		if err != nil {
			return err
		}
		if current != expected {
			return backoff.Permanent(fmt.Errorf("%w: database has version %d, runtime expects %d", ErrSchemaVersionMismatch, current, expected))
		}
		return nil
	})
}

func normalizeDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&_txlock=immediate"
		}
		return path + "?_txlock=immediate"
	}
	return "file:" + path + "?mode=rwc&_txlock=immediate"
}

func isRetryable(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return false
		}
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// breakerState is a node of the circuit breaker's Closed/Open/HalfOpen
// state machine.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker trips after a run of consecutive failures and rejects
// calls for a cooldown period before allowing a single trial call through.
//
// No third-party circuit-breaker library appears anywhere in the retrieval
// pack, so this is hand-rolled in the same spirit as the backoff retry
// above it.
type circuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	openedAt    time.Time
	openTimeout time.Duration
}

func newCircuitBreaker(threshold int, openTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, openTimeout: openTimeout}
}

// ErrCircuitOpen is returned when the breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("dbconn: circuit breaker open")

func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.openTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *circuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.state = breakerClosed
		return
	}

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
