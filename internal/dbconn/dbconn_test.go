package dbconn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenAndExec(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	m, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	err = m.Exec(context.Background(), func(ctx context.Context) error {
		_, err := m.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return err
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
}

func TestHealth(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	m, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if err := m.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestEnsureSchemaVersion(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	m, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if err := m.EnsureSchemaVersion(context.Background(), 3); err != nil {
		t.Fatalf("EnsureSchemaVersion (fresh db): %v", err)
	}
	// Idempotent against the same version.
	if err := m.EnsureSchemaVersion(context.Background(), 3); err != nil {
		t.Fatalf("EnsureSchemaVersion (repeat): %v", err)
	}
	// A different expected version on an already-stamped database is a
	// mismatch, not a silent upgrade.
	err = m.EnsureSchemaVersion(context.Background(), 4)
	if !errors.Is(err, ErrSchemaVersionMismatch) {
		t.Errorf("err = %v, want ErrSchemaVersionMismatch", err)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(2, 50*time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	b.Record(false)
	if !b.Allow() {
		t.Fatal("expected breaker still closed after one failure")
	}
	b.Record(false)
	if b.Allow() {
		t.Fatal("expected breaker open after threshold failures")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected breaker to move to half-open after timeout")
	}
	b.Record(true)
	if b.state != breakerClosed {
		t.Errorf("state = %v, want closed after success", b.state)
	}
}

func TestExecRejectedWhenCircuitOpen(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.BreakerFailThresh = 1
	cfg.RetryMaxElapsed = 10 * time.Millisecond
	m, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	boom := errors.New("boom")
	_ = m.Exec(context.Background(), func(ctx context.Context) error { return boom })

	err = m.Exec(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}
