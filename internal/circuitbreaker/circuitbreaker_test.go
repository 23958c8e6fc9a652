package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 20 * time.Millisecond}
}

// TestBreaker_OpensAfterThreshold verifies that the breaker trips to OPEN
// once failures within the window reach FailureThreshold, and then rejects
// calls with ErrOpen.
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Call(ctx, func(context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("Call() attempt %d error = %v, want errBoom", i, err)
		}
	}

	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state after threshold failures = %v, want open", got)
	}

	err := b.Call(ctx, func(context.Context) error {
		t.Fatal("fn should not run while breaker is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() on open breaker error = %v, want ErrOpen", err)
	}
}

// TestBreaker_HalfOpenRecovers verifies that after the cooldown elapses a
// single probe call is let through; success closes the breaker.
func TestBreaker_HalfOpenRecovers(t *testing.T) {
	cfg := testConfig()
	b := newBreaker(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errBoom })
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(cfg.Cooldown + 5*time.Millisecond)

	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe Call() error = %v", err)
	}
	if got := b.Snapshot().State; got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}
}

// TestBreaker_HalfOpenFailureReopens verifies that a failed probe during
// HALF_OPEN renews the cooldown by transitioning back to OPEN.
func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := newBreaker(cfg)
	ctx := context.Background()

	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errBoom })
	}
	time.Sleep(cfg.Cooldown + 5*time.Millisecond)

	if err := b.Call(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe Call() error = %v, want errBoom", err)
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}
}

// TestRegistry_PerSourceKindIsolation verifies that breakers are isolated
// per (source, kind): tripping one must not affect another.
func TestRegistry_PerSourceKindIsolation(t *testing.T) {
	r := NewRegistry(testConfig())
	ctx := context.Background()

	gridded := r.Get("gridded_binary", "forecast")
	for i := 0; i < 3; i++ {
		_ = gridded.Call(ctx, func(context.Context) error { return errBoom })
	}

	beacon := r.Get("network_a", "observation")
	if err := beacon.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unrelated breaker Call() error = %v, want nil", err)
	}

	snap := r.Snapshot()
	if snap["gridded_binary/forecast"].State != StateOpen {
		t.Errorf("gridded_binary/forecast state = %v, want open", snap["gridded_binary/forecast"].State)
	}
	if snap["network_a/observation"].State != StateClosed {
		t.Errorf("network_a/observation state = %v, want closed", snap["network_a/observation"].State)
	}
}
