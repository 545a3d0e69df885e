package idempotency

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, slog.Default(), 0)
}

func TestCheckAndStore_FirstAdmissionThenDuplicateReturnsExistingJobID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	existing, err := e.CheckAndStore(ctx, "key-1", "job-a")
	if err != nil {
		t.Fatalf("CheckAndStore (first): %v", err)
	}
	if existing != "" {
		t.Errorf("first admission: existing = %q, want empty", existing)
	}

	existing, err = e.CheckAndStore(ctx, "key-1", "job-b")
	if err != nil {
		t.Fatalf("CheckAndStore (duplicate): %v", err)
	}
	if existing != "job-a" {
		t.Errorf("duplicate admission: existing = %q, want %q", existing, "job-a")
	}
}

func TestCheck_ReportsExistingBindingWithoutWriting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if got, err := e.Check(ctx, "key-2"); err != nil || got != "" {
		t.Fatalf("Check before Store: got=%q err=%v, want empty,nil", got, err)
	}

	if err := e.Store(ctx, "key-2", "job-x"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := e.Check(ctx, "key-2")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != "job-x" {
		t.Errorf("Check after Store: got = %q, want %q", got, "job-x")
	}
}

func TestForget_RemovesBindingAllowingRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Store(ctx, "key-3", "job-y"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := e.Forget(ctx, "key-3"); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	existing, err := e.CheckAndStore(ctx, "key-3", "job-z")
	if err != nil {
		t.Fatalf("CheckAndStore after Forget: %v", err)
	}
	if existing != "" {
		t.Errorf("existing after Forget = %q, want empty (key should be free again)", existing)
	}
}

func TestCheckAndStore_EmptyKeyAlwaysAdmits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		existing, err := e.CheckAndStore(ctx, "", "job")
		if err != nil {
			t.Fatalf("CheckAndStore with empty key: %v", err)
		}
		if existing != "" {
			t.Errorf("iteration %d: existing = %q, want empty (no key means no dedup)", i, existing)
		}
	}
}

func TestKey(t *testing.T) {
	if got, want := key("abc123"), "idempotency:abc123"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestNew_DefaultTTL(t *testing.T) {
	e := New(nil, nil, 0)
	if e.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", e.ttl, DefaultTTL)
	}
}
