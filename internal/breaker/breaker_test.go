package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestBreaker spins up a miniredis instance and a Breaker pointed at it,
// so AllowExecution's Lua script runs against a real (if in-memory) Redis
// rather than only being exercised through mocks of its surrounding Go code.
func newTestBreaker(t *testing.T, domain string) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, domain, 3, []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}), mr
}

func seedCircuit(t *testing.T, mr *miniredis.Miniredis, key string, data circuitData) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling seed state: %v", err)
	}
	if err := mr.Set(key, string(raw)); err != nil {
		t.Fatalf("seeding circuit state: %v", err)
	}
}

func TestAllowExecution_ClosedAllowsWithNoKey(t *testing.T) {
	b, _ := newTestBreaker(t, "example.com")

	d, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if !d.Allowed || d.State != Closed {
		t.Errorf("got %+v, want allowed=true state=Closed", d)
	}
}

func TestAllowExecution_OpenBeforeCooldownDenies(t *testing.T) {
	b, mr := newTestBreaker(t, "example.com")
	seedCircuit(t, mr, b.key, circuitData{
		State:         Open,
		CooldownUntil: nowUnix() + 3600,
	})

	d, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if d.Allowed || d.State != Open {
		t.Errorf("got %+v, want allowed=false state=Open", d)
	}
	if d.RemainingCooldown <= 0 {
		t.Errorf("RemainingCooldown = %v, want > 0", d.RemainingCooldown)
	}
}

func TestAllowExecution_OpenAfterCooldownTransitionsToHalfOpenAndAdmitsOneProbe(t *testing.T) {
	b, mr := newTestBreaker(t, "example.com")
	seedCircuit(t, mr, b.key, circuitData{
		State:         Open,
		CooldownUntil: nowUnix() - 1, // already expired
	})

	first, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if !first.Allowed || first.State != HalfOpen {
		t.Fatalf("first call = %+v, want allowed=true state=HalfOpen", first)
	}

	second, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if second.Allowed {
		t.Errorf("second call after the cooldown-expiry transition = %+v, want allowed=false (probe already consumed)", second)
	}
	if second.State != HalfOpen {
		t.Errorf("second call state = %v, want HalfOpen", second.State)
	}
}

// TestAllowExecution_ConcurrentCooldownExpiryAdmitsExactlyOneProbe exercises
// the race the Open->HalfOpen transition used to have when it was a
// separate, non-atomic get+set outside the Lua script: many callers racing
// the cooldown-expiry check must yield exactly one admitted probe.
func TestAllowExecution_ConcurrentCooldownExpiryAdmitsExactlyOneProbe(t *testing.T) {
	b, mr := newTestBreaker(t, "example.com")
	seedCircuit(t, mr, b.key, circuitData{
		State:         Open,
		CooldownUntil: nowUnix() - 1,
	})

	const callers = 50
	var admitted int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			d, err := b.AllowExecution(context.Background())
			if err != nil {
				t.Errorf("AllowExecution: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("admitted = %d concurrent callers, want exactly 1", admitted)
	}
}

func TestAllowExecution_HalfOpenProbeAlreadyConsumedDenies(t *testing.T) {
	b, mr := newTestBreaker(t, "example.com")
	seedCircuit(t, mr, b.key, circuitData{
		State:            HalfOpen,
		HalfOpenConsumed: true,
	})

	d, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if d.Allowed || d.State != HalfOpen {
		t.Errorf("got %+v, want allowed=false state=HalfOpen", d)
	}
}

func TestAllowExecution_HalfOpenUnconsumedAdmitsOnce(t *testing.T) {
	b, mr := newTestBreaker(t, "example.com")
	seedCircuit(t, mr, b.key, circuitData{State: HalfOpen})

	d, err := b.AllowExecution(context.Background())
	if err != nil {
		t.Fatalf("AllowExecution: %v", err)
	}
	if !d.Allowed || d.State != HalfOpen {
		t.Errorf("got %+v, want allowed=true state=HalfOpen", d)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Closed:   "closed",
		Open:     "open",
		HalfOpen: "half_open",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	b := New(nil, "example.com", 0, nil)
	if b.failureThreshold != DefaultFailureThreshold {
		t.Errorf("failureThreshold = %d, want %d", b.failureThreshold, DefaultFailureThreshold)
	}
	if len(b.cooldownSequence) != len(DefaultCooldownSequence) {
		t.Errorf("cooldownSequence length = %d, want %d", len(b.cooldownSequence), len(DefaultCooldownSequence))
	}
	if b.key != "circuit:example.com" {
		t.Errorf("key = %q, want %q", b.key, "circuit:example.com")
	}
}

func TestCooldownFor_ClampsToSequenceBounds(t *testing.T) {
	b := New(nil, "example.com", 3, []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour})

	if got := b.cooldownFor(-1); got != time.Hour {
		t.Errorf("cooldownFor(-1) = %v, want %v", got, time.Hour)
	}
	if got := b.cooldownFor(0); got != time.Hour {
		t.Errorf("cooldownFor(0) = %v, want %v", got, time.Hour)
	}
	if got := b.cooldownFor(2); got != 24*time.Hour {
		t.Errorf("cooldownFor(2) = %v, want %v", got, 24*time.Hour)
	}
	if got := b.cooldownFor(99); got != 24*time.Hour {
		t.Errorf("cooldownFor(99) = %v, want %v (should clamp to last entry)", got, 24*time.Hour)
	}
}

func TestFreshState_IsClosed(t *testing.T) {
	s := freshState()
	if s.State != Closed {
		t.Errorf("freshState().State = %v, want Closed", s.State)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("freshState().ConsecutiveFailures = %d, want 0", s.ConsecutiveFailures)
	}
}
