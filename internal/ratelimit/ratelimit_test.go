package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func nowForTest() int64 {
	return time.Now().Unix()
}

// newTestLimiter spins up a miniredis instance so bucketScript's Lua runs
// against a real (if in-memory) Redis, not just the Go-side helpers around
// it. The returned *redis.Client lets tests seed a bucket's hash directly,
// since a fresh bucket starts with zero tokens and earns them over time
// (see bucketScript) rather than starting full.
func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, "example.com", "domain", limits), rdb
}

func seedBucket(t *testing.T, rdb *redis.Client, l *Limiter, iv Interval, tokens float64, lastRefill float64) {
	t.Helper()
	if err := rdb.HSet(context.Background(), l.key(iv), "tokens", tokens, "last_refill", lastRefill).Err(); err != nil {
		t.Fatalf("seeding bucket: %v", err)
	}
}

func TestAcquire_FreshBucketStartsEmptyAndDenies(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{TokensPerMinute: 5, TokensPerHour: 100, MaxTokens: 50})

	res, err := l.Acquire(context.Background(), 1, IntervalMinute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Allowed {
		t.Error("Acquire against a never-used bucket: allowed = true, want false (bucket earns tokens over time, doesn't start full)")
	}
	if res.WaitSeconds <= 0 {
		t.Errorf("WaitSeconds = %v, want > 0 when denied", res.WaitSeconds)
	}
}

func TestAcquire_SeededBucketAllowsUpToAvailableTokensThenDenies(t *testing.T) {
	l, rdb := newTestLimiter(t, Limits{TokensPerMinute: 5, TokensPerHour: 100, MaxTokens: 50})
	now := float64(nowForTest())
	seedBucket(t, rdb, l, IntervalMinute, 3, now)

	for i := 0; i < 3; i++ {
		res, err := l.Acquire(context.Background(), 1, IntervalMinute)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Acquire %d: allowed = false, want true (%d of 3 seeded tokens remaining)", i, 3-i)
		}
	}

	res, err := l.Acquire(context.Background(), 1, IntervalMinute)
	if err != nil {
		t.Fatalf("Acquire (4th): %v", err)
	}
	if res.Allowed {
		t.Error("4th Acquire after exhausting the seeded tokens: allowed = true, want false")
	}
}

func TestAcquire_RefillsTokensAfterIntervalsPass(t *testing.T) {
	l, rdb := newTestLimiter(t, Limits{TokensPerMinute: 5, TokensPerHour: 100, MaxTokens: 50})
	// last_refill two intervals ago with an empty bucket: two intervals'
	// worth of tokens (10) should be credited before this acquire runs.
	seedBucket(t, rdb, l, IntervalMinute, 0, float64(nowForTest())-120)

	res, err := l.Acquire(context.Background(), 1, IntervalMinute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Allowed {
		t.Fatal("Acquire after two elapsed intervals: allowed = false, want true")
	}
	if res.TokensRemaining != 9 {
		t.Errorf("TokensRemaining = %v, want 9 (2 intervals * 5 tokens - 1 requested)", res.TokensRemaining)
	}
}

func TestAcquire_ReleaseReturnsTokens(t *testing.T) {
	l, rdb := newTestLimiter(t, Limits{TokensPerMinute: 5, TokensPerHour: 100, MaxTokens: 2})
	ctx := context.Background()
	seedBucket(t, rdb, l, IntervalMinute, 2, float64(nowForTest()))

	for i := 0; i < 2; i++ {
		if res, err := l.Acquire(ctx, 1, IntervalMinute); err != nil || !res.Allowed {
			t.Fatalf("Acquire %d: res=%+v err=%v", i, res, err)
		}
	}
	if res, _ := l.Acquire(ctx, 1, IntervalMinute); res.Allowed {
		t.Fatal("bucket should be empty before Release")
	}

	l.Release(ctx, 1, IntervalMinute)

	res, err := l.Acquire(ctx, 1, IntervalMinute)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	if !res.Allowed {
		t.Error("Acquire after Release: allowed = false, want true")
	}
}

func TestAcquireWithBackoff_ReleasesMinuteTokensWhenHourWindowRejects(t *testing.T) {
	l, rdb := newTestLimiter(t, Limits{TokensPerMinute: 10, TokensPerHour: 1, MaxTokens: 10})
	ctx := context.Background()
	now := float64(nowForTest())
	seedBucket(t, rdb, l, IntervalMinute, 10, now)
	seedBucket(t, rdb, l, IntervalHour, 0, now)

	res, err := l.AcquireWithBackoff(ctx, 1, 1)
	if err != nil {
		t.Fatalf("AcquireWithBackoff: %v", err)
	}
	if res.Allowed {
		t.Fatal("the hour bucket was seeded empty, so the combined acquire should fail")
	}

	minuteStatus := l.GetStatus(ctx).Minute
	if minuteStatus == nil {
		t.Fatal("expected minute window status after an acquire")
	}
	if minuteStatus.Tokens != 10 {
		t.Errorf("minute tokens after the hour window rejected = %v, want 10 (released back)", minuteStatus.Tokens)
	}
}

func TestReset_ClearsBothWindows(t *testing.T) {
	l, rdb := newTestLimiter(t, DefaultDomainLimits)
	ctx := context.Background()
	seedBucket(t, rdb, l, IntervalMinute, 5, float64(nowForTest()))

	if status := l.GetStatus(ctx).Minute; status == nil {
		t.Fatal("expected minute window status before Reset")
	}

	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if status := l.GetStatus(ctx).Minute; status != nil {
		t.Errorf("minute window status after Reset = %+v, want nil", status)
	}
}

func TestInterval_Seconds(t *testing.T) {
	if IntervalMinute.seconds() != 60 {
		t.Errorf("minute seconds = %d, want 60", IntervalMinute.seconds())
	}
	if IntervalHour.seconds() != 3600 {
		t.Errorf("hour seconds = %d, want 3600", IntervalHour.seconds())
	}
}

func TestLimiter_KeyNaming(t *testing.T) {
	l := New(nil, "example.com", "domain", DefaultDomainLimits)
	if got, want := l.key(IntervalMinute), "rate:domain:example.com:minute"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
	if got, want := l.key(IntervalHour), "rate:domain:example.com:hour"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestLimiter_TokensPerInterval(t *testing.T) {
	l := New(nil, "1.2.3.4", "ip", DefaultIPLimits)
	if got := l.tokensPerInterval(IntervalMinute); got != DefaultIPLimits.TokensPerMinute {
		t.Errorf("tokensPerInterval(minute) = %d, want %d", got, DefaultIPLimits.TokensPerMinute)
	}
	if got := l.tokensPerInterval(IntervalHour); got != DefaultIPLimits.TokensPerHour {
		t.Errorf("tokensPerInterval(hour) = %d, want %d", got, DefaultIPLimits.TokensPerHour)
	}
}

func TestBackoffDuration_Bounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDuration(attempt)
		if d <= 0 {
			t.Fatalf("backoffDuration(%d) = %v, want > 0", attempt, d)
		}
		// base capped at 60s, plus up to 30% jitter => max ~78s
		if d.Seconds() > 78 {
			t.Errorf("backoffDuration(%d) = %v, want <= ~78s", attempt, d)
		}
	}
}

func TestParseFloat(t *testing.T) {
	if got := parseFloat("12.5"); got != 12.5 {
		t.Errorf("parseFloat = %v, want 12.5", got)
	}
	if got := parseFloat(""); got != 0 {
		t.Errorf("parseFloat(empty) = %v, want 0", got)
	}
}

func TestToInt64AndToFloat64(t *testing.T) {
	if toInt64(int64(3)) != 3 {
		t.Error("toInt64(int64) mismatch")
	}
	if toInt64("7") != 7 {
		t.Error("toInt64(string) mismatch")
	}
	if toFloat64(float64(1.5)) != 1.5 {
		t.Error("toFloat64(float64) mismatch")
	}
	if toFloat64("2.25") != 2.25 {
		t.Error("toFloat64(string) mismatch")
	}
}
