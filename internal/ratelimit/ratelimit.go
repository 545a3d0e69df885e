// Package ratelimit implements the per-domain Rate Limiter (spec §4.2 /
// C2): an atomic Redis-backed token bucket enforced over both a per-minute
// and a per-hour window, with exponential backoff and fail-open behavior
// when Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript is the atomic token-bucket refill-and-acquire operation. It
// must run as a single EVALSHA so concurrent admissions for the same key
// never race on a read-modify-write of the bucket hash.
//
// KEYS[1] = bucket key
// ARGV[1] = now (unix seconds, float)
// ARGV[2] = tokens added per interval
// ARGV[3] = interval length in seconds
// ARGV[4] = tokens requested
// ARGV[5] = max bucket capacity
//
// Returns {allowed (0/1), tokens_remaining, wait_seconds_or_last_refill}.
const bucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local tokens_per_interval = tonumber(ARGV[2])
local interval_seconds = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local max_tokens = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')

local current_tokens = 0
local last_refill = now

if bucket[1] then
    current_tokens = tonumber(bucket[1])
end
if bucket[2] then
    last_refill = tonumber(bucket[2])
end

local time_passed = now - last_refill
local intervals_passed = math.floor(time_passed / interval_seconds)
local tokens_to_add = intervals_passed * tokens_per_interval

if tokens_to_add > 0 then
    current_tokens = math.min(current_tokens + tokens_to_add, max_tokens)
    last_refill = last_refill + (intervals_passed * interval_seconds)
end

if current_tokens >= requested then
    current_tokens = current_tokens - requested
    redis.call('HMSET', key, 'tokens', current_tokens, 'last_refill', last_refill)
    redis.call('EXPIRE', key, math.ceil(interval_seconds * 2))
    return {1, current_tokens, last_refill}
else
    local tokens_needed = requested - current_tokens
    local intervals_needed = math.ceil(tokens_needed / tokens_per_interval)
    local wait_seconds = (intervals_needed * interval_seconds) - (now - last_refill)
    if wait_seconds < 0 then
        wait_seconds = 0
    end
    redis.call('HMSET', key, 'tokens', current_tokens, 'last_refill', last_refill)
    redis.call('EXPIRE', key, math.ceil(interval_seconds * 2))
    return {0, current_tokens, wait_seconds}
end
`

var bucketLua = redis.NewScript(bucketScript)

// Interval identifies which window a bucket operation targets.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
)

func (i Interval) seconds() int64 {
	if i == IntervalHour {
		return 3600
	}
	return 60
}

// Limits describes the token bucket parameters for one rate-limited
// identifier (spec §4.2's per-domain defaults, overridable per DomainPolicy).
type Limits struct {
	TokensPerMinute int64
	TokensPerHour   int64
	MaxTokens       int64
}

// DefaultDomainLimits matches the spec's built-in defaults for domain-scoped
// limiting when no DomainPolicy overrides them.
var DefaultDomainLimits = Limits{TokensPerMinute: 5, TokensPerHour: 30, MaxTokens: 50}

// DefaultIPLimits matches the spec's built-in defaults for IP-scoped limiting.
var DefaultIPLimits = Limits{TokensPerMinute: 20, TokensPerHour: 100, MaxTokens: 150}

// AcquireResult reports the outcome of a single-window acquire attempt.
type AcquireResult struct {
	Allowed         bool
	WaitSeconds     float64
	TokensRemaining float64
	Fallback        bool // true if Redis was unreachable and the request fell through
}

// Limiter enforces per-minute and per-hour token buckets for one identifier
// (a domain or an IP address) over Redis.
type Limiter struct {
	rdb        *redis.Client
	identifier string
	scope      string // "domain" | "ip" | "custom"
	limits     Limits
}

// New creates a Limiter for identifier scoped by scope ("domain" or "ip"),
// using limits for the bucket sizes.
func New(rdb *redis.Client, identifier, scope string, limits Limits) *Limiter {
	return &Limiter{rdb: rdb, identifier: identifier, scope: scope, limits: limits}
}

func (l *Limiter) keyPrefix() string {
	return fmt.Sprintf("rate:%s:%s", l.scope, l.identifier)
}

func (l *Limiter) key(iv Interval) string {
	return fmt.Sprintf("%s:%s", l.keyPrefix(), iv)
}

func (l *Limiter) tokensPerInterval(iv Interval) int64 {
	if iv == IntervalHour {
		return l.limits.TokensPerHour
	}
	return l.limits.TokensPerMinute
}

// Acquire attempts to take `tokens` from the named window's bucket. On a
// Redis error it fails open: the request is allowed and Fallback is set, so
// an outage of the rate limiter never blocks job admission (spec §4.2).
func (l *Limiter) Acquire(ctx context.Context, tokens int64, iv Interval) (AcquireResult, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := bucketLua.Run(ctx, l.rdb, []string{l.key(iv)},
		now, l.tokensPerInterval(iv), iv.seconds(), tokens, l.limits.MaxTokens,
	).Result()
	if err != nil {
		return AcquireResult{Allowed: true, Fallback: true}, nil
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return AcquireResult{}, errors.New("ratelimit: unexpected script result shape")
	}

	allowed := toInt64(arr[0]) == 1
	tokensRemaining := toFloat64(arr[1])

	if allowed {
		return AcquireResult{Allowed: true, TokensRemaining: tokensRemaining}, nil
	}
	return AcquireResult{Allowed: false, TokensRemaining: tokensRemaining, WaitSeconds: toFloat64(arr[2])}, nil
}

// Release returns tokens to a bucket, used when a later stage of a combined
// acquire (e.g. the hourly window) fails after the minute window succeeded.
func (l *Limiter) Release(ctx context.Context, tokens int64, iv Interval) {
	key := l.key(iv)
	current, err := l.rdb.HGet(ctx, key, "tokens").Float64()
	if err != nil {
		return
	}
	newTokens := math.Min(current+float64(tokens), float64(l.limits.MaxTokens))
	l.rdb.HSet(ctx, key, "tokens", newTokens)
}

// BackoffResult is the outcome of AcquireWithBackoff.
type BackoffResult struct {
	Allowed   bool
	Attempts  int
	Exhausted bool
}

// AcquireWithBackoff tries to acquire from both the minute and hour windows,
// retrying with exponential backoff plus jitter up to maxAttempts times. If
// the hour window rejects after the minute window accepted, the minute
// tokens are released before retrying (spec §4.2).
func (l *Limiter) AcquireWithBackoff(ctx context.Context, tokens int64, maxAttempts int) (BackoffResult, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		minuteRes, err := l.Acquire(ctx, tokens, IntervalMinute)
		if err != nil {
			return BackoffResult{}, err
		}

		if minuteRes.Allowed {
			hourRes, err := l.Acquire(ctx, tokens, IntervalHour)
			if err != nil {
				return BackoffResult{}, err
			}
			if hourRes.Allowed {
				return BackoffResult{Allowed: true, Attempts: attempt + 1}, nil
			}
			l.Release(ctx, tokens, IntervalMinute)
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := backoffDuration(attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return BackoffResult{}, ctx.Err()
		}
	}
	return BackoffResult{Allowed: false, Attempts: maxAttempts, Exhausted: true}, nil
}

func backoffDuration(attempt int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempt)), 60)
	jitter := rand.Float64() * base * 0.3
	return time.Duration((base + jitter) * float64(time.Second))
}

// WindowStatus reports the observed state of one bucket window.
type WindowStatus struct {
	Tokens     float64
	LastRefill float64
	TTLSeconds float64
}

// Status reports the current state of both windows, for the rate-limit
// status operator endpoint (SPEC_FULL.md §C Supplemented Feature 1).
type Status struct {
	Identifier string
	Scope      string
	Limits     Limits
	Minute     *WindowStatus
	Hour       *WindowStatus
}

// GetStatus reads both bucket windows without mutating them.
func (l *Limiter) GetStatus(ctx context.Context) Status {
	status := Status{Identifier: l.identifier, Scope: l.scope, Limits: l.limits}
	status.Minute = l.windowStatus(ctx, IntervalMinute)
	status.Hour = l.windowStatus(ctx, IntervalHour)
	return status
}

func (l *Limiter) windowStatus(ctx context.Context, iv Interval) *WindowStatus {
	key := l.key(iv)
	data, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return nil
	}
	ttl, _ := l.rdb.TTL(ctx, key).Result()
	return &WindowStatus{
		Tokens:     parseFloat(data["tokens"]),
		LastRefill: parseFloat(data["last_refill"]),
		TTLSeconds: ttl.Seconds(),
	}
}

// Reset clears both windows for this identifier, used by the operator
// reset endpoint.
func (l *Limiter) Reset(ctx context.Context) error {
	return l.rdb.Del(ctx, l.key(IntervalMinute), l.key(IntervalHour)).Err()
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var i int64
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		return parseFloat(n)
	default:
		return 0
	}
}
