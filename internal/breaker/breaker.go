// Package breaker implements the per-domain Circuit Breaker (spec §4.3 /
// C3): a three-state (CLOSED/OPEN/HALF_OPEN) finite state machine backed by
// a single JSON blob per domain in Redis.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/telemetry"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DefaultCooldownSequence matches the spec's built-in escalating cooldown:
// 1 hour, then 6 hours, then 24 hours for sustained failures.
var DefaultCooldownSequence = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}

// DefaultFailureThreshold is the number of consecutive failures that opens
// the circuit from CLOSED.
const DefaultFailureThreshold = 3

type lastFailure struct {
	Timestamp float64 `json:"timestamp"`
	ErrorType string  `json:"error_type"`
}

// circuitData is the JSON blob stored at key circuit:<domain>.
type circuitData struct {
	State               State        `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         *lastFailure `json:"last_failure,omitempty"`
	CooldownUntil       float64      `json:"cooldown_until"`
	Forced              bool         `json:"forced,omitempty"`
	HalfOpenConsumed    bool         `json:"half_open_token_consumed,omitempty"`
}

func freshState() circuitData {
	return circuitData{State: Closed}
}

// Breaker guards calls against a single domain.
type Breaker struct {
	rdb              *redis.Client
	domain           string
	failureThreshold int
	cooldownSequence []time.Duration
	key              string
}

// New creates a Breaker for domain using the given failure threshold and
// cooldown escalation sequence. A nil/empty cooldownSequence falls back to
// DefaultCooldownSequence.
func New(rdb *redis.Client, domain string, failureThreshold int, cooldownSequence []time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if len(cooldownSequence) == 0 {
		cooldownSequence = DefaultCooldownSequence
	}
	return &Breaker{
		rdb:              rdb,
		domain:           domain,
		failureThreshold: failureThreshold,
		cooldownSequence: cooldownSequence,
		key:              "circuit:" + domain,
	}
}

// allowExecutionScript atomically evaluates the full AllowExecution
// decision against a single Redis key, including the OPEN→HALF_OPEN
// cooldown-expiry transition and the HALF_OPEN single-probe gate. Folding
// both into one script closes the race where two concurrent callers each
// read an expired cooldown before either one's write lands and both would
// otherwise become "the" half-open probe: the state read, the expiry
// check, and the state write it triggers all happen inside one EVALSHA, so
// only the first caller to run the script against a given key observes
// the transition and wins the probe.
//
// KEYS[1] = circuit key
// ARGV[1] = now (unix seconds, float)
// ARGV[2] = half-open TTL in seconds
// Returns {allowed (0/1), state (0=closed, 1=open, 2=half_open), remaining_cooldown_seconds}
const allowExecutionScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return {1, 0, 0}
end
local data = cjson.decode(raw)
local now = tonumber(ARGV[1])

if data.state == 0 then
    return {1, 0, 0}
end

if data.state == 1 then
    if now >= data.cooldown_until then
        data.state = 2
        data.half_open_token_consumed = true
        redis.call('SET', KEYS[1], cjson.encode(data), 'EX', math.ceil(tonumber(ARGV[2])))
        return {1, 2, 0}
    end
    return {0, 1, data.cooldown_until - now}
end

if data.half_open_token_consumed then
    return {0, 2, 0}
end
data.half_open_token_consumed = true
redis.call('SET', KEYS[1], cjson.encode(data), 'KEEPTTL')
return {1, 2, 0}
`

var allowExecutionLua = redis.NewScript(allowExecutionScript)

// halfOpenProbeTTL is the TTL applied to the circuit key at the moment it
// enters HALF_OPEN, matching transitionToHalfOpen's prior behavior.
const halfOpenProbeTTL = 60 * time.Second

// Decision is the result of AllowExecution.
type Decision struct {
	Allowed           bool
	RemainingCooldown time.Duration
	State             State
}

// AllowExecution checks whether a request to this domain should proceed.
// The whole decision — cooldown-expiry transition and half-open probe gate
// included — runs as one atomic Lua script (allowExecutionScript) so no two
// concurrent callers can ever both be admitted as the half-open probe.
func (b *Breaker) AllowExecution(ctx context.Context) (Decision, error) {
	res, err := allowExecutionLua.Run(ctx, b.rdb, []string{b.key}, nowUnix(), halfOpenProbeTTL.Seconds()).Result()
	if err != nil {
		// Fail open on Redis error, consistent with the rest of the safety
		// layer's fail-open posture.
		return Decision{Allowed: true, State: Closed}, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{Allowed: true, State: Closed}, nil
	}

	allowed := toInt64(vals[0]) == 1
	state := State(toInt64(vals[1]))
	remaining := toFloat64(vals[2])

	if state == HalfOpen && allowed {
		telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(HalfOpen))
	}

	return Decision{Allowed: allowed, State: state, RemainingCooldown: time.Duration(remaining * float64(time.Second))}, nil
}

// RecordSuccess records a successful call. A success while HALF_OPEN closes
// the circuit; a success while CLOSED resets the consecutive failure count.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	data, err := b.get(ctx)
	if err != nil {
		return err
	}

	switch data.State {
	case HalfOpen:
		if err := b.set(ctx, freshState(), 24*time.Hour); err != nil {
			return err
		}
	case Closed:
		data.ConsecutiveFailures = 0
		data.LastFailure = nil
		if err := b.set(ctx, data, 24*time.Hour); err != nil {
			return err
		}
	}
	telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(Closed))
	return nil
}

// RecordFailure records a failed call, attributing errType for diagnostics.
// A failure while HALF_OPEN immediately reopens the circuit using the next
// step of the cooldown sequence; a failure while CLOSED increments the
// consecutive failure count and opens the circuit once the threshold is hit.
func (b *Breaker) RecordFailure(ctx context.Context, errType string) error {
	data, err := b.get(ctx)
	if err != nil {
		return err
	}

	if data.State == HalfOpen {
		failures := data.ConsecutiveFailures + 1
		cooldown := b.cooldownFor(failures - 1)
		data.State = Open
		data.ConsecutiveFailures = failures
		data.CooldownUntil = nowUnix() + cooldown.Seconds()
		data.LastFailure = &lastFailure{Timestamp: nowUnix(), ErrorType: errType}
		data.HalfOpenConsumed = false
		if err := b.set(ctx, data, cooldown+time.Hour); err != nil {
			return err
		}
		telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(Open))
		return nil
	}

	failures := data.ConsecutiveFailures + 1
	data.ConsecutiveFailures = failures
	data.LastFailure = &lastFailure{Timestamp: nowUnix(), ErrorType: errType}

	ttl := 24 * time.Hour
	if failures >= b.failureThreshold {
		cooldown := b.cooldownFor(failures - b.failureThreshold)
		data.State = Open
		data.CooldownUntil = nowUnix() + cooldown.Seconds()
		ttl = cooldown + time.Hour
	}

	if err := b.set(ctx, data, ttl); err != nil {
		return err
	}
	if data.State == Open {
		telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(Open))
	}
	return nil
}

// ForceOpen opens the circuit regardless of failure history, for operator
// intervention (SPEC_FULL.md §C Supplemented Feature 2).
func (b *Breaker) ForceOpen(ctx context.Context, cooldown time.Duration) error {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	data := circuitData{
		State:               Open,
		ConsecutiveFailures: b.failureThreshold,
		CooldownUntil:       nowUnix() + cooldown.Seconds(),
		LastFailure:         &lastFailure{Timestamp: nowUnix(), ErrorType: "forced"},
		Forced:              true,
	}
	if err := b.set(ctx, data, cooldown+time.Hour); err != nil {
		return err
	}
	telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(Open))
	return nil
}

// ForceReset closes the circuit and clears all counters.
func (b *Breaker) ForceReset(ctx context.Context) error {
	if err := b.set(ctx, freshState(), 24*time.Hour); err != nil {
		return err
	}
	telemetry.CircuitStateGauge.WithLabelValues(b.domain).Set(float64(Closed))
	return nil
}

// Status is a point-in-time snapshot of breaker state for operator display.
type Status struct {
	Domain              string
	State               State
	ConsecutiveFailures int
	RemainingCooldown   time.Duration
	LastFailure         *lastFailure
	Forced              bool
}

// GetStatus reports the current circuit state without mutating it.
func (b *Breaker) GetStatus(ctx context.Context) (Status, error) {
	data, err := b.get(ctx)
	if err != nil {
		return Status{}, err
	}
	var remaining time.Duration
	if data.State == Open {
		if d := data.CooldownUntil - nowUnix(); d > 0 {
			remaining = time.Duration(d) * time.Second
		}
	}
	return Status{
		Domain:              b.domain,
		State:               data.State,
		ConsecutiveFailures: data.ConsecutiveFailures,
		RemainingCooldown:   remaining,
		LastFailure:         data.LastFailure,
		Forced:              data.Forced,
	}, nil
}

func (b *Breaker) cooldownFor(index int) time.Duration {
	if index < 0 {
		index = 0
	}
	if index >= len(b.cooldownSequence) {
		index = len(b.cooldownSequence) - 1
	}
	return b.cooldownSequence[index]
}

func (b *Breaker) get(ctx context.Context) (circuitData, error) {
	raw, err := b.rdb.Get(ctx, b.key).Result()
	if err != nil {
		if err == redis.Nil {
			return freshState(), nil
		}
		// Fail open: an unreachable Redis should not be mistaken for an open
		// circuit, so callers see CLOSED rather than an error that might be
		// treated as a deny.
		return freshState(), nil
	}
	var data circuitData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return freshState(), nil
	}
	return data, nil
}

func (b *Breaker) set(ctx context.Context, data circuitData, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("breaker: marshaling state: %w", err)
	}
	if err := b.rdb.SetEx(ctx, b.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("breaker: writing state: %w", err)
	}
	return nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
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
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	default:
		return 0
	}
}
