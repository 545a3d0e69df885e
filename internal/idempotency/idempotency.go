// Package idempotency implements the Idempotency Engine (spec §4.5 / C5):
// a best-effort check to stop duplicate job submissions sharing the same
// idempotency key from being admitted twice within a TTL window.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL matches the spec's default idempotency window.
const DefaultTTL = 24 * time.Hour

// Engine checks and records idempotency keys over Redis.
type Engine struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// New creates an Engine. ttl of zero uses DefaultTTL.
func New(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{rdb: rdb, logger: logger, ttl: ttl}
}

func key(idempotencyKey string) string {
	return "idempotency:" + idempotencyKey
}

// Check reports the job ID already bound to idempotencyKey, if any, without
// writing anything. Used at admission to decide whether a duplicate
// submission should be rejected before a policy check or job row is ever
// created (spec §4.10 admission step 1).
func (e *Engine) Check(ctx context.Context, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		return "", nil
	}
	val, err := e.rdb.Get(ctx, key(idempotencyKey)).Result()
	if err != nil {
		if err == redis.ErrClosed {
			return "", err
		}
		return "", nil
	}
	return val, nil
}

// Store binds idempotencyKey to jobID, called only after a job has actually
// been created — never before a policy decision is known, so a denied
// admission never poisons the key against a later retry.
func (e *Engine) Store(ctx context.Context, idempotencyKey, jobID string) error {
	if idempotencyKey == "" {
		return nil
	}
	if err := e.rdb.Set(ctx, key(idempotencyKey), jobID, e.ttl).Err(); err != nil {
		e.logger.Warn("idempotency store failed", "error", err, "idempotency_key", idempotencyKey)
	}
	return nil
}

// CheckAndStore atomically checks whether jobID for idempotencyKey has
// already been admitted and, if not, records it. It returns the existing
// job ID when a duplicate is found, or an empty string on first admission.
//
// On a Redis error this fails open (returns "", nil) rather than blocking
// admission — duplicate suppression is a convenience, not a safety
// invariant (spec §4.5).
func (e *Engine) CheckAndStore(ctx context.Context, idempotencyKey, jobID string) (existingJobID string, err error) {
	if idempotencyKey == "" {
		return "", nil
	}

	ok, err := e.rdb.SetNX(ctx, key(idempotencyKey), jobID, e.ttl).Result()
	if err != nil {
		e.logger.Warn("idempotency check failed, admitting job", "error", err, "idempotency_key", idempotencyKey)
		return "", nil
	}
	if ok {
		return "", nil
	}

	existing, err := e.rdb.Get(ctx, key(idempotencyKey)).Result()
	if err != nil {
		e.logger.Warn("idempotency lookup failed after SETNX miss, admitting job", "error", err, "idempotency_key", idempotencyKey)
		return "", nil
	}
	return existing, nil
}

// Forget removes an idempotency key, used when a job is cancelled before
// completion and its idempotency key should be retryable immediately.
func (e *Engine) Forget(ctx context.Context, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}
	if err := e.rdb.Del(ctx, key(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("idempotency: forgetting key: %w", err)
	}
	return nil
}
