// Package policy implements the Policy Enforcer (spec §4.4 / C4): the
// admission gate that decides whether a job may proceed, based on a
// per-domain allow/deny list, strategy restrictions, rate limits,
// concurrency caps, and the requester's authorization mode.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/audit"
)

// Action classifies the outcome of a policy check (spec §3 PolicyAction).
type Action string

const (
	ActionAllow              Action = "allow"
	ActionDeny               Action = "deny"
	ActionRateLimit          Action = "rate_limit"
	ActionConcurrencyLimit   Action = "concurrency_limit"
	ActionStrategyRestricted Action = "strategy_restricted"
)

// AuthorizationMode mirrors vault.AuthorizationMode; duplicated here (rather
// than imported) to keep internal/policy free of a dependency on
// internal/vault — both packages depend on the same small string enum
// independently, as spec §3 defines it once for the whole system.
type AuthorizationMode string

const (
	ModePublic             AuthorizationMode = "public"
	ModeCustomerAuthorized AuthorizationMode = "customer_authorized"
	ModeInternal           AuthorizationMode = "internal"
)

// DomainPolicy is the per-domain admission configuration (spec §3 DomainPolicy).
type DomainPolicy struct {
	ID                 string
	Domain             string
	Allowed            bool
	Denied             bool
	RateLimitPerMinute *int
	RateLimitPerHour   *int
	MaxConcurrentJobs  *int
	AllowedStrategies  []string
	Notes              string
}

// isStrategyAllowed reports whether strategy is permitted by the policy. An
// empty AllowedStrategies list means no restriction beyond what the
// authorization-mode gate imposes.
func (p DomainPolicy) isStrategyAllowed(strategy string) bool {
	if len(p.AllowedStrategies) == 0 {
		return true
	}
	for _, s := range p.AllowedStrategies {
		if strings.EqualFold(s, strategy) {
			return true
		}
	}
	return false
}

// Decision is the result of a policy check.
type Decision struct {
	Allowed bool
	Action  Action
	Reason  string
	Context map[string]any
}

// Enforcer evaluates admission decisions and persists them to the audit log.
type Enforcer struct {
	db          *pgxpool.Pool
	rdb         *redis.Client
	auditWriter *audit.Writer
}

// New creates an Enforcer.
func New(db *pgxpool.Pool, rdb *redis.Client, auditWriter *audit.Writer) *Enforcer {
	return &Enforcer{db: db, rdb: rdb, auditWriter: auditWriter}
}

// CheckInput bundles the fields needed to evaluate one admission decision.
type CheckInput struct {
	JobID             string
	Domain            string
	Strategy          string
	AuthorizationMode AuthorizationMode
	UserID            string
	IPAddress         string
}

// admissionGate is the result of evaluateAdmissionGate: either a terminal
// deny/restriction decision, or a signal to proceed to the rate-limit and
// concurrency stages.
type admissionGate struct {
	terminal           bool
	action             Action
	reason             string
	fromPolicyStrategy bool // true only when the restriction came from the per-domain AllowedStrategies list
}

// evaluateAdmissionGate applies spec §4.4's first four admission steps —
// deny → allow-list → strategy restriction → authorization-mode strategy
// gate — in that exact order. It touches neither Redis nor Postgres (policy
// is already fetched by the caller), which is what makes this ordering
// independently unit-testable without either backing store (see
// policy_test.go's coverage of the spec.md:239 scenario).
func evaluateAdmissionGate(policy *DomainPolicy, in CheckInput) admissionGate {
	if policy != nil {
		if policy.Denied {
			return admissionGate{terminal: true, action: ActionDeny,
				reason: fmt.Sprintf("domain %s is on denylist", in.Domain)}
		}
		if !policy.Allowed {
			return admissionGate{terminal: true, action: ActionDeny,
				reason: fmt.Sprintf("domain %s is not on allowlist", in.Domain)}
		}
		if !policy.isStrategyAllowed(in.Strategy) {
			return admissionGate{terminal: true, action: ActionStrategyRestricted, fromPolicyStrategy: true,
				reason: fmt.Sprintf("strategy %q not allowed for domain %s", in.Strategy, in.Domain)}
		}
	}

	if in.AuthorizationMode == ModePublic && !strings.EqualFold(in.Strategy, "vanilla") {
		return admissionGate{terminal: true, action: ActionStrategyRestricted,
			reason: fmt.Sprintf("strategy %q requires customer authorization; public mode only allows vanilla", in.Strategy)}
	}

	return admissionGate{}
}

// Check evaluates the admission order for a job: deny → allow-list →
// strategy restriction → authorization-mode strategy gate → rate limit →
// concurrency → allow (spec §4.4's exact ordering). Exactly one audit row
// is written per call, regardless of outcome (spec §4.4, §6.3).
func (e *Enforcer) Check(ctx context.Context, in CheckInput) (Decision, error) {
	ctxData := map[string]any{
		"domain":             in.Domain,
		"strategy":           in.Strategy,
		"authorization_mode": string(in.AuthorizationMode),
	}

	policy, err := e.getDomainPolicy(ctx, in.Domain)
	if err != nil {
		return Decision{}, err
	}

	if gate := evaluateAdmissionGate(policy, in); gate.terminal {
		if gate.action == ActionStrategyRestricted {
			ctxData["strategy_restricted"] = true
			if gate.fromPolicyStrategy {
				ctxData["allowed_strategies"] = policy.AllowedStrategies
			}
		}
		return e.decide(ctx, in, policy, gate.action, false, gate.reason, ctxData)
	}

	if policy != nil {
		rateLimited, window, err := e.checkPolicyRateLimit(ctx, in.Domain, policy)
		if err != nil {
			return Decision{}, err
		}
		if rateLimited {
			ctxData["rate_limit_window"] = window
			return e.decide(ctx, in, policy, ActionRateLimit, false,
				fmt.Sprintf("rate limit exceeded for domain %s", in.Domain), ctxData)
		}

		if policy.MaxConcurrentJobs != nil {
			current, err := e.getCurrentConcurrency(ctx, in.Domain)
			if err != nil {
				return Decision{}, err
			}
			ctxData["concurrency_limit"] = *policy.MaxConcurrentJobs
			ctxData["current_concurrency"] = current
			if current >= *policy.MaxConcurrentJobs {
				return e.decide(ctx, in, policy, ActionConcurrencyLimit, false,
					fmt.Sprintf("concurrency limit (%d) exceeded for domain %s", *policy.MaxConcurrentJobs, in.Domain), ctxData)
			}
		}
	}

	return e.decide(ctx, in, policy, ActionAllow, true, "policy check passed", ctxData)
}

func (e *Enforcer) decide(ctx context.Context, in CheckInput, policy *DomainPolicy, action Action, allowed bool, reason string, ctxData map[string]any) (Decision, error) {
	policyID := ""
	if policy != nil {
		policyID = policy.ID
	}

	raw, _ := json.Marshal(ctxData)
	e.auditWriter.Log(audit.Entry{
		Domain:            in.Domain,
		PolicyID:          policyID,
		AuthorizationMode: string(in.AuthorizationMode),
		Strategy:          in.Strategy,
		Action:            string(action),
		Allowed:           allowed,
		Reason:            reason,
		UserID:            in.UserID,
		IPAddress:         in.IPAddress,
		Context:           raw,
	})

	return Decision{Allowed: allowed, Action: action, Reason: reason, Context: ctxData}, nil
}

func (e *Enforcer) getDomainPolicy(ctx context.Context, domain string) (*DomainPolicy, error) {
	var p DomainPolicy
	var rateMinute, rateHour, maxConcurrent *int
	var strategies []string

	row := e.db.QueryRow(ctx, `
		SELECT domain, allowed, denied, rate_limit_per_minute, rate_limit_per_hour,
		       max_concurrent_jobs, allowed_strategies, COALESCE(notes, '')
		FROM domain_policies WHERE domain = $1`, domain)

	err := row.Scan(&p.Domain, &p.Allowed, &p.Denied, &rateMinute, &rateHour, &maxConcurrent, &strategies, &p.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: fetching domain policy for %s: %w", domain, err)
	}

	p.ID = p.Domain
	p.RateLimitPerMinute = rateMinute
	p.RateLimitPerHour = rateHour
	p.MaxConcurrentJobs = maxConcurrent
	p.AllowedStrategies = strategies
	return &p, nil
}

// checkPolicyRateLimit implements a simple fixed-window counter scoped to
// the policy's configured limits, independent of the general-purpose
// internal/ratelimit token bucket: a DomainPolicy's rate limit is a
// compliance ceiling set per domain, not the shared infrastructure budget
// internal/ratelimit protects.
func (e *Enforcer) checkPolicyRateLimit(ctx context.Context, domain string, policy *DomainPolicy) (bool, string, error) {
	if policy.RateLimitPerMinute != nil {
		exceeded, err := e.incrWindow(ctx, domain, *policy.RateLimitPerMinute, 60*time.Second)
		if err != nil {
			return false, "", err
		}
		if exceeded {
			return true, "1 minute", nil
		}
	}
	if policy.RateLimitPerHour != nil {
		exceeded, err := e.incrWindow(ctx, domain, *policy.RateLimitPerHour, time.Hour)
		if err != nil {
			return false, "", err
		}
		if exceeded {
			return true, "1 hour", nil
		}
	}
	return false, "", nil
}

func (e *Enforcer) incrWindow(ctx context.Context, domain string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("rate_limit:domain:%s:%d", domain, int(window.Seconds()))

	count, err := e.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("policy: checking rate limit: %w", err)
	}
	if count == 1 {
		e.rdb.Expire(ctx, key, window)
	}
	return int(count) > limit, nil
}

func (e *Enforcer) getCurrentConcurrency(ctx context.Context, domain string) (int, error) {
	val, err := e.rdb.Get(ctx, concurrencyKey(domain)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("policy: reading concurrency for %s: %w", domain, err)
	}
	return val, nil
}

// IncrementConcurrency is called when a job starts executing against domain.
func (e *Enforcer) IncrementConcurrency(ctx context.Context, domain string) error {
	return e.rdb.Incr(ctx, concurrencyKey(domain)).Err()
}

// DecrementConcurrency is called when a job finishes executing against
// domain, and never lets the counter go negative.
func (e *Enforcer) DecrementConcurrency(ctx context.Context, domain string) error {
	key := concurrencyKey(domain)
	if err := e.rdb.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("policy: decrementing concurrency for %s: %w", domain, err)
	}
	count, err := e.rdb.Get(ctx, key).Int()
	if err == nil && count < 0 {
		e.rdb.Set(ctx, key, 0, 0)
	}
	return nil
}

func concurrencyKey(domain string) string {
	return "concurrency:domain:" + domain
}

// GetPolicy returns the configured DomainPolicy for domain, or nil if none
// is configured (domain policy CRUD, SPEC_FULL.md §C Supplemented Feature 4).
func (e *Enforcer) GetPolicy(ctx context.Context, domain string) (*DomainPolicy, error) {
	return e.getDomainPolicy(ctx, domain)
}

// UpsertPolicy creates or replaces the DomainPolicy row for p.Domain, used
// by the domain policy CRUD endpoints (SPEC_FULL.md §C Supplemented Feature 4).
func (e *Enforcer) UpsertPolicy(ctx context.Context, p DomainPolicy) error {
	_, err := e.db.Exec(ctx, `
		INSERT INTO domain_policies (domain, allowed, denied, rate_limit_per_minute, rate_limit_per_hour, max_concurrent_jobs, allowed_strategies, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			denied = EXCLUDED.denied,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			allowed_strategies = EXCLUDED.allowed_strategies,
			notes = EXCLUDED.notes,
			updated_at = now()`,
		p.Domain, p.Allowed, p.Denied, p.RateLimitPerMinute, p.RateLimitPerHour,
		p.MaxConcurrentJobs, p.AllowedStrategies, nullIfEmpty(p.Notes),
	)
	if err != nil {
		return fmt.Errorf("policy: upserting policy for %s: %w", p.Domain, err)
	}
	return nil
}

// DeletePolicy removes the DomainPolicy row for domain, reverting it to the
// fully-open default (Open Question decision c).
func (e *Enforcer) DeletePolicy(ctx context.Context, domain string) error {
	_, err := e.db.Exec(ctx, `DELETE FROM domain_policies WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("policy: deleting policy for %s: %w", domain, err)
	}
	return nil
}

// ListPolicies returns all configured domain policies.
func (e *Enforcer) ListPolicies(ctx context.Context) ([]DomainPolicy, error) {
	rows, err := e.db.Query(ctx, `
		SELECT domain, allowed, denied, rate_limit_per_minute, rate_limit_per_hour,
		       max_concurrent_jobs, allowed_strategies, COALESCE(notes, '')
		FROM domain_policies ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("policy: listing policies: %w", err)
	}
	defer rows.Close()

	var out []DomainPolicy
	for rows.Next() {
		var p DomainPolicy
		if err := rows.Scan(&p.Domain, &p.Allowed, &p.Denied, &p.RateLimitPerMinute,
			&p.RateLimitPerHour, &p.MaxConcurrentJobs, &p.AllowedStrategies, &p.Notes); err != nil {
			return nil, fmt.Errorf("policy: scanning policy row: %w", err)
		}
		p.ID = p.Domain
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
