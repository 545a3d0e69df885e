package policy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestEnforcer spins up a miniredis instance and returns an Enforcer
// pointed at it with no Postgres pool (db is only touched by
// getDomainPolicy, which these tests bypass by calling checkPolicyRateLimit
// / getCurrentConcurrency / Increment/DecrementConcurrency directly with an
// already-built DomainPolicy).
func newTestEnforcer(t *testing.T) (*Enforcer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(nil, rdb, nil), mr
}

// TestEvaluateAdmissionGate_PublicModeNonVanillaWinsOverRateLimitOrdering
// covers the spec.md:239 scenario the reviewer flagged: a public-mode,
// non-vanilla-strategy request against a domain that is ALSO rate-limited
// or over its concurrency cap must be rejected as STRATEGY_RESTRICTED, not
// RATE_LIMIT or CONCURRENCY_LIMIT — the authorization-mode gate runs before
// either check, regardless of what those checks would have decided.
func TestEvaluateAdmissionGate_PublicModeNonVanillaWinsOverRateLimitOrdering(t *testing.T) {
	limit := 0 // a policy this restrictive would also fail rate-limit/concurrency if reached
	policy := &DomainPolicy{
		Domain:            "example.com",
		Allowed:           true,
		MaxConcurrentJobs: &limit,
	}
	in := CheckInput{
		Domain:            "example.com",
		Strategy:          "stealth",
		AuthorizationMode: ModePublic,
	}

	gate := evaluateAdmissionGate(policy, in)
	if !gate.terminal {
		t.Fatalf("gate = %+v, want terminal=true", gate)
	}
	if gate.action != ActionStrategyRestricted {
		t.Errorf("action = %v, want %v (must not fall through to rate-limit/concurrency)", gate.action, ActionStrategyRestricted)
	}
	if gate.fromPolicyStrategy {
		t.Errorf("fromPolicyStrategy = true, want false: this restriction comes from the authorization-mode gate, not policy.AllowedStrategies")
	}
}

func TestEvaluateAdmissionGate_Order(t *testing.T) {
	deny := &DomainPolicy{Domain: "d.com", Denied: true}
	if gate := evaluateAdmissionGate(deny, CheckInput{Domain: "d.com", AuthorizationMode: ModeInternal}); gate.action != ActionDeny {
		t.Errorf("denylisted domain: action = %v, want %v", gate.action, ActionDeny)
	}

	notAllowed := &DomainPolicy{Domain: "d.com", Allowed: false}
	if gate := evaluateAdmissionGate(notAllowed, CheckInput{Domain: "d.com", AuthorizationMode: ModeInternal}); gate.action != ActionDeny {
		t.Errorf("non-allowlisted domain: action = %v, want %v", gate.action, ActionDeny)
	}

	restricted := &DomainPolicy{Domain: "d.com", Allowed: true, AllowedStrategies: []string{"vanilla"}}
	gate := evaluateAdmissionGate(restricted, CheckInput{Domain: "d.com", Strategy: "assault", AuthorizationMode: ModeInternal})
	if gate.action != ActionStrategyRestricted || !gate.fromPolicyStrategy {
		t.Errorf("policy-restricted strategy: gate = %+v, want action=StrategyRestricted fromPolicyStrategy=true", gate)
	}

	if gate := evaluateAdmissionGate(nil, CheckInput{Domain: "d.com", Strategy: "vanilla", AuthorizationMode: ModePublic}); gate.terminal {
		t.Errorf("public+vanilla with no policy: gate = %+v, want terminal=false", gate)
	}

	if gate := evaluateAdmissionGate(nil, CheckInput{Domain: "d.com", Strategy: "assault", AuthorizationMode: ModeCustomerAuthorized}); gate.terminal {
		t.Errorf("customer_authorized+assault with no policy: gate = %+v, want terminal=false", gate)
	}
}

func TestCheckPolicyRateLimit_ExceedsPerMinuteLimit(t *testing.T) {
	e, _ := newTestEnforcer(t)
	limit := 2
	policy := &DomainPolicy{Domain: "example.com", RateLimitPerMinute: &limit}

	for i := 0; i < 2; i++ {
		exceeded, _, err := e.checkPolicyRateLimit(context.Background(), "example.com", policy)
		if err != nil {
			t.Fatalf("checkPolicyRateLimit: %v", err)
		}
		if exceeded {
			t.Fatalf("call %d: exceeded = true, want false (within limit)", i)
		}
	}

	exceeded, window, err := e.checkPolicyRateLimit(context.Background(), "example.com", policy)
	if err != nil {
		t.Fatalf("checkPolicyRateLimit: %v", err)
	}
	if !exceeded {
		t.Error("third call within the same window: exceeded = false, want true")
	}
	if window != "1 minute" {
		t.Errorf("window = %q, want %q", window, "1 minute")
	}
}

func TestConcurrency_IncrementGetDecrementNeverGoesNegative(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()

	if err := e.IncrementConcurrency(ctx, "example.com"); err != nil {
		t.Fatalf("IncrementConcurrency: %v", err)
	}
	current, err := e.getCurrentConcurrency(ctx, "example.com")
	if err != nil {
		t.Fatalf("getCurrentConcurrency: %v", err)
	}
	if current != 1 {
		t.Errorf("current = %d, want 1", current)
	}

	if err := e.DecrementConcurrency(ctx, "example.com"); err != nil {
		t.Fatalf("DecrementConcurrency: %v", err)
	}
	if err := e.DecrementConcurrency(ctx, "example.com"); err != nil {
		t.Fatalf("DecrementConcurrency: %v", err)
	}

	current, err = e.getCurrentConcurrency(ctx, "example.com")
	if err != nil {
		t.Fatalf("getCurrentConcurrency: %v", err)
	}
	if current != 0 {
		t.Errorf("current after over-decrementing = %d, want 0 (clamped)", current)
	}
}

func TestDomainPolicy_IsStrategyAllowed_EmptyMeansUnrestricted(t *testing.T) {
	p := DomainPolicy{}
	if !p.isStrategyAllowed("assault") {
		t.Error("empty AllowedStrategies should permit any strategy")
	}
}

func TestDomainPolicy_IsStrategyAllowed_CaseInsensitive(t *testing.T) {
	p := DomainPolicy{AllowedStrategies: []string{"Vanilla", "Stealth"}}
	if !p.isStrategyAllowed("vanilla") {
		t.Error("expected case-insensitive match for vanilla")
	}
	if p.isStrategyAllowed("assault") {
		t.Error("assault should not be allowed")
	}
}

func TestConcurrencyKey(t *testing.T) {
	if got, want := concurrencyKey("example.com"), "concurrency:domain:example.com"; got != want {
		t.Errorf("concurrencyKey = %q, want %q", got, want)
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("nullIfEmpty(\"\") should be nil")
	}
	if nullIfEmpty("x") != "x" {
		t.Error("nullIfEmpty(\"x\") should be \"x\"")
	}
}
