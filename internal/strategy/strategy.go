// Package strategy implements the Strategy Selector & Executors (spec
// §4.7 / C7): choosing an evasion level for a job, then running one of
// seven action routines through a shared navigate pipeline.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Strategy is one of the three evasion levels (spec §4.7).
type Strategy string

const (
	Vanilla Strategy = "vanilla"
	Stealth Strategy = "stealth"
	Assault Strategy = "assault"
)

// assaultDomainHints and stealthDomainHints classify a domain by substring
// when a job doesn't specify an explicit evasion_level (spec §4.7).
var assaultDomainHints = []string{"cloudflare", "akamai", "datadome"}
var stealthDomainHints = []string{"login", "account", "auth"}

// Select resolves the strategy for a job: evasionLevel takes priority when
// >= 0; otherwise the domain is matched against known hint substrings.
func Select(domain string, evasionLevel int) Strategy {
	if evasionLevel >= 0 {
		switch {
		case evasionLevel == 0:
			return Vanilla
		case evasionLevel == 1:
			return Stealth
		default:
			return Assault
		}
	}

	lower := strings.ToLower(domain)
	for _, hint := range assaultDomainHints {
		if strings.Contains(lower, hint) {
			return Assault
		}
	}
	for _, hint := range stealthDomainHints {
		if strings.Contains(lower, hint) {
			return Stealth
		}
	}
	return Vanilla
}

// viewportSizes is the small realistic set stealth mode samples from
// (spec §4.7).
var viewportSizes = [][2]int{{1920, 1080}, {1366, 768}, {1536, 864}}

// Sentinel errors classify failures the Orchestrator should retry versus
// treat as fatal (spec §4.10 step 4; Open Question decision e). Anything
// not in this set is fatal.
var (
	ErrNavigationTimeout = errors.New("strategy: navigation timed out")
	ErrPoolExhausted     = errors.New("strategy: browser pool exhausted")
	ErrTransient         = errors.New("strategy: transient execution error")
)

// IsRetryable reports whether err should trigger a retry rather than a
// terminal failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNavigationTimeout) || errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrTransient)
}

// Job bundles the fields an executor needs from the durable job record,
// independent of internal/jobstate.Job to keep this package free of a
// dependency on the state manager.
type Job struct {
	ID           string
	Domain       string
	URL          string
	Strategy     Strategy
	Payload      map[string]any
	Timeout      time.Duration
	CaptureKinds []string
}

// Result is the outcome of one job execution (spec §4.7 ExecutionResult).
type Result struct {
	JobID    string
	Success  bool
	Duration time.Duration
	Error    string
	Details  map[string]any
}

// Hooks is the strategy-specific navigation hook set.
type Hooks interface {
	BeforeNavigation(ctx context.Context, job Job, page *rod.Page) error
	AfterNavigation(ctx context.Context, job Job, page *rod.Page) error
}

func hooksFor(s Strategy) Hooks {
	switch s {
	case Stealth:
		return stealthHooks{}
	case Assault:
		return assaultHooks{}
	default:
		return vanillaHooks{}
	}
}

type vanillaHooks struct{}

func (vanillaHooks) BeforeNavigation(context.Context, Job, *rod.Page) error { return nil }
func (vanillaHooks) AfterNavigation(context.Context, Job, *rod.Page) error  { return nil }

type stealthHooks struct{}

func (stealthHooks) BeforeNavigation(ctx context.Context, _ Job, page *rod.Page) error {
	delay := 100*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	size := viewportSizes[rand.Intn(len(viewportSizes))]
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             size[0],
		Height:            size[1],
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

func (stealthHooks) AfterNavigation(context.Context, Job, *rod.Page) error { return nil }

type assaultHooks struct{}

const assaultPatchScript = `() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  window.chrome = window.chrome || { runtime: {} };
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  const originalQuery = window.navigator.permissions.query;
  window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications'
      ? Promise.resolve({ state: 'denied' })
      : originalQuery(parameters)
  );
}`

func (assaultHooks) BeforeNavigation(ctx context.Context, job Job, page *rod.Page) error {
	if err := (stealthHooks{}).BeforeNavigation(ctx, job, page); err != nil {
		return err
	}
	_, err := page.Eval(assaultPatchScript)
	return err
}

func (assaultHooks) AfterNavigation(context.Context, Job, *rod.Page) error { return nil }

const defaultNavigationTimeout = 30 * time.Second

// PagePool is the minimal interface Executor needs from the browser pool,
// letting tests substitute a fake. internal/browserpool.Pool satisfies this
// via a thin adapter (Acquire returns a *Lease; the adapter wraps
// Lease.Page/Lease.Release into this shape).
type PagePool interface {
	Acquire(ctx context.Context) (*rod.Page, func(), error)
}

// ArtifactResult mirrors internal/artifact.Result without importing that
// package's Kind type into this one's public surface.
type ArtifactResult struct {
	Kind   string
	Path   string
	SHA256 string
	Error  string
}

// Capturer is the minimal interface Executor needs from the Artifact
// Capturer (spec §4.8 / C8) to take on-demand captures while a job's page
// is still leased, before it is returned to the pool.
type Capturer interface {
	Capture(ctx context.Context, jobID string, page *rod.Page, kinds []string) []ArtifactResult
}

// Executor runs jobs through the shared navigate pipeline and an
// action-specific routine.
type Executor struct {
	pool     PagePool
	capturer Capturer
}

// NewExecutor creates an Executor backed by pool. capturer may be nil, in
// which case a job's payload.capture request is silently skipped (no
// SPEC_FULL.md component makes captures mandatory for correctness).
func NewExecutor(pool PagePool, capturer Capturer) *Executor {
	return &Executor{pool: pool, capturer: capturer}
}

// Execute runs job through the shared pipeline: acquire page, strategy
// hooks around navigation, the action routine, then release (spec §4.7).
func (e *Executor) Execute(ctx context.Context, job Job, action Action) Result {
	start := time.Now()

	page, release, err := e.pool.Acquire(ctx)
	if err != nil {
		return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: fmt.Errorf("%w: %v", ErrPoolExhausted, err).Error()}
	}
	defer release()

	hooks := hooksFor(job.Strategy)

	if err := hooks.BeforeNavigation(ctx, job, page); err != nil {
		return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(job.URL); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: ErrNavigationTimeout.Error()}
		}
		return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: fmt.Errorf("%w: %v", ErrTransient, err).Error()}
	}
	page.WaitLoad()

	if err := hooks.AfterNavigation(ctx, job, page); err != nil {
		return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	details, runErr := action.Run(ctx, job, page)

	// Captures are best-effort and taken regardless of the action's outcome
	// (spec §4.8: "a failed capture records an error field for that kind
	// but does not fail the job") — they must happen before release, since
	// the page is gone once it returns to the pool.
	if e.capturer != nil && len(job.CaptureKinds) > 0 {
		if details == nil {
			details = map[string]any{}
		}
		details["artifacts"] = e.capturer.Capture(ctx, job.ID, page, job.CaptureKinds)
	}

	if runErr != nil {
		return Result{JobID: job.ID, Success: false, Duration: time.Since(start), Error: runErr.Error(), Details: details}
	}

	return Result{JobID: job.ID, Success: true, Duration: time.Since(start), Details: details}
}

// Action is one of the seven job-type-specific routines.
type Action interface {
	Run(ctx context.Context, job Job, page *rod.Page) (map[string]any, error)
}
