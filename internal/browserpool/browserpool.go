// Package browserpool implements the Browser Pool (spec §4.6 / C6): a
// bounded set of reusable headless browser instances, each holding a bounded
// set of reusable pages, with idle eviction and best-effort health checks.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/wisbric/nightowl/internal/telemetry"
)

// ErrPoolExhausted is returned by Acquire when the pool is at MaxInstances
// capacity and no instance has a free page slot.
var ErrPoolExhausted = errors.New("browserpool: pool exhausted")

// Config bounds the pool's size and idle behavior (spec §4.6).
type Config struct {
	MaxInstances        int
	MinInstances        int
	MaxPagesPerInstance int
	IdleTTL             time.Duration
	BinPath             string
	ProxyServer         string
	Headless            bool
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 20
	}
	if c.MinInstances <= 0 {
		c.MinInstances = 5
	}
	if c.MinInstances > c.MaxInstances {
		c.MinInstances = c.MaxInstances
	}
	if c.MaxPagesPerInstance <= 0 {
		c.MaxPagesPerInstance = 5
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	return c
}

// instance wraps one launched browser with its reusable page freelist.
type instance struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	pages    []*rod.Page
	lastUsed time.Time
	inUse    bool
}

// Pool manages a bounded set of browser instances, handing out pages to
// callers for the duration of one job (spec §4.6, §5 "Shared resources").
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	instances []*instance

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a Pool. Call Start to pre-warm instances and begin the idle
// eviction sweep.
func New(cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start pre-warms MinInstances browsers and launches the background idle
// sweeper. Call Close to tear everything down.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinInstances; i++ {
		if _, err := p.createInstance(ctx); err != nil {
			return fmt.Errorf("browserpool: pre-warming instance %d: %w", i, err)
		}
	}
	go p.sweepLoop()
	return nil
}

// Close tears down the idle sweeper and every browser instance.
func (p *Pool) Close() {
	close(p.stopSweep)
	<-p.sweepDone

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		p.closeInstance(inst)
	}
	p.instances = nil
}

func (p *Pool) newLauncher() *launcher.Launcher {
	l := launcher.New()
	if p.cfg.BinPath != "" {
		l = l.Bin(p.cfg.BinPath)
	}
	if p.cfg.Headless {
		l = l.Headless(true)
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("window-size", "1920,1080")
	if p.cfg.ProxyServer != "" {
		l = l.Set("proxy-server", p.cfg.ProxyServer)
	}
	return l
}

// createInstance launches a new browser and registers it in the pool. The
// caller must hold no lock; createInstance acquires it only to append.
func (p *Pool) createInstance(ctx context.Context) (*instance, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	l := p.newLauncher()
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browserpool: launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("browserpool: connecting to browser: %w", err)
	}

	inst := &instance{browser: browser, launcher: l, lastUsed: time.Now()}

	p.mu.Lock()
	p.instances = append(p.instances, inst)
	count := len(p.instances)
	p.mu.Unlock()

	telemetry.BrowserPoolInstances.Set(float64(count))
	p.logger.Info("browser instance created", "total_instances", count)
	return inst, nil
}

// Lease represents one page checked out from the pool for the duration of a
// job. Callers must call Release when finished.
type Lease struct {
	Page *rod.Page
	inst *instance
	pool *Pool
}

// Acquire returns a page from an existing instance with spare page capacity,
// or launches a new instance if the pool hasn't reached MaxInstances.
// Lock scope is limited to bookkeeping; the actual page-open call happens
// outside the instance-selection critical section (spec §5).
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	inst, reused, err := p.claimInstance(ctx)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if reused != nil {
		page = reused
		page.Activate()
	} else {
		page, err = inst.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			p.mu.Lock()
			inst.inUse = false
			p.mu.Unlock()
			return nil, fmt.Errorf("browserpool: opening page: %w", err)
		}
	}

	return &Lease{Page: page, inst: inst, pool: p}, nil
}

// claimInstance selects (or creates) an instance with free page capacity and
// marks it in-use, popping a reusable page if one exists.
func (p *Pool) claimInstance(ctx context.Context) (inst *instance, reusedPage *rod.Page, err error) {
	p.mu.Lock()
	for _, candidate := range p.instances {
		if !candidate.inUse && len(candidate.pages) < p.cfg.MaxPagesPerInstance {
			candidate.inUse = true
			candidate.lastUsed = time.Now()
			if len(candidate.pages) > 0 {
				reusedPage = candidate.pages[len(candidate.pages)-1]
				candidate.pages = candidate.pages[:len(candidate.pages)-1]
			}
			p.mu.Unlock()
			return candidate, reusedPage, nil
		}
	}
	canGrow := len(p.instances) < p.cfg.MaxInstances
	p.mu.Unlock()

	if !canGrow {
		telemetry.BrowserPoolExhaustedTotal.Inc()
		return nil, nil, ErrPoolExhausted
	}

	newInst, err := p.createInstance(ctx)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	newInst.inUse = true
	newInst.lastUsed = time.Now()
	p.mu.Unlock()
	return newInst, nil, nil
}

// Release returns the leased page to its owning instance's freelist, or
// closes it if the instance is already at capacity. Idle instances are
// swept separately by sweepLoop, not inline here, so Release stays cheap.
func (l *Lease) Release() {
	p := l.pool
	inst := l.inst

	p.mu.Lock()
	inst.inUse = false
	inst.lastUsed = time.Now()
	hasRoom := len(inst.pages) < p.cfg.MaxPagesPerInstance
	if hasRoom {
		inst.pages = append(inst.pages, l.Page)
	}
	p.mu.Unlock()

	if !hasRoom {
		l.Page.Close()
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopSweep:
			return
		}
	}
}

// sweepIdle closes instances that have been idle past IdleTTL, keeping at
// least MinInstances alive (spec §4.6).
func (p *Pool) sweepIdle() {
	p.mu.Lock()
	var toClose []*instance
	kept := p.instances[:0:0]
	now := time.Now()

	for _, inst := range p.instances {
		if !inst.inUse && now.Sub(inst.lastUsed) > p.cfg.IdleTTL && len(p.instances)-len(toClose) > p.cfg.MinInstances {
			toClose = append(toClose, inst)
			continue
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	p.mu.Unlock()

	for _, inst := range toClose {
		p.closeInstance(inst)
	}
	if len(toClose) > 0 {
		telemetry.BrowserPoolInstances.Set(float64(len(kept)))
		p.logger.Info("swept idle browser instances", "closed", len(toClose))
	}
}

func (p *Pool) closeInstance(inst *instance) {
	for _, page := range inst.pages {
		page.Close()
	}
	if err := inst.browser.Close(); err != nil {
		p.logger.Warn("closing browser instance", "error", err)
	}
}

// HealthCheck verifies the pool can still serve pages by navigating a
// scratch page to about:blank on the first available instance.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	if len(p.instances) == 0 {
		p.mu.Unlock()
		return false
	}
	inst := p.instances[0]
	p.mu.Unlock()

	page, err := inst.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return false
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		return false
	}
	return true
}

// InstanceCount reports the number of live instances, for the operator
// status endpoint and the browser-pool-instances gauge.
func (p *Pool) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// AcquirePage adapts Acquire/Lease.Release into the (page, release func,
// error) shape internal/strategy.PagePool expects, so the strategy executor
// doesn't need to know about Lease.
func (p *Pool) AcquirePage(ctx context.Context) (*rod.Page, func(), error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return lease.Page, lease.Release, nil
}
