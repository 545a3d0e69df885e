package browserpool

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxInstances != 20 {
		t.Errorf("MaxInstances = %d, want 20", cfg.MaxInstances)
	}
	if cfg.MinInstances != 5 {
		t.Errorf("MinInstances = %d, want 5", cfg.MinInstances)
	}
	if cfg.MaxPagesPerInstance != 5 {
		t.Errorf("MaxPagesPerInstance = %d, want 5", cfg.MaxPagesPerInstance)
	}
	if cfg.IdleTTL != 5*time.Minute {
		t.Errorf("IdleTTL = %v, want 5m", cfg.IdleTTL)
	}
}

func TestConfig_WithDefaults_MinClampedToMax(t *testing.T) {
	cfg := Config{MaxInstances: 2, MinInstances: 10}.withDefaults()
	if cfg.MinInstances != 2 {
		t.Errorf("MinInstances = %d, want clamped to MaxInstances (2)", cfg.MinInstances)
	}
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{MaxInstances: 10, MinInstances: 2, MaxPagesPerInstance: 3, IdleTTL: time.Minute}.withDefaults()
	if cfg.MaxInstances != 10 || cfg.MinInstances != 2 || cfg.MaxPagesPerInstance != 3 || cfg.IdleTTL != time.Minute {
		t.Errorf("withDefaults altered explicit config: %+v", cfg)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(Config{}, nil)
	if p.cfg.MaxInstances != 20 {
		t.Errorf("pool cfg not defaulted: %+v", p.cfg)
	}
}
