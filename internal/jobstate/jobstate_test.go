package jobstate

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestStatusIn_EmptyListMeansAnyMatches(t *testing.T) {
	if !statusIn(StatusRunning, nil) {
		t.Error("empty expectedFrom list should match any status")
	}
}

func TestStatusIn_ExplicitList(t *testing.T) {
	if !statusIn(StatusPending, []Status{StatusPending, StatusRunning}) {
		t.Error("expected StatusPending to match")
	}
	if statusIn(StatusCompleted, []Status{StatusPending, StatusRunning}) {
		t.Error("expected StatusCompleted not to match")
	}
}

func TestProjectionOf(t *testing.T) {
	j := &Job{
		ID:          uuid.New(),
		Domain:      "example.com",
		JobType:     "scrape",
		Strategy:    "vanilla",
		Priority:    1,
		Status:      StatusRunning,
		Attempts:    2,
		MaxAttempts: 3,
	}
	p := projectionOf(j)
	if p.ID != j.ID || p.Domain != j.Domain || p.Status != j.Status || p.Attempts != j.Attempts {
		t.Errorf("projectionOf mismatch: %+v vs %+v", p, j)
	}
}

func TestCacheKey(t *testing.T) {
	id := uuid.New()
	if got, want := cacheKey(id), "job:state:"+id.String(); got != want {
		t.Errorf("cacheKey = %q, want %q", got, want)
	}
}

func TestNullIfEmptyAndNullableJSON(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("nullIfEmpty(\"\") should be nil")
	}
	if nullableJSON(nil) != nil {
		t.Error("nullableJSON(nil) should be nil")
	}
	raw := json.RawMessage(`{"a":1}`)
	if nullableJSON(raw) == nil {
		t.Error("nullableJSON(non-empty) should not be nil")
	}
}
