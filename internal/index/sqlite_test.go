package index

import (
	"context"
	"testing"
	"time"

	"github.com/dejisec/lode/internal/domain"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()

	idx, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	t.Cleanup(func() {
		_ = idx.Close()
	})

	return idx
}

func testRun(id string, startedAt time.Time) *domain.Run {
	return &domain.Run{
		RunID:     id,
		Query:     "test query",
		Config:    domain.RunConfig{Model: "gpt-4o", SearchCount: 5, MaxIterations: 3},
		Status:    domain.RunStatusRunning,
		StartedAt: startedAt,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	run := testRun("20260101T000000-aaaa0001", time.Now())
	if err := idx.CreateRun(ctx, run, "/tmp/runs/"+run.RunID); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := idx.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != domain.RunStatusRunning {
		t.Fatalf("expected status RUNNING, got %s", got.Status)
	}
	if got.Model != "gpt-4o" {
		t.Fatalf("unexpected model: %s", got.Model)
	}
	if got.EndedAt != nil {
		t.Fatalf("expected no ended_at, got %v", got.EndedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	idx := newTestIndex(t)

	got, err := idx.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown run, got %+v", got)
	}
}

func TestCompleteRun(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	run := testRun("20260101T000000-aaaa0002", started)
	if err := idx.CreateRun(ctx, run, "/tmp/runs/"+run.RunID); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	ended := time.Now()
	meta := &domain.RunMetadata{
		RunID:       run.RunID,
		Status:      domain.RunStatusSucceeded,
		Degraded:    true,
		Iterations:  3,
		Stages:      11,
		TotalTokens: 4242,
		StartedAt:   started,
		EndedAt:     ended,
		DurationMs:  ended.Sub(started).Milliseconds(),
	}
	if err := idx.CompleteRun(ctx, meta); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err := idx.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if !got.Degraded {
		t.Fatal("degraded flag not persisted")
	}
	if got.Stages != 11 || got.TotalTokens != 4242 {
		t.Fatalf("totals not persisted: %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
}

func TestCompleteRunUnknown(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.CompleteRun(context.Background(), &domain.RunMetadata{
		RunID:  "missing",
		Status: domain.RunStatusFailed,
	})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRuns(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		if err := idx.CreateRun(ctx, testRun(id, base.Add(time.Duration(i)*time.Hour)), "/tmp/"+id); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
	}

	runs, err := idx.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-new" || runs[2].RunID != "run-old" {
		t.Fatalf("expected newest-first order, got %s .. %s", runs[0].RunID, runs[2].RunID)
	}

	runs, err = idx.ListRuns(ctx, "", 2)
	if err != nil {
		t.Fatalf("failed to list limited runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	runs, err = idx.ListRuns(ctx, domain.RunStatusSucceeded, 0)
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no succeeded runs, got %d", len(runs))
	}
}
