package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/index"
	"github.com/dejisec/lode/internal/logging"
	"github.com/dejisec/lode/internal/protocol"
	"github.com/dejisec/lode/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store, *index.SQLiteIndex) {
	t.Helper()
	st := store.New(t.TempDir())
	idx, err := index.New(":memory:")
	if err != nil {
		t.Fatalf("index.New failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return NewHandler(idx, st, logging.Nop()), st, idx
}

// seedFinishedRun writes a complete run (request, stages, journal, report,
// metadata) to the store and registers it in the catalog.
func seedFinishedRun(t *testing.T, st *store.Store, idx *index.SQLiteIndex, runID, query string, status domain.RunStatus, startedAt time.Time) {
	t.Helper()
	run := &domain.Run{
		RunID:     runID,
		Query:     query,
		Config:    domain.RunConfig{Model: "gpt-4o", SearchCount: 2, MaxIterations: 3, Parallelism: 2},
		Status:    domain.RunStatusRunning,
		StartedAt: startedAt,
	}
	h, err := st.BeginRun(run)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if idx != nil {
		if err := idx.CreateRun(context.Background(), run, h.Dir()); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	if _, err := h.RecordStage(&domain.StageRecord{
		Role:       domain.RolePlanner,
		Input:      "plan two searches",
		Output:     json.RawMessage(`{"searches":[{"query":"a","reason":"r"}]}`),
		DurationMs: 1200,
		Usage:      domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}); err != nil {
		t.Fatalf("RecordStage failed: %v", err)
	}
	if _, err := h.RecordStage(&domain.StageRecord{
		Role:       domain.RoleSearcher,
		Input:      "search a",
		Output:     json.RawMessage(`{"query":"a","summary":"findings"}`),
		DurationMs: 800,
		Usage:      domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}); err != nil {
		t.Fatalf("RecordStage failed: %v", err)
	}

	events := []interface{}{
		protocol.RunStartedMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeRunStarted, RunID: runID}, Query: query, Config: run.Config},
		protocol.StageCompletedMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeStageCompleted, RunID: runID}, Seq: 1, Role: domain.RolePlanner},
		protocol.RunCompletedMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeRunCompleted, RunID: runID}, ReportRef: st.ReportPath(runID)},
	}
	for _, ev := range events {
		if err := h.AppendEvent(ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	if _, err := h.WriteReport("# Report\n\nFindings about " + query + "\n"); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	ended := startedAt.Add(30 * time.Second)
	meta := &domain.RunMetadata{
		RunID:       runID,
		Query:       query,
		Model:       run.Config.Model,
		Status:      status,
		Iterations:  1,
		Stages:      h.StageCount(),
		TotalTokens: 30,
		StartedAt:   startedAt,
		EndedAt:     ended,
		DurationMs:  ended.Sub(startedAt).Milliseconds(),
	}
	if err := h.Finalize(status, meta); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if idx != nil {
		if err := idx.CompleteRun(context.Background(), meta); err != nil {
			t.Fatalf("CompleteRun failed: %v", err)
		}
	}
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Health(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)

	base := time.Now().Add(-time.Hour)
	seedFinishedRun(t, st, idx, "run-old", "older query", domain.RunStatusSucceeded, base)
	seedFinishedRun(t, st, idx, "run-new", "newer query", domain.RunStatusFailed, base.Add(10*time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRuns(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Runs []index.RunSummary `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp.Runs))
	}
	if resp.Runs[0].RunID != "run-new" || resp.Runs[1].RunID != "run-old" {
		t.Fatalf("unexpected order: %s, %s", resp.Runs[0].RunID, resp.Runs[1].RunID)
	}
}

func TestListRunsStatusFilter(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)

	base := time.Now().Add(-time.Hour)
	seedFinishedRun(t, st, idx, "run-ok", "q1", domain.RunStatusSucceeded, base)
	seedFinishedRun(t, st, idx, "run-bad", "q2", domain.RunStatusFailed, base.Add(time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=FAILED", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRuns(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var resp struct {
		Runs []index.RunSummary `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].RunID != "run-bad" {
		t.Fatalf("unexpected filter result: %+v", resp.Runs)
	}
}

func TestGetRunFromCatalog(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)
	seedFinishedRun(t, st, idx, "run-1", "solar adoption", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-1")

	if err := h.GetRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sum index.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sum.RunID != "run-1" || sum.Query != "solar adoption" || sum.Status != domain.RunStatusSucceeded {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Stages != 2 || sum.TotalTokens != 30 {
		t.Fatalf("unexpected totals: %+v", sum)
	}
}

func TestGetRunFallsBackToRunDirectory(t *testing.T) {
	e := echo.New()
	h, st, _ := newTestHandler(t)
	// Written with the catalog disabled.
	seedFinishedRun(t, st, nil, "run-off-catalog", "uncatalogued", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-off-catalog", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-off-catalog")

	if err := h.GetRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sum index.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sum.RunID != "run-off-catalog" || sum.Dir == "" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestGetRunNotFound(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")

	if err := h.GetRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetRunStages(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)
	seedFinishedRun(t, st, idx, "run-1", "q", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/stages", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-1")

	if err := h.GetRunStages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Stages []domain.StageRecord `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(resp.Stages))
	}
	if resp.Stages[0].Seq != 1 || resp.Stages[0].Role != domain.RolePlanner {
		t.Fatalf("unexpected first stage: %+v", resp.Stages[0])
	}
	if resp.Stages[1].Seq != 2 || resp.Stages[1].Role != domain.RoleSearcher {
		t.Fatalf("unexpected second stage: %+v", resp.Stages[1])
	}
}

func TestGetRunStagesNotFound(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing/stages", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")

	if err := h.GetRunStages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetRunEvents(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)
	seedFinishedRun(t, st, idx, "run-1", "q", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-1")

	if err := h.GetRunEvents(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(resp.Events))
	}
	base, err := protocol.ParseBase(resp.Events[0])
	if err != nil {
		t.Fatalf("parse first event: %v", err)
	}
	if base.Type != protocol.TypeRunStarted {
		t.Fatalf("expected run_started first, got %s", base.Type)
	}
}

func TestGetRunEventsLimit(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)
	seedFinishedRun(t, st, idx, "run-1", "q", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/events?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-1")

	if err := h.GetRunEvents(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
}

func TestGetRunEventsNotFound(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")

	if err := h.GetRunEvents(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetRunReport(t *testing.T) {
	e := echo.New()
	h, st, idx := newTestHandler(t)
	seedFinishedRun(t, st, idx, "run-1", "solar adoption", domain.RunStatusSucceeded, time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/report", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("run-1")

	if err := h.GetRunReport(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "# Report") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestGetRunReportMissing(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing/report", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")

	if err := h.GetRunReport(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
