package serve

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/index"
	"github.com/dejisec/lode/internal/store"
)

// defaultListLimit bounds GET /v1/runs when no limit is given.
const defaultListLimit = 50

// Handler handles browse requests against the catalog and the run store.
type Handler struct {
	index    *index.SQLiteIndex
	store    *store.Store
	log      *slog.Logger
	watch    *watchHub
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(idx *index.SQLiteIndex, st *store.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		index: idx,
		store: st,
		log:   log,
		watch: newWatchHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers browse routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/stages", h.GetRunStages)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/report", h.GetRunReport)
	e.GET("/v1/runs/:run_id/stream", h.StreamRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// ListRuns returns catalog rows newest-first.
// GET /v1/runs?status=SUCCEEDED&limit=20
func (h *Handler) ListRuns(c echo.Context) error {
	limit := defaultListLimit
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	status := domain.RunStatus(c.QueryParam("status"))

	runs, err := h.index.ListRuns(c.Request().Context(), status, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []index.RunSummary{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns one catalog row. When the run is missing from the catalog
// (it may have been produced with the catalog disabled), the run directory's
// finalized metadata is served instead.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")

	sum, err := h.index.GetRun(c.Request().Context(), runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sum != nil {
		return c.JSON(http.StatusOK, sum)
	}

	meta, err := h.store.ReadMetadata(runID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	ended := meta.EndedAt
	return c.JSON(http.StatusOK, index.RunSummary{
		RunID:       meta.RunID,
		Query:       meta.Query,
		Model:       meta.Model,
		Status:      meta.Status,
		Degraded:    meta.Degraded,
		Iterations:  meta.Iterations,
		Stages:      meta.Stages,
		TotalTokens: meta.TotalTokens,
		StartedAt:   meta.StartedAt,
		EndedAt:     &ended,
		Dir:         h.store.RunDir(meta.RunID),
	})
}

// GetRunStages returns the stage records reconstructed from the run
// directory.
// GET /v1/runs/:run_id/stages
func (h *Handler) GetRunStages(c echo.Context) error {
	runID := c.Param("run_id")

	stages, err := h.store.ReadStages(runID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"stages": stages})
}

// GetRunEvents returns the journal lines for a run in append order.
// GET /v1/runs/:run_id/events?limit=100
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	if _, err := os.Stat(h.store.JournalPath(runID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	events, err := h.store.ReadEvents(runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if events == nil {
		events = []json.RawMessage{}
	}

	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val < len(events) {
			events = events[:val]
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// GetRunReport returns the final report as markdown.
// GET /v1/runs/:run_id/report
func (h *Handler) GetRunReport(c echo.Context) error {
	runID := c.Param("run_id")

	report, err := h.store.ReadReport(runID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "report not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}
