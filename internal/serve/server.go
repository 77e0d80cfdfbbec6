// Package serve exposes recorded runs over a read-only HTTP API. The REST
// surface reads the catalog and the run directories; the stream endpoint
// replays a run's journal over WebSocket and follows it while the run is
// live. Nothing here mutates a run.
package serve

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dejisec/lode/internal/index"
	"github.com/dejisec/lode/internal/store"
)

// NewServer creates and configures the browse server.
func NewServer(idx *index.SQLiteIndex, st *store.Store, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := NewHandler(idx, st, log)
	h.RegisterRoutes(e)

	return e
}
