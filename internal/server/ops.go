package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/arman-rafiee/turnpipe/internal/search"
	"github.com/arman-rafiee/turnpipe/internal/telemetry"
)

// SearchHandler serves full-text audit search over archived turns.
type SearchHandler struct {
	Index *search.Index
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.GET("", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := h.Index.SearchUser(q, userID(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, hits)
}

// CostsHandler exposes the aggregated token and dollar spend.
type CostsHandler struct {
	Telemetry *telemetry.Telemetry
}

func (h *CostsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.GET("", h.costs)
}

func (h *CostsHandler) costs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Telemetry.Costs().Snapshot())
}
