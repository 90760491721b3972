package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/arman-rafiee/turnpipe/internal/pipeline"
	"github.com/arman-rafiee/turnpipe/internal/store"
	"github.com/arman-rafiee/turnpipe/internal/turn"
)

// TurnsHandler exposes the turn lifecycle: submit, observe, cancel, and read
// back archived turns.
type TurnsHandler struct {
	Orch        *pipeline.Orchestrator
	Alloc       turn.Allocator
	Archive     *store.FSArchive
	DB          *store.Store
	EventBuffer int
	Logger      *log.Logger
}

type turnRequest struct {
	Query  string `json:"query"`
	Mode   string `json:"mode"`
	Stream bool   `json:"stream"`
}

type turnResponse struct {
	TurnID       int64    `json:"turn_id"`
	UserID       string   `json:"user_id"`
	Mode         string   `json:"mode"`
	Outcome      string   `json:"outcome"`
	Answer       string   `json:"answer,omitempty"`
	QualityScore float64  `json:"quality_score"`
	Warnings     []string `json:"warnings,omitempty"`
	TokensUsed   int64    `json:"tokens_used"`
	CostUSD      float64  `json:"cost_usd"`
	ElapsedMS    int64    `json:"elapsed_ms"`
}

func (h *TurnsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/document", h.document)
	g.GET("/:id/status", h.status)
	g.DELETE("/:id", h.cancel)
}

func (h *TurnsHandler) create(c echo.Context) error {
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	mode := turn.Mode(req.Mode)
	if req.Mode == "" {
		mode = turn.ModeReadOnly
	}

	ctx := c.Request().Context()
	tr, err := turn.New(ctx, h.Alloc, userID(c), mode)
	if err != nil {
		var alloc turn.ErrAllocate
		if errors.As(err, &alloc) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "turn allocation unavailable")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.Stream {
		return h.stream(c, tr, req.Query)
	}

	events := make(chan pipeline.Event, h.EventBuffer)
	go func() {
		for ev := range events {
			h.Logger.Printf("turn %s/%d phase %d (%s) done in %s", ev.UserID, ev.TurnID, ev.Phase, ev.Name, ev.Elapsed)
		}
	}()
	res, runErr := h.Orch.Run(ctx, tr, req.Query, events)
	close(events)
	if runErr != nil && !res.Outcome.Terminal() {
		return echo.NewHTTPError(http.StatusInternalServerError, runErr.Error())
	}
	return c.JSON(http.StatusOK, toResponse(res))
}

// stream runs the turn while relaying phase-completion events as SSE. The
// final event carries the full result.
func (h *TurnsHandler) stream(c echo.Context, tr turn.Turn, query string) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	type runOut struct {
		res pipeline.Result
		err error
	}
	events := make(chan pipeline.Event, h.EventBuffer)
	done := make(chan runOut, 1)
	go func() {
		res, err := h.Orch.Run(c.Request().Context(), tr, query, events)
		done <- runOut{res: res, err: err}
	}()

	for {
		select {
		case ev := <-events:
			if err := writeSSE(w, "phase", ev); err != nil {
				return err
			}
		case out := <-done:
			for {
				select {
				case ev := <-events:
					if err := writeSSE(w, "phase", ev); err != nil {
						return err
					}
					continue
				default:
				}
				break
			}
			if out.err != nil && !out.res.Outcome.Terminal() {
				return writeSSE(w, "error", map[string]string{"error": out.err.Error()})
			}
			return writeSSE(w, "result", toResponse(out.res))
		}
	}
}

func writeSSE(w *echo.Response, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (h *TurnsHandler) list(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	user := userID(c)

	if h.DB != nil {
		rows, err := h.DB.ListTurns(c.Request().Context(), user, limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, rows)
	}

	var metas []store.Metadata
	err := h.Archive.Walk(func(meta store.Metadata, _ string) error {
		if meta.UserID == user {
			metas = append(metas, meta)
		}
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(metas) > limit {
		metas = metas[:limit]
	}
	return c.JSON(http.StatusOK, metas)
}

func (h *TurnsHandler) get(c echo.Context) error {
	id, err := parseTurnID(c)
	if err != nil {
		return err
	}
	meta, err := h.Archive.ReadMetadata(userID(c), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found")
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *TurnsHandler) document(c echo.Context) error {
	id, err := parseTurnID(c)
	if err != nil {
		return err
	}
	doc, err := h.Archive.ReadDocument(userID(c), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found")
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc))
}

func (h *TurnsHandler) status(c echo.Context) error {
	id, err := parseTurnID(c)
	if err != nil {
		return err
	}
	st, err := h.Orch.Status(userID(c), id)
	if err != nil {
		var notFound pipeline.ErrTurnNotFound
		if errors.As(err, &notFound) {
			// not running; fall back to the archive for finished turns
			meta, metaErr := h.Archive.ReadMetadata(userID(c), id)
			if metaErr != nil {
				return echo.NewHTTPError(http.StatusNotFound, "turn not found")
			}
			return c.JSON(http.StatusOK, map[string]interface{}{
				"user_id": meta.UserID,
				"turn_id": meta.TurnID,
				"state":   "archived",
				"outcome": meta.Outcome,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *TurnsHandler) cancel(c echo.Context) error {
	id, err := parseTurnID(c)
	if err != nil {
		return err
	}
	if err := h.Orch.Cancel(userID(c), id); err != nil {
		var notFound pipeline.ErrTurnNotFound
		if errors.As(err, &notFound) {
			return echo.NewHTTPError(http.StatusNotFound, "turn not running")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func parseTurnID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid turn id")
	}
	return id, nil
}

func toResponse(res pipeline.Result) turnResponse {
	return turnResponse{
		TurnID:       res.Turn.ID,
		UserID:       res.Turn.UserID,
		Mode:         string(res.Turn.Mode),
		Outcome:      string(res.Outcome),
		Answer:       res.Answer,
		QualityScore: res.QualityScore,
		Warnings:     res.Warnings,
		TokensUsed:   res.TokensUsed,
		CostUSD:      res.CostUSD,
		ElapsedMS:    res.Elapsed.Milliseconds(),
	}
}
