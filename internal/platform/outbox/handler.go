package outbox

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hcx/pkg/pagination"
)

// Handler exposes the outbox to operators.
type Handler struct {
	worker *Worker
}

func NewHandler(worker *Worker) *Handler {
	return &Handler{worker: worker}
}

// RegisterRoutes binds the outbox admin routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/outbox", h.List)
	g.GET("/outbox/:id", h.Get)
	g.POST("/outbox/:id/retry", h.Retry)
}

// List handles GET /outbox.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:        Status(c.QueryParam("status")),
		CorrelationID: c.QueryParam("correlation_id"),
	}
	items, total, err := h.worker.store.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// Get handles GET /outbox/:id.
func (h *Handler) Get(c echo.Context) error {
	m, err := h.worker.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "outbox message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

// Retry handles POST /outbox/:id/retry.
func (h *Handler) Retry(c echo.Context) error {
	m, err := h.worker.Retry(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "outbox message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, m)
}
