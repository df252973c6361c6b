package claims

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	fm "github.com/ehr/hcx/pkg/fhirmodels"
	"github.com/ehr/hcx/pkg/pagination"
)

// Handler exposes the payer's plan catalog to operators.
type Handler struct {
	payer *Payer
}

func NewHandler(payer *Payer) *Handler {
	return &Handler{payer: payer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/plans", h.ListPlans)
	api.GET("/plans/:id", h.GetPlan)
	api.POST("/plans", h.CreatePlan)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pg := pagination.FromContext(c)
	all := h.payer.catalog.List()
	start, end := pg.Window(len(all))
	return c.JSON(http.StatusOK, pagination.NewResponse(all[start:end], len(all), pg.Limit, pg.Offset))
}

// GetPlan returns the plan as a FHIR InsurancePlan.
func (h *Handler) GetPlan(c echo.Context) error {
	plan, err := h.payer.catalog.Get(c.Param("id"))
	if errors.Is(err, ErrPlanNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, plan.ToFHIR(fm.Ref("Organization", h.payer.code)))
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var p Plan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if p.CoverageLimit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "coverage_limit must not be negative")
	}
	if p.Currency == "" {
		p.Currency = "INR"
	}
	h.payer.catalog.Add(p)
	created, _ := h.payer.catalog.Get(p.ID)
	return c.JSON(http.StatusCreated, created)
}
