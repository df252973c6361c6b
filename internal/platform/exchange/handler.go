package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hcx/internal/platform/correlation"
	"github.com/ehr/hcx/internal/platform/protocol"
	"github.com/ehr/hcx/internal/platform/registry"
	"github.com/ehr/hcx/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Protocol endpoints
// ---------------------------------------------------------------------------

// ProtocolHandler serves the request and callback path of every workflow.
type ProtocolHandler struct {
	d *Dispatcher
}

func NewProtocolHandler(d *Dispatcher) *ProtocolHandler {
	return &ProtocolHandler{d: d}
}

// RegisterRoutes binds both paths of each workflow on e.
func (h *ProtocolHandler) RegisterRoutes(e *echo.Echo) {
	for _, wf := range protocol.Workflows() {
		e.POST(wf.RequestPath, h.request(wf.Name))
		e.POST(wf.CallbackPath, h.callback(wf.Name))
	}
}

func (h *ProtocolHandler) request(workflow string) echo.HandlerFunc {
	return func(c echo.Context) error {
		compact, err := readEnvelope(c)
		if err != nil {
			return c.JSON(malformedStatus(err), malformedBody(err))
		}
		ack, err := h.d.HandleRequest(c.Request().Context(), workflow, compact)
		return respond(c, ack, err)
	}
}

func (h *ProtocolHandler) callback(workflow string) echo.HandlerFunc {
	return func(c echo.Context) error {
		compact, err := readEnvelope(c)
		if err != nil {
			return c.JSON(malformedStatus(err), malformedBody(err))
		}
		ack, err := h.d.HandleCallback(c.Request().Context(), workflow, compact)
		return respond(c, ack, err)
	}
}

// readEnvelope accepts {"type":"JWEPayload","payload":"..."} or
// {"payload":"..."}.
func readEnvelope(c echo.Context) (string, error) {
	var body RequestBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return "", he
		}
		return "", errors.New("request body is not a JSON object")
	}
	if body.Type != "" && body.Type != PayloadType {
		return "", errors.New("unsupported payload type " + body.Type)
	}
	compact := strings.TrimSpace(body.Payload)
	if compact == "" {
		return "", errors.New("payload is required")
	}
	return compact, nil
}

// malformedStatus is 400 unless a middleware already chose a status, such
// as 413 from the body limit.
func malformedStatus(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusBadRequest
}

func malformedBody(err error) protocol.ErrorBody {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		err = fmt.Errorf("%v", he.Message)
	}
	return protocol.BuildError(protocol.Headers{}, protocol.ErrorDetail{
		Code:    protocol.CodeInvalidPayload,
		Message: err.Error(),
	}, "")
}

// respond writes the ack with 202, a protocol error with 200, and anything
// else as a 500 error body.
func respond(c echo.Context, ack *protocol.AckBody, err error) error {
	if err == nil {
		return c.JSON(http.StatusAccepted, ack)
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return c.JSON(http.StatusOK, pe.Body())
	}
	return c.JSON(http.StatusInternalServerError, protocol.BuildError(protocol.Headers{}, protocol.ErrorDetail{
		Code:    protocol.CodeServiceUnavailable,
		Message: err.Error(),
	}, ""))
}

// ---------------------------------------------------------------------------
// Admin API
// ---------------------------------------------------------------------------

// AdminHandler lets an operator originate and inspect exchanges.
type AdminHandler struct {
	d     *Dispatcher
	store correlation.Store
}

func NewAdminHandler(d *Dispatcher, store correlation.Store) *AdminHandler {
	return &AdminHandler{d: d, store: store}
}

func (h *AdminHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/exchanges/:workflow", h.Send)
	g.GET("/exchanges", h.List)
	g.GET("/exchanges/:correlation_id", h.Get)
	g.POST("/exchanges/:correlation_id/communication", h.FollowUp)
	g.GET("/workflows", h.ListWorkflows)
}

type sendBody struct {
	RecipientCode string                 `json:"recipient_code"`
	Payload       json.RawMessage        `json:"payload"`
	WorkflowID    string                 `json:"workflow_id"`
	BeneficiaryID string                 `json:"beneficiary_id"`
	BusinessKey   string                 `json:"business_key"`
	DomainHeaders map[string]interface{} `json:"domain_headers"`
}

func (b sendBody) request(workflow string) SendRequest {
	return SendRequest{
		Workflow:      workflow,
		RecipientCode: b.RecipientCode,
		Payload:       b.Payload,
		Headers:       protocol.Headers{WorkflowID: b.WorkflowID, BeneficiaryID: b.BeneficiaryID},
		DomainHeaders: b.DomainHeaders,
		BusinessKey:   b.BusinessKey,
	}
}

func bindSend(c echo.Context) (sendBody, error) {
	var b sendBody
	if err := c.Bind(&b); err != nil {
		return b, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(b.Payload) == 0 || string(b.Payload) == "null" {
		return b, echo.NewHTTPError(http.StatusBadRequest, "payload is required")
	}
	return b, nil
}

// Send handles POST /exchanges/:workflow.
func (h *AdminHandler) Send(c echo.Context) error {
	b, err := bindSend(c)
	if err != nil {
		return err
	}
	res, err := h.d.Send(c.Request().Context(), b.request(c.Param("workflow")))
	return sendResponse(c, res, err)
}

// FollowUp handles POST /exchanges/:correlation_id/communication.
func (h *AdminHandler) FollowUp(c echo.Context) error {
	b, err := bindSend(c)
	if err != nil {
		return err
	}
	res, err := h.d.SendFollowUp(c.Request().Context(), c.Param("correlation_id"), b.request(protocol.WorkflowCommunication))
	if errors.Is(err, correlation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "exchange not found")
	}
	return sendResponse(c, res, err)
}

func sendResponse(c echo.Context, res *SendResult, err error) error {
	if err == nil {
		return c.JSON(http.StatusAccepted, res)
	}
	switch {
	case errors.Is(err, ErrUnknownWorkflow):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrUnknownParticipant), errors.Is(err, protocol.ErrHeaderValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case res != nil:
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// List handles GET /exchanges.
func (h *AdminHandler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := correlation.Filter{
		Workflow:    c.QueryParam("workflow"),
		Direction:   correlation.Direction(c.QueryParam("direction")),
		Status:      correlation.Status(c.QueryParam("status")),
		BusinessKey: c.QueryParam("business_key"),
	}
	items, total, err := h.store.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// Get handles GET /exchanges/:correlation_id.
func (h *AdminHandler) Get(c echo.Context) error {
	rec, err := h.store.GetByCorrelationID(c.Request().Context(), c.Param("correlation_id"))
	if errors.Is(err, correlation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "exchange not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

type workflowView struct {
	Name             string `json:"name"`
	RequestPath      string `json:"request_path"`
	CallbackPath     string `json:"callback_path"`
	RequestResource  string `json:"request_resource,omitempty"`
	ResponseResource string `json:"response_resource"`
	Responder        bool   `json:"responder"`
}

// ListWorkflows handles GET /workflows.
func (h *AdminHandler) ListWorkflows(c echo.Context) error {
	var out []workflowView
	for _, wf := range protocol.Workflows() {
		_, ok := h.d.responders[wf.Name]
		out = append(out, workflowView{
			Name:             wf.Name,
			RequestPath:      wf.RequestPath,
			CallbackPath:     wf.CallbackPath,
			RequestResource:  wf.RequestResource,
			ResponseResource: wf.ResponseResource,
			Responder:        ok,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"role": h.d.Role(), "data": out})
}
