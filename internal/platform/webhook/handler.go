package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/pkg/pagination"
)

// BusinessResolver returns the business of the current request.
type BusinessResolver func(c echo.Context) (uuid.UUID, bool)

// Handler exposes endpoint management for the calling business.
type Handler struct {
	manager  *Manager
	business BusinessResolver
}

func NewHandler(manager *Manager, business BusinessResolver) *Handler {
	return &Handler{manager: manager, business: business}
}

// RegisterRoutes binds webhook management routes to g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.Register)
	g.GET("/webhooks", h.List)
	g.DELETE("/webhooks/:id", h.Delete)
	g.POST("/webhooks/:id/pause", h.Pause)
	g.POST("/webhooks/:id/resume", h.Resume)
	g.GET("/webhooks/:id/deliveries", h.Deliveries)
}

func (h *Handler) scope(c echo.Context) (uuid.UUID, error) {
	bid, ok := h.business(c)
	if !ok {
		return uuid.Nil, apperr.NotFound("business")
	}
	return bid, nil
}

func (h *Handler) target(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	bid, err := h.scope(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.NotFound("webhook endpoint")
	}
	return bid, id, nil
}

func toHTTP(err error) error {
	if errors.Is(err, ErrEndpointNotFound) {
		err = apperr.NotFound("webhook endpoint")
	}
	return apperr.ToHTTPError(err)
}

// Register handles POST /webhooks.
func (h *Handler) Register(c echo.Context) error {
	bid, err := h.scope(c)
	if err != nil {
		return toHTTP(err)
	}
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), bid, in)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, ep)
}

// List handles GET /webhooks. Secrets are not returned.
func (h *Handler) List(c echo.Context) error {
	bid, err := h.scope(c)
	if err != nil {
		return toHTTP(err)
	}
	eps, err := h.manager.ListEndpoints(c.Request().Context(), bid)
	if err != nil {
		return toHTTP(err)
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, map[string]any{"data": eps, "total": len(eps)})
}

// Delete handles DELETE /webhooks/:id.
func (h *Handler) Delete(c echo.Context) error {
	bid, id, err := h.target(c)
	if err != nil {
		return toHTTP(err)
	}
	if err := h.manager.DeleteEndpoint(c.Request().Context(), bid, id); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Pause handles POST /webhooks/:id/pause.
func (h *Handler) Pause(c echo.Context) error {
	return h.setStatus(c, EndpointPaused)
}

// Resume handles POST /webhooks/:id/resume.
func (h *Handler) Resume(c echo.Context) error {
	return h.setStatus(c, EndpointActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	bid, id, err := h.target(c)
	if err != nil {
		return toHTTP(err)
	}
	if err := h.manager.SetStatus(c.Request().Context(), bid, id, status); err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

// Deliveries handles GET /webhooks/:id/deliveries.
func (h *Handler) Deliveries(c echo.Context) error {
	bid, id, err := h.target(c)
	if err != nil {
		return toHTTP(err)
	}
	p := pagination.FromContext(c)
	logs, total, err := h.manager.DeliveryLogs(c.Request().Context(), bid, id, p.Limit, p.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, p))
}
