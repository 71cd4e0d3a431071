package tenant

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/auth"
	"github.com/medmart/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts platform administration routes. g is expected to be
// authenticated already.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("", auth.RequireRole(auth.RolePlatformAdmin))
	admin.POST("/businesses", h.CreateBusiness)
	admin.GET("/businesses", h.ListBusinesses)
	admin.GET("/businesses/:id", h.GetBusiness)
	admin.POST("/businesses/:id/status", h.ChangeStatus)
}

func (h *Handler) CreateBusiness(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, err := h.svc.CreateBusiness(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBusiness(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.ToHTTPError(apperr.NotFound("business"))
	}
	b, err := h.svc.GetBusiness(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBusinesses(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListBusinesses(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.ToHTTPError(apperr.NotFound("business"))
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, err := h.svc.ChangeStatus(ctx, id, req.Status, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}
