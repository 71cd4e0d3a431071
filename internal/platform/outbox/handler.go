package outbox

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/pkg/pagination"
)

// BusinessScope returns the business the request is limited to. ok=false
// means the caller may see every business (platform operators).
type BusinessScope func(c echo.Context) (businessID uuid.UUID, ok bool)

// AccessVerifier decides whether the business bound to ctx may read a
// resource owned by owner. exists is false when the lookup found nothing.
// Denials must surface as apperr.ErrNotFound.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, kind string, id, owner uuid.UUID, exists bool) error
}

// Handler exposes operator endpoints for inspecting and replaying events.
type Handler struct {
	outbox   *Outbox
	scope    BusinessScope
	verifier AccessVerifier
}

// NewHandler builds the operator handler. verifier may be nil, in which case
// scoped lookups of foreign events are rejected without being reported.
func NewHandler(o *Outbox, scope BusinessScope, verifier AccessVerifier) *Handler {
	return &Handler{outbox: o, scope: scope, verifier: verifier}
}

// RegisterRoutes binds the outbox routes to g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/outbox", h.List)
	g.GET("/outbox/:id", h.Get)
	g.POST("/outbox/:id/requeue", h.Requeue)
}

func (h *Handler) businessID(c echo.Context) *uuid.UUID {
	if h.scope == nil {
		return nil
	}
	if id, ok := h.scope(c); ok {
		return &id
	}
	return nil
}

// List handles GET /outbox?status=dead_letter.
func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	events, total, err := h.outbox.ListByStatus(c.Request().Context(), h.businessID(c),
		Status(c.QueryParam("status")), p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, p))
}

// Get handles GET /outbox/:id.
func (h *Handler) Get(c echo.Context) error {
	e, err := h.load(c)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// Requeue handles POST /outbox/:id/requeue.
func (h *Handler) Requeue(c echo.Context) error {
	e, err := h.load(c)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	e, err = h.outbox.Requeue(c.Request().Context(), e.ID)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

const eventKind = "outbox event"

func (h *Handler) load(c echo.Context) (*Event, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, apperr.NotFound(eventKind)
	}
	ctx := c.Request().Context()
	e, err := h.outbox.Get(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	bid := h.businessID(c)
	if bid == nil {
		return e, err
	}
	exists := err == nil
	var owner uuid.UUID
	if exists {
		owner = e.BusinessID
	}
	if h.verifier != nil {
		if verr := h.verifier.VerifyAccess(ctx, eventKind, id, owner, exists); verr != nil {
			return nil, verr
		}
		return e, nil
	}
	if !exists || owner != *bid {
		return nil, apperr.NotFound(eventKind)
	}
	return e, nil
}
