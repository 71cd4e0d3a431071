package consult

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/auth"
	"github.com/medmart/telehealth/internal/platform/blobstore"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

var staffRoles = []string{auth.RoleClinician, auth.RoleAdmin}

type Handler struct {
	svc    *Service
	intake *Intake
}

func NewHandler(svc *Service, intake *Intake) *Handler {
	return &Handler{svc: svc, intake: intake}
}

// RegisterRoutes mounts consultation routes. g must already carry tenant
// resolution and authentication; intake accepts anonymous callers.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/consultations", h.Submit)
	g.GET("/approvals/active", h.ActiveApproval)
	g.POST("/consultations/:id/cancel", h.Cancel, auth.RequireRole(auth.RolePatient))

	staff := g.Group("", auth.RequireRole(staffRoles...))
	staff.GET("/consultations/:id", h.GetStatus)
	staff.GET("/consultations/:id/intake", h.GetIntake)
	staff.POST("/consultations/:id/transitions", h.Transition)
	staff.POST("/consultations/:id/clinician", h.AssignClinician)
	staff.POST("/consultations/:id/documents", h.AttachDocument)
	staff.GET("/consultations/:id/documents", h.ListDocuments)
	staff.GET("/documents/:id/url", h.DocumentURL)
	staff.DELETE("/documents/:id", h.DeleteDocument)
}

func pathID(c echo.Context, resource string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.ToHTTPError(apperr.NotFound(resource))
	}
	return id, nil
}

func (h *Handler) Submit(c echo.Context) error {
	var in IntakeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader))
	}
	ctx := c.Request().Context()
	res, err := h.intake.SubmitConsultation(ctx, in, auth.CustomerIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	if res.Replayed {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	view, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetIntake(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, err := h.svc.GetIntake(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type transitionRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	out, err := h.svc.TransitionStatus(ctx, id, req.Status, auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type clinicianRequest struct {
	ClinicianID string `json:"clinician_id"`
}

func (h *Handler) AssignClinician(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	var req clinicianRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	out, err := h.svc.AssignClinician(ctx, id, req.ClinicianID, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	out, err := h.svc.CancelByPatient(ctx, id, auth.CustomerIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// ActiveApproval answers whether the caller may buy a gated product. Patients
// ask for themselves; staff may name a customer_id.
func (h *Handler) ActiveApproval(c echo.Context) error {
	ctx := c.Request().Context()
	customerID := auth.CustomerIDFromContext(ctx)
	if q := c.QueryParam("customer_id"); q != "" && auth.HasRole(ctx, staffRoles...) {
		customerID = q
	}
	a, err := h.svc.CheckApproval(ctx, customerID, c.QueryParam("product_id"))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AttachDocument(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if fh.Size > blobstore.MaxFileSize {
		return apperr.ToHTTPError(apperr.New(apperr.ErrInvalidInput, "file_too_large", blobstore.ErrFileTooLarge.Error()))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}

	ctx := c.Request().Context()
	doc, err := h.svc.AttachDocument(ctx, id, DocumentUpload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	id, err := pathID(c, "consultation")
	if err != nil {
		return err
	}
	docs, err := h.svc.ListDocuments(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": docs})
}

type documentURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Document  *Document `json:"document"`
}

func (h *Handler) DocumentURL(c echo.Context) error {
	id, err := pathID(c, "document")
	if err != nil {
		return err
	}
	ttl := DefaultDocumentURLTTL
	if raw := c.QueryParam("ttl"); raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil || ttl <= 0 {
			return apperr.ToHTTPError(apperr.InvalidInput("ttl must be a positive duration"))
		}
	}
	ctx := c.Request().Context()
	link, doc, err := h.svc.DocumentURL(ctx, id, ttl, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, documentURLResponse{
		URL:       link,
		ExpiresAt: time.Now().UTC().Add(ttl),
		Document:  doc,
	})
}

func (h *Handler) DeleteDocument(c echo.Context) error {
	id, err := pathID(c, "document")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteDocument(ctx, id, auth.UserIDFromContext(ctx)); err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
