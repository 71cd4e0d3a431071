package consult

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/auth"
)

func patientClaims(customer string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-" + customer},
		CustomerID:       customer,
		Roles:            []string{auth.RolePatient},
	}
}

func staffClaims(role string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "staff-1"},
		Roles:            []string{role},
	}
}

// newConsultEcho serves the consultation routes as business with the given
// caller. A nil claims value is an anonymous caller.
func newConsultEcho(f *fixture, business uuid.UUID, claims *auth.Claims) *echo.Echo {
	e := echo.New()
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := tenant.WithContext(c.Request().Context(), tenant.Context{BusinessID: business, Slug: "test"})
			if claims != nil {
				ctx = auth.WithClaims(ctx, claims)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc, f.intake).RegisterRoutes(g)
	return e
}

func serve(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const intakeBody = `{"product_id":"p1","email":"jane@example.com","first_name":"Jane","last_name":"Doe","mode":"audio"}`

func TestHandler_Submit(t *testing.T) {
	f := newFixture(t, Config{})
	e := newConsultEcho(f, f.acme, patientClaims("c1"))

	rec := serve(e, http.MethodPost, "/api/v1/consultations", intakeBody, IdempotencyKeyHeader, "cart-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[SubmitResult](t, rec)

	rec = serve(e, http.MethodPost, "/api/v1/consultations", intakeBody, IdempotencyKeyHeader, "cart-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if replay := decode[SubmitResult](t, rec); replay.ConsultationID != first.ConsultationID || !replay.Replayed {
		t.Errorf("replay returned %+v, want consultation %s", replay, first.ConsultationID)
	}

	rec = serve(e, http.MethodPost, "/api/v1/consultations", intakeBody, IdempotencyKeyHeader, "cart-2")
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]string](t, rec); body["code"] != "duplicate_submission" {
		t.Errorf("unexpected duplicate body: %v", body)
	}

	rec = serve(e, http.MethodPost, "/api/v1/consultations", `{"product_id":"p2","first_name":"Jane","last_name":"Doe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid intake: expected 400, got %d", rec.Code)
	}

	anon := newConsultEcho(f, f.acme, nil)
	rec = serve(anon, http.MethodPost, "/api/v1/consultations", intakeBody)
	if rec.Code != http.StatusCreated {
		t.Errorf("anonymous intake: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_StaffWorkflow(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	base := "/api/v1/consultations/" + res.ConsultationID.String()
	clinician := newConsultEcho(f, f.acme, staffClaims(auth.RoleClinician))

	rec := serve(clinician, http.MethodPost, base+"/clinician", `{"clinician_id":"dr-house"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(clinician, http.MethodPost, base+"/transitions", `{"status":"scheduled"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(clinician, http.MethodPost, base+"/transitions", `{"status":"approved"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("skip: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(clinician, http.MethodGet, base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	view := decode[StatusView](t, rec)
	if view.Status != StatusScheduled || len(view.History) != 3 {
		t.Errorf("unexpected view: status=%s history=%d", view.Status, len(view.History))
	}

	rec = serve(clinician, http.MethodGet, base+"/intake", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "jane@example.com") {
		t.Errorf("intake: expected decrypted answers, got %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(clinician, http.MethodGet, "/api/v1/consultations/not-a-uuid", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("bad id: expected 404, got %d", rec.Code)
	}

	other := newConsultEcho(f, f.globex, staffClaims(auth.RoleAdmin))
	if rec := serve(other, http.MethodGet, base, ""); rec.Code != http.StatusNotFound {
		t.Errorf("other business: expected 404, got %d", rec.Code)
	}

	patient := newConsultEcho(f, f.acme, patientClaims("c1"))
	if rec := serve(patient, http.MethodPost, base+"/transitions", `{"status":"completed"}`); rec.Code != http.StatusForbidden {
		t.Errorf("patient transition: expected 403, got %d", rec.Code)
	}
	if rec := serve(patient, http.MethodGet, base+"/intake", ""); rec.Code != http.StatusForbidden {
		t.Errorf("patient intake read: expected 403, got %d", rec.Code)
	}
}

func TestHandler_CancelAndApprovalGate(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.submit(t, f.acme, "c1", "p1")

	stranger := newConsultEcho(f, f.acme, patientClaims("c2"))
	if rec := serve(stranger, http.MethodPost, "/api/v1/consultations/"+first.ConsultationID.String()+"/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("stranger cancel: expected 404, got %d", rec.Code)
	}
	owner := newConsultEcho(f, f.acme, patientClaims("c1"))
	rec := serve(owner, http.MethodPost, "/api/v1/consultations/"+first.ConsultationID.String()+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if c := decode[Consultation](t, rec); c.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", c.Status)
	}

	if rec := serve(owner, http.MethodGet, "/api/v1/approvals/active?product_id=p1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("gate before approval: expected 404, got %d", rec.Code)
	}

	second := f.submit(t, f.acme, "c1", "p1")
	f.transition(t, second.ConsultationID, StatusScheduled, "")
	f.transition(t, second.ConsultationID, StatusCompleted, "")
	f.transition(t, second.ConsultationID, StatusApproved, "")

	rec = serve(owner, http.MethodGet, "/api/v1/approvals/active?product_id=p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("gate after approval: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if a := decode[Approval](t, rec); a.Status != ReviewApproved {
		t.Errorf("expected approved, got %s", a.Status)
	}

	admin := newConsultEcho(f, f.acme, staffClaims(auth.RoleAdmin))
	if rec := serve(admin, http.MethodGet, "/api/v1/approvals/active?product_id=p1&customer_id=c1", ""); rec.Code != http.StatusOK {
		t.Errorf("staff lookup: expected 200, got %d", rec.Code)
	}
	// Patients cannot look up other customers.
	if rec := serve(stranger, http.MethodGet, "/api/v1/approvals/active?product_id=p1&customer_id=c1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("patient lookup of another customer: expected 404, got %d", rec.Code)
	}
}

func multipartUpload(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandler_Documents(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	e := newConsultEcho(f, f.acme, staffClaims(auth.RoleClinician))
	base := "/api/v1/consultations/" + res.ConsultationID.String() + "/documents"

	body, ct := multipartUpload(t, "scan.png", "image/png", []byte("\x89PNG fake"))
	req := httptest.NewRequest(http.MethodPost, base, body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	doc := decode[Document](t, rec)
	if doc.ContentType != "image/png" || doc.FileName != "scan.png" {
		t.Errorf("unexpected document: %+v", doc)
	}
	if strings.Contains(rec.Body.String(), "businesses/") {
		t.Error("storage keys must not be exposed")
	}

	body, ct = multipartUpload(t, "run.sh", "application/x-sh", []byte("#!/bin/sh"))
	req = httptest.NewRequest(http.MethodPost, base, body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("disallowed type: expected 400, got %d", rec.Code)
	}

	if rec := serve(e, http.MethodPost, base, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing file: expected 400, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, base, "")
	list := decode[map[string][]Document](t, rec)
	if rec.Code != http.StatusOK || len(list["data"]) != 1 {
		t.Fatalf("list: expected one document, got %d %s", rec.Code, rec.Body.String())
	}

	docURL := "/api/v1/documents/" + doc.ID.String() + "/url"
	rec = serve(e, http.MethodGet, docURL+"?ttl=5m", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("url: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if link := decode[map[string]any](t, rec)["url"]; !strings.Contains(link.(string), "sig=") {
		t.Errorf("expected a signed link, got %v", link)
	}
	if rec := serve(e, http.MethodGet, docURL+"?ttl=soon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad ttl: expected 400, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, docURL+"?ttl=48h", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("long ttl: expected 400, got %d", rec.Code)
	}

	if rec := serve(e, http.MethodDelete, "/api/v1/documents/"+doc.ID.String(), ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, docURL, ""); rec.Code != http.StatusNotFound {
		t.Errorf("url after delete: expected 404, got %d", rec.Code)
	}
}
