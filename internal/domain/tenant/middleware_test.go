package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/auth"
	"github.com/medmart/telehealth/internal/platform/hipaa"
)

func newTenantEcho(t *testing.T, repo Repository, mws ...echo.MiddlewareFunc) *echo.Echo {
	t.Helper()
	e := echo.New()
	r := NewResolver(repo, NewLocalCache(time.Minute), zerolog.Nop())
	e.Use(Middleware(r, ""))
	for _, mw := range mws {
		e.Use(mw)
	}
	e.GET("/whoami", func(c echo.Context) error {
		tc, ok := FromContext(c.Request().Context())
		if !ok {
			return c.String(http.StatusInternalServerError, "no tenant")
		}
		scoped, _ := Scope(c)
		if scoped != tc.BusinessID || c.Get("business_id") != tc.BusinessID.String() {
			return c.String(http.StatusInternalServerError, "scope mismatch")
		}
		return c.String(http.StatusOK, tc.Slug)
	})
	return e
}

func TestMiddleware_ResolvesByHostAndHeader(t *testing.T) {
	repo := NewInMemoryRepository()
	seed(t, repo, "acme", StatusActive, "acme.test")
	seed(t, repo, "other", StatusActive, "other.test")
	e := newTenantEcho(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Host = "acme.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "acme" {
		t.Fatalf("host resolution: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Host = "acme.test"
	req.Header.Set(DefaultHeader, "other")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "other" {
		t.Fatalf("header resolution: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_UnknownAndSuspendedAreNotFound(t *testing.T) {
	repo := NewInMemoryRepository()
	seed(t, repo, "gone", StatusSuspended, "gone.test")
	e := newTenantEcho(t, repo)

	for _, host := range []string{"gone.test", "nobody.test"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Host = host
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", host, rec.Code)
		}
	}
}

// withClaims simulates the authentication middleware.
func withClaims(claims *auth.Claims) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

func TestBindToken(t *testing.T) {
	repo := NewInMemoryRepository()
	acme := seed(t, repo, "acme", StatusActive, "acme.test")
	other := seed(t, repo, "other", StatusActive, "other.test")

	tests := []struct {
		name   string
		claims *auth.Claims
		want   int
	}{
		{"matching business", &auth.Claims{BusinessID: acme.ID.String(), Roles: []string{auth.RolePatient}}, http.StatusOK},
		{"other business", &auth.Claims{BusinessID: other.ID.String(), Roles: []string{auth.RoleClinician}}, http.StatusNotFound},
		{"platform admin", &auth.Claims{BusinessID: other.ID.String(), Roles: []string{auth.RolePlatformAdmin}}, http.StatusOK},
		{"unbound platform admin", &auth.Claims{Roles: []string{auth.RolePlatformAdmin}}, http.StatusOK},
		{"anonymous", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, sink := newTestGuard()
			mw := []echo.MiddlewareFunc{BindToken(g)}
			if tt.claims != nil {
				mw = append([]echo.MiddlewareFunc{withClaims(tt.claims)}, mw...)
			}
			e := newTenantEcho(t, repo, mw...)

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Host = "acme.test"
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}

			recs := sink.Records()
			if tt.want == http.StatusNotFound {
				if len(recs) != 1 {
					t.Fatalf("expected a security audit record, got %d", len(recs))
				}
				if recs[0].BusinessID == nil || *recs[0].BusinessID != other.ID {
					t.Errorf("expected attempting business %s, got %v", other.ID, recs[0].BusinessID)
				}
				if recs[0].Metadata["target_business_id"] != acme.ID.String() {
					t.Errorf("expected target %s, got %v", acme.ID, recs[0].Metadata["target_business_id"])
				}
			} else if len(recs) != 0 {
				t.Errorf("expected no audit records, got %d", len(recs))
			}
		})
	}
}

func TestBindToken_UnboundStaffTokenIsNotFound(t *testing.T) {
	repo := NewInMemoryRepository()
	acme := seed(t, repo, "acme", StatusActive, "acme.test")

	for _, role := range []string{auth.RoleClinician, auth.RoleAdmin, auth.RolePatient} {
		t.Run(role, func(t *testing.T) {
			g, sink := newTestGuard()
			claims := &auth.Claims{Roles: []string{role}}
			claims.Subject = "user-1"
			e := newTenantEcho(t, repo, withClaims(claims), BindToken(g))

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set(DefaultHeader, "acme")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rec.Code)
			}

			recs := sink.Records()
			if len(recs) != 1 {
				t.Fatalf("expected a security audit record, got %d", len(recs))
			}
			if recs[0].BusinessID != nil {
				t.Errorf("unbound token has no attempting business, got %v", recs[0].BusinessID)
			}
			if recs[0].Metadata["target_business_id"] != acme.ID.String() || recs[0].RiskLevel != hipaa.RiskHigh {
				t.Errorf("unexpected record: %+v", recs[0])
			}
		})
	}
}
