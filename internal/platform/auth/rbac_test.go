package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{"exact", []string{RoleClinician}, []string{RoleClinician}, true},
		{"one of", []string{RoleAdmin}, []string{RoleClinician, RoleAdmin}, true},
		{"missing", []string{RolePatient}, []string{RoleClinician}, false},
		{"platform admin holds all", []string{RolePlatformAdmin}, []string{RoleClinician}, true},
		{"business admin is not platform admin", []string{RoleAdmin}, []string{RolePlatformAdmin}, false},
		{"anonymous", nil, []string{RolePatient}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.WithValue(context.Background(), UserRolesKey, tt.granted)
			if got := HasRole(ctx, tt.required...); got != tt.want {
				t.Errorf("HasRole() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		status int
	}{
		{"allowed", []string{RoleClinician}, http.StatusOK},
		{"forbidden", []string{RolePatient}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleClinician, RoleAdmin)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.status == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Errorf("expected 200, got err=%v code=%d", err, rec.Code)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.status {
				t.Errorf("expected %d, got %v", tt.status, err)
			}
		})
	}
}
