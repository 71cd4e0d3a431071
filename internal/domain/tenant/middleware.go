package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/auth"
)

// DefaultHeader carries an explicit business slug and wins over the host.
const DefaultHeader = "X-Business-Slug"

func actorFromContext(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "anonymous"
}

// Middleware resolves the business of every request and stores it in the
// request context. Unresolvable requests end with 404.
func Middleware(resolver *Resolver, header string) echo.MiddlewareFunc {
	if header == "" {
		header = DefaultHeader
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			b, err := resolver.Resolve(req.Context(), req.Host, req.Header.Get(header))
			if err != nil {
				return apperr.ToHTTPError(err)
			}
			c.Set("business_id", b.ID.String())
			c.SetRequest(req.WithContext(WithContext(req.Context(), Context{BusinessID: b.ID, Slug: b.Slug})))
			return next(c)
		}
	}
}

// BindToken rejects tokens that are not bound to the resolved business. It
// runs after authentication. Anonymous callers and platform administrators
// pass; any other token must carry a matching business claim.
func BindToken(guard *Guard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			tc, ok := FromContext(ctx)
			if !ok {
				return apperr.ToHTTPError(apperr.NotFound("business"))
			}
			if !authenticated(ctx) || auth.HasRole(ctx, auth.RolePlatformAdmin) {
				return next(c)
			}

			target := tc.BusinessID
			claimed := auth.BusinessIDFromContext(ctx)
			if claimed == "" {
				guard.ReportCrossTenant(ctx, uuid.Nil, &target, "business", target.String())
				return apperr.ToHTTPError(apperr.NotFound("business"))
			}
			if claimed != target.String() {
				attempting, _ := uuid.Parse(claimed)
				guard.ReportCrossTenant(ctx, attempting, &target, "business", target.String())
				return apperr.ToHTTPError(apperr.NotFound("business"))
			}
			return next(c)
		}
	}
}

func authenticated(ctx context.Context) bool {
	return auth.UserIDFromContext(ctx) != "" || len(auth.RolesFromContext(ctx)) > 0
}
