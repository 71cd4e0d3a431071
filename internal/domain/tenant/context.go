package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Context is the resolved tenant of a request.
type Context struct {
	BusinessID uuid.UUID
	Slug       string
}

type ctxKey struct{}

// WithContext stores tc on ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the tenant resolved for ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok && tc.BusinessID != uuid.Nil
}

// Scope returns the business of an echo request. It matches the
// BusinessScope shape expected by the outbox and webhook handlers.
func Scope(c echo.Context) (uuid.UUID, bool) {
	tc, ok := FromContext(c.Request().Context())
	return tc.BusinessID, ok
}
