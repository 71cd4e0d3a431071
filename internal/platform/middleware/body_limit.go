package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BodyLimit caps request bodies. Document uploads (POST .../documents) get
// uploadLimit, everything else defaultLimit. Limits use echo's size syntax
// such as "1M" or "512K"; an unparsable limit panics at startup.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	small := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   defaultLimit,
		Skipper: isDocumentUpload,
	})
	large := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   uploadLimit,
		Skipper: func(c echo.Context) bool { return !isDocumentUpload(c) },
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return small(large(next))
	}
}

func isDocumentUpload(c echo.Context) bool {
	return c.Request().Method == http.MethodPost &&
		strings.HasSuffix(strings.TrimSuffix(c.Request().URL.Path, "/"), "/documents")
}
