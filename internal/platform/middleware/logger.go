package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one access line per request. Only identifiers reach the log;
// bodies and query strings never do.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			evt := logger.WithLevel(levelFor(status, err))
			if status >= 500 && err != nil {
				evt = evt.Err(err)
			}

			rid, _ := c.Get("request_id").(string)
			bid, _ := c.Get("business_id").(string)
			evt.Str("request_id", rid).
				Str("business_id", bid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

// responseStatus prefers the code carried by a returned HTTPError, since the
// error handler has not written the response yet.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return 500
	}
	return c.Response().Status
}

func levelFor(status int, err error) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case err != nil || status >= 400:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}
