package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	var seen string
	e.GET("/", func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected request_id to be generated")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header %q does not match context value %q", got, seen)
	}
}

func TestRequestID_PreservesInbound(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "trace-abc" {
		t.Errorf("expected trace-abc, got %q", got)
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); len(got) == 0 || len(got) > 128 {
		t.Errorf("expected a generated id, got %q", got)
	}
}

func TestLogger_WritesIdentifiersNotQuery(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID(), Logger(zerolog.New(&buf)))
	e.GET("/consultations", func(c echo.Context) error {
		c.Set("business_id", "biz-1")
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/consultations?email=jane@example.com", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["business_id"] != "biz-1" || line["path"] != "/consultations" || line["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["request_id"] == "" {
		t.Error("expected request_id in the log line")
	}
	if strings.Contains(buf.String(), "jane@example.com") {
		t.Error("query string leaked into the access log")
	}
}

func TestLogger_ErrorLevelFor5xx(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(Logger(zerolog.New(&buf)))
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":503`) {
		t.Errorf("expected an error-level line with status 503, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(Recovery(zerolog.New(&buf)))
	e.GET("/panic", func(c echo.Context) error {
		c.Set("business_id", "biz-9")
		panic("nil map write")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "internal" {
		t.Errorf("unexpected body: %v", body)
	}
	if strings.Contains(rec.Body.String(), "nil map write") {
		t.Error("panic value leaked into the response")
	}
	logged := buf.String()
	if !strings.Contains(logged, "nil map write") || !strings.Contains(logged, "biz-9") {
		t.Errorf("expected panic and business in the log, got %s", logged)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(Recovery(zerolog.Nop()))
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   zerolog.Level
	}{
		{http.StatusOK, nil, zerolog.InfoLevel},
		{http.StatusNotFound, nil, zerolog.WarnLevel},
		{http.StatusOK, echo.ErrBadRequest, zerolog.WarnLevel},
		{http.StatusBadGateway, nil, zerolog.ErrorLevel},
	}
	for _, tc := range cases {
		if got := levelFor(tc.status, tc.err); got != tc.want {
			t.Errorf("levelFor(%d, %v) = %s, want %s", tc.status, tc.err, got, tc.want)
		}
	}
}

func TestLogger_PlainErrorCountsAsServerError(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(Logger(zerolog.New(&buf)))
	e.GET("/db", func(c echo.Context) error {
		return errors.New("connection refused")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/db", nil))

	if !strings.Contains(buf.String(), `"status":500`) || !strings.Contains(buf.String(), `"route":"/db"`) {
		t.Errorf("unexpected log line: %s", buf.String())
	}
}
