package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOutboxEnqueue(t *testing.T) {
	before := testutil.ToFloat64(OutboxEnqueuedTotal.WithLabelValues("consult.submitted", "false"))
	RecordOutboxEnqueue("consult.submitted", false)
	after := testutil.ToFloat64(OutboxEnqueuedTotal.WithLabelValues("consult.submitted", "false"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	before := testutil.ToFloat64(TenantSecurityEventsTotal.WithLabelValues("cross_tenant"))
	RecordSecurityEvent("cross_tenant")
	RecordSecurityEvent("cross_tenant")
	after := testutil.ToFloat64(TenantSecurityEventsTotal.WithLabelValues("cross_tenant"))
	if after-before != 2 {
		t.Errorf("expected counter to increase by 2, got %v", after-before)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "telehealth_http_requests_total") {
		t.Error("expected http request counter in scrape output")
	}
}
