package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func ledgerRoutes() *echo.Echo {
	e := echo.New()
	e.Use(SecurityHeaders())
	api := e.Group("/api/v1")
	api.POST("/patients/:id/payments", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"patient_id": c.Param("id"), "amount": "60.00"})
	})
	api.GET("/treatments/:id/receipt", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"treatment_id": c.Param("id")})
	})
	api.POST("/treatments/:id/payments", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "payment exceeds outstanding balance")
	})
	return e
}

func TestSecurityHeaders_BillingResponsesAreNotCached(t *testing.T) {
	e := ledgerRoutes()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"patient payment", http.MethodPost, "/api/v1/patients/7f1c/payments", `{"amount":"60.00"}`, http.StatusOK},
		{"receipt", http.MethodGet, "/api/v1/treatments/9a2e/receipt", "", http.StatusOK},
		{"rejected payment", http.MethodPost, "/api/v1/treatments/9a2e/payments", `{"amount":"1000"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control: got %q, want no-store", got)
			}
			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options: got %q", got)
			}
			if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "frame-ancestors 'none'") {
				t.Errorf("receipts must not be framed, got CSP %q", got)
			}
			if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
				t.Errorf("patient ids must not leak through Referer, got %q", got)
			}
		})
	}
}

func TestSecurityHeaders_UnknownRouteStillHardened(t *testing.T) {
	rec := httptest.NewRecorder()
	ledgerRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control: got %q, want no-store", got)
	}
}
