package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithHeaders(t *testing.T, method, path string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Use(SecurityHeaders())
	e.Add(method, path, handler)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSecurityHeaders_ChatHistoryIsNotCacheable(t *testing.T) {
	rec := serveWithHeaders(t, http.MethodGet, "/api/v1/patients/p1/messages", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"content": "BP dropping"})
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeaders_SetOnErrorResponses(t *testing.T) {
	rec := serveWithHeaders(t, http.MethodPost, "/api/v1/notifications/abc/read", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("error responses must carry the headers too")
	}
}
