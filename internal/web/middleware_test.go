package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runMiddleware(handler gin.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	handler(c)
	return w, c
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w, _ := runMiddleware(SecurityHeaders(), httptest.NewRequest(http.MethodGet, "/", nil))

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Cache-Control") != "no-store" {
			t.Error("expected Cache-Control header")
		}
		if headers.Get("Content-Security-Policy") != "default-src 'none'; frame-ancestors 'none'" {
			t.Errorf("unexpected CSP %q", headers.Get("Content-Security-Policy"))
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		w, _ := runMiddleware(SecurityHeaders(), req)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w, _ := runMiddleware(SecurityHeaders(), httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := RateLimiter(10, 10)

		for i := 0; i < 5; i++ {
			_, c := runMiddleware(limiter, httptest.NewRequest(http.MethodGet, "/", nil))
			if c.IsAborted() {
				t.Errorf("request %d should not be aborted", i)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := RateLimiter(1, 1)

		if _, c := runMiddleware(limiter, httptest.NewRequest(http.MethodGet, "/", nil)); c.IsAborted() {
			t.Error("first request should not be aborted")
		}

		w, c := runMiddleware(limiter, httptest.NewRequest(http.MethodGet, "/", nil))
		if !c.IsAborted() {
			t.Error("second request should be rate limited")
		}
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w.Code)
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		aborted     bool
	}{
		{"GET without content-type", http.MethodGet, "", false},
		{"POST with JSON", http.MethodPost, "application/json", false},
		{"POST with JSON charset", http.MethodPost, "application/json; charset=utf-8", false},
		{"POST without content-type", http.MethodPost, "", false},
		{"POST with text", http.MethodPost, "text/plain", true},
		{"PUT with XML", http.MethodPut, "application/xml", true},
		{"PATCH with HTML", http.MethodPatch, "text/html", true},
		{"DELETE with text", http.MethodDelete, "text/plain", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w, c := runMiddleware(RequireJSONContentType(), req)

			if c.IsAborted() != tc.aborted {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tc.aborted)
			}
			if tc.aborted && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:5173"}

	testCases := []struct {
		name    string
		allowed []string
		method  string
		origin  string
		referer string
		aborted bool
	}{
		{"GET from any origin", allowed, http.MethodGet, "http://evil.com", "", false},
		{"OPTIONS from any origin", allowed, http.MethodOptions, "http://evil.com", "", false},
		{"POST without origin", allowed, http.MethodPost, "", "", false},
		{"POST with valid origin", allowed, http.MethodPost, "http://localhost:5173", "", false},
		{"POST with invalid origin", allowed, http.MethodPost, "http://evil.com", "", true},
		{"DELETE with invalid origin", allowed, http.MethodDelete, "http://evil.com", "", true},
		{"origin from referer", allowed, http.MethodPost, "", "http://localhost:5173/calendar", false},
		{"invalid referer", allowed, http.MethodPatch, "", "http://evil.com/x", true},
		{"check disabled", nil, http.MethodPost, "http://evil.com", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.referer != "" {
				req.Header.Set("Referer", tc.referer)
			}
			w, c := runMiddleware(ValidateOrigin(tc.allowed), req)

			if c.IsAborted() != tc.aborted {
				t.Errorf("aborted = %v, want %v", c.IsAborted(), tc.aborted)
			}
			if tc.aborted && w.Code != http.StatusForbidden {
				t.Errorf("expected status 403, got %d", w.Code)
			}
		})
	}
}

func TestOriginFromReferer(t *testing.T) {
	testCases := []struct {
		referer  string
		expected string
	}{
		{"http://localhost:5173/calendar?month=3", "http://localhost:5173"},
		{"https://hub.example.com", "https://hub.example.com"},
		{"not a url", ""},
		{"", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.referer, func(t *testing.T) {
			if got := originFromReferer(tc.referer); got != tc.expected {
				t.Errorf("originFromReferer(%q) = %q, want %q", tc.referer, got, tc.expected)
			}
		})
	}
}
