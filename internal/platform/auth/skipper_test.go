package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func skipperFor(path string) bool {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return AuthSkipper(c)
}

func TestAuthSkipper_PublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/health/db", "/metrics", "/ws", "/api/v1/exchanges"} {
		t.Run(path, func(t *testing.T) {
			if !skipperFor(path) {
				t.Errorf("expected AuthSkipper to return true for %s", path)
			}
		})
	}
}

func TestAuthSkipper_ProtocolPaths(t *testing.T) {
	for _, path := range []string{"/claim/submit", "/claim/on_submit", "/coverageeligibility/check", "/communication/on_request"} {
		t.Run(path, func(t *testing.T) {
			if skipperFor(path) {
				t.Errorf("expected AuthSkipper to return false for %s", path)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/metrics") || IsPublicPath("/preauth/submit") {
		t.Fatal("IsPublicPath mismatch")
	}
}
