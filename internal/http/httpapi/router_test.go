package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/auth"
	"server/internal/http/handlers"
	"server/internal/infra"
)

func testHandler(t *testing.T) (http.Handler, *auth.JWT) {
	t.Helper()
	jwt := auth.NewJWT("router-test-secret")
	cfg := &infra.Config{RateLimitPerMin: 0}
	app := &handlers.App{Logger: zerolog.New(io.Discard)}
	return NewRouter(app, jwt, cfg, zerolog.New(io.Discard)), jwt
}

func TestHealthzIsPublic(t *testing.T) {
	h, _ := testHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDocsArePublic(t *testing.T) {
	h, _ := testHandler(t)
	for _, path := range []string{"/v1/openapi.json", "/v1/docs"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestJobRoutesRequireAuth(t *testing.T) {
	h, _ := testHandler(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/video-jobs"},
		{http.MethodGet, "/v1/video-jobs/abc"},
		{http.MethodPost, "/v1/video-jobs/abc/cancel"},
		{http.MethodDelete, "/v1/video-jobs/abc"},
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestBearerTokenPassesAuth(t *testing.T) {
	h, jwt := testHandler(t)
	token, err := jwt.Sign("user-1", auth.RoleUser)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// The job store is not wired in this test, so anything past the auth
	// middleware is good enough; a 401 means the token was rejected.
	req := httptest.NewRequest(http.MethodGet, "/v1/video-jobs/abc/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	func() {
		defer func() { _ = recover() }()
		h.ServeHTTP(rec, req)
	}()

	if rec.Code == http.StatusUnauthorized {
		t.Fatal("valid bearer token was rejected")
	}
}
