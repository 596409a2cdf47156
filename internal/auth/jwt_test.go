package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJWTSignVerifyRoundTrip(t *testing.T) {
	svc := NewJWT("test-secret")

	token, err := svc.Sign("user-123", RoleAdmin)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-123" {
		t.Fatalf("UserID = %q, want user-123", id.UserID)
	}
	if !id.IsAdmin() {
		t.Fatal("expected admin identity")
	}
}

func TestJWTVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewJWT("secret-a").Sign("user-123", RoleUser)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewJWT("secret-b").Verify(token); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestRequireAuth(t *testing.T) {
	svc := NewJWT("test-secret")
	var seen Identity
	handler := RequireAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/video-jobs", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	token, err := svc.Sign("user-9", RoleUser)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	req = httptest.NewRequest("GET", "/v1/video-jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if seen.UserID != "user-9" || seen.Role != RoleUser {
		t.Fatalf("unexpected identity %+v", seen)
	}
}
