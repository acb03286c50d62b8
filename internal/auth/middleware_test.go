package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMiddleware_MissingAuthHeader(t *testing.T) {
	mw := Middleware(&OIDCAuthenticator{}, discardLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not be called without a bearer token")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAllowList_EmptyAllowsAll(t *testing.T) {
	allow := NewAllowList(nil)
	if !allow.Allows("anyone@example.com") {
		t.Error("empty allow list should allow all emails")
	}
}

func TestAllowList_RestrictsToListedEmails(t *testing.T) {
	allow := NewAllowList([]string{"alice@example.com", "bob@example.com"})

	if !allow.Allows("alice@example.com") {
		t.Error("alice should be allowed")
	}
	if allow.Allows("eve@example.com") {
		t.Error("eve should not be allowed")
	}
}

func TestAuthorizedHandler_NoIdentity(t *testing.T) {
	h := AuthorizedHandler(NewAllowList(nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/authorized", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthorizedHandler_AllowedAndDenied(t *testing.T) {
	allow := NewAllowList([]string{"alice@example.com"})
	h := AuthorizedHandler(allow)

	okReq := httptest.NewRequest(http.MethodGet, "/authorized", nil)
	okReq = okReq.WithContext(NewContext(okReq.Context(), &Identity{Email: "alice@example.com"}))
	okRec := httptest.NewRecorder()
	h.ServeHTTP(okRec, okReq)
	if okRec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", okRec.Code, http.StatusOK)
	}

	deniedReq := httptest.NewRequest(http.MethodGet, "/authorized", nil)
	deniedReq = deniedReq.WithContext(NewContext(deniedReq.Context(), &Identity{Email: "eve@example.com"}))
	deniedRec := httptest.NewRecorder()
	h.ServeHTTP(deniedRec, deniedReq)
	if deniedRec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", deniedRec.Code, http.StatusForbidden)
	}
}
