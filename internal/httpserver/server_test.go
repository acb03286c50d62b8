package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer(&config.Config{}, testLogger(), prometheus.NewRegistry(), &auth.OIDCAuthenticator{}, auth.NewAllowList(nil), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestServer_ReadyzNilCheckIsReady(t *testing.T) {
	s := NewServer(&config.Config{}, testLogger(), prometheus.NewRegistry(), &auth.OIDCAuthenticator{}, auth.NewAllowList(nil), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestServer_ReadyzFailingCheck(t *testing.T) {
	s := NewServer(&config.Config{}, testLogger(), prometheus.NewRegistry(), &auth.OIDCAuthenticator{}, auth.NewAllowList(nil), func(ctx context.Context) error {
		return errors.New("store unreadable")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestServer_AuthorizedWithoutTokenRejected(t *testing.T) {
	s := NewServer(&config.Config{}, testLogger(), prometheus.NewRegistry(), &auth.OIDCAuthenticator{}, auth.NewAllowList(nil), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/authorized", nil)
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
