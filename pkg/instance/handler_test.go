package instance

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := store.Open(path, nil)
	require.NoError(t, err)

	svc := NewService(st, Quota{CPU: 32, MemoryGiB: 128, DiskGiB: 1000})
	return NewHandler(svc, nil, discardLogger()), svc
}

func withIdentity(r *http.Request, owner string) *http.Request {
	id := &auth.Identity{Subject: owner, Email: owner + "@example.com", Owner: owner}
	return r.WithContext(auth.NewContext(r.Context(), id))
}

func router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/instances", h.Routes)
	return r
}

func TestHandlerCreateAndList(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := withIdentity(httptest.NewRequest(http.MethodGet, "/instances/", nil), "alice")
	listRec := httptest.NewRecorder()
	rt.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &resp))
	require.Len(t, resp.Instances, 1)
	require.Equal(t, "dev1", resp.Instances[0].Name)
}

func TestHandlerCreateWithoutIdentityRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	req := httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCreateDuplicateConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})

	first := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rt.ServeHTTP(httptest.NewRecorder(), first)

	second := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, second)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCreateInvalidBodyUnprocessable(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "", CPU: 2, Memory: 4, DiskSize: 20})
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerStartRequiresStopped(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	createReq := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rt.ServeHTTP(httptest.NewRecorder(), createReq)

	startReq := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/dev1/start", nil), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, startReq)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerDeleteNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/instances/ghost", nil), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerDeleteSucceeds(t *testing.T) {
	h, _ := newTestHandler(t)
	rt := router(h)

	body, _ := json.Marshal(CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	createReq := withIdentity(httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(body)), "alice")
	rt.ServeHTTP(httptest.NewRecorder(), createReq)

	delReq := withIdentity(httptest.NewRequest(http.MethodDelete, "/instances/dev1", nil), "alice")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, delReq)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
