package instance

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tispace-dev/tispace/internal/audit"
	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/httpserver"
	"github.com/tispace-dev/tispace/internal/store"
)

// Handler provides the HTTP handlers for instance lifecycle endpoints.
type Handler struct {
	service *Service
	audit   *audit.Writer
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(service *Service, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{service: service, audit: auditWriter, logger: logger}
}

// Routes mounts the instance lifecycle routes onto r. Callers are expected
// to have already applied auth.Middleware upstream.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Patch("/{name}", h.handleUpdate)
	r.Delete("/{name}", h.handleDelete)
	r.Post("/{name}/start", h.handleStart)
	r.Post("/{name}/stop", h.handleStop)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	if owner == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	instances := h.service.List(owner)
	resp := ListResponse{Instances: make([]Response, 0, len(instances))}
	for _, inst := range instances {
		resp.Instances = append(resp.Instances, ToResponse(inst))
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	if owner == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	inst, err := h.service.Create(owner, req)
	if err != nil {
		h.respondServiceErr(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"image": inst.Image, "runtime": string(inst.Runtime)})
		h.audit.LogFromRequest(r, owner, "create", "instance", inst.Name, detail)
	}

	httpserver.Respond(w, http.StatusCreated, ToResponse(inst))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	if owner == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	name := chi.URLParam(r, "name")

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	inst, err := h.service.Update(owner, name, req)
	if err != nil {
		h.respondServiceErr(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]int{"cpu": inst.CPU, "memory_gib": inst.MemoryGiB})
		h.audit.LogFromRequest(r, owner, "update", "instance", name, detail)
	}

	httpserver.Respond(w, http.StatusOK, ToResponse(inst))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r)
	if owner == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	name := chi.URLParam(r, "name")

	if err := h.service.Delete(owner, name); err != nil {
		h.respondServiceErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, owner, "delete", "instance", name, nil)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, "start", h.service.Start)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, "stop", h.service.Stop)
}

func (h *Handler) doTransition(w http.ResponseWriter, r *http.Request, action string, fn func(owner, name string) (store.Instance, error)) {
	owner := ownerFromContext(r)
	if owner == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	name := chi.URLParam(r, "name")

	if _, err := fn(owner, name); err != nil {
		h.respondServiceErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, owner, action, "instance", name, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondServiceErr maps a Service error to the HTTP status spec.md's §6
// table assigns it.
func (h *Handler) respondServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicate):
		httpserver.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrQuotaExceeded):
		httpserver.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotStopped):
		httpserver.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotRunning):
		httpserver.RespondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("instance service error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "unexpected error")
	}
}

func ownerFromContext(r *http.Request) string {
	id := auth.FromContext(r.Context())
	if id == nil {
		return ""
	}
	return id.Owner
}
