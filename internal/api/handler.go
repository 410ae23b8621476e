// Package api exposes the memory store's caller contract over HTTP:
// store, query_relevant, query_recent, upsert_user_profile,
// upsert_project_memory, delete — plus health, diagnostics, and the
// context-injection hook.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/engram/internal/compress"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/provenance"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    *memory.Store
	injector *memory.Injector
	comp     *compress.Compressor // nil disables the manual trigger
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(store *memory.Store, injector *memory.Injector, comp *compress.Compressor, logger *zap.Logger) *Handler {
	return &Handler{store: store, injector: injector, comp: comp, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/diagnostics", h.diagnostics)

		r.Post("/memories", h.storeMemory)
		r.Get("/memories/relevant", h.queryRelevant)
		r.Get("/memories/recent", h.queryRecent)
		r.Delete("/memories/{id}", h.deleteMemory)

		r.Get("/profile", h.getProfile)
		r.Put("/profile", h.upsertProfile)
		r.Get("/projects", h.listProjects)
		r.Get("/projects/{name}", h.getProject)
		r.Put("/projects/{name}", h.upsertProject)

		r.Get("/context", h.composeContext)
		r.Post("/replies", h.captureReply)
		r.Post("/compress", h.runCompression)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Diagnostics(r.Context()))
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var draft memory.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	item, err := h.store.Store(r.Context(), draft)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) queryRelevant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := intParam(r, "limit", 10)
	bias := floatParam(r, "recency_bias", 0.3)

	items, err := h.store.QueryRelevant(r.Context(), q, limit, bias)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) queryRecent(w http.ResponseWriter, r *http.Request) {
	hours := floatParam(r, "hours", 24)
	limit := intParam(r, "limit", 20)
	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	items, err := h.store.QueryRecent(r.Context(), hours, tags, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.store.UserProfile(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "no user profile yet")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) upsertProfile(w http.ResponseWriter, r *http.Request) {
	var update memory.UserProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	profile, err := h.store.UpsertUserProfile(r.Context(), update)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ProjectMemories(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	project, err := h.store.ProjectMemory(r.Context(), name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "unknown project "+name)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) upsertProject(w http.ResponseWriter, r *http.Request) {
	var update memory.ProjectMemoryUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	update.ProjectName = chi.URLParam(r, "name")
	project, err := h.store.UpsertProjectMemory(r.Context(), update)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) composeContext(w http.ResponseWriter, r *http.Request) {
	block, err := h.injector.Compose(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": block})
}

func (h *Handler) captureReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
		Query string `json:"query"`
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	item, err := h.injector.CaptureReply(r.Context(), req.Agent, req.Query, req.Reply)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if item == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "reply persistence disabled"})
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) runCompression(w http.ResponseWriter, r *http.Request) {
	if h.comp == nil {
		writeError(w, http.StatusNotFound, "compression not configured")
		return
	}
	report, err := h.comp.Run(r.Context())
	if err != nil {
		h.logger.Error("manual compression failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeStoreError maps the store's error taxonomy onto HTTP statuses:
// caller errors are 4xx, exhausted persistence is 503.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	var pe *memory.PersistenceError
	switch {
	case errors.Is(err, memory.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provenance.ErrRejectedNoEvidence):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &pe):
		h.logger.Error("persistence exhausted", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "persistence unavailable")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func floatParam(r *http.Request, name string, fallback float64) float64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return fallback
}
