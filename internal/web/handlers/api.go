package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/entitylink/internal/store"
)

// Lookup is the read side of the store.
type Lookup interface {
	GetEntity(ctx context.Context, abn int64) (*store.EntityDetail, error)
	GetDomain(ctx context.Context, domain string) (*store.DomainDetail, error)
	Stats(ctx context.Context) (store.Stats, error)
	Ping(ctx context.Context) error
}

// APIHandler serves entity, domain and statistics lookups.
type APIHandler struct {
	Store  Lookup
	Logger *zap.Logger
}

// GetEntity returns an entity with its trading names and domains.
func (h *APIHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	abn, err := strconv.ParseInt(mux.Vars(r)["abn"], 10, 64)
	if err != nil || abn <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid ABN")
		return
	}

	entity, err := h.Store.GetEntity(r.Context(), abn)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Entity not found")
		return
	}
	if err != nil {
		h.Logger.Error("Failed to get entity", zap.Int64("abn", abn), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

// GetDomain returns a domain with its owner, metadata and social links.
func (h *APIHandler) GetDomain(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSuffix(strings.ToLower(mux.Vars(r)["domain"]), ".")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "Invalid domain")
		return
	}

	d, err := h.Store.GetDomain(r.Context(), domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Domain not found")
		return
	}
	if err != nil {
		h.Logger.Error("Failed to get domain", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// GetStats returns row counts per table.
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.Logger.Error("Failed to get stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health reports whether the store is reachable.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.Logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
