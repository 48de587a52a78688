package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// decodeTenant reads a TenantConfiguration body for the workspace in the
// URL. An empty body means defaults; a body naming another workspace is
// refused.
func decodeTenant(r *http.Request) (models.TenantConfiguration, error) {
	id := chi.URLParam(r, "id")
	cfg := models.TenantConfiguration{}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return cfg, fmt.Errorf("%w: failed to read request body", models.ErrInvalidConfig)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: invalid JSON", models.ErrInvalidConfig)
		}
	}
	if cfg.WorkspaceID != "" && cfg.WorkspaceID != id {
		return cfg, fmt.Errorf("%w: body names workspace %q", models.ErrWorkspaceMismatch, cfg.WorkspaceID)
	}
	cfg.WorkspaceID = id
	return cfg, nil
}

// ListWorkspaces handles GET /admin/workspaces.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{"workspaces": h.core.Workspaces()})
}

// CreateWorkspace handles POST /admin/workspaces/{id}.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeTenant(r)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if err := h.core.CreateWorkspaceQueue(r.Context(), cfg); err != nil {
		h.Fail(w, err)
		return
	}
	active, _ := h.core.TenantConfiguration(cfg.WorkspaceID)

	h.logger.Info().
		Str("workspace_id", cfg.WorkspaceID).
		Str("signer", middleware.GetSignerFromContext(r.Context())).
		Msg("workspace created")
	h.JSON(w, http.StatusCreated, active)
}

// UpdateWorkspace handles PUT /admin/workspaces/{id}.
func (h *Handler) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeTenant(r)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if err := h.core.UpdateTenantConfiguration(r.Context(), cfg); err != nil {
		h.Fail(w, err)
		return
	}
	active, _ := h.core.TenantConfiguration(cfg.WorkspaceID)
	h.JSON(w, http.StatusOK, active)
}

// DestroyWorkspace handles DELETE /admin/workspaces/{id}. Remaining
// messages are flushed to the durable store first.
func (h *Handler) DestroyWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flushed, err := h.core.DestroyWorkspaceQueue(r.Context(), id)
	if err != nil {
		h.Fail(w, err)
		return
	}

	h.logger.Info().
		Str("workspace_id", id).
		Int("flushed", flushed).
		Str("signer", middleware.GetSignerFromContext(r.Context())).
		Msg("workspace destroyed")
	h.JSON(w, http.StatusOK, map[string]any{"workspace_id": id, "flushed": flushed})
}

// WorkspaceStats handles GET /admin/workspaces/{id}.
func (h *Handler) WorkspaceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.WorkspaceStats(chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, stats)
}

// GetPresence handles GET /admin/workspaces/{id}/presence/{userID}.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !models.ValidWorkspaceID(id) {
		h.Fail(w, fmt.Errorf("%w: %q", models.ErrUnknownWorkspace, id))
		return
	}
	rec, _ := h.presence.Record(id, chi.URLParam(r, "userID"))
	h.JSON(w, http.StatusOK, rec)
}

// ListAudit handles GET /admin/workspaces/{id}/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50, 500)
	entries, err := h.data.ListAuditEntries(r.Context(), id, limit)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspace_id": id, "entries": entries})
}

type memberRequest struct {
	Admin bool `json:"admin"`
}

// AddMember handles PUT /admin/workspaces/{id}/members/{userID}.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	if h.members == nil {
		h.Error(w, http.StatusNotImplemented, "membership is managed externally")
		return
	}
	id := chi.URLParam(r, "id")
	user := chi.URLParam(r, "userID")
	if !models.ValidWorkspaceID(id) || user == "" {
		h.Fail(w, models.ErrInvalidContext)
		return
	}

	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.members.AddMember(r.Context(), id, user, req.Admin); err != nil {
		h.Fail(w, err)
		return
	}
	if h.identity != nil {
		h.identity.Invalidate(id, user)
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspace_id": id, "user_id": user, "admin": req.Admin})
}

// RemoveMember handles DELETE /admin/workspaces/{id}/members/{userID}.
// Live connections keep running until they disconnect.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if h.members == nil {
		h.Error(w, http.StatusNotImplemented, "membership is managed externally")
		return
	}
	id := chi.URLParam(r, "id")
	user := chi.URLParam(r, "userID")
	if err := h.members.RemoveMember(r.Context(), id, user); err != nil {
		h.Fail(w, err)
		return
	}
	if h.identity != nil {
		h.identity.Invalidate(id, user)
	}
	w.WriteHeader(http.StatusNoContent)
}
