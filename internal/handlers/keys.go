package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/models"
)

type rotateRequest struct {
	Method string `json:"method"`
}

// RotateKey handles POST /admin/workspaces/{id}/keys/rotate. An empty
// method rotates the workspace's configured method.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Method != "" && !models.ValidMethod(req.Method) {
		h.Fail(w, models.ErrUnknownMethod)
		return
	}

	key, err := h.core.RotateEncryptionKey(r.Context(), id, req.Method)
	if err != nil {
		h.Fail(w, err)
		return
	}

	h.logger.Info().
		Str("type", "security").
		Str("event", "key_rotated").
		Str("workspace_id", id).
		Str("key_id", key.KeyID).
		Str("signer", middleware.GetSignerFromContext(r.Context())).
		Msg("encryption key rotated")
	h.JSON(w, http.StatusOK, key)
}

// ListKeys handles GET /admin/workspaces/{id}/keys. Key material is never
// returned.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := h.encryption.Keys(r.Context(), id)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if keys == nil {
		keys = []models.EncryptionKey{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspace_id": id, "keys": keys})
}
