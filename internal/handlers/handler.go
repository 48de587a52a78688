package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/encryption"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/outbox"
	"github.com/eldtechnologies/switchboard/internal/presence"
	"github.com/eldtechnologies/switchboard/internal/router"
	"github.com/eldtechnologies/switchboard/internal/store"
)

// Members edits workspace membership. RedisStore and
// identity.StaticProvider implement it.
type Members interface {
	AddMember(ctx context.Context, workspaceID, userID string, admin bool) error
	RemoveMember(ctx context.Context, workspaceID, userID string) error
}

// Invalidator drops cached membership answers.
type Invalidator interface {
	Invalidate(workspaceID, userID string) int
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	core       *router.Router
	encryption *encryption.Service
	presence   *presence.Tracker
	data       store.DataStore
	redis      *store.RedisStore
	outbox     *outbox.Outbox
	members    Members
	identity   Invalidator
	logger     zerolog.Logger
}

// Deps lists what the handlers serve. Redis, Outbox, Members and Identity
// are optional.
type Deps struct {
	Core       *router.Router
	Encryption *encryption.Service
	Presence   *presence.Tracker
	Data       store.DataStore
	Redis      *store.RedisStore
	Outbox     *outbox.Outbox
	Members    Members
	Identity   Invalidator
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		core:       deps.Core,
		encryption: deps.Encryption,
		presence:   deps.Presence,
		data:       deps.Data,
		redis:      deps.Redis,
		outbox:     deps.Outbox,
		members:    deps.Members,
		identity:   deps.Identity,
		logger:     logger.With().Str("component", "admin").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a core error to its status and wire code.
func (h *Handler) Fail(w http.ResponseWriter, err error) {
	status := models.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("admin request failed")
	}
	h.JSON(w, status, map[string]string{
		"error": models.PublicMessage(err),
		"code":  models.Code(err),
	})
}

// queryInt parses a positive integer query parameter, falling back to def
// and capping at max.
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
