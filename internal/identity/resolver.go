package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/cache"
	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// DefaultCacheTTL bounds how long a membership answer is reused.
const DefaultCacheTTL = time.Minute

const cacheEntries = 10000

type accessKey struct {
	workspaceID string
	userID      string
}

type access struct {
	allowed bool
	perms   []models.Permission
}

// Resolver builds and verifies WorkspaceContexts.
type Resolver struct {
	provider Provider
	secret   []byte
	cache    *cache.TTL[accessKey, access]
	now      func() time.Time
	logger   zerolog.Logger
}

// NewResolver creates a resolver. secret signs boundary tokens.
func NewResolver(provider Provider, secret []byte, cacheTTL time.Duration, logger zerolog.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Resolver{
		provider: provider,
		secret:   secret,
		cache:    cache.NewTTL[accessKey, access](cacheTTL, cacheEntries),
		now:      time.Now,
		logger:   logger.With().Str("component", "identity").Logger(),
	}
}

// Establish checks that userID may enter workspaceID and returns a context
// carrying its permissions and boundary token.
func (r *Resolver) Establish(ctx context.Context, userID, workspaceID string) (models.WorkspaceContext, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.WorkspaceContext{}, fmt.Errorf("%w: user is required", models.ErrInvalidContext)
	}
	if !models.ValidWorkspaceID(workspaceID) {
		return models.WorkspaceContext{}, fmt.Errorf("%w: invalid workspace %q", models.ErrInvalidContext, workspaceID)
	}

	a, err := r.lookup(ctx, userID, workspaceID)
	if err != nil {
		return models.WorkspaceContext{}, err
	}
	if !a.allowed {
		r.logger.Warn().
			Str("type", "security").
			Str("event", "workspace_access_denied").
			Str("workspace_id", workspaceID).
			Str("user_id", userID).
			Msg("Workspace access denied")
		return models.WorkspaceContext{}, models.ErrAccessDenied
	}

	issued := r.now().UTC()
	return models.WorkspaceContext{
		WorkspaceID:   workspaceID,
		UserID:        userID,
		Permissions:   models.NewPermissionSet(a.perms...),
		BoundaryToken: crypto.BoundaryToken(r.secret, workspaceID, userID, issued),
		IssuedAt:      issued,
	}, nil
}

// Verify reports whether wc was issued by this resolver for its workspace
// and user.
func (r *Resolver) Verify(wc models.WorkspaceContext) error {
	if wc.WorkspaceID == "" || wc.UserID == "" || wc.BoundaryToken == "" {
		return models.ErrInvalidContext
	}
	if !crypto.VerifyBoundaryToken(r.secret, wc.BoundaryToken, wc.WorkspaceID, wc.UserID, wc.IssuedAt) {
		r.logger.Warn().
			Str("type", "security").
			Str("event", "boundary_token_invalid").
			Str("workspace_id", wc.WorkspaceID).
			Str("user_id", wc.UserID).
			Msg("Workspace context failed verification")
		return models.ErrInvalidContext
	}
	return nil
}

// IsMember reports whether userID belongs to workspaceID. Answers share the
// cache used by Establish.
func (r *Resolver) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	a, err := r.lookup(ctx, userID, workspaceID)
	if err != nil {
		return false, err
	}
	return a.allowed, nil
}

// Invalidate drops cached answers for a workspace, or for one user in it
// when userID is set.
func (r *Resolver) Invalidate(workspaceID, userID string) int {
	return r.cache.DeleteFunc(func(k accessKey) bool {
		return k.workspaceID == workspaceID && (userID == "" || k.userID == userID)
	})
}

func (r *Resolver) lookup(ctx context.Context, userID, workspaceID string) (access, error) {
	key := accessKey{workspaceID: workspaceID, userID: userID}
	if a, ok := r.cache.Get(key); ok {
		return a, nil
	}

	allowed, err := r.provider.ValidateWorkspaceAccess(ctx, userID, workspaceID)
	if err != nil {
		r.logger.Error().Err(err).Str("workspace_id", workspaceID).Msg("Identity provider failed")
		return access{}, fmt.Errorf("identity provider: %w", err)
	}
	a := access{allowed: allowed}
	if allowed {
		a.perms = models.DefaultPermissions
		if pp, ok := r.provider.(PermissionProvider); ok {
			perms, err := pp.Permissions(ctx, userID, workspaceID)
			if err != nil {
				return access{}, fmt.Errorf("identity provider: %w", err)
			}
			a.perms = perms
		}
	}
	r.cache.Set(key, a)
	return a, nil
}
