// Package identity turns an authenticated user into a WorkspaceContext after
// checking workspace membership with an external provider.
package identity

import (
	"context"
	"sync"

	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/store"
)

// Provider answers whether a user may enter a workspace.
type Provider interface {
	ValidateWorkspaceAccess(ctx context.Context, userID, workspaceID string) (bool, error)
}

// PermissionProvider is implemented by providers that grant more than the
// default member permissions.
type PermissionProvider interface {
	Permissions(ctx context.Context, userID, workspaceID string) ([]models.Permission, error)
}

// RedisProvider reads membership from the workspace:{id}:members and
// workspace:{id}:admins sets.
type RedisProvider struct {
	redis *store.RedisStore
}

// NewRedisProvider creates a provider backed by Redis sets.
func NewRedisProvider(redis *store.RedisStore) *RedisProvider {
	return &RedisProvider{redis: redis}
}

func (p *RedisProvider) ValidateWorkspaceAccess(ctx context.Context, userID, workspaceID string) (bool, error) {
	return p.redis.IsMember(ctx, workspaceID, userID)
}

func (p *RedisProvider) Permissions(ctx context.Context, userID, workspaceID string) ([]models.Permission, error) {
	perms := append([]models.Permission(nil), models.DefaultPermissions...)
	admin, err := p.redis.IsAdmin(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	if admin {
		perms = append(perms, models.PermAdmin)
	}
	return perms, nil
}

// StaticProvider holds membership in memory. With open set, every user is
// a member of every workspace; it is meant for development.
type StaticProvider struct {
	mu      sync.RWMutex
	open    bool
	members map[string]map[string][]models.Permission // workspace -> user -> extra perms
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{members: make(map[string]map[string][]models.Permission)}
}

// OpenProvider admits everyone with the default permissions.
func OpenProvider() *StaticProvider {
	p := NewStaticProvider()
	p.open = true
	return p
}

// Add grants userID membership of workspaceID with optional extra permissions.
func (p *StaticProvider) Add(workspaceID, userID string, extra ...models.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.members[workspaceID]
	if !ok {
		users = make(map[string][]models.Permission)
		p.members[workspaceID] = users
	}
	users[userID] = extra
}

// Remove revokes membership.
func (p *StaticProvider) Remove(workspaceID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[workspaceID], userID)
}

func (p *StaticProvider) ValidateWorkspaceAccess(ctx context.Context, userID, workspaceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.open {
		return true, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[workspaceID][userID]
	return ok, nil
}

func (p *StaticProvider) Permissions(ctx context.Context, userID, workspaceID string) ([]models.Permission, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	perms := append([]models.Permission(nil), models.DefaultPermissions...)
	return append(perms, p.members[workspaceID][userID]...), nil
}

// AddMember is Add with the RedisStore signature, so either can back the
// admin membership endpoints.
func (p *StaticProvider) AddMember(ctx context.Context, workspaceID, userID string, admin bool) error {
	if admin {
		p.Add(workspaceID, userID, models.PermAdmin)
		return nil
	}
	p.Add(workspaceID, userID)
	return nil
}

// RemoveMember is Remove with the RedisStore signature.
func (p *StaticProvider) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	p.Remove(workspaceID, userID)
	return nil
}
