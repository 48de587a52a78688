package models

import (
	"sort"
	"time"
)

// Permission is a capability granted within one workspace.
type Permission string

const (
	PermSend  Permission = "send"
	PermRead  Permission = "read"
	PermJoin  Permission = "join"
	PermAdmin Permission = "admin"
)

// DefaultPermissions are granted to any validated workspace member.
var DefaultPermissions = []Permission{PermSend, PermRead, PermJoin}

// PermissionSet is an immutable set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set. Admin implies every permission.
func (s PermissionSet) Has(p Permission) bool {
	if _, ok := s[PermAdmin]; ok {
		return true
	}
	_, ok := s[p]
	return ok
}

// List returns the permissions in sorted order.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WorkspaceContext identifies the tenant boundary for one session.
// It is created by the identity resolver and never persisted.
type WorkspaceContext struct {
	WorkspaceID   string
	UserID        string
	Permissions   PermissionSet
	BoundaryToken string
	IssuedAt      time.Time
}

// Can reports whether the context holds p.
func (c WorkspaceContext) Can(p Permission) bool { return c.Permissions.Has(p) }
