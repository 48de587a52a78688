package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/eldtechnologies/switchboard/internal/security"
)

// Encryption methods supported by the encryption service.
const (
	MethodChaCha20  = "chacha20-poly1305"
	MethodXChaCha20 = "xchacha20-poly1305"
	MethodAESGCM    = "aes-256-gcm"
)

// ValidMethod reports whether m names a supported AEAD.
func ValidMethod(m string) bool {
	switch m {
	case MethodChaCha20, MethodXChaCha20, MethodAESGCM:
		return true
	}
	return false
}

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidWorkspaceID reports whether id is usable as a workspace identifier.
// IDs never contain ':' since key IDs embed them.
func ValidWorkspaceID(id string) bool { return workspaceIDPattern.MatchString(id) }

// Tenant defaults.
const (
	DefaultMaxQueueSize       = 1000
	DefaultMaxConnections     = 500
	DefaultRateLimitPerMinute = 120
	DefaultKeyRetention       = 24 * time.Hour
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultMessageTTL         = 24 * time.Hour
)

// TenantConfiguration holds per-workspace limits and policy.
type TenantConfiguration struct {
	WorkspaceID                string             `json:"workspace_id" yaml:"workspace_id"`
	MaxQueueSize               int                `json:"max_queue_size" yaml:"max_queue_size"`
	MaxConnectionsPerWorkspace int                `json:"max_connections" yaml:"max_connections"`
	RateLimitPerMinute         int                `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EncryptionMethod           string             `json:"encryption_method" yaml:"encryption_method"`
	KeyRetention               time.Duration      `json:"key_retention" yaml:"key_retention"`
	IdleTimeout                time.Duration      `json:"idle_timeout" yaml:"idle_timeout"`
	MessageTTL                 time.Duration      `json:"message_ttl" yaml:"message_ttl"`
	Policies                   security.PolicySet `json:"policies" yaml:"policies"`
}

// DefaultTenantConfiguration returns the configuration used when a
// workspace is activated implicitly.
func DefaultTenantConfiguration(workspaceID string) TenantConfiguration {
	return TenantConfiguration{
		WorkspaceID:                workspaceID,
		MaxQueueSize:               DefaultMaxQueueSize,
		MaxConnectionsPerWorkspace: DefaultMaxConnections,
		RateLimitPerMinute:         DefaultRateLimitPerMinute,
		EncryptionMethod:           MethodChaCha20,
		KeyRetention:               DefaultKeyRetention,
		IdleTimeout:                DefaultIdleTimeout,
		MessageTTL:                 DefaultMessageTTL,
		Policies:                   security.DefaultPolicySet(),
	}
}

// WithDefaults fills zero-valued fields from DefaultTenantConfiguration.
func (c TenantConfiguration) WithDefaults() TenantConfiguration {
	d := DefaultTenantConfiguration(c.WorkspaceID)
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxConnectionsPerWorkspace == 0 {
		c.MaxConnectionsPerWorkspace = d.MaxConnectionsPerWorkspace
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = d.RateLimitPerMinute
	}
	if c.EncryptionMethod == "" {
		c.EncryptionMethod = d.EncryptionMethod
	}
	if c.KeyRetention == 0 {
		c.KeyRetention = d.KeyRetention
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = d.MessageTTL
	}
	if c.Policies.Default.Name == "" && !c.Policies.Default.BlockPII && len(c.Policies.Default.CustomRules) == 0 {
		c.Policies.Default = d.Policies.Default
	}
	return c
}

// Validate checks limits and the encryption method. Policy rules are
// compiled separately against the router's scanner.
func (c TenantConfiguration) Validate() error {
	switch {
	case !ValidWorkspaceID(c.WorkspaceID):
		return fmt.Errorf("%w: invalid workspace_id %q", ErrInvalidConfig, c.WorkspaceID)
	case c.MaxQueueSize < 1:
		return fmt.Errorf("%w: max_queue_size must be positive", ErrInvalidConfig)
	case c.MaxConnectionsPerWorkspace < 1:
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalidConfig)
	case c.RateLimitPerMinute < 0:
		return fmt.Errorf("%w: rate_limit_per_minute must not be negative", ErrInvalidConfig)
	case !ValidMethod(c.EncryptionMethod):
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownMethod, c.EncryptionMethod)
	case c.KeyRetention < 0, c.IdleTimeout < 0, c.MessageTTL < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}
