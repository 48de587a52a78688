package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// RedisStore handles Redis operations: workspace membership, presence
// snapshots and admin request nonces.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client returns the underlying client for the HTTP rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// membersKey returns the set of users allowed in a workspace.
func membersKey(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:members", workspaceID)
}

// adminsKey returns the set of users holding admin in a workspace.
func adminsKey(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:admins", workspaceID)
}

// presenceKey returns the hash of user -> status for a workspace.
func presenceKey(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:presence", workspaceID)
}

// nonceKey returns the key for nonce tracking.
func nonceKey(signer, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", signer, nonce)
}

// IsMember reports whether userID belongs to workspaceID.
func (s *RedisStore) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return s.client.SIsMember(ctx, membersKey(workspaceID), userID).Result()
}

// IsAdmin reports whether userID holds admin in workspaceID.
func (s *RedisStore) IsAdmin(ctx context.Context, workspaceID, userID string) (bool, error) {
	return s.client.SIsMember(ctx, adminsKey(workspaceID), userID).Result()
}

// AddMember grants membership, optionally with admin.
func (s *RedisStore) AddMember(ctx context.Context, workspaceID, userID string, admin bool) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(workspaceID), userID)
	if admin {
		pipe.SAdd(ctx, adminsKey(workspaceID), userID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveMember revokes membership and admin.
func (s *RedisStore) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, membersKey(workspaceID), userID)
	pipe.SRem(ctx, adminsKey(workspaceID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// SetPresence mirrors a presence status for other processes to read.
func (s *RedisStore) SetPresence(ctx context.Context, workspaceID, userID string, status models.PresenceStatus) error {
	if status == models.StatusOffline {
		return s.client.HDel(ctx, presenceKey(workspaceID), userID).Err()
	}
	return s.client.HSet(ctx, presenceKey(workspaceID), userID, string(status)).Err()
}

// ClaimNonce atomically marks a nonce used and reports whether it was fresh.
func (s *RedisStore) ClaimNonce(ctx context.Context, signer, nonce string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, nonceKey(signer, nonce), "1", ttl).Result()
}
