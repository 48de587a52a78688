// Package encryption manages per-workspace symmetric keys and encrypts
// message content with them.
package encryption

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/cache"
	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/store"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultCacheEntries = 4096
)

// KeyID formats the identifier of a key version.
func KeyID(workspaceID, method string, version int) string {
	return fmt.Sprintf("%s:%s:v%d", workspaceID, method, version)
}

// ParseKeyID splits a key ID into its workspace, method and version.
func ParseKeyID(keyID string) (workspaceID, method string, version int, err error) {
	parts := strings.Split(keyID, ":")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "v") {
		return "", "", 0, fmt.Errorf("%w: malformed key id %q", models.ErrKeyNotFound, keyID)
	}
	version, err = strconv.Atoi(parts[2][1:])
	if err != nil || version < 1 {
		return "", "", 0, fmt.Errorf("%w: malformed key id %q", models.ErrKeyNotFound, keyID)
	}
	return parts[0], parts[1], version, nil
}

// additionalData binds a ciphertext to its workspace and key version.
func additionalData(workspaceID, keyID string) []byte {
	return []byte(workspaceID + "|" + keyID)
}

type liveKey struct {
	key  models.EncryptionKey // Material is cleared
	aead cipher.AEAD
}

// Service encrypts and decrypts content with workspace-scoped keys.
type Service struct {
	keys    store.KeyStore
	wrapper *crypto.KeyWrapper
	events  events.Publisher
	logger  zerolog.Logger
	now     func() time.Time

	// mu serializes key creation and rotation so two callers never mint
	// the same version.
	mu     sync.Mutex
	byID   *cache.TTL[string, *liveKey]
	active *cache.TTL[string, string] // "<workspace>/<method>" -> key ID
}

// NewService creates a service backed by keys. Material is wrapped with
// wrapper before it reaches the key store.
func NewService(keys store.KeyStore, wrapper *crypto.KeyWrapper, pub events.Publisher, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		keys:    keys,
		wrapper: wrapper,
		events:  pub,
		logger:  logger.With().Str("component", "encryption").Logger(),
		now:     time.Now,
		byID:    cache.NewTTL[string, *liveKey](defaultCacheTTL, defaultCacheEntries),
		active:  cache.NewTTL[string, string](defaultCacheTTL, defaultCacheEntries),
	}
}

func activeSlot(workspaceID, method string) string { return workspaceID + "/" + method }

// Encrypt seals plaintext with the active key for (workspaceID, method),
// creating the first key version when the workspace has none.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, workspaceID, method string) (models.EncryptedPayload, error) {
	if !models.ValidMethod(method) {
		return models.EncryptedPayload{}, fmt.Errorf("%w: %q", models.ErrUnknownMethod, method)
	}
	if !models.ValidWorkspaceID(workspaceID) {
		return models.EncryptedPayload{}, fmt.Errorf("%w: %q", models.ErrUnknownWorkspace, workspaceID)
	}

	lk, err := s.activeKey(ctx, workspaceID, method)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return models.EncryptedPayload{}, err
	}
	ct, err := crypto.Seal(lk.aead, plaintext, additionalData(workspaceID, lk.key.KeyID))
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return models.EncryptedPayload{}, err
	}
	return models.EncryptedPayload{Ciphertext: ct, KeyID: lk.key.KeyID, Method: method}, nil
}

// Decrypt opens payload for the workspace named by wc. Keys belonging to any
// other workspace are refused before material is touched.
func (s *Service) Decrypt(ctx context.Context, wc models.WorkspaceContext, payload models.EncryptedPayload) ([]byte, error) {
	ws, method, _, err := ParseKeyID(payload.KeyID)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, err
	}
	if ws != wc.WorkspaceID {
		s.denied(wc, payload.KeyID)
		return nil, models.ErrCrossWorkspaceKeyDenied
	}
	if payload.Method != method {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, fmt.Errorf("%w: method does not match key", models.ErrDecrypt)
	}

	lk, err := s.loadKey(ctx, payload.KeyID, wc.WorkspaceID)
	if errors.Is(err, models.ErrCrossWorkspaceKeyDenied) {
		s.denied(wc, payload.KeyID)
		return nil, err
	}
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, err
	}

	pt, err := crypto.Open(lk.aead, payload.Ciphertext, additionalData(wc.WorkspaceID, payload.KeyID))
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, models.ErrDecrypt
	}
	return pt, nil
}

func (s *Service) denied(wc models.WorkspaceContext, keyID string) {
	metrics.CryptoErrors.WithLabelValues("cross_workspace").Inc()
	s.logger.Warn().
		Str("type", "security").
		Str("event", "cross_workspace_key_denied").
		Str("workspace_id", wc.WorkspaceID).
		Str("user_id", wc.UserID).
		Str("key_id", keyID).
		Msg("Key from another workspace refused")
}

// Rotate creates the next key version for (workspaceID, method) and marks
// the previous one rotated. Rotated keys remain usable for decryption until
// pruned.
func (s *Service) Rotate(ctx context.Context, workspaceID, method string) (models.EncryptionKey, error) {
	if !models.ValidMethod(method) {
		return models.EncryptionKey{}, fmt.Errorf("%w: %q", models.ErrUnknownMethod, method)
	}
	if !models.ValidWorkspaceID(workspaceID) {
		return models.EncryptionKey{}, fmt.Errorf("%w: %q", models.ErrUnknownWorkspace, workspaceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.keys.ActiveKey(ctx, workspaceID, method)
	if err != nil {
		return models.EncryptionKey{}, err
	}
	next, err := s.nextVersion(ctx, workspaceID, method)
	if err != nil {
		return models.EncryptionKey{}, err
	}
	lk, err := s.createKey(ctx, workspaceID, method, next)
	if err != nil {
		return models.EncryptionKey{}, err
	}
	if prev != nil {
		at := s.now().UTC()
		if err := s.keys.MarkRotated(ctx, prev.KeyID, at); err != nil {
			return models.EncryptionKey{}, err
		}
		s.byID.Delete(prev.KeyID)
	}

	metrics.KeyRotations.Inc()
	s.events.Publish(events.Event{
		Kind:        events.KeyRotated,
		WorkspaceID: workspaceID,
		Payload:     events.KeyPayload{KeyID: lk.key.KeyID, Method: method, Version: lk.key.Version},
	})
	s.logger.Info().
		Str("workspace_id", workspaceID).
		Str("key_id", lk.key.KeyID).
		Msg("Encryption key rotated")
	return lk.key, nil
}

// Prune deletes rotated keys whose retention has elapsed and returns how
// many were removed.
func (s *Service) Prune(ctx context.Context, workspaceID string, retention time.Duration) (int, error) {
	keys, err := s.keys.ListKeys(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, k := range keys {
		if k.Active() || now.Before(k.RotatedAt.Add(retention)) {
			continue
		}
		if err := s.keys.DeleteKey(ctx, k.KeyID); err != nil {
			return removed, err
		}
		s.byID.Delete(k.KeyID)
		removed++
	}
	if removed > 0 {
		s.logger.Info().Str("workspace_id", workspaceID).Int("removed", removed).Msg("Pruned rotated keys")
	}
	return removed, nil
}

// Keys lists the stored versions of a workspace without material.
func (s *Service) Keys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error) {
	keys, err := s.keys.ListKeys(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].Material = nil
	}
	return keys, nil
}

// Forget drops cached keys of a workspace.
func (s *Service) Forget(workspaceID string) {
	prefix := workspaceID + ":"
	s.byID.DeleteFunc(func(id string) bool { return strings.HasPrefix(id, prefix) })
	slot := workspaceID + "/"
	s.active.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, slot) })
}

func (s *Service) activeKey(ctx context.Context, workspaceID, method string) (*liveKey, error) {
	slot := activeSlot(workspaceID, method)
	if id, ok := s.active.Get(slot); ok {
		if lk, ok := s.byID.Get(id); ok && lk.key.Active() {
			return lk, nil
		}
	}

	k, err := s.keys.ActiveKey(ctx, workspaceID, method)
	if err != nil {
		return nil, err
	}
	if k == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Another caller may have created it while we waited.
		if k, err = s.keys.ActiveKey(ctx, workspaceID, method); err != nil {
			return nil, err
		}
		if k == nil {
			next, err := s.nextVersion(ctx, workspaceID, method)
			if err != nil {
				return nil, err
			}
			return s.createKey(ctx, workspaceID, method, next)
		}
	}
	lk, err := s.unwrap(*k)
	if err != nil {
		return nil, err
	}
	s.byID.Set(k.KeyID, lk)
	s.active.Set(slot, k.KeyID)
	return lk, nil
}

// loadKey returns the key keyID, refusing records owned by a workspace
// other than workspaceID.
func (s *Service) loadKey(ctx context.Context, keyID, workspaceID string) (*liveKey, error) {
	if lk, ok := s.byID.Get(keyID); ok {
		if lk.key.WorkspaceID != workspaceID {
			return nil, models.ErrCrossWorkspaceKeyDenied
		}
		return lk, nil
	}
	k, err := s.keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrKeyNotFound, keyID)
	}
	if k.WorkspaceID != workspaceID {
		return nil, models.ErrCrossWorkspaceKeyDenied
	}
	lk, err := s.unwrap(*k)
	if err != nil {
		return nil, err
	}
	s.byID.Set(keyID, lk)
	return lk, nil
}

// nextVersion returns one past the highest stored version. Must hold mu.
func (s *Service) nextVersion(ctx context.Context, workspaceID, method string) (int, error) {
	keys, err := s.keys.ListKeys(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, k := range keys {
		if k.Method == method && k.Version > highest {
			highest = k.Version
		}
	}
	return highest + 1, nil
}

// createKey generates, wraps and stores a new active key. Must hold mu.
func (s *Service) createKey(ctx context.Context, workspaceID, method string, version int) (*liveKey, error) {
	material, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	id := KeyID(workspaceID, method, version)
	wrapped, err := s.wrapper.Wrap(workspaceID, id, material)
	if err != nil {
		return nil, err
	}
	k := models.EncryptionKey{
		KeyID:       id,
		WorkspaceID: workspaceID,
		Method:      method,
		Version:     version,
		Material:    wrapped,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.keys.PutKey(ctx, k); err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(method, material)
	if err != nil {
		return nil, err
	}
	k.Material = nil
	lk := &liveKey{key: k, aead: aead}
	s.byID.Set(id, lk)
	s.active.Set(activeSlot(workspaceID, method), id)
	s.logger.Debug().Str("workspace_id", workspaceID).Str("key_id", id).Msg("Created encryption key")
	return lk, nil
}

func (s *Service) unwrap(k models.EncryptionKey) (*liveKey, error) {
	material, err := s.wrapper.Unwrap(k.WorkspaceID, k.KeyID, k.Material)
	if err != nil {
		s.logger.Error().Err(err).Str("key_id", k.KeyID).Msg("Failed to unwrap key material")
		return nil, fmt.Errorf("%w: key %s could not be unwrapped", models.ErrDecrypt, k.KeyID)
	}
	aead, err := crypto.NewAEAD(k.Method, material)
	if err != nil {
		return nil, err
	}
	k.Material = nil
	return &liveKey{key: k, aead: aead}, nil
}
