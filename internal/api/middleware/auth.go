package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/cache"
	"github.com/eldtechnologies/switchboard/internal/crypto"
)

type contextKey string

const SignerContextKey contextKey = "signer"

// Admin request headers.
const (
	HeaderKey       = "X-Switchboard-Key"
	HeaderNonce     = "X-Switchboard-Nonce"
	HeaderTimestamp = "X-Switchboard-Timestamp"
	HeaderSignature = "X-Switchboard-Signature"
)

const nonceTTL = 3 * time.Minute

// NonceStore records used nonces. ClaimNonce reports false for a reused one.
type NonceStore interface {
	ClaimNonce(ctx context.Context, signer, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a NonceStore for single-instance deployments.
type MemoryNonces struct {
	mu   sync.Mutex
	seen *cache.TTL[string, struct{}]
}

// NewMemoryNonces creates an in-process nonce store.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: cache.NewTTL[string, struct{}](nonceTTL, 100000)}
}

func (m *MemoryNonces) ClaimNonce(ctx context.Context, signer, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := signer + ":" + nonce
	if _, ok := m.seen.Get(key); ok {
		return false, nil
	}
	m.seen.Set(key, struct{}{})
	return true, nil
}

// AuthMiddleware handles signature verification for admin endpoints.
type AuthMiddleware struct {
	keys   map[string]ed25519.PublicKey
	nonces NonceStore
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewAuthMiddleware creates an auth middleware accepting the given base64
// Ed25519 public keys.
func NewAuthMiddleware(adminKeys []string, nonces NonceStore, logger zerolog.Logger) (*AuthMiddleware, error) {
	keys := make(map[string]ed25519.PublicKey, len(adminKeys))
	for _, k := range adminKeys {
		pub, err := crypto.ValidatePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("admin key: %w", err)
		}
		keys[k] = pub
	}
	if nonces == nil {
		nonces = NewMemoryNonces()
	}
	return &AuthMiddleware{
		keys:   keys,
		nonces: nonces,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		now:    time.Now,
		logger: logger,
	}, nil
}

// RequireAdmin verifies Ed25519 signatures on admin requests.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract headers
		signer := r.Header.Get(HeaderKey)
		nonce := r.Header.Get(HeaderNonce)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		// Validate all headers present
		if signer == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		// Parse and validate timestamp
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		// Validate nonce format (min 24 chars for adequate entropy)
		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		pubkey, ok := m.keys[signer]
		if !ok {
			m.reject(r, signer, "unknown_admin_key")
			jsonError(w, http.StatusUnauthorized, "unknown admin key")
			return
		}

		// Read body and compute hash
		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		signedData := crypto.SignaturePayload(crypto.BodyHash(body), nonce, ts)
		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			m.reject(r, signer, "invalid_signature")
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Claim nonce only after the signature checks out
		fresh, err := m.nonces.ClaimNonce(r.Context(), signer, nonce, nonceTTL)
		if err != nil {
			m.logger.Error().Err(err).Msg("nonce store unavailable")
			jsonError(w, http.StatusServiceUnavailable, "nonce store unavailable")
			return
		}
		if !fresh {
			m.reject(r, signer, "nonce_reused")
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		ctx := context.WithValue(r.Context(), SignerContextKey, signer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

func (m *AuthMiddleware) reject(r *http.Request, signer, event string) {
	m.logger.Warn().
		Str("type", "security").
		Str("event", event).
		Str("ip", ClientIP(r)).
		Str("signer", signer).
		Str("endpoint", r.URL.Path).
		Msg("admin request rejected")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetSignerFromContext returns the admin key that signed the request.
func GetSignerFromContext(ctx context.Context) string {
	signer, _ := ctx.Value(SignerContextKey).(string)
	return signer
}
