// Package crypto holds the cryptographic primitives used by the core:
// Ed25519 admin request signatures, workspace AEADs, key wrapping and
// boundary tokens.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignatureExpired  = errors.New("signature timestamp expired")
	ErrInvalidNonce      = errors.New("invalid or reused nonce")
)

// ValidatePublicKey checks if a base64-encoded string is a valid Ed25519 public key.
func ValidatePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// ParsePrivateKey decodes a base64 Ed25519 private key or 32-byte seed.
func ParsePrivateKey(privB64 string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	}
	return nil, fmt.Errorf("%w: must be %d or %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
}

// GenerateKeypair returns a fresh base64-encoded Ed25519 keypair.
func GenerateKeypair() (pubB64, privB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// VerifySignature verifies a signed message.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignaturePayload creates the canonical data to sign.
// Format: sha256hex(body)|nonce|timestamp
func SignaturePayload(bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", bodyHash, nonce, timestamp))
}

// BodyHash returns the hex SHA-256 of a request body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignRequest signs an admin request body and returns the base64 signature.
func SignRequest(priv ed25519.PrivateKey, body []byte, nonce string, timestamp int64) string {
	sig := ed25519.Sign(priv, SignaturePayload(BodyHash(body), nonce, timestamp))
	return base64.StdEncoding.EncodeToString(sig)
}

// NewNonce returns a random hex nonce of 2*n characters.
func NewNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
