package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// KeySize is the symmetric key length of every supported method.
const KeySize = 32

var (
	ErrInvalidKey       = errors.New("invalid symmetric key")
	ErrCiphertext       = errors.New("ciphertext authentication failed")
	ErrInvalidMasterKey = errors.New("master key must be 32 bytes")
)

// NewAEAD returns the AEAD for method keyed with key.
func NewAEAD(method string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	switch method {
	case models.MethodChaCha20:
		return chacha20poly1305.New(key)
	case models.MethodXChaCha20:
		return chacha20poly1305.NewX(key)
	case models.MethodAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownMethod, method)
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func Seal(aead cipher.AEAD, plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal.
func Open(aead cipher.AEAD, data, additionalData []byte) ([]byte, error) {
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCiphertext)
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrCiphertext
	}
	return out, nil
}

// KeyWrapper encrypts key material at rest under a per-workspace key
// derived from a master key with HKDF-SHA256.
type KeyWrapper struct {
	master []byte
}

// NewKeyWrapper validates master and returns a wrapper.
func NewKeyWrapper(master []byte) (*KeyWrapper, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidMasterKey
	}
	m := make([]byte, KeySize)
	copy(m, master)
	return &KeyWrapper{master: m}, nil
}

// ParseMasterKey decodes a base64 master key.
func ParseMasterKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidMasterKey)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

func (w *KeyWrapper) aead(workspaceID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, w.master, nil, []byte("switchboard/key-wrap/"+workspaceID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// Wrap encrypts material for storage, bound to workspaceID and keyID.
func (w *KeyWrapper) Wrap(workspaceID, keyID string, material []byte) ([]byte, error) {
	aead, err := w.aead(workspaceID)
	if err != nil {
		return nil, err
	}
	return Seal(aead, material, []byte(keyID))
}

// Unwrap decrypts material produced by Wrap.
func (w *KeyWrapper) Unwrap(workspaceID, keyID string, wrapped []byte) ([]byte, error) {
	aead, err := w.aead(workspaceID)
	if err != nil {
		return nil, err
	}
	return Open(aead, wrapped, []byte(keyID))
}

// BoundaryToken binds a session to (workspaceID, userID, issuedAt).
func BoundaryToken(secret []byte, workspaceID, userID string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(workspaceID))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(issuedAt.UnixNano(), 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyBoundaryToken reports whether token matches the inputs.
func VerifyBoundaryToken(secret []byte, token, workspaceID, userID string, issuedAt time.Time) bool {
	want := BoundaryToken(secret, workspaceID, userID, issuedAt)
	return hmac.Equal([]byte(token), []byte(want))
}
