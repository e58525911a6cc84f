// Package vault encrypts and decrypts per-connection access secrets with
// AES-256-GCM. Ciphertext tokens carry the id of the key that sealed them, so
// the keyring can rotate without losing access to previously stored secrets.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bankfeed-aggregator/internal/config"
)

// CryptoError indicates a failed decryption: tampered ciphertext, an unknown
// key id, or a malformed token. It is fatal for the connection whose secret it
// guards and must never be downgraded to a plaintext-like result.
type CryptoError struct {
	Op     string
	Reason string
}

func (e *CryptoError) Error() string {
	return "vault: " + e.Op + " failed: " + e.Reason
}

// Is matches any *CryptoError regardless of Op and Reason
func (e *CryptoError) Is(target error) bool {
	_, ok := target.(*CryptoError)
	return ok
}

// Vault seals and opens secrets with a ring of named AES-256 keys.
// The active key seals new secrets; every key in the ring can open.
type Vault struct {
	keys     map[string]cipher.AEAD
	activeID string
}

// New builds a vault from the configured keyring. The config holds
// "keyID=secret" pairs; each secret is stretched to a 32-byte AES key.
func New(cfg *config.VaultConfig) (*Vault, error) {
	keys := make(map[string]cipher.AEAD)

	for _, pair := range strings.Split(cfg.Keys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, found := strings.Cut(pair, "=")
		if !found || id == "" || secret == "" {
			return nil, fmt.Errorf("vault: malformed keyring entry %q", pair)
		}
		aead, err := newAEAD(secret)
		if err != nil {
			return nil, fmt.Errorf("vault: building key %q: %w", id, err)
		}
		keys[id] = aead
	}

	if len(keys) == 0 {
		return nil, errors.New("vault: keyring is empty")
	}
	if _, ok := keys[cfg.ActiveKey]; !ok {
		return nil, fmt.Errorf("vault: active key %q not present in keyring", cfg.ActiveKey)
	}

	return &Vault{keys: keys, activeID: cfg.ActiveKey}, nil
}

// newAEAD derives a 32-byte key from the configured secret so the ring is not
// sensitive to secret length, then wraps it in GCM.
func newAEAD(secret string) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the active key and returns a token of the form
// "keyID:base64(nonce||ciphertext)".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead := v.keys[v.activeID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return v.activeID + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt, under whichever keyring entry the
// token names. All failure modes collapse into *CryptoError.
func (v *Vault) Decrypt(token string) (string, error) {
	keyID, encoded, found := strings.Cut(token, ":")
	if !found || keyID == "" || encoded == "" {
		return "", &CryptoError{Op: "decrypt", Reason: "malformed token"}
	}

	aead, ok := v.keys[keyID]
	if !ok {
		return "", &CryptoError{Op: "decrypt", Reason: "unknown key id"}
	}

	sealed, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "invalid encoding"}
	}

	ns := aead.NonceSize()
	if len(sealed) < ns {
		return "", &CryptoError{Op: "decrypt", Reason: "ciphertext too short"}
	}
	nonce, ciphertext := sealed[:ns], sealed[ns:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "authentication failed"}
	}

	return string(plaintext), nil
}

// ActiveKeyID reports which keyring entry seals new secrets
func (v *Vault) ActiveKeyID() string {
	return v.activeID
}
