// Package credential seals provider API keys before they are written to the
// configuration file and opens them again on load.
//
// Sealed values are AES-256-GCM ciphertexts carrying the "enc:v1:" prefix.
// The key is derived with HKDF from either an explicit secret (RECALL_SECRET)
// or machine identifiers, so a copied config file does not leak usable keys.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Prefix marks a sealed value.
const Prefix = "enc:v1:"

var (
	ErrOpenFailed    = errors.New("credential: cannot open sealed value")
	ErrInvalidFormat = errors.New("credential: invalid sealed format")
)

// Sealer seals and opens secrets with one derived key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("credential: empty key material")
	}
	key, err := hkdf.Key(sha256.New, secret, []byte("recall"), "config-secrets-v1", 32)
	if err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Default returns a Sealer keyed by $RECALL_SECRET when set, otherwise by
// identifiers of the current machine and user.
func Default() (*Sealer, error) {
	if s := os.Getenv("RECALL_SECRET"); s != "" {
		return NewSealer([]byte(s))
	}
	return NewSealer(machineSecret())
}

// Seal encrypts plaintext. The empty string and already sealed values are
// returned unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are plaintext and
// returned as-is.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", ErrInvalidFormat
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Mask renders a secret for display, keeping only its first and last four
// characters.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case IsSealed(secret):
		return Prefix + "****"
	case len(secret) <= 8:
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func machineSecret() []byte {
	var b strings.Builder
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	b.WriteString(host)
	b.WriteString(home)
	b.WriteString(runtime.GOOS)
	b.WriteString(runtime.GOARCH)
	fmt.Fprintf(&b, "uid:%d", os.Getuid())
	b.WriteString(os.Getenv("USER"))
	return []byte(b.String())
}
