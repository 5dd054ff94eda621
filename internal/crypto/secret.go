// Package crypto signs venue REST requests and keeps venue API secrets
// encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/pbkdf2"
)

const (
	sealVersion = 1
	sealKDF     = "pbkdf2-sha256"
	// defaultIterations follows the OWASP guidance for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	minIterations     = 100_000
	saltLen           = 16
	keyLen            = 32
)

// sealAAD binds ciphertexts to their purpose so a sealed secret cannot be
// replayed into another AES-GCM consumer using the same password.
var sealAAD = []byte("crossarb/venue-secret")

// sealedSecret is the on-disk format. Iterations are stored so they can be
// raised for new files without breaking old ones.
type sealedSecret struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretConfig says where a venue API secret comes from.
type SecretConfig struct {
	// Raw is used as-is when set.
	Raw string
	// EncryptedPath points to a file produced by EncryptSecret.
	EncryptedPath string
	Password      string
}

// EncryptSecret seals secret under a password-derived AES-256-GCM key and
// returns the JSON file contents.
func EncryptSecret(secret, password string) ([]byte, error) {
	switch {
	case password == "":
		return nil, errors.New("crypto: password must not be empty")
	case secret == "":
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := deriveAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	enc := base64.RawStdEncoding
	return json.MarshalIndent(sealedSecret{
		Version:    sealVersion,
		KDF:        sealKDF,
		Iterations: defaultIterations,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(aead.Seal(nil, nonce, []byte(secret), sealAAD)),
	}, "", "  ")
}

// DecryptSecret opens a file produced by EncryptSecret.
func DecryptSecret(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var s sealedSecret
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	switch {
	case s.Version != sealVersion:
		return "", fmt.Errorf("crypto: unsupported sealed secret version %d", s.Version)
	case s.KDF != sealKDF:
		return "", fmt.Errorf("crypto: unsupported kdf %q", s.KDF)
	case s.Iterations < minIterations:
		return "", fmt.Errorf("crypto: %d kdf iterations is below the minimum %d", s.Iterations, minIterations)
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: salt: %w", err)
	}
	nonce, err := enc.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: ciphertext: %w", err)
	}

	aead, err := deriveAEAD(password, salt, s.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, sealAAD)
	if err != nil {
		return "", errors.New("crypto: cannot open sealed secret: wrong password or corrupted file")
	}
	return string(plain), nil
}

// LoadSecret resolves a secret: Raw first, then the encrypted file.
func LoadSecret(cfg SecretConfig) (string, error) {
	if s := strings.TrimSpace(cfg.Raw); s != "" {
		return s, nil
	}
	if cfg.EncryptedPath == "" {
		return "", errors.New("crypto: no secret source configured")
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return DecryptSecret(data, cfg.Password)
}

func deriveAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}
