package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encryptor seals and opens credential secrets. The catalog stores only
// ciphertext produced by Encrypt.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const (
	saltSize   = 32
	nonceSize  = 12
	keySize    = 32
	iterations = 100_000
)

var ErrNoMasterKey = errors.New("credentials: encryption key is not configured")

// AESGCM is an AES-256-GCM Encryptor. Each ciphertext carries its own
// random salt; the key is derived from the master secret with
// PBKDF2-SHA256. The encoding is base64(salt || nonce || sealed).
type AESGCM struct {
	secret []byte
}

func NewAESGCM(masterSecret string) (*AESGCM, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterKey
	}
	return &AESGCM{secret: []byte(masterSecret)}, nil
}

func (e *AESGCM) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.secret, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

func (e *AESGCM) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, saltSize+nonceSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("credentials: generate salt: %w", err)
	}
	aead, err := e.aead(buf[:saltSize])
	if err != nil {
		return "", fmt.Errorf("credentials: %w", err)
	}
	out := aead.Seal(buf, buf[saltSize:], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (e *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("credentials: decode ciphertext: %w", err)
	}
	if len(raw) < saltSize+nonceSize {
		return "", errors.New("credentials: ciphertext too short")
	}
	aead, err := e.aead(raw[:saltSize])
	if err != nil {
		return "", fmt.Errorf("credentials: %w", err)
	}
	plain, err := aead.Open(nil, raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt: %w", err)
	}
	return string(plain), nil
}

// MaskKey keeps the first and last four characters of a secret for logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
