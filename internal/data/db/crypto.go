package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// Cipher seals secret columns before they reach SQLite. The default key is
// derived from the machine hostname, so a copied database file does not
// decrypt elsewhere.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds an AES-GCM cipher keyed from the machine hostname.
func NewCipher() (*Cipher, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "kirobox"
	}
	return NewCipherWithSeed(hostname + "kirobox-encryption-key")
}

// NewCipherWithSeed builds a cipher from an explicit key seed.
func NewCipherWithSeed(seed string) (*Cipher, error) {
	key := sha256.Sum256([]byte(seed))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns base64 ciphertext with the nonce
// prefixed. An empty string stays empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty string stays empty.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}
