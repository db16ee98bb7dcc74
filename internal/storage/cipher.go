package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// ContentCipher encrypts memory content at rest. Classification and simhash
// always run on plaintext before the store boundary; decryption happens on
// read paths that return content to callers.
type ContentCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NoopCipher passes content through unchanged. Used when encryption is
// disabled.
type NoopCipher struct{}

func (NoopCipher) Encrypt(s string) (string, error) { return s, nil }
func (NoopCipher) Decrypt(s string) (string, error) { return s, nil }

// AESCipher is an AES-256-GCM content cipher. The key is derived from the
// configured passphrase with SHA-256. Output is nonce || ciphertext, stored
// as raw bytes in the content column.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds a cipher from a non-empty passphrase.
func NewAESCipher(passphrase string) (*AESCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is required")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return string(sealed), nil
}

func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw := []byte(ciphertext)
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt content: %w", err)
	}
	return string(plain), nil
}
