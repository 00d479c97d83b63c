// Package secrets provides at-rest encryption for values the gateway
// would otherwise persist in the clear: the audit log's event detail
// blobs, which can carry error codes and register values worth
// protecting on a device that may leave the operator's premises.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize     = 16
	pbkdf2Iter   = 100000
	pbkdf2KeyLen = 32
)

// Cipher encrypts and decrypts byte slices with a key derived from a
// passphrase via PBKDF2. Each Encrypt call draws a fresh random salt
// and nonce, so two calls with the same plaintext never produce the
// same ciphertext.
type Cipher struct {
	passphrase string
}

// New builds a Cipher that derives its AES-256 key from passphrase.
// A zero-value passphrase is rejected by callers before it reaches
// here; Cipher itself does not enforce non-emptiness so tests can
// exercise the derivation directly.
func New(passphrase string) *Cipher {
	return &Cipher{passphrase: passphrase}
}

func (c *Cipher) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(c.passphrase), salt, pbkdf2Iter, pbkdf2KeyLen, sha256.New)
}

// Encrypt returns plaintext sealed under AES-256-GCM, base64-encoded
// as salt||nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("secrets: generate salt: %w", err)
	}

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode: %w", err)
	}
	if len(raw) < saltSize {
		return nil, fmt.Errorf("secrets: ciphertext shorter than salt")
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("secrets: ciphertext shorter than nonce")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}
