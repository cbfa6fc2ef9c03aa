package docservice

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PasswordCipher encrypts document passwords before they reach the record
// store. Ciphertexts are base64(nonce || sealed).
type PasswordCipher struct {
	key []byte
}

func NewPasswordCipher(secret string) *PasswordCipher {
	sum := sha256.Sum256([]byte(secret))
	return &PasswordCipher{key: sum[:]}
}

func (c *PasswordCipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *PasswordCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("docservice: decode password: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("docservice: password ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("docservice: open password: %w", err)
	}
	return string(plain), nil
}

// Seal encrypts a password supplied by a client. Values that already decrypt
// under this cipher pass through, so a command can be sealed more than once.
func (c *PasswordCipher) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := c.Decrypt(value); err == nil {
		return value, nil
	}
	return c.Encrypt(value)
}

// Matches reports whether the stored ciphertext decrypts to the candidate
// ciphertext's plaintext.
func (c *PasswordCipher) Matches(stored, candidate string) bool {
	a, err := c.Decrypt(stored)
	if err != nil {
		return false
	}
	b, err := c.Decrypt(candidate)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
