package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

const nonceSize = 24

// SecretboxCodec seals the JSON payload with NaCl secretbox under a static
// 32-byte key. The output is base64url(nonce || ciphertext), opaque to
// clients by construction.
type SecretboxCodec struct {
	key [KeySize]byte
}

// NewSecretboxCodec builds a codec from a 32-byte key.
func NewSecretboxCodec(key []byte) (*SecretboxCodec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &SecretboxCodec{}
	copy(c.key[:], key)
	return c, nil
}

// Issue seals the payload into an opaque token.
func (c *SecretboxCodec) Issue(payload Payload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode session payload: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open unseals a token. Any decode failure yields ErrInvalidToken.
func (c *SecretboxCodec) Open(token string) (*Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < nonceSize {
		return nil, ErrInvalidToken
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrInvalidToken
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	return &payload, nil
}
