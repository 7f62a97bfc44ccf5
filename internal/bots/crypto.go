package bots

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
)

// Cipher seals bot credentials for the secrets_enc column. AES-256-GCM with
// a random nonce prefixed to the ciphertext, base64-encoded.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher takes the hex-encoded 32-byte key from BOT_SECRETS_KEY.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(s steam.Secrets) (string, error) {
	plain, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(enc string) (steam.Secrets, error) {
	var s steam.Secrets
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return s, fmt.Errorf("decoding secrets: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return s, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return s, fmt.Errorf("opening secrets: %w", err)
	}
	if err := json.Unmarshal(plain, &s); err != nil {
		return s, fmt.Errorf("parsing secrets: %w", err)
	}
	return s, nil
}
