package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// xchacha uses 24-byte random nonces, so nonce reuse is not a concern for
// long-lived keys.
type xchacha struct {
	aead cipher.AEAD
}

func newXChaCha(key []byte) (*xchacha, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &xchacha{aead: aead}, nil
}

func (c *xchacha) Seal(plain, additional []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, additional), nil
}

func (c *xchacha) Open(sealed, additional []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return c.aead.Open(nil, nonce, body, additional)
}
