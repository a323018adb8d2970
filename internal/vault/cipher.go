package vault

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Cipher seals and opens credential ciphertext. additional is authenticated
// but not encrypted; the vault binds each ciphertext to its connection id.
type Cipher interface {
	Seal(plain, additional []byte) ([]byte, error)
	Open(sealed, additional []byte) ([]byte, error)
}

const (
	CipherAESGCM   = "aes-gcm"
	CipherXChaCha  = "xchacha20poly1305"
	hkdfInfoPrefix = "banksync credential vault "
)

// NewCipher derives a 256-bit key from secret with HKDF-SHA256 and returns
// the named AEAD. An empty name selects AES-GCM.
func NewCipher(name string, secret []byte) (Cipher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("vault secret is empty")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = CipherAESGCM
	}
	key, err := deriveKey(secret, name)
	if err != nil {
		return nil, err
	}
	switch name {
	case CipherAESGCM:
		return newAESGCM(key)
	case CipherXChaCha:
		return newXChaCha(key)
	default:
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
}

func deriveKey(secret []byte, name string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoPrefix+name))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
