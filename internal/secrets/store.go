// Package secrets manages the process-wide vault secret when it is not
// supplied through configuration: a random key kept in a 0600 file.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	fileName = "vault.key"
	keySize  = 32
)

// DefaultKeyPath is the key file location under the user config dir.
func DefaultKeyPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "banksync", fileName), nil
}

// LoadOrCreateKey reads the base64 key at path, generating and saving a new
// one when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("key path required")
	}
	key, err := load(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := save(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(key) < keySize {
		return nil, fmt.Errorf("key file %s: key shorter than %d bytes", path, keySize)
	}
	return key, nil
}

func save(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	data := []byte(base64.StdEncoding.EncodeToString(key) + "\n")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
