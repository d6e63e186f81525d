// Package vault stores source credentials outside the metadata tree. Layer
// records reference credentials by key; plaintext only exists in memory while
// a connector session is being built.
package vault

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/omnisource/tessera/pkg/errors"
)

// Vault resolves credential references to secret bytes.
type Vault interface {
	// Get returns the secret bytes for a key.
	Get(key string) ([]byte, error)
	// Put stores secret bytes and returns the reference to persist.
	Put(key string, data []byte) (string, error)
}

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,200}$`)

// FileVault stores each secret as a file under a root directory.
type FileVault struct {
	root string
}

// NewFileVault creates a file-backed vault rooted at dir, creating it if
// needed.
func NewFileVault(dir string) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create vault directory")
	}
	return &FileVault{root: dir}, nil
}

func (v *FileVault) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", errors.Newf(errors.ErrorTypeValidation, "invalid vault key %q", key)
	}
	return filepath.Join(v.root, key), nil
}

// Get reads a secret.
func (v *FileVault) Get(key string) ([]byte, error) {
	p, err := v.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "vault key %q not found", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read vault entry")
	}
	return data, nil
}

// Put writes a secret atomically and returns the key as its reference.
func (v *FileVault) Put(key string, data []byte) (string, error) {
	p, err := v.path(key)
	if err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "failed to write vault entry")
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "failed to commit vault entry")
	}
	return key, nil
}
